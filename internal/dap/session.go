// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/microsoft/nova/internal/jdwp"
)

// disposeTimeout bounds the courtesy dispose when the client connection goes
// away without a disconnect request.
const disposeTimeout = 5 * time.Second

// classPrepareTimeout bounds the deferred breakpoint installation triggered
// by one class prepare event.
const classPrepareTimeout = 10 * time.Second

type sessionState int

const (
	stateUninitialized sessionState = iota
	stateInitialized
	stateConnected
	stateTerminated
)

// stopContext is what the adapter remembers about one stopped thread, for
// exceptionInfo and friends. It lives until the next resume.
type stopContext struct {
	reason        string
	exception     jdwp.ObjectID
	catchLocation *jdwp.Location
}

// Session holds the debugger state behind one client connection: the JDWP
// client, the handle registry, and the installed event requests. Request
// handlers run on the router's goroutines; everything here is mutex-guarded.
type Session struct {
	log       logr.Logger
	launcher  *Launcher
	clientCfg jdwp.ClientConfig

	// send enqueues an event on the connection's outgoing queue. It never
	// blocks past session teardown.
	send func(dap.Message)

	mu          sync.Mutex
	state       sessionState
	client      *jdwp.Client
	registry    *Registry
	formatter   *Formatter
	breakpoints *BreakpointManager
	debuggee    *Debuggee
	stopOnEntry bool
	launched    bool

	// stepRequests tracks the in-flight step request per thread so a new step
	// or a fired one clears it.
	stepRequests map[jdwp.ThreadID]int32

	// stops is the per-thread stop context of the current stop.
	stops map[jdwp.ThreadID]*stopContext

	terminatedOnce sync.Once
}

func NewSession(launcher *Launcher, clientCfg jdwp.ClientConfig, log logr.Logger) *Session {
	return &Session{
		log:          log,
		launcher:     launcher,
		clientCfg:    clientCfg,
		registry:     NewRegistry(),
		stepRequests: make(map[jdwp.ThreadID]int32),
		stops:        make(map[jdwp.ThreadID]*stopContext),
	}
}

func (s *Session) setSend(send func(dap.Message)) {
	s.send = send
}

// attachedClient returns the connected client or ErrNotAttached.
func (s *Session) attachedClient() (*jdwp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateConnected || s.client == nil {
		return nil, ErrNotAttached
	}
	return s.client, nil
}

func (s *Session) emitTerminated() {
	s.terminatedOnce.Do(func() {
		s.send(newTerminatedEvent())
	})
}

// ---------------------------------------------------------------------------
// Lifecycle requests.

func (s *Session) onInitialize(_ context.Context, request *dap.InitializeRequest) (dap.Message, error) {
	s.mu.Lock()
	s.state = stateInitialized
	s.mu.Unlock()

	return &dap.InitializeResponse{
		Response: newResponse(request.Seq, request.Command),
		Body:     adapterCapabilities(),
	}, nil
}

func (s *Session) onAttach(ctx context.Context, request *dap.AttachRequest) (dap.Message, error) {
	var config AttachConfig
	if err := json.Unmarshal(request.Arguments, &config); err != nil {
		return nil, fmt.Errorf("malformed attach arguments: %w", err)
	}
	if config.Port == 0 {
		return nil, fmt.Errorf("attach configuration is missing \"port\"")
	}

	client, err := jdwp.Dial(ctx, config.address(), s.clientCfg)
	if err != nil {
		return nil, err
	}

	if err := s.adoptClient(ctx, client, nil, false); err != nil {
		return nil, err
	}
	return &dap.AttachResponse{Response: newResponse(request.Seq, request.Command)}, nil
}

func (s *Session) onLaunch(ctx context.Context, request *dap.LaunchRequest) (dap.Message, error) {
	var config LaunchConfig
	if err := json.Unmarshal(request.Arguments, &config); err != nil {
		return nil, fmt.Errorf("malformed launch arguments: %w", err)
	}

	output := func(category, line string) {
		s.send(newOutputEvent(category, line))
	}
	client, debuggee, err := s.launcher.Launch(ctx, config, s.clientCfg, output)
	if err != nil {
		return nil, err
	}

	if err := s.adoptClient(ctx, client, debuggee, config.StopOnEntry); err != nil {
		if killErr := debuggee.Kill(); killErr != nil {
			s.log.V(1).Info("failed to kill debuggee after setup failure", "error", killErr.Error())
		}
		return nil, err
	}
	return &dap.LaunchResponse{Response: newResponse(request.Seq, request.Command)}, nil
}

// adoptClient wires a freshly attached client into the session: the class
// prepare watch for deferred breakpoints, the event pump, and the initialized
// event telling the client to send its configuration.
func (s *Session) adoptClient(ctx context.Context, client *jdwp.Client, debuggee *Debuggee, stopOnEntry bool) error {
	s.mu.Lock()
	if s.state == stateTerminated || s.client != nil {
		s.mu.Unlock()
		_ = client.Close()
		return ErrSessionClosed
	}
	s.client = client
	s.debuggee = debuggee
	s.stopOnEntry = stopOnEntry
	s.launched = debuggee != nil
	s.state = stateConnected
	s.registry = NewRegistry()
	s.formatter = NewFormatter(client, s.registry)
	s.breakpoints = NewBreakpointManager(client, s.log.WithName("breakpoints"))
	s.mu.Unlock()

	_, err := client.SetEventRequest(ctx, jdwp.EventClassPrepare, jdwp.SuspendPolicyNone, []jdwp.Modifier{
		jdwp.ClassMatchModifier{Pattern: "*"},
	})
	if err != nil {
		s.log.V(1).Info("failed to install class prepare watch; deferred breakpoints disabled", "error", err.Error())
	}

	go s.pumpEvents(client)
	if debuggee != nil {
		go s.watchDebuggee(debuggee)
	}

	s.send(newInitializedEvent())
	return nil
}

func (s *Session) onConfigurationDone(ctx context.Context, request *dap.ConfigurationDoneRequest) (dap.Message, error) {
	client, err := s.attachedClient()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	launched, stopOnEntry := s.launched, s.stopOnEntry
	s.mu.Unlock()

	// A launched debuggee starts suspended on its debug agent. Either
	// surface that as an entry stop or let it run.
	if launched {
		if stopOnEntry {
			threads, err := client.AllThreads(ctx)
			if err != nil {
				return nil, err
			}
			threadID := 0
			if len(threads) > 0 {
				threadID = int(threads[0])
				s.recordStop(threads[0], &stopContext{reason: "entry"})
			}
			s.send(newStoppedEvent("entry", threadID, true))
		} else if err := client.Resume(ctx); err != nil {
			return nil, err
		}
	}

	return &dap.ConfigurationDoneResponse{Response: newResponse(request.Seq, request.Command)}, nil
}

func (s *Session) onDisconnect(ctx context.Context, request *dap.DisconnectRequest) (dap.Message, error) {
	terminateDebuggee := request.Arguments != nil && request.Arguments.TerminateDebuggee

	s.mu.Lock()
	client := s.client
	debuggee := s.debuggee
	s.client = nil
	s.state = stateTerminated
	s.mu.Unlock()

	if client != nil {
		if terminateDebuggee {
			if debuggee != nil {
				if err := debuggee.Kill(); err != nil {
					s.log.V(1).Info("failed to kill debuggee", "error", err.Error())
				}
			} else if err := client.Exit(ctx, 1); err != nil {
				s.log.V(1).Info("failed to exit debuggee", "error", err.Error())
			}
		} else if err := client.Dispose(ctx); err != nil {
			s.log.V(1).Info("failed to dispose debuggee connection", "error", err.Error())
		}
		_ = client.Close()
	}

	s.emitTerminated()
	return &dap.DisconnectResponse{Response: newResponse(request.Seq, request.Command)}, nil
}

func (s *Session) onTerminate(ctx context.Context, request *dap.TerminateRequest) (dap.Message, error) {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.state = stateTerminated
	s.mu.Unlock()

	if client != nil {
		if err := client.Exit(ctx, 0); err != nil {
			s.log.V(1).Info("failed to exit debuggee", "error", err.Error())
		}
		_ = client.Close()
	}

	s.emitTerminated()
	return &dap.TerminateResponse{Response: newResponse(request.Seq, request.Command)}, nil
}

// close tears the session down when the client connection goes away without a
// disconnect request.
func (s *Session) close() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.state = stateTerminated
	s.mu.Unlock()

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
		defer cancel()
		if err := client.Dispose(ctx); err != nil {
			s.log.V(1).Info("failed to dispose debuggee connection", "error", err.Error())
		}
		_ = client.Close()
	}
}

// ---------------------------------------------------------------------------
// Inspection requests.

func (s *Session) onThreads(ctx context.Context, request *dap.ThreadsRequest) (dap.Message, error) {
	client, err := s.attachedClient()
	if err != nil {
		return nil, err
	}

	threadIDs, err := client.AllThreads(ctx)
	if err != nil {
		return nil, err
	}

	threads := make([]dap.Thread, 0, len(threadIDs))
	for _, id := range threadIDs {
		name, err := client.ThreadName(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			name = "thread"
		}
		threads = append(threads, dap.Thread{Id: int(id), Name: name})
	}

	return &dap.ThreadsResponse{
		Response: newResponse(request.Seq, request.Command),
		Body:     dap.ThreadsResponseBody{Threads: threads},
	}, nil
}

func (s *Session) onStackTrace(ctx context.Context, request *dap.StackTraceRequest) (dap.Message, error) {
	client, err := s.attachedClient()
	if err != nil {
		return nil, err
	}

	thread := jdwp.ThreadID(request.Arguments.ThreadId)
	frameCount, err := client.FrameCount(ctx, thread)
	if err != nil {
		return nil, err
	}

	start := int32(request.Arguments.StartFrame)
	levels := int32(request.Arguments.Levels)
	if start < 0 {
		start = 0
	}
	// Clamp the page so start+levels never exceeds the actual frame count.
	if start >= frameCount {
		return &dap.StackTraceResponse{
			Response: newResponse(request.Seq, request.Command),
			Body:     dap.StackTraceResponseBody{StackFrames: []dap.StackFrame{}, TotalFrames: int(frameCount)},
		}, nil
	}
	if levels <= 0 || start+levels > frameCount {
		levels = frameCount - start
	}

	frames, err := client.Frames(ctx, thread, start, levels)
	if err != nil {
		return nil, err
	}

	stackFrames := make([]dap.StackFrame, 0, len(frames))
	for i, frame := range frames {
		index := start + int32(i)
		id := s.registry.FrameHandle(thread, index, frame.ID, frame.Location)
		stackFrames = append(stackFrames, s.renderFrame(ctx, client, id, frame.Location))
	}

	return &dap.StackTraceResponse{
		Response: newResponse(request.Seq, request.Command),
		Body:     dap.StackTraceResponseBody{StackFrames: stackFrames, TotalFrames: int(frameCount)},
	}, nil
}

// renderFrame resolves the display name, source and line of one frame.
// Resolution failures degrade to partial frames rather than failing the page.
func (s *Session) renderFrame(ctx context.Context, client *jdwp.Client, id int, location jdwp.Location) dap.StackFrame {
	frame := dap.StackFrame{Id: id, Name: "<unknown>", Line: 1}

	signature, err := client.SignatureCached(ctx, location.Class)
	if err != nil {
		return frame
	}
	className := jdwp.SignatureToTypeName(signature)
	frame.Name = className

	methods, err := client.Methods(ctx, location.Class)
	if err == nil {
		for _, method := range methods {
			if method.ID == location.Method {
				frame.Name = className + "." + method.Name
				break
			}
		}
	}

	if table, err := client.LineTable(ctx, location.Class, location.Method); err == nil {
		frame.Line = int(table.LineFor(location.Index))
	}

	if sourceFile, err := client.SourceFile(ctx, location.Class); err == nil {
		source := &dap.Source{Name: sourceFile}
		if s.breakpoints != nil {
			if path, found := s.breakpoints.SourcePath(sourceFile); found {
				source.Path = path
			}
		}
		frame.Source = source
	}

	return frame
}

func (s *Session) onScopes(_ context.Context, request *dap.ScopesRequest) (dap.Message, error) {
	if _, err := s.attachedClient(); err != nil {
		return nil, err
	}

	if _, found := s.registry.LookupFrame(request.Arguments.FrameId); !found {
		return nil, ErrStaleFrame
	}

	return &dap.ScopesResponse{
		Response: newResponse(request.Seq, request.Command),
		Body: dap.ScopesResponseBody{
			Scopes: []dap.Scope{{
				Name:               "Locals",
				VariablesReference: s.registry.LocalsReference(request.Arguments.FrameId),
				Expensive:          false,
			}},
		},
	}, nil
}

func (s *Session) onVariables(ctx context.Context, request *dap.VariablesRequest) (dap.Message, error) {
	client, err := s.attachedClient()
	if err != nil {
		return nil, err
	}

	entry, found := s.registry.LookupVar(request.Arguments.VariablesReference)
	if !found {
		return nil, ErrUnknownReference
	}

	var variables []dap.Variable
	switch entry.Kind {
	case ChildrenLocals:
		variables, err = s.localVariables(ctx, client, entry.FrameID)
	case ChildrenObject:
		variables, err = s.objectVariables(ctx, client, entry.Object)
	}
	if err != nil {
		return nil, err
	}

	return &dap.VariablesResponse{
		Response: newResponse(request.Seq, request.Command),
		Body:     dap.VariablesResponseBody{Variables: variables},
	}, nil
}

func (s *Session) localVariables(ctx context.Context, client *jdwp.Client, frameID int) ([]dap.Variable, error) {
	frame, found := s.registry.LookupFrame(frameID)
	if !found {
		return nil, ErrStaleFrame
	}

	_, table, err := client.VariableTable(ctx, frame.Location.Class, frame.Location.Method)
	if err != nil {
		if jdwp.VMErrorCode(err) == jdwp.ErrCodeAbsentInfo {
			return []dap.Variable{}, nil // compiled without debug info
		}
		return nil, err
	}

	var inScope []jdwp.VariableInfo
	slots := make([]jdwp.SlotRequest, 0, len(table))
	for _, variable := range table {
		if !variable.InScopeAt(frame.Location.Index) {
			continue
		}
		inScope = append(inScope, variable)
		slots = append(slots, jdwp.SlotRequest{Slot: variable.Slot, Tag: variable.Signature[0]})
	}
	if len(slots) == 0 {
		return []dap.Variable{}, nil
	}

	values, err := client.FrameValues(ctx, frame.Thread, frame.Frame, slots)
	if err != nil {
		return nil, err
	}

	variables := make([]dap.Variable, 0, len(values))
	for i, value := range values {
		formatted, err := s.formatter.FormatValue(ctx, value, jdwp.SignatureToTypeName(inScope[i].Signature))
		if err != nil {
			return nil, err
		}
		variables = append(variables, dap.Variable{
			Name:               inScope[i].Name,
			Value:              formatted.Value,
			Type:               formatted.TypeName,
			VariablesReference: formatted.VariablesReference,
			PresentationHint:   formatted.PresentationHint,
		})
	}
	return variables, nil
}

func (s *Session) objectVariables(ctx context.Context, client *jdwp.Client, object jdwp.ObjectID) ([]dap.Variable, error) {
	children, err := client.ObjectChildren(ctx, object)
	if err != nil {
		if jdwp.IsInvalidObject(err) {
			s.registry.MarkCollected(object)
			return []dap.Variable{}, nil
		}
		return nil, err
	}

	variables := make([]dap.Variable, 0, len(children))
	for _, child := range children {
		formatted, err := s.formatter.FormatValue(ctx, child.Value, child.StaticType)
		if err != nil {
			return nil, err
		}
		variables = append(variables, dap.Variable{
			Name:               child.Name,
			Value:              formatted.Value,
			Type:               formatted.TypeName,
			VariablesReference: formatted.VariablesReference,
			PresentationHint:   formatted.PresentationHint,
		})
	}
	return variables, nil
}

// ---------------------------------------------------------------------------
// Breakpoint requests.

func (s *Session) onSetBreakpoints(ctx context.Context, request *dap.SetBreakpointsRequest) (dap.Message, error) {
	if _, err := s.attachedClient(); err != nil {
		return nil, err
	}

	lines := make([]int, 0, len(request.Arguments.Breakpoints))
	for _, bp := range request.Arguments.Breakpoints {
		lines = append(lines, bp.Line)
	}

	results, err := s.breakpoints.SetLineBreakpoints(ctx, request.Arguments.Source.Path, lines)
	if err != nil {
		return nil, err
	}

	return &dap.SetBreakpointsResponse{
		Response: newResponse(request.Seq, request.Command),
		Body:     dap.SetBreakpointsResponseBody{Breakpoints: results},
	}, nil
}

func (s *Session) onSetExceptionBreakpoints(ctx context.Context, request *dap.SetExceptionBreakpointsRequest) (dap.Message, error) {
	if _, err := s.attachedClient(); err != nil {
		return nil, err
	}

	if err := s.breakpoints.SetExceptionFilters(ctx, request.Arguments.Filters); err != nil {
		return nil, err
	}

	return &dap.SetExceptionBreakpointsResponse{Response: newResponse(request.Seq, request.Command)}, nil
}

func (s *Session) onExceptionInfo(ctx context.Context, request *dap.ExceptionInfoRequest) (dap.Message, error) {
	client, err := s.attachedClient()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	stop := s.stops[jdwp.ThreadID(request.Arguments.ThreadId)]
	s.mu.Unlock()
	if stop == nil || stop.exception == 0 {
		return nil, fmt.Errorf("thread %d is not stopped on an exception", request.Arguments.ThreadId)
	}

	exceptionType, err := client.RuntimeTypeName(ctx, stop.exception)
	if err != nil {
		return nil, err
	}

	description := exceptionType
	if formatted, err := s.formatter.FormatValue(ctx, jdwp.ObjectValue(jdwp.TagObject, stop.exception), exceptionType); err == nil {
		description = formatted.Value
	}

	breakMode := "unhandled"
	if stop.catchLocation != nil {
		breakMode = "always"
	}

	return &dap.ExceptionInfoResponse{
		Response: newResponse(request.Seq, request.Command),
		Body: dap.ExceptionInfoResponseBody{
			ExceptionId: exceptionType,
			Description: description,
			BreakMode:   dap.ExceptionBreakMode(breakMode),
		},
	}, nil
}

func (s *Session) onDataBreakpointInfo(ctx context.Context, request *dap.DataBreakpointInfoRequest) (dap.Message, error) {
	if _, err := s.attachedClient(); err != nil {
		return nil, err
	}

	entry, found := s.registry.LookupVar(request.Arguments.VariablesReference)
	if !found || entry.Kind != ChildrenObject {
		return &dap.DataBreakpointInfoResponse{
			Response: newResponse(request.Seq, request.Command),
			Body: dap.DataBreakpointInfoResponseBody{
				DataId:      "",
				Description: "only object fields can be watched",
			},
		}, nil
	}

	dataID, description, err := s.breakpoints.ResolveDataBreakpoint(ctx, entry.Object, request.Arguments.Name)
	if err != nil {
		return &dap.DataBreakpointInfoResponse{
			Response: newResponse(request.Seq, request.Command),
			Body: dap.DataBreakpointInfoResponseBody{
				DataId:      "",
				Description: err.Error(),
			},
		}, nil
	}

	return &dap.DataBreakpointInfoResponse{
		Response: newResponse(request.Seq, request.Command),
		Body: dap.DataBreakpointInfoResponseBody{
			DataId:      dataID,
			Description: description,
			AccessTypes: []dap.DataBreakpointAccessType{"read", "write", "readWrite"},
			CanPersist:  false,
		},
	}, nil
}

func (s *Session) onSetDataBreakpoints(ctx context.Context, request *dap.SetDataBreakpointsRequest) (dap.Message, error) {
	if _, err := s.attachedClient(); err != nil {
		return nil, err
	}

	results, err := s.breakpoints.SetDataBreakpoints(ctx, request.Arguments.Breakpoints)
	if err != nil {
		return nil, err
	}

	return &dap.SetDataBreakpointsResponse{
		Response: newResponse(request.Seq, request.Command),
		Body:     dap.SetDataBreakpointsResponseBody{Breakpoints: results},
	}, nil
}

// ---------------------------------------------------------------------------
// Execution control.

// resumeAll invalidates every stop-scoped handle and resumes the debuggee.
func (s *Session) resumeAll(ctx context.Context, client *jdwp.Client) error {
	s.mu.Lock()
	s.stops = make(map[jdwp.ThreadID]*stopContext)
	s.mu.Unlock()
	s.registry.InvalidateStop()
	return client.Resume(ctx)
}

func (s *Session) onContinue(ctx context.Context, request *dap.ContinueRequest) (dap.Message, error) {
	client, err := s.attachedClient()
	if err != nil {
		return nil, err
	}

	if err := s.resumeAll(ctx, client); err != nil {
		return nil, err
	}

	return &dap.ContinueResponse{
		Response: newResponse(request.Seq, request.Command),
		Body:     dap.ContinueResponseBody{AllThreadsContinued: true},
	}, nil
}

func (s *Session) step(ctx context.Context, thread jdwp.ThreadID, depth int32) error {
	client, err := s.attachedClient()
	if err != nil {
		return err
	}

	s.mu.Lock()
	previous, hadPrevious := s.stepRequests[thread]
	delete(s.stepRequests, thread)
	s.mu.Unlock()
	if hadPrevious {
		if err := client.ClearEventRequest(ctx, jdwp.EventSingleStep, previous); err != nil {
			s.log.V(1).Info("failed to clear previous step request", "requestID", previous, "error", err.Error())
		}
	}

	requestID, err := client.SetEventRequest(ctx, jdwp.EventSingleStep, jdwp.SuspendPolicyAll, []jdwp.Modifier{
		jdwp.StepModifier{Thread: thread, Size: jdwp.StepSizeLine, Depth: depth},
		jdwp.CountModifier{Count: 1},
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.stepRequests[thread] = requestID
	s.mu.Unlock()

	return s.resumeAll(ctx, client)
}

func (s *Session) onNext(ctx context.Context, request *dap.NextRequest) (dap.Message, error) {
	if err := s.step(ctx, jdwp.ThreadID(request.Arguments.ThreadId), jdwp.StepDepthOver); err != nil {
		return nil, err
	}
	return &dap.NextResponse{Response: newResponse(request.Seq, request.Command)}, nil
}

func (s *Session) onStepIn(ctx context.Context, request *dap.StepInRequest) (dap.Message, error) {
	if err := s.step(ctx, jdwp.ThreadID(request.Arguments.ThreadId), jdwp.StepDepthInto); err != nil {
		return nil, err
	}
	return &dap.StepInResponse{Response: newResponse(request.Seq, request.Command)}, nil
}

func (s *Session) onStepOut(ctx context.Context, request *dap.StepOutRequest) (dap.Message, error) {
	if err := s.step(ctx, jdwp.ThreadID(request.Arguments.ThreadId), jdwp.StepDepthOut); err != nil {
		return nil, err
	}
	return &dap.StepOutResponse{Response: newResponse(request.Seq, request.Command)}, nil
}

func (s *Session) onPause(ctx context.Context, request *dap.PauseRequest) (dap.Message, error) {
	client, err := s.attachedClient()
	if err != nil {
		return nil, err
	}

	if err := client.Suspend(ctx); err != nil {
		return nil, err
	}

	// Suspension does not produce a JDWP event; report the stop ourselves.
	thread := jdwp.ThreadID(request.Arguments.ThreadId)
	s.recordStop(thread, &stopContext{reason: "pause"})
	s.send(newStoppedEvent("pause", request.Arguments.ThreadId, true))

	return &dap.PauseResponse{Response: newResponse(request.Seq, request.Command)}, nil
}

func (s *Session) recordStop(thread jdwp.ThreadID, stop *stopContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops[thread] = stop
}

// ---------------------------------------------------------------------------
// Debuggee event pump.

// pumpEvents translates JDWP events into DAP events until the connection
// closes. Per-event work that issues further JDWP commands runs on its own
// goroutine so the demultiplexer never waits on itself.
func (s *Session) pumpEvents(client *jdwp.Client) {
	for event := range client.Events() {
		allStopped := event.SuspendPolicy == jdwp.SuspendPolicyAll

		switch event.Kind {
		case jdwp.EventVMStart:
			// The launch path resumes explicitly in configurationDone.

		case jdwp.EventVMDeath:
			s.emitTerminated()

		case jdwp.EventBreakpoint:
			s.recordStop(event.Thread, &stopContext{reason: "breakpoint"})
			s.send(newStoppedEvent("breakpoint", int(event.Thread), allStopped))

		case jdwp.EventSingleStep:
			s.clearFiredStep(event.Thread, event.RequestID)
			s.recordStop(event.Thread, &stopContext{reason: "step"})
			s.send(newStoppedEvent("step", int(event.Thread), allStopped))

		case jdwp.EventException:
			s.recordStop(event.Thread, &stopContext{
				reason:        "exception",
				exception:     event.Exception,
				catchLocation: event.CatchLocation,
			})
			s.send(newStoppedEvent("exception", int(event.Thread), allStopped))

		case jdwp.EventFieldAccess, jdwp.EventFieldModification:
			s.recordStop(event.Thread, &stopContext{reason: "data breakpoint"})
			s.send(newStoppedEvent("data breakpoint", int(event.Thread), allStopped))

		case jdwp.EventClassPrepare:
			typeID := event.TypeID
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), classPrepareTimeout)
				defer cancel()
				s.breakpoints.OnClassPrepare(ctx, typeID)
			}()

		default:
			s.log.V(1).Info("ignoring debuggee event", "kind", event.Kind)
		}
	}
}

// clearFiredStep forgets a step request that just fired; its count modifier
// already disarmed it on the debuggee.
func (s *Session) clearFiredStep(thread jdwp.ThreadID, requestID int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stepRequests[thread] == requestID {
		delete(s.stepRequests, thread)
	}
}

func (s *Session) watchDebuggee(debuggee *Debuggee) {
	info := <-debuggee.Exited
	s.log.V(1).Info("debuggee exited", "PID", info.PID, "exitCode", info.ExitCode)
	s.emitTerminated()
}
