// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/nova/internal/jdwp"
	"github.com/microsoft/nova/pkg/process"
	"github.com/microsoft/nova/pkg/testutil"
)

const eventWait = 5 * time.Second

type adapterHarness struct {
	server  *jdwp.MockServer
	client  *TestClient
	session *Session
}

// startAdapter wires a Session/Router pair between a TestClient and a scripted
// debuggee.
func startAdapter(t *testing.T, cfg jdwp.MockServerConfig) *adapterHarness {
	t.Helper()

	server, err := jdwp.StartMockServer(cfg)
	require.NoError(t, err)
	t.Cleanup(server.Close)

	clientTransport, serverTransport := tcpPair(t)

	log := testutil.NewLogForTesting(t.Name())
	launcher := NewLauncher(process.NewOSExecutor(log), log)
	session := NewSession(launcher, jdwp.ClientConfig{Log: log}, log)
	router := NewRouter(serverTransport, session, log)
	go func() { _ = router.Serve(context.Background()) }()

	client := NewTestClient(clientTransport)
	t.Cleanup(func() { _ = client.Close() })

	return &adapterHarness{server: server, client: client, session: session}
}

// attach performs the standard startup sequence against the mock debuggee.
func (h *adapterHarness) attach(ctx context.Context, t *testing.T) {
	t.Helper()

	_, err := h.client.Initialize(ctx)
	require.NoError(t, err)

	host, portText, err := net.SplitHostPort(h.server.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)

	require.NoError(t, h.client.Attach(ctx, host, port))

	_, err = h.client.WaitForEvent("initialized", eventWait)
	require.NoError(t, err)
	require.NoError(t, h.client.ConfigurationDone(ctx))
}

func mainLocation() jdwp.Location {
	return jdwp.Location{TypeTag: 1, Class: jdwp.MockMainClassID, Method: jdwp.MockMainMethodID, Index: 8}
}

func TestInitializeCapabilities(t *testing.T) {
	t.Parallel()
	h := startAdapter(t, jdwp.MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	resp, err := h.client.Initialize(ctx)
	require.NoError(t, err)

	assert.True(t, resp.Body.SupportsConfigurationDoneRequest)
	assert.True(t, resp.Body.SupportsDataBreakpoints)
	assert.True(t, resp.Body.SupportsCancelRequest)
	assert.True(t, resp.Body.SupportsExceptionInfoRequest)
	assert.True(t, resp.Body.SupportsTerminateRequest)

	filters := make([]string, 0, len(resp.Body.ExceptionBreakpointFilters))
	for _, filter := range resp.Body.ExceptionBreakpointFilters {
		filters = append(filters, filter.Filter)
	}
	assert.Equal(t, []string{"caught", "uncaught"}, filters)
}

func TestThreadsListsDebuggeeThreads(t *testing.T) {
	t.Parallel()
	h := startAdapter(t, jdwp.MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()
	h.attach(ctx, t)

	resp, err := h.client.Threads(ctx)
	require.NoError(t, err)
	require.Len(t, resp.Body.Threads, 1)
	assert.Equal(t, int(jdwp.MockThreadID), resp.Body.Threads[0].Id)
	assert.Equal(t, "main", resp.Body.Threads[0].Name)
}

func TestStackTraceFullAndPaged(t *testing.T) {
	t.Parallel()
	h := startAdapter(t, jdwp.MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()
	h.attach(ctx, t)

	threadID := int(jdwp.MockThreadID)

	full, err := h.client.StackTrace(ctx, threadID, 0, 100)
	require.NoError(t, err)
	require.Len(t, full.Body.StackFrames, 2, "levels beyond the stack depth are clamped")
	assert.Equal(t, 2, full.Body.TotalFrames)

	assert.Equal(t, "Main.helper", full.Body.StackFrames[0].Name)
	assert.Equal(t, 21, full.Body.StackFrames[0].Line)
	assert.Equal(t, "Main.main", full.Body.StackFrames[1].Name)
	assert.Equal(t, 12, full.Body.StackFrames[1].Line)
	require.NotNil(t, full.Body.StackFrames[0].Source)
	assert.Equal(t, "Main.java", full.Body.StackFrames[0].Source.Name)

	page, err := h.client.StackTrace(ctx, threadID, 1, 1)
	require.NoError(t, err)
	require.Len(t, page.Body.StackFrames, 1)
	assert.Equal(t, 2, page.Body.TotalFrames)

	// The same (thread, index) yields the same frame id across pages.
	assert.Equal(t, full.Body.StackFrames[1].Id, page.Body.StackFrames[0].Id)

	again, err := h.client.StackTrace(ctx, threadID, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, full.Body.StackFrames[0].Id, again.Body.StackFrames[0].Id)
}

func TestStackTraceStartBeyondTop(t *testing.T) {
	t.Parallel()
	h := startAdapter(t, jdwp.MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()
	h.attach(ctx, t)

	resp, err := h.client.StackTrace(ctx, int(jdwp.MockThreadID), 5, 10)
	require.NoError(t, err)
	assert.Empty(t, resp.Body.StackFrames)
	assert.Equal(t, 2, resp.Body.TotalFrames)
}

func TestScopesAndLocalVariables(t *testing.T) {
	t.Parallel()
	h := startAdapter(t, jdwp.MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()
	h.attach(ctx, t)

	stack, err := h.client.StackTrace(ctx, int(jdwp.MockThreadID), 0, 100)
	require.NoError(t, err)
	mainFrame := stack.Body.StackFrames[1]

	scopes, err := h.client.Scopes(ctx, mainFrame.Id)
	require.NoError(t, err)
	require.Len(t, scopes.Body.Scopes, 1)
	assert.Equal(t, "Locals", scopes.Body.Scopes[0].Name)
	localsRef := scopes.Body.Scopes[0].VariablesReference
	require.NotZero(t, localsRef)

	vars, err := h.client.Variables(ctx, localsRef)
	require.NoError(t, err)
	require.Len(t, vars.Body.Variables, 3)

	args := vars.Body.Variables[0]
	assert.Equal(t, "args", args.Name)
	assert.Equal(t, "java.lang.String[]", args.Type)
	assert.Contains(t, args.Value, "String[2]#")
	assert.Contains(t, args.Value, `"hello"#`)
	assert.Contains(t, args.Value, ", null}")
	assert.NotZero(t, args.VariablesReference)

	count := vars.Body.Variables[1]
	assert.Equal(t, "count", count.Name)
	assert.Equal(t, "42", count.Value)
	assert.Equal(t, "int", count.Type)
	assert.Zero(t, count.VariablesReference)

	p := vars.Body.Variables[2]
	assert.Equal(t, "p", p.Name)
	assert.Equal(t, "Point", p.Type)
	assert.Contains(t, p.Value, "Point#")

	// Rendering the same stopped state twice is byte-identical.
	varsAgain, err := h.client.Variables(ctx, localsRef)
	require.NoError(t, err)
	assert.Equal(t, vars.Body.Variables, varsAgain.Body.Variables)
}

func TestVariablesExpandObject(t *testing.T) {
	t.Parallel()
	h := startAdapter(t, jdwp.MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()
	h.attach(ctx, t)

	stack, err := h.client.StackTrace(ctx, int(jdwp.MockThreadID), 0, 100)
	require.NoError(t, err)
	scopes, err := h.client.Scopes(ctx, stack.Body.StackFrames[1].Id)
	require.NoError(t, err)
	vars, err := h.client.Variables(ctx, scopes.Body.Scopes[0].VariablesReference)
	require.NoError(t, err)

	pointRef := vars.Body.Variables[2].VariablesReference
	require.NotZero(t, pointRef)

	children, err := h.client.Variables(ctx, pointRef)
	require.NoError(t, err)
	require.Len(t, children.Body.Variables, 3, "own fields plus inherited")

	assert.Equal(t, "x", children.Body.Variables[0].Name)
	assert.Equal(t, "1", children.Body.Variables[0].Value)
	assert.Equal(t, "y", children.Body.Variables[1].Name)
	assert.Equal(t, "2", children.Body.Variables[1].Value)
	assert.Equal(t, "name", children.Body.Variables[2].Name)
	assert.Equal(t, "java.lang.String", children.Body.Variables[2].Type)
	assert.Contains(t, children.Body.Variables[2].Value, `"hello"#`)
}

func TestFrameHandlesInvalidAfterContinue(t *testing.T) {
	t.Parallel()
	h := startAdapter(t, jdwp.MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()
	h.attach(ctx, t)

	stack, err := h.client.StackTrace(ctx, int(jdwp.MockThreadID), 0, 100)
	require.NoError(t, err)
	staleFrame := stack.Body.StackFrames[0].Id

	require.NoError(t, h.client.Continue(ctx, int(jdwp.MockThreadID)))
	assert.Equal(t, 1, h.server.ResumeCalls())

	_, err = h.client.Scopes(ctx, staleFrame)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no longer valid")

	// A fresh stop mints fresh handles.
	fresh, err := h.client.StackTrace(ctx, int(jdwp.MockThreadID), 0, 100)
	require.NoError(t, err)
	assert.NotEqual(t, staleFrame, fresh.Body.StackFrames[0].Id)
}

func TestPauseEmitsStoppedEvent(t *testing.T) {
	t.Parallel()
	h := startAdapter(t, jdwp.MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()
	h.attach(ctx, t)

	require.NoError(t, h.client.Pause(ctx, int(jdwp.MockThreadID)))
	assert.Equal(t, 1, h.server.SuspendCalls())

	stopped, err := h.client.WaitForStoppedEvent(eventWait)
	require.NoError(t, err)
	assert.Equal(t, "pause", stopped.Body.Reason)
	assert.Equal(t, int(jdwp.MockThreadID), stopped.Body.ThreadId)
	assert.True(t, stopped.Body.AllThreadsStopped)
}

func TestStepInstallsRequestAndStops(t *testing.T) {
	t.Parallel()
	h := startAdapter(t, jdwp.MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()
	h.attach(ctx, t)

	require.NoError(t, h.client.Next(ctx, int(jdwp.MockThreadID)))
	assert.Equal(t, 1, h.server.ResumeCalls())

	steps := h.server.EventRequestsOfKind(jdwp.EventSingleStep)
	require.Len(t, steps, 1)
	assert.Equal(t, jdwp.SuspendPolicyAll, steps[0].SuspendPolicy)

	err := h.server.SendEvent(jdwp.SuspendPolicyAll, jdwp.Event{
		Kind:      jdwp.EventSingleStep,
		RequestID: steps[0].ID,
		Thread:    jdwp.MockThreadID,
		Location:  mainLocation(),
	})
	require.NoError(t, err)

	stopped, err := h.client.WaitForStoppedEvent(eventWait)
	require.NoError(t, err)
	assert.Equal(t, "step", stopped.Body.Reason)
	assert.True(t, stopped.Body.AllThreadsStopped)
}

func TestBreakpointEventStops(t *testing.T) {
	t.Parallel()
	h := startAdapter(t, jdwp.MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()
	h.attach(ctx, t)

	resp, err := h.client.SetBreakpoints(ctx, "/work/src/Main.java", []int{11})
	require.NoError(t, err)
	require.Len(t, resp.Body.Breakpoints, 1)
	require.True(t, resp.Body.Breakpoints[0].Verified)

	installed := h.server.EventRequestsOfKind(jdwp.EventBreakpoint)
	require.Len(t, installed, 1)

	err = h.server.SendEvent(jdwp.SuspendPolicyAll, jdwp.Event{
		Kind:      jdwp.EventBreakpoint,
		RequestID: installed[0].ID,
		Thread:    jdwp.MockThreadID,
		Location:  mainLocation(),
	})
	require.NoError(t, err)

	stopped, err := h.client.WaitForStoppedEvent(eventWait)
	require.NoError(t, err)
	assert.Equal(t, "breakpoint", stopped.Body.Reason)

	// Breakpoint sources resolve back to the path the client used.
	stack, err := h.client.StackTrace(ctx, int(jdwp.MockThreadID), 0, 100)
	require.NoError(t, err)
	require.NotNil(t, stack.Body.StackFrames[0].Source)
	assert.Equal(t, "/work/src/Main.java", stack.Body.StackFrames[0].Source.Path)
}

func TestSetBreakpointsVerification(t *testing.T) {
	t.Parallel()
	h := startAdapter(t, jdwp.MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()
	h.attach(ctx, t)

	resp, err := h.client.SetBreakpoints(ctx, "/work/src/Main.java", []int{11, 99})
	require.NoError(t, err)
	require.Len(t, resp.Body.Breakpoints, 2)
	assert.True(t, resp.Body.Breakpoints[0].Verified)
	assert.False(t, resp.Body.Breakpoints[1].Verified)
	assert.Contains(t, resp.Body.Breakpoints[1].Message, "no executable code")

	unloaded, err := h.client.SetBreakpoints(ctx, "/work/src/Future.java", []int{5})
	require.NoError(t, err)
	require.Len(t, unloaded.Body.Breakpoints, 1)
	assert.False(t, unloaded.Body.Breakpoints[0].Verified)
	assert.Equal(t, "class not loaded yet", unloaded.Body.Breakpoints[0].Message)

	// Re-sending for the same file replaces the previous set.
	_, err = h.client.SetBreakpoints(ctx, "/work/src/Main.java", []int{11})
	require.NoError(t, err)
	assert.Len(t, h.server.EventRequestsOfKind(jdwp.EventBreakpoint), 1)
}

func TestExceptionFlow(t *testing.T) {
	t.Parallel()
	h := startAdapter(t, jdwp.MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()
	h.attach(ctx, t)

	require.NoError(t, h.client.SetExceptionBreakpoints(ctx, []string{"caught", "uncaught"}))
	installed := h.server.EventRequestsOfKind(jdwp.EventException)
	require.Len(t, installed, 2, "one request per filter")

	catchLocation := mainLocation()
	err := h.server.SendEvent(jdwp.SuspendPolicyAll, jdwp.Event{
		Kind:          jdwp.EventException,
		RequestID:     installed[0].ID,
		Thread:        jdwp.MockThreadID,
		Location:      mainLocation(),
		Exception:     jdwp.MockStringID,
		CatchLocation: &catchLocation,
	})
	require.NoError(t, err)

	stopped, err := h.client.WaitForStoppedEvent(eventWait)
	require.NoError(t, err)
	assert.Equal(t, "exception", stopped.Body.Reason)

	info, err := h.client.ExceptionInfo(ctx, int(jdwp.MockThreadID))
	require.NoError(t, err)
	assert.Equal(t, "java.lang.String", info.Body.ExceptionId)
	assert.Contains(t, info.Body.Description, `"hello"#`)
	assert.Equal(t, dap.ExceptionBreakMode("always"), info.Body.BreakMode)

	// Uncaught exceptions report the unhandled break mode.
	err = h.server.SendEvent(jdwp.SuspendPolicyAll, jdwp.Event{
		Kind:      jdwp.EventException,
		RequestID: installed[1].ID,
		Thread:    jdwp.MockThreadID,
		Location:  mainLocation(),
		Exception: jdwp.MockStringID,
	})
	require.NoError(t, err)
	_, err = h.client.WaitForStoppedEvent(eventWait)
	require.NoError(t, err)

	info, err = h.client.ExceptionInfo(ctx, int(jdwp.MockThreadID))
	require.NoError(t, err)
	assert.Equal(t, dap.ExceptionBreakMode("unhandled"), info.Body.BreakMode)
}

func TestDataBreakpointLifecycle(t *testing.T) {
	t.Parallel()
	h := startAdapter(t, jdwp.MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()
	h.attach(ctx, t)

	stack, err := h.client.StackTrace(ctx, int(jdwp.MockThreadID), 0, 100)
	require.NoError(t, err)
	scopes, err := h.client.Scopes(ctx, stack.Body.StackFrames[1].Id)
	require.NoError(t, err)
	vars, err := h.client.Variables(ctx, scopes.Body.Scopes[0].VariablesReference)
	require.NoError(t, err)
	pointRef := vars.Body.Variables[2].VariablesReference

	info, err := h.client.DataBreakpointInfo(ctx, pointRef, "x")
	require.NoError(t, err)
	wantID := fmt.Sprintf("nova:field:%d:%d:%d", jdwp.MockPointClassID, jdwp.MockFieldXID, jdwp.MockPointID)
	assert.Equal(t, wantID, info.Body.DataId)
	assert.Equal(t, "Point.x", info.Body.Description)
	assert.Equal(t, []dap.DataBreakpointAccessType{"read", "write", "readWrite"}, info.Body.AccessTypes)

	// Inherited fields resolve to the declaring superclass.
	inherited, err := h.client.DataBreakpointInfo(ctx, pointRef, "name")
	require.NoError(t, err)
	assert.Equal(t,
		fmt.Sprintf("nova:field:%d:%d:%d", jdwp.MockShapeClassID, jdwp.MockFieldNameID, jdwp.MockPointID),
		inherited.Body.DataId)

	resp, err := h.client.SetDataBreakpoints(ctx, []dap.DataBreakpoint{
		{DataId: info.Body.DataId.(string), AccessType: "write"},
		{DataId: inherited.Body.DataId.(string), AccessType: "readWrite"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Body.Breakpoints, 2)
	assert.True(t, resp.Body.Breakpoints[0].Verified)
	assert.True(t, resp.Body.Breakpoints[1].Verified)

	assert.Len(t, h.server.EventRequestsOfKind(jdwp.EventFieldModification), 2)
	assert.Len(t, h.server.EventRequestsOfKind(jdwp.EventFieldAccess), 1)

	// Watchpoint hits surface as data breakpoint stops.
	modRequests := h.server.EventRequestsOfKind(jdwp.EventFieldModification)
	newValue := jdwp.IntValue(7)
	err = h.server.SendEvent(jdwp.SuspendPolicyAll, jdwp.Event{
		Kind:      jdwp.EventFieldModification,
		RequestID: modRequests[0].ID,
		Thread:    jdwp.MockThreadID,
		Location:  mainLocation(),
		FieldsOf:  jdwp.MockPointClassID,
		Field:     jdwp.MockFieldXID,
		Object:    jdwp.MockPointID,
		NewValue:  &newValue,
	})
	require.NoError(t, err)

	stopped, err := h.client.WaitForStoppedEvent(eventWait)
	require.NoError(t, err)
	assert.Equal(t, "data breakpoint", stopped.Body.Reason)
}

func TestDataBreakpointsRejectedAtomically(t *testing.T) {
	t.Parallel()
	h := startAdapter(t, jdwp.MockServerConfig{Capabilities: []bool{false}})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()
	h.attach(ctx, t)

	resp, err := h.client.SetDataBreakpoints(ctx, []dap.DataBreakpoint{
		{DataId: "nova:field:1:2:3", AccessType: "write"},
		{DataId: "nova:field:4:5:6", AccessType: "read"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Body.Breakpoints, 2)

	for _, bp := range resp.Body.Breakpoints {
		assert.False(t, bp.Verified)
		assert.Contains(t, bp.Message, "canWatchFieldModification")
		assert.Contains(t, bp.Message, "canWatchFieldAccess")
	}
	assert.Empty(t, h.server.EventRequestsOfKind(jdwp.EventFieldModification))
	assert.Empty(t, h.server.EventRequestsOfKind(jdwp.EventFieldAccess))
}

func TestDisconnectDisposesOnce(t *testing.T) {
	t.Parallel()
	h := startAdapter(t, jdwp.MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()
	h.attach(ctx, t)

	require.NoError(t, h.client.Disconnect(ctx, false))
	require.NoError(t, h.client.WaitForTerminatedEvent(eventWait))

	assert.Equal(t, 1, h.server.DisposeCalls())
	exitCalls, _ := h.server.ExitCalls()
	assert.Zero(t, exitCalls)

	// No second terminated event follows.
	_, err := h.client.WaitForEvent("terminated", 200*time.Millisecond)
	assert.Error(t, err)
}

func TestDisconnectCanTerminateDebuggee(t *testing.T) {
	t.Parallel()
	h := startAdapter(t, jdwp.MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()
	h.attach(ctx, t)

	require.NoError(t, h.client.Disconnect(ctx, true))
	require.NoError(t, h.client.WaitForTerminatedEvent(eventWait))

	exitCalls, exitCode := h.server.ExitCalls()
	assert.Equal(t, 1, exitCalls)
	assert.Equal(t, int32(1), exitCode)
	assert.Zero(t, h.server.DisposeCalls())
}

func TestTerminateKillsDebuggee(t *testing.T) {
	t.Parallel()
	h := startAdapter(t, jdwp.MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()
	h.attach(ctx, t)

	require.NoError(t, h.client.Terminate(ctx))
	require.NoError(t, h.client.WaitForTerminatedEvent(eventWait))

	exitCalls, exitCode := h.server.ExitCalls()
	assert.Equal(t, 1, exitCalls)
	assert.Equal(t, int32(0), exitCode)
}

func TestVMDeathEmitsTerminated(t *testing.T) {
	t.Parallel()
	h := startAdapter(t, jdwp.MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()
	h.attach(ctx, t)

	require.NoError(t, h.server.SendEvent(jdwp.SuspendPolicyNone, jdwp.Event{Kind: jdwp.EventVMDeath}))
	require.NoError(t, h.client.WaitForTerminatedEvent(eventWait))
}

func TestRequestsBeforeAttachFail(t *testing.T) {
	t.Parallel()
	h := startAdapter(t, jdwp.MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	_, err := h.client.Initialize(ctx)
	require.NoError(t, err)

	_, err = h.client.Threads(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no debuggee attached")
}
