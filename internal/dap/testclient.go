/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/go-dap"
)

// TestClient is a DAP client for testing purposes.
// It provides helper methods for common DAP operations.
type TestClient struct {
	transport Transport
	seq       int
	seqMu     sync.Mutex

	// eventChan receives events from the server
	eventChan chan dap.Message

	// responseChans tracks pending requests waiting for responses
	responseChans map[int]chan dap.Message
	responseMu    sync.Mutex

	// ctx controls the client lifecycle
	ctx    context.Context
	cancel context.CancelFunc

	// wg tracks reader goroutine
	wg sync.WaitGroup
}

// NewTestClient creates a new DAP test client with the given transport.
func NewTestClient(transport Transport) *TestClient {
	ctx, cancel := context.WithCancel(context.Background())
	c := &TestClient{
		transport:     transport,
		seq:           0,
		eventChan:     make(chan dap.Message, 100),
		responseChans: make(map[int]chan dap.Message),
		ctx:           ctx,
		cancel:        cancel,
	}

	c.wg.Add(1)
	go c.readLoop()

	return c
}

// readLoop continuously reads messages from the transport and routes them.
func (c *TestClient) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		msg, readErr := c.transport.ReadMessage()
		if readErr != nil {
			return
		}

		// Route based on message type
		switch m := msg.(type) {
		case dap.ResponseMessage:
			resp := m.GetResponse()
			c.responseMu.Lock()
			if ch, ok := c.responseChans[resp.RequestSeq]; ok {
				ch <- msg
				delete(c.responseChans, resp.RequestSeq)
			}
			c.responseMu.Unlock()

		case dap.EventMessage:
			select {
			case c.eventChan <- msg:
			default:
				// Event channel full, drop oldest
				select {
				case <-c.eventChan:
				default:
				}
				c.eventChan <- msg
			}
		}
	}
}

// nextSeq returns the next sequence number.
func (c *TestClient) nextSeq() int {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.seq++
	return c.seq
}

// SendAsync sends a request without waiting and returns its sequence number
// plus a channel delivering its terminal response. Tests exercising
// cancellation and interleaving use this directly.
func (c *TestClient) SendAsync(req dap.RequestMessage) (int, <-chan dap.Message, error) {
	request := req.GetRequest()
	seq := c.nextSeq()
	request.Seq = seq

	respChan := make(chan dap.Message, 1)
	c.responseMu.Lock()
	c.responseChans[seq] = respChan
	c.responseMu.Unlock()

	if writeErr := c.transport.WriteMessage(req); writeErr != nil {
		c.responseMu.Lock()
		delete(c.responseChans, seq)
		c.responseMu.Unlock()
		return 0, nil, fmt.Errorf("failed to send request: %w", writeErr)
	}

	return seq, respChan, nil
}

// sendRequest sends a request and waits for the response.
func (c *TestClient) sendRequest(ctx context.Context, req dap.RequestMessage) (dap.Message, error) {
	seq, respChan, sendErr := c.SendAsync(req)
	if sendErr != nil {
		return nil, sendErr
	}

	select {
	case resp := <-respChan:
		return resp, nil
	case <-ctx.Done():
		c.responseMu.Lock()
		delete(c.responseChans, seq)
		c.responseMu.Unlock()
		return nil, ctx.Err()
	}
}

func newTestRequest(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Type: "request"},
		Command:         command,
	}
}

// checkSuccess verifies a terminal response succeeded.
func checkSuccess(resp dap.Message, command string) error {
	response, ok := resp.(dap.ResponseMessage)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	if !response.GetResponse().Success {
		return fmt.Errorf("%s failed: %s", command, response.GetResponse().Message)
	}
	return nil
}

// Initialize sends an initialize request and returns the capabilities.
func (c *TestClient) Initialize(ctx context.Context) (*dap.InitializeResponse, error) {
	req := &dap.InitializeRequest{
		Request: newTestRequest("initialize"),
		Arguments: dap.InitializeRequestArguments{
			ClientID:        "test-client",
			ClientName:      "DAP Test Client",
			AdapterID:       "java",
			Locale:          "en-US",
			LinesStartAt1:   true,
			ColumnsStartAt1: true,
			PathFormat:      "path",
		},
	}

	resp, sendErr := c.sendRequest(ctx, req)
	if sendErr != nil {
		return nil, sendErr
	}

	initResp, ok := resp.(*dap.InitializeResponse)
	if !ok {
		if errResp, isErr := resp.(*dap.ErrorResponse); isErr {
			return nil, fmt.Errorf("%s failed: %s", errResp.Command, errResp.Message)
		}
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	if !initResp.Success {
		return nil, fmt.Errorf("initialize failed: %s", initResp.Message)
	}
	return initResp, nil
}

// Attach sends an attach request for a debuggee listening on the given port.
func (c *TestClient) Attach(ctx context.Context, hostName string, port int) error {
	args, marshalErr := json.Marshal(AttachConfig{HostName: hostName, Port: port})
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal attach arguments: %w", marshalErr)
	}

	req := &dap.AttachRequest{
		Request:   newTestRequest("attach"),
		Arguments: args,
	}

	resp, sendErr := c.sendRequest(ctx, req)
	if sendErr != nil {
		return sendErr
	}
	return checkSuccess(resp, "attach")
}

// Launch sends a launch request to debug the given program.
func (c *TestClient) Launch(ctx context.Context, config LaunchConfig) error {
	args, marshalErr := json.Marshal(config)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal launch arguments: %w", marshalErr)
	}

	req := &dap.LaunchRequest{
		Request:   newTestRequest("launch"),
		Arguments: args,
	}

	resp, sendErr := c.sendRequest(ctx, req)
	if sendErr != nil {
		return sendErr
	}
	return checkSuccess(resp, "launch")
}

// SetBreakpoints sets breakpoints in the given file at the specified lines.
func (c *TestClient) SetBreakpoints(ctx context.Context, file string, lines []int) (*dap.SetBreakpointsResponse, error) {
	breakpoints := make([]dap.SourceBreakpoint, len(lines))
	for i, line := range lines {
		breakpoints[i] = dap.SourceBreakpoint{Line: line}
	}

	req := &dap.SetBreakpointsRequest{
		Request: newTestRequest("setBreakpoints"),
		Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Path: file},
			Breakpoints: breakpoints,
		},
	}

	resp, sendErr := c.sendRequest(ctx, req)
	if sendErr != nil {
		return nil, sendErr
	}

	bpResp, ok := resp.(*dap.SetBreakpointsResponse)
	if !ok {
		if errResp, isErr := resp.(*dap.ErrorResponse); isErr {
			return nil, fmt.Errorf("%s failed: %s", errResp.Command, errResp.Message)
		}
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	if !bpResp.Success {
		return nil, fmt.Errorf("setBreakpoints failed: %s", bpResp.Message)
	}
	return bpResp, nil
}

// SetExceptionBreakpoints configures the exception filters.
func (c *TestClient) SetExceptionBreakpoints(ctx context.Context, filters []string) error {
	req := &dap.SetExceptionBreakpointsRequest{
		Request:   newTestRequest("setExceptionBreakpoints"),
		Arguments: dap.SetExceptionBreakpointsArguments{Filters: filters},
	}

	resp, sendErr := c.sendRequest(ctx, req)
	if sendErr != nil {
		return sendErr
	}
	return checkSuccess(resp, "setExceptionBreakpoints")
}

// ConfigurationDone signals that configuration is complete.
func (c *TestClient) ConfigurationDone(ctx context.Context) error {
	req := &dap.ConfigurationDoneRequest{Request: newTestRequest("configurationDone")}

	resp, sendErr := c.sendRequest(ctx, req)
	if sendErr != nil {
		return sendErr
	}
	return checkSuccess(resp, "configurationDone")
}

// Threads fetches the live thread list.
func (c *TestClient) Threads(ctx context.Context) (*dap.ThreadsResponse, error) {
	resp, sendErr := c.sendRequest(ctx, &dap.ThreadsRequest{Request: newTestRequest("threads")})
	if sendErr != nil {
		return nil, sendErr
	}

	threadsResp, ok := resp.(*dap.ThreadsResponse)
	if !ok {
		if errResp, isErr := resp.(*dap.ErrorResponse); isErr {
			return nil, fmt.Errorf("%s failed: %s", errResp.Command, errResp.Message)
		}
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	if !threadsResp.Success {
		return nil, fmt.Errorf("threads failed: %s", threadsResp.Message)
	}
	return threadsResp, nil
}

// StackTrace fetches one page of a stopped thread's call stack.
func (c *TestClient) StackTrace(ctx context.Context, threadID, startFrame, levels int) (*dap.StackTraceResponse, error) {
	req := &dap.StackTraceRequest{
		Request: newTestRequest("stackTrace"),
		Arguments: dap.StackTraceArguments{
			ThreadId:   threadID,
			StartFrame: startFrame,
			Levels:     levels,
		},
	}

	resp, sendErr := c.sendRequest(ctx, req)
	if sendErr != nil {
		return nil, sendErr
	}

	stResp, ok := resp.(*dap.StackTraceResponse)
	if !ok {
		if errResp, isErr := resp.(*dap.ErrorResponse); isErr {
			return nil, fmt.Errorf("%s failed: %s", errResp.Command, errResp.Message)
		}
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	if !stResp.Success {
		return nil, fmt.Errorf("stackTrace failed: %s", stResp.Message)
	}
	return stResp, nil
}

// Scopes fetches the scopes of one frame.
func (c *TestClient) Scopes(ctx context.Context, frameID int) (*dap.ScopesResponse, error) {
	req := &dap.ScopesRequest{
		Request:   newTestRequest("scopes"),
		Arguments: dap.ScopesArguments{FrameId: frameID},
	}

	resp, sendErr := c.sendRequest(ctx, req)
	if sendErr != nil {
		return nil, sendErr
	}

	scopesResp, ok := resp.(*dap.ScopesResponse)
	if !ok {
		if errResp, isErr := resp.(*dap.ErrorResponse); isErr {
			return nil, fmt.Errorf("%s failed: %s", errResp.Command, errResp.Message)
		}
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	if !scopesResp.Success {
		return nil, fmt.Errorf("scopes failed: %s", scopesResp.Message)
	}
	return scopesResp, nil
}

// Variables expands one variables reference.
func (c *TestClient) Variables(ctx context.Context, reference int) (*dap.VariablesResponse, error) {
	req := &dap.VariablesRequest{
		Request:   newTestRequest("variables"),
		Arguments: dap.VariablesArguments{VariablesReference: reference},
	}

	resp, sendErr := c.sendRequest(ctx, req)
	if sendErr != nil {
		return nil, sendErr
	}

	varsResp, ok := resp.(*dap.VariablesResponse)
	if !ok {
		if errResp, isErr := resp.(*dap.ErrorResponse); isErr {
			return nil, fmt.Errorf("%s failed: %s", errResp.Command, errResp.Message)
		}
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	if !varsResp.Success {
		return nil, fmt.Errorf("variables failed: %s", varsResp.Message)
	}
	return varsResp, nil
}

// ExceptionInfo fetches the exception details of a stopped thread.
func (c *TestClient) ExceptionInfo(ctx context.Context, threadID int) (*dap.ExceptionInfoResponse, error) {
	req := &dap.ExceptionInfoRequest{
		Request:   newTestRequest("exceptionInfo"),
		Arguments: dap.ExceptionInfoArguments{ThreadId: threadID},
	}

	resp, sendErr := c.sendRequest(ctx, req)
	if sendErr != nil {
		return nil, sendErr
	}

	infoResp, ok := resp.(*dap.ExceptionInfoResponse)
	if !ok {
		if errResp, isErr := resp.(*dap.ErrorResponse); isErr {
			return nil, fmt.Errorf("%s failed: %s", errResp.Command, errResp.Message)
		}
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	if !infoResp.Success {
		return nil, fmt.Errorf("exceptionInfo failed: %s", infoResp.Message)
	}
	return infoResp, nil
}

// DataBreakpointInfo asks whether a member of a variables reference can be
// watched.
func (c *TestClient) DataBreakpointInfo(ctx context.Context, reference int, name string) (*dap.DataBreakpointInfoResponse, error) {
	req := &dap.DataBreakpointInfoRequest{
		Request: newTestRequest("dataBreakpointInfo"),
		Arguments: dap.DataBreakpointInfoArguments{
			VariablesReference: reference,
			Name:               name,
		},
	}

	resp, sendErr := c.sendRequest(ctx, req)
	if sendErr != nil {
		return nil, sendErr
	}

	infoResp, ok := resp.(*dap.DataBreakpointInfoResponse)
	if !ok {
		if errResp, isErr := resp.(*dap.ErrorResponse); isErr {
			return nil, fmt.Errorf("%s failed: %s", errResp.Command, errResp.Message)
		}
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	if !infoResp.Success {
		return nil, fmt.Errorf("dataBreakpointInfo failed: %s", infoResp.Message)
	}
	return infoResp, nil
}

// SetDataBreakpoints replaces the installed watchpoints.
func (c *TestClient) SetDataBreakpoints(ctx context.Context, breakpoints []dap.DataBreakpoint) (*dap.SetDataBreakpointsResponse, error) {
	req := &dap.SetDataBreakpointsRequest{
		Request:   newTestRequest("setDataBreakpoints"),
		Arguments: dap.SetDataBreakpointsArguments{Breakpoints: breakpoints},
	}

	resp, sendErr := c.sendRequest(ctx, req)
	if sendErr != nil {
		return nil, sendErr
	}

	dbResp, ok := resp.(*dap.SetDataBreakpointsResponse)
	if !ok {
		if errResp, isErr := resp.(*dap.ErrorResponse); isErr {
			return nil, fmt.Errorf("%s failed: %s", errResp.Command, errResp.Message)
		}
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	if !dbResp.Success {
		return nil, fmt.Errorf("setDataBreakpoints failed: %s", dbResp.Message)
	}
	return dbResp, nil
}

// Continue resumes execution of all threads.
func (c *TestClient) Continue(ctx context.Context, threadID int) error {
	req := &dap.ContinueRequest{
		Request:   newTestRequest("continue"),
		Arguments: dap.ContinueArguments{ThreadId: threadID},
	}

	resp, sendErr := c.sendRequest(ctx, req)
	if sendErr != nil {
		return sendErr
	}
	return checkSuccess(resp, "continue")
}

// Next steps over the next line on the given thread.
func (c *TestClient) Next(ctx context.Context, threadID int) error {
	req := &dap.NextRequest{
		Request:   newTestRequest("next"),
		Arguments: dap.NextArguments{ThreadId: threadID},
	}

	resp, sendErr := c.sendRequest(ctx, req)
	if sendErr != nil {
		return sendErr
	}
	return checkSuccess(resp, "next")
}

// StepIn steps into the next call on the given thread.
func (c *TestClient) StepIn(ctx context.Context, threadID int) error {
	req := &dap.StepInRequest{
		Request:   newTestRequest("stepIn"),
		Arguments: dap.StepInArguments{ThreadId: threadID},
	}

	resp, sendErr := c.sendRequest(ctx, req)
	if sendErr != nil {
		return sendErr
	}
	return checkSuccess(resp, "stepIn")
}

// StepOut steps out of the current frame on the given thread.
func (c *TestClient) StepOut(ctx context.Context, threadID int) error {
	req := &dap.StepOutRequest{
		Request:   newTestRequest("stepOut"),
		Arguments: dap.StepOutArguments{ThreadId: threadID},
	}

	resp, sendErr := c.sendRequest(ctx, req)
	if sendErr != nil {
		return sendErr
	}
	return checkSuccess(resp, "stepOut")
}

// Pause suspends the debuggee.
func (c *TestClient) Pause(ctx context.Context, threadID int) error {
	req := &dap.PauseRequest{
		Request:   newTestRequest("pause"),
		Arguments: dap.PauseArguments{ThreadId: threadID},
	}

	resp, sendErr := c.sendRequest(ctx, req)
	if sendErr != nil {
		return sendErr
	}
	return checkSuccess(resp, "pause")
}

// Cancel asks the adapter to cancel an in-flight request and waits for the
// cancel's own response.
func (c *TestClient) Cancel(ctx context.Context, requestSeq int) error {
	req := &dap.CancelRequest{
		Request:   newTestRequest("cancel"),
		Arguments: &dap.CancelArguments{RequestId: requestSeq},
	}

	resp, sendErr := c.sendRequest(ctx, req)
	if sendErr != nil {
		return sendErr
	}
	return checkSuccess(resp, "cancel")
}

// Disconnect sends a disconnect request to terminate the debug session.
func (c *TestClient) Disconnect(ctx context.Context, terminateDebuggee bool) error {
	req := &dap.DisconnectRequest{
		Request: newTestRequest("disconnect"),
		Arguments: &dap.DisconnectArguments{
			TerminateDebuggee: terminateDebuggee,
		},
	}

	resp, sendErr := c.sendRequest(ctx, req)
	if sendErr != nil {
		return sendErr
	}
	return checkSuccess(resp, "disconnect")
}

// Terminate asks the adapter to kill the debuggee.
func (c *TestClient) Terminate(ctx context.Context) error {
	req := &dap.TerminateRequest{Request: newTestRequest("terminate")}

	resp, sendErr := c.sendRequest(ctx, req)
	if sendErr != nil {
		return sendErr
	}
	return checkSuccess(resp, "terminate")
}

// WaitForEvent waits for an event of the specified type.
// Returns the event or an error if timeout expires.
func (c *TestClient) WaitForEvent(eventType string, timeout time.Duration) (dap.Message, error) {
	deadline := time.After(timeout)

	for {
		select {
		case msg := <-c.eventChan:
			if event, ok := msg.(dap.EventMessage); ok {
				if event.GetEvent().Event == eventType {
					return msg, nil
				}
			}
			// Not the event we're looking for, continue waiting

		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event %q", eventType)

		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		}
	}
}

// WaitForStoppedEvent waits for a stopped event and returns it.
func (c *TestClient) WaitForStoppedEvent(timeout time.Duration) (*dap.StoppedEvent, error) {
	msg, waitErr := c.WaitForEvent("stopped", timeout)
	if waitErr != nil {
		return nil, waitErr
	}

	stoppedEvent, ok := msg.(*dap.StoppedEvent)
	if !ok {
		return nil, fmt.Errorf("unexpected event type: %T", msg)
	}
	return stoppedEvent, nil
}

// WaitForTerminatedEvent waits for a terminated event.
func (c *TestClient) WaitForTerminatedEvent(timeout time.Duration) error {
	_, waitErr := c.WaitForEvent("terminated", timeout)
	return waitErr
}

// Close closes the client and its transport.
func (c *TestClient) Close() error {
	c.cancel()
	err := c.transport.Close()
	c.wg.Wait()
	return err
}
