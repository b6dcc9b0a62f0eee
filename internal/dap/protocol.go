// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"github.com/google/go-dap"
)

// exceptionFilterCaught and exceptionFilterUncaught are the filter ids
// advertised in the initialize capabilities and accepted by
// setExceptionBreakpoints.
const (
	exceptionFilterCaught   = "caught"
	exceptionFilterUncaught = "uncaught"
)

// adapterCapabilities is the feature set advertised in the initialize
// response.
func adapterCapabilities() dap.Capabilities {
	return dap.Capabilities{
		SupportsConfigurationDoneRequest: true,
		SupportsDataBreakpoints:          true,
		SupportsCancelRequest:            true,
		SupportsExceptionInfoRequest:     true,
		SupportsTerminateRequest:         true,
		ExceptionBreakpointFilters: []dap.ExceptionBreakpointsFilter{
			{Filter: exceptionFilterCaught, Label: "Caught Exceptions"},
			{Filter: exceptionFilterUncaught, Label: "Uncaught Exceptions"},
		},
	}
}

// newResponse builds the shared success envelope for a terminal response.
func newResponse(requestSeq int, command string) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		Command:         command,
		RequestSeq:      requestSeq,
		Success:         true,
	}
}

// newErrorResponse builds a failed terminal response carrying the error text.
func newErrorResponse(requestSeq int, command, message string) *dap.ErrorResponse {
	return &dap.ErrorResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Type: "response"},
			Command:         command,
			RequestSeq:      requestSeq,
			Success:         false,
			Message:         message,
		},
	}
}

func newEvent(event string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Type: "event"},
		Event:           event,
	}
}

func newInitializedEvent() *dap.InitializedEvent {
	return &dap.InitializedEvent{Event: newEvent("initialized")}
}

func newStoppedEvent(reason string, threadID int, allThreadsStopped bool) *dap.StoppedEvent {
	return &dap.StoppedEvent{
		Event: newEvent("stopped"),
		Body: dap.StoppedEventBody{
			Reason:            reason,
			ThreadId:          threadID,
			AllThreadsStopped: allThreadsStopped,
		},
	}
}

func newOutputEvent(category, output string) *dap.OutputEvent {
	return &dap.OutputEvent{
		Event: newEvent("output"),
		Body: dap.OutputEventBody{
			Category: category,
			Output:   output,
		},
	}
}

func newTerminatedEvent() *dap.TerminatedEvent {
	return &dap.TerminatedEvent{Event: newEvent("terminated")}
}
