// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/microsoft/nova/pkg/syncmap"
)

// outgoingQueueSize bounds the outgoing message queue. A client that stops
// reading stalls producers here instead of growing memory without bound.
const outgoingQueueSize = 100

// cancelledMessage is the message of every response to a cancelled request.
const cancelledMessage = "cancelled"

// inflightRequest tracks one request being handled: its cancel hook, and a
// channel closed once its terminal response has been enqueued.
type inflightRequest struct {
	cancel   context.CancelFunc
	finished chan struct{}
}

// Router owns one client connection: it reads requests off the transport,
// runs each handler on its own goroutine, and funnels every outgoing message
// through a single writer. Each request gets exactly one terminal response,
// cancelled or not.
type Router struct {
	transport Transport
	session   *Session
	log       logr.Logger

	out  chan dap.Message
	done chan struct{}

	closeOnce sync.Once

	inflight syncmap.Map[int, *inflightRequest]

	wg sync.WaitGroup
}

func NewRouter(transport Transport, session *Session, log logr.Logger) *Router {
	r := &Router{
		transport: transport,
		session:   session,
		log:       log,
		out:       make(chan dap.Message, outgoingQueueSize),
		done:      make(chan struct{}),
	}
	session.setSend(r.enqueue)
	return r
}

// Serve processes the connection until the client disconnects, the context is
// cancelled, or a write to the client fails. A write failure is fatal for the
// whole session: there is no client left to talk to.
func (r *Router) Serve(ctx context.Context) error {
	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	writeErr := make(chan error, 1)
	go r.writeLoop(writeErr)

	defer func() {
		r.session.close()
		r.shutdown()
		r.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-writeErr:
			return fmt.Errorf("failed to write to client: %w", err)
		case <-r.done:
			select {
			case err := <-writeErr:
				return fmt.Errorf("failed to write to client: %w", err)
			default:
				return nil
			}
		default:
		}

		msg, err := r.transport.ReadMessage()
		if err != nil {
			var decodeErr *dap.DecodeProtocolMessageFieldError
			if errors.As(err, &decodeErr) {
				r.enqueue(newErrorResponse(decodeErr.Seq, "", fmt.Sprintf("unsupported request: %v", err)))
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return filterContextError(err, ctx, r.log)
		}

		request, isRequest := msg.(dap.RequestMessage)
		if !isRequest {
			r.log.V(1).Info("ignoring non-request message", "type", fmt.Sprintf("%T", msg))
			continue
		}

		if cancel, isCancel := msg.(*dap.CancelRequest); isCancel {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.handleCancel(cancel)
			}()
			continue
		}

		r.dispatch(ctx, request)
	}
}

// enqueue places a message on the outgoing queue, giving up silently once the
// connection is shut down.
func (r *Router) enqueue(msg dap.Message) {
	select {
	case r.out <- msg:
	case <-r.done:
	}
}

func (r *Router) shutdown() {
	r.closeOnce.Do(func() { close(r.done) })
}

// writeLoop is the only goroutine writing to the transport.
func (r *Router) writeLoop(writeErr chan<- error) {
	for {
		select {
		case msg := <-r.out:
			if err := r.transport.WriteMessage(msg); err != nil {
				writeErr <- err
				r.shutdown()
				return
			}
		case <-r.done:
			return
		}
	}
}

// dispatch runs one request handler on its own goroutine and guarantees its
// single terminal response: success, failure, or cancelled.
func (r *Router) dispatch(ctx context.Context, request dap.RequestMessage) {
	seq := request.GetRequest().Seq
	command := request.GetRequest().Command

	requestCtx, cancel := context.WithCancel(ctx)
	entry := &inflightRequest{cancel: cancel, finished: make(chan struct{})}
	r.inflight.Store(seq, entry)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()

		response := r.invoke(requestCtx, request, seq, command)
		r.enqueue(response)

		// Ordering matters: the terminal response is on the queue before a
		// pending cancel request may complete.
		close(entry.finished)
		r.inflight.Delete(seq)
	}()
}

// invoke calls the session handler, converting errors, cancellation and
// panics into failed responses. Handler failures never unwind the router.
func (r *Router) invoke(ctx context.Context, request dap.RequestMessage, seq int, command string) (response dap.Message) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.log.Error(fmt.Errorf("%v", recovered), "request handler panicked", "command", command)
			response = newErrorResponse(seq, command, fmt.Sprintf("internal error handling %q", command))
		}
	}()

	result, err := r.route(ctx, request)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrRequestCancelled) {
			return newErrorResponse(seq, command, cancelledMessage)
		}
		r.log.V(1).Info("request failed", "command", command, "error", err.Error())
		return newErrorResponse(seq, command, err.Error())
	}

	// A handler returning neither response nor error would silently starve
	// the client; make it a visible failure instead.
	if result == nil {
		return newErrorResponse(seq, command, fmt.Sprintf("no response produced for %q", command))
	}
	return result
}

// handleCancel cancels the target request if it is still in flight and
// responds only after the target's own terminal response is enqueued, so the
// client always sees the cancelled response first.
func (r *Router) handleCancel(request *dap.CancelRequest) {
	if request.Arguments != nil && request.Arguments.RequestId != 0 {
		targetSeq := request.Arguments.RequestId

		if entry, found := r.inflight.Load(targetSeq); found {
			entry.cancel()
			select {
			case <-entry.finished:
			case <-r.done:
			}
		}
	}

	r.enqueue(&dap.CancelResponse{Response: newResponse(request.Seq, request.Command)})
}

// route maps each request type to its session handler.
func (r *Router) route(ctx context.Context, request dap.RequestMessage) (dap.Message, error) {
	switch typed := request.(type) {
	case *dap.InitializeRequest:
		return r.session.onInitialize(ctx, typed)
	case *dap.AttachRequest:
		return r.session.onAttach(ctx, typed)
	case *dap.LaunchRequest:
		return r.session.onLaunch(ctx, typed)
	case *dap.ConfigurationDoneRequest:
		return r.session.onConfigurationDone(ctx, typed)
	case *dap.ThreadsRequest:
		return r.session.onThreads(ctx, typed)
	case *dap.StackTraceRequest:
		return r.session.onStackTrace(ctx, typed)
	case *dap.ScopesRequest:
		return r.session.onScopes(ctx, typed)
	case *dap.VariablesRequest:
		return r.session.onVariables(ctx, typed)
	case *dap.SetBreakpointsRequest:
		return r.session.onSetBreakpoints(ctx, typed)
	case *dap.SetExceptionBreakpointsRequest:
		return r.session.onSetExceptionBreakpoints(ctx, typed)
	case *dap.ExceptionInfoRequest:
		return r.session.onExceptionInfo(ctx, typed)
	case *dap.DataBreakpointInfoRequest:
		return r.session.onDataBreakpointInfo(ctx, typed)
	case *dap.SetDataBreakpointsRequest:
		return r.session.onSetDataBreakpoints(ctx, typed)
	case *dap.ContinueRequest:
		return r.session.onContinue(ctx, typed)
	case *dap.NextRequest:
		return r.session.onNext(ctx, typed)
	case *dap.StepInRequest:
		return r.session.onStepIn(ctx, typed)
	case *dap.StepOutRequest:
		return r.session.onStepOut(ctx, typed)
	case *dap.PauseRequest:
		return r.session.onPause(ctx, typed)
	case *dap.DisconnectRequest:
		return r.session.onDisconnect(ctx, typed)
	case *dap.TerminateRequest:
		return r.session.onTerminate(ctx, typed)
	default:
		return nil, fmt.Errorf("unsupported request command %q", request.GetRequest().Command)
	}
}
