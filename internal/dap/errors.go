/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"

	"github.com/go-logr/logr"
)

var (
	// ErrSessionClosed is returned when attempting to use a session after teardown.
	ErrSessionClosed = errors.New("session is closed")

	// ErrNotAttached is returned by requests that require a live debuggee connection.
	ErrNotAttached = errors.New("no debuggee attached")

	// ErrNotStopped is returned by inspection requests while the debuggee is running.
	ErrNotStopped = errors.New("debuggee is not stopped")

	// ErrStaleFrame is returned when a frame handle from an earlier stop is used
	// after the debuggee resumed.
	ErrStaleFrame = errors.New("frame handle is no longer valid")

	// ErrUnknownReference is returned for a variablesReference the registry never minted.
	ErrUnknownReference = errors.New("unknown variables reference")

	// ErrRequestCancelled is returned by a handler whose request was cancelled.
	ErrRequestCancelled = errors.New("cancelled")
)

// IsStaleHandleError returns true if the error indicates a handle whose minted
// scope has ended (frame after resume, reference never allocated).
func IsStaleHandleError(err error) bool {
	return errors.Is(err, ErrStaleFrame) || errors.Is(err, ErrUnknownReference)
}

// filterContextError filters out redundant context errors during shutdown.
// If the context is already done and the error is just the cancellation
// surfacing, it is logged at debug level and nil is returned; otherwise the
// original error is returned unchanged.
func filterContextError(err error, ctx context.Context, log logr.Logger) error {
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.V(1).Info("Filtering redundant context error", "error", err)
			return nil
		}
	}

	return err
}
