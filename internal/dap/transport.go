// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/go-dap"
)

// Transport frames DAP messages over one client connection. Reads and writes
// may come from different goroutines, but individual reads must not be
// concurrent with each other.
type Transport interface {
	// ReadMessage blocks until the next complete DAP message arrives.
	ReadMessage() (dap.Message, error)

	// WriteMessage frames and flushes one DAP message.
	WriteMessage(msg dap.Message) error

	// Close releases the underlying connection. Blocked reads and writes
	// return with an error.
	Close() error
}

// streamTransport frames DAP messages over a byte stream. TCP and stdio
// connections differ only in how the stream is closed.
type streamTransport struct {
	reader *bufio.Reader
	writer *bufio.Writer

	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	closeFn func() error
}

func newStreamTransport(r io.Reader, w io.Writer, closeFn func() error) *streamTransport {
	return &streamTransport{
		reader:  bufio.NewReader(r),
		writer:  bufio.NewWriter(w),
		closeFn: closeFn,
	}
}

// NewTCPTransport frames DAP messages over an established TCP connection.
func NewTCPTransport(conn net.Conn) Transport {
	return newStreamTransport(conn, conn, conn.Close)
}

// DialTCP connects to a DAP endpoint listening on address.
func DialTCP(ctx context.Context, address string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial TCP %s: %w", address, err)
	}
	return NewTCPTransport(conn), nil
}

// NewStdioTransport frames DAP messages over the process's standard streams.
// Closing the transport closes both streams.
func NewStdioTransport(stdin io.ReadCloser, stdout io.WriteCloser) Transport {
	return newStreamTransport(stdin, stdout, func() error {
		return errors.Join(stdin.Close(), stdout.Close())
	})
}

func (t *streamTransport) ReadMessage() (dap.Message, error) {
	if t.isClosed() {
		return nil, fmt.Errorf("transport is closed")
	}

	msg, err := dap.ReadProtocolMessage(t.reader)
	if err != nil {
		// Wrapped, not replaced: the router matches io.EOF and go-dap decode
		// errors through this error.
		return nil, fmt.Errorf("failed to read DAP message: %w", err)
	}
	return msg, nil
}

func (t *streamTransport) WriteMessage(msg dap.Message) error {
	if t.isClosed() {
		return fmt.Errorf("transport is closed")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := dap.WriteProtocolMessage(t.writer, msg); err != nil {
		return fmt.Errorf("failed to write DAP message: %w", err)
	}
	if err := t.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush DAP message: %w", err)
	}
	return nil
}

func (t *streamTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *streamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.closeFn()
}
