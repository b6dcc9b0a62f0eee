/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/nova/pkg/testutil"
)

// tcpPair returns two connected TCP transports.
func tcpPair(t *testing.T) (Transport, Transport) {
	t.Helper()

	listener, listenErr := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, listenErr)
	defer listener.Close()

	var serverConn net.Conn
	var acceptErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverConn, acceptErr = listener.Accept()
	}()

	clientConn, dialErr := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, dialErr)

	wg.Wait()
	require.NoError(t, acceptErr)
	require.NotNil(t, serverConn)

	client := NewTCPTransport(clientConn)
	server := NewTCPTransport(serverConn)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestTCPTransport(t *testing.T) {
	t.Parallel()

	clientTransport, serverTransport := tcpPair(t)

	t.Run("write and read message", func(t *testing.T) {
		request := &dap.InitializeRequest{
			Request: dap.Request{
				ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "request"},
				Command:         "initialize",
			},
		}

		writeErr := clientTransport.WriteMessage(request)
		require.NoError(t, writeErr)

		received, readErr := serverTransport.ReadMessage()
		require.NoError(t, readErr)

		initReq, ok := received.(*dap.InitializeRequest)
		require.True(t, ok)
		assert.Equal(t, 1, initReq.Seq)
		assert.Equal(t, "initialize", initReq.Command)
	})

	t.Run("close prevents further operations", func(t *testing.T) {
		closeErr := clientTransport.Close()
		assert.NoError(t, closeErr)

		writeErr := clientTransport.WriteMessage(&dap.InitializeRequest{})
		assert.Error(t, writeErr)

		// Double close should not panic
		_ = clientTransport.Close()
	})
}

func TestStdioTransport(t *testing.T) {
	t.Parallel()

	t.Run("write and read message", func(t *testing.T) {
		// Create connected pipes
		serverRead, clientWrite := io.Pipe()
		clientRead, serverWrite := io.Pipe()

		clientTransport := NewStdioTransport(clientRead, clientWrite)
		serverTransport := NewStdioTransport(serverRead, serverWrite)

		defer clientTransport.Close()
		defer serverTransport.Close()

		request := &dap.InitializeRequest{
			Request: dap.Request{
				ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "request"},
				Command:         "initialize",
			},
		}

		var wg sync.WaitGroup
		wg.Add(1)

		var received dap.Message
		var readErr error

		go func() {
			defer wg.Done()
			received, readErr = serverTransport.ReadMessage()
		}()

		writeErr := clientTransport.WriteMessage(request)
		require.NoError(t, writeErr)

		wg.Wait()

		require.NoError(t, readErr)
		initReq, ok := received.(*dap.InitializeRequest)
		require.True(t, ok)
		assert.Equal(t, 1, initReq.Seq)
	})

	t.Run("close prevents further operations", func(t *testing.T) {
		stdinRead, _ := io.Pipe()
		_, stdoutWrite := io.Pipe()

		transport := NewStdioTransport(stdinRead, stdoutWrite)

		closeErr := transport.Close()
		assert.NoError(t, closeErr)

		writeErr := transport.WriteMessage(&dap.InitializeRequest{})
		assert.Error(t, writeErr)

		// Double close should be safe
		closeErr = transport.Close()
		assert.NoError(t, closeErr)
	})
}

func TestDialTCP(t *testing.T) {
	t.Parallel()

	listener, listenErr := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, listenErr)
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, acceptErr := listener.Accept()
		if acceptErr == nil {
			accepted <- conn
		}
	}()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	transport, dialErr := DialTCP(ctx, listener.Addr().String())
	require.NoError(t, dialErr)
	defer transport.Close()

	serverConn := <-accepted
	defer serverConn.Close()

	server := NewTCPTransport(serverConn)
	defer server.Close()

	writeErr := transport.WriteMessage(&dap.ThreadsRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: 7, Type: "request"},
			Command:         "threads",
		},
	})
	require.NoError(t, writeErr)

	received, readErr := server.ReadMessage()
	require.NoError(t, readErr)
	assert.Equal(t, "threads", received.(*dap.ThreadsRequest).Command)
}
