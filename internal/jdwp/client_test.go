// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package jdwp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/nova/pkg/testutil"
)

func dialMock(t *testing.T, cfg MockServerConfig) (*MockServer, *Client) {
	t.Helper()
	server, err := StartMockServer(cfg)
	require.NoError(t, err)
	t.Cleanup(server.Close)

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	t.Cleanup(cancel)

	client, err := Dial(ctx, server.Addr(), ClientConfig{Log: testutil.NewLogForTesting("jdwp-test")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func TestDialQueriesSizesAndCapabilities(t *testing.T) {
	t.Parallel()
	_, client := dialMock(t, MockServerConfig{})

	assert.Equal(t, 8, client.IDSizes().ObjectID)
	assert.True(t, client.Capabilities().CanWatchFieldModification)
	assert.True(t, client.Capabilities().CanWatchFieldAccess)
}

func TestThreadCommands(t *testing.T) {
	t.Parallel()
	_, client := dialMock(t, MockServerConfig{FrameCount: 5})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	threads, err := client.AllThreads(ctx)
	require.NoError(t, err)
	require.Equal(t, []ThreadID{MockThreadID}, threads)

	name, err := client.ThreadName(ctx, MockThreadID)
	require.NoError(t, err)
	assert.Equal(t, MockThreadName, name)

	count, err := client.FrameCount(ctx, MockThreadID)
	require.NoError(t, err)
	assert.Equal(t, int32(5), count)

	frames, err := client.Frames(ctx, MockThreadID, 1, 2)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, MockMainMethodID, frames[0].Location.Method)

	all, err := client.Frames(ctx, MockThreadID, 0, -1)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestDemultiplexingUnderDelayedReplies(t *testing.T) {
	t.Parallel()
	_, client := dialMock(t, MockServerConfig{
		ReplyDelays: []MockReplyDelay{{Set: threadRefSet, Cmd: threadRefName, Delay: 300 * time.Millisecond}},
	})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var nameDone, threadsDone time.Time

	wg.Add(2)
	go func() {
		defer wg.Done()
		name, err := client.ThreadName(ctx, MockThreadID)
		require.NoError(t, err)
		assert.Equal(t, MockThreadName, name)
		nameDone = time.Now()
	}()
	go func() {
		defer wg.Done()
		time.Sleep(50 * time.Millisecond) // issue after the slow command
		_, err := client.AllThreads(ctx)
		require.NoError(t, err)
		threadsDone = time.Now()
	}()
	wg.Wait()

	assert.True(t, threadsDone.Before(nameDone),
		"a fast command must not wait behind a slow one")
}

func TestPendingCommandsFailOnConnectionLoss(t *testing.T) {
	t.Parallel()
	server, client := dialMock(t, MockServerConfig{
		ReplyDelays: []MockReplyDelay{{Set: threadRefSet, Cmd: threadRefName, Delay: 10 * time.Second}},
	})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := client.ThreadName(ctx, MockThreadID)
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	server.CloseActiveConn()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, IsConnectionClosed(err))
	case <-time.After(5 * time.Second):
		t.Fatal("pending command was not failed after connection loss")
	}

	<-client.Done()
}

func TestCloseUnblocksEventConsumers(t *testing.T) {
	t.Parallel()
	server, err := StartMockServer(MockServerConfig{})
	require.NoError(t, err)
	t.Cleanup(server.Close)

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	client, err := Dial(ctx, server.Addr(), ClientConfig{
		Log:         testutil.NewLogForTesting("jdwp-test"),
		EventBuffer: 4,
	})
	require.NoError(t, err)

	// Flood past the buffer so the read loop blocks sending into the event
	// channel, then tear the client down mid-send.
	for i := 0; i < 10; i++ {
		require.NoError(t, server.SendEvent(SuspendPolicyNone, Event{Kind: EventVMDeath}))
	}
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, client.Close())

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range client.Events() {
		}
	}()

	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("events channel was not closed after Close")
	}
}

func TestCompositeEventDelivery(t *testing.T) {
	t.Parallel()
	server, client := dialMock(t, MockServerConfig{})

	location := Location{TypeTag: 1, Class: MockMainClassID, Method: MockMainMethodID, Index: 4}
	require.NoError(t, server.SendEvent(SuspendPolicyAll, Event{
		Kind:      EventBreakpoint,
		RequestID: 100,
		Thread:    MockThreadID,
		Location:  location,
	}))

	select {
	case event := <-client.Events():
		assert.Equal(t, EventBreakpoint, event.Kind)
		assert.Equal(t, SuspendPolicyAll, event.SuspendPolicy)
		assert.Equal(t, int32(100), event.RequestID)
		assert.Equal(t, MockThreadID, event.Thread)
		assert.Equal(t, location, event.Location)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestExceptionEventCatchLocation(t *testing.T) {
	t.Parallel()
	server, client := dialMock(t, MockServerConfig{})

	catch := Location{TypeTag: 1, Class: MockMainClassID, Method: MockMainMethodID, Index: 8}
	require.NoError(t, server.SendEvent(SuspendPolicyAll, Event{
		Kind:          EventException,
		RequestID:     101,
		Thread:        MockThreadID,
		Location:      Location{TypeTag: 1, Class: MockMainClassID, Method: MockHelperMethodID, Index: 4},
		Exception:     MockPointID,
		CatchLocation: &catch,
	}))
	event := <-client.Events()
	require.NotNil(t, event.CatchLocation)
	assert.Equal(t, catch, *event.CatchLocation)

	require.NoError(t, server.SendEvent(SuspendPolicyAll, Event{
		Kind:      EventException,
		RequestID: 101,
		Thread:    MockThreadID,
		Exception: MockPointID,
	}))
	event = <-client.Events()
	assert.Nil(t, event.CatchLocation, "zero catch location must decode as absent")
}

func TestEventRequestRoundTrip(t *testing.T) {
	t.Parallel()
	server, client := dialMock(t, MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	id, err := client.SetEventRequest(ctx, EventBreakpoint, SuspendPolicyAll, []Modifier{
		LocationOnlyModifier{Location: Location{TypeTag: 1, Class: MockMainClassID, Method: MockMainMethodID, Index: 4}},
	})
	require.NoError(t, err)

	records := server.EventRequestsOfKind(EventBreakpoint)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ID)
	assert.Equal(t, SuspendPolicyAll, records[0].SuspendPolicy)

	require.NoError(t, client.ClearEventRequest(ctx, EventBreakpoint, id))
	assert.Empty(t, server.EventRequestsOfKind(EventBreakpoint))
}

func TestVMErrorSurfacesAsTypedError(t *testing.T) {
	t.Parallel()
	_, client := dialMock(t, MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	_, err := client.StringValue(ctx, 0xdead)
	require.Error(t, err)
	assert.True(t, IsInvalidObject(err))
}

func TestStackFrameValues(t *testing.T) {
	t.Parallel()
	_, client := dialMock(t, MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	values, err := client.FrameValues(ctx, MockThreadID, 0x8001, []SlotRequest{
		{Slot: 0, Tag: TagObject},
		{Slot: 1, Tag: TagInt},
		{Slot: 2, Tag: TagObject},
	})
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, MockArrayID, values[0].Object)
	assert.Equal(t, int32(42), values[1].Int())
	assert.Equal(t, MockPointID, values[2].Object)
}

func TestVariableTableScoping(t *testing.T) {
	t.Parallel()
	_, client := dialMock(t, MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	argCount, vars, err := client.VariableTable(ctx, MockMainClassID, MockMainMethodID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), argCount)
	require.Len(t, vars, 3)

	assert.True(t, vars[0].InScopeAt(0), "args is live at index 0")
	assert.False(t, vars[1].InScopeAt(0), "count starts at index 4")
	assert.True(t, vars[1].InScopeAt(4))
}

func TestSuspendResumeAndExitCounters(t *testing.T) {
	t.Parallel()
	server, client := dialMock(t, MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	require.NoError(t, client.Suspend(ctx))
	require.NoError(t, client.Resume(ctx))
	require.NoError(t, client.Exit(ctx, 3))

	assert.Equal(t, 1, server.SuspendCalls())
	assert.Equal(t, 1, server.ResumeCalls())
	calls, code := server.ExitCalls()
	assert.Equal(t, 1, calls)
	assert.Equal(t, int32(3), code)
}
