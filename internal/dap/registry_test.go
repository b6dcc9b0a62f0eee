// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/nova/internal/jdwp"
)

func TestFrameHandlesAreStableWithinStop(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	location := jdwp.Location{TypeTag: 1, Class: 1, Method: 2, Index: 0}
	first := r.FrameHandle(100, 0, 0x8001, location)
	second := r.FrameHandle(100, 0, 0x8001, location)
	assert.Equal(t, first, second)

	other := r.FrameHandle(100, 1, 0x8002, location)
	assert.NotEqual(t, first, other)

	entry, found := r.LookupFrame(first)
	require.True(t, found)
	assert.Equal(t, jdwp.ThreadID(100), entry.Thread)
	assert.Equal(t, int32(0), entry.Index)
}

func TestHandlesAreNeverReused(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	location := jdwp.Location{}
	first := r.FrameHandle(100, 0, 0x8001, location)
	r.InvalidateStop()
	second := r.FrameHandle(100, 0, 0x8001, location)

	assert.Greater(t, second, first, "handles stay monotonic across stops")
}

func TestInvalidateStopDropsFramesAndLocals(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	frame := r.FrameHandle(100, 0, 0x8001, jdwp.Location{})
	locals := r.LocalsReference(frame)
	object := r.ObjectReference(0x5001)

	r.InvalidateStop()

	_, found := r.LookupFrame(frame)
	assert.False(t, found)
	_, found = r.LookupVar(locals)
	assert.False(t, found)

	// Object references survive a resume.
	entry, found := r.LookupVar(object)
	require.True(t, found)
	assert.Equal(t, ChildrenObject, entry.Kind)
	assert.Equal(t, object, r.ObjectReference(0x5001))
}

func TestObjectReferencesDeduplicate(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	first := r.ObjectReference(0x5001)
	second := r.ObjectReference(0x5001)
	assert.Equal(t, first, second)

	assert.NotEqual(t, first, r.ObjectReference(0x5002))
}

func TestCollectedObjectsAreRemembered(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	assert.False(t, r.IsCollected(0x5001))
	r.MarkCollected(0x5001)
	assert.True(t, r.IsCollected(0x5001))
}
