// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package jdwp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	t.Parallel()

	sizes := DefaultIDSizes()
	w := NewWriter(sizes)
	w.String("Ljava/lang/String;")
	w.Int32(-7)
	w.Int64(1 << 40)
	w.Bool(true)
	w.Location(Location{TypeTag: 1, Class: 0x2001, Method: 0x3001, Index: 42})
	w.TaggedValue(IntValue(13))
	w.TaggedValue(DoubleValue(2.5))
	w.TaggedValue(ObjectValue(TagString, 0x4001))

	r := NewReader(w.Bytes(), sizes)

	s, err := r.String()
	require.NoError(t, err)
	assert.Equal(t, "Ljava/lang/String;", s)

	i32, err := r.Int32()
	require.NoError(t, err)
	assert.Equal(t, int32(-7), i32)

	i64, err := r.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<40), i64)

	b, err := r.Bool()
	require.NoError(t, err)
	assert.True(t, b)

	loc, err := r.Location()
	require.NoError(t, err)
	assert.Equal(t, Location{TypeTag: 1, Class: 0x2001, Method: 0x3001, Index: 42}, loc)

	v, err := r.TaggedValue()
	require.NoError(t, err)
	assert.Equal(t, int32(13), v.Int())

	d, err := r.TaggedValue()
	require.NoError(t, err)
	assert.Equal(t, 2.5, d.Double())

	o, err := r.TaggedValue()
	require.NoError(t, err)
	assert.Equal(t, ObjectID(0x4001), o.Object)
	assert.True(t, o.IsObject())

	assert.Equal(t, 0, r.Remaining())
}

func TestIDWidthHonorsSizes(t *testing.T) {
	t.Parallel()

	sizes := IDSizes{FieldID: 4, MethodID: 4, ObjectID: 4, ReferenceTypeID: 4, FrameID: 4}
	w := NewWriter(sizes)
	w.ObjectID(0x01020304)
	require.Len(t, w.Bytes(), 4)

	r := NewReader(w.Bytes(), sizes)
	id, err := r.ObjectID()
	require.NoError(t, err)
	assert.Equal(t, ObjectID(0x01020304), id)
}

func TestReaderTruncatedPayload(t *testing.T) {
	t.Parallel()

	r := NewReader([]byte{0, 0}, DefaultIDSizes())
	_, err := r.Int32()
	require.Error(t, err)
}

func TestArrayRegionPrimitive(t *testing.T) {
	t.Parallel()

	sizes := DefaultIDSizes()
	w := NewWriter(sizes)
	w.Byte(TagInt)
	w.Int32(3)
	w.UntaggedValue(IntValue(1))
	w.UntaggedValue(IntValue(2))
	w.UntaggedValue(IntValue(3))

	values, err := NewReader(w.Bytes(), sizes).ArrayRegion()
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, int32(2), values[1].Int())
}

func TestArrayRegionObjects(t *testing.T) {
	t.Parallel()

	sizes := DefaultIDSizes()
	w := NewWriter(sizes)
	w.Byte(TagString)
	w.Int32(2)
	w.TaggedValue(ObjectValue(TagString, 0x4001))
	w.TaggedValue(NullValue())

	values, err := NewReader(w.Bytes(), sizes).ArrayRegion()
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, ObjectID(0x4001), values[0].Object)
	assert.True(t, values[1].IsNull())
}

func TestPacketRoundTrip(t *testing.T) {
	t.Parallel()

	packet := encodeCommandPacket(7, vmSet, vmAllThreads, []byte{1, 2, 3})
	header, payload, err := readPacket(bytes.NewReader(packet))
	require.NoError(t, err)
	assert.False(t, header.isReply())
	assert.Equal(t, uint32(7), header.id)
	assert.Equal(t, vmSet, header.set)
	assert.Equal(t, vmAllThreads, header.cmd)
	assert.Equal(t, []byte{1, 2, 3}, payload)

	reply := encodeReplyPacket(7, uint16(ErrCodeInvalidObject), nil)
	header, payload, err = readPacket(bytes.NewReader(reply))
	require.NoError(t, err)
	assert.True(t, header.isReply())
	assert.Equal(t, uint16(ErrCodeInvalidObject), header.errorCode)
	assert.Empty(t, payload)
}

func TestReadPacketRejectsMalformedLength(t *testing.T) {
	t.Parallel()

	raw := make([]byte, headerLen)
	raw[3] = 5 // length shorter than the header itself
	_, _, err := readPacket(bytes.NewReader(raw))
	require.Error(t, err)
}

func TestSignatureToTypeName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Ljava/lang/String;":    "java.lang.String",
		"I":                     "int",
		"[I":                    "int[]",
		"[[Ljava/util/Map;":     "java.util.Map[][]",
		"Z":                     "boolean",
		"V":                     "void",
		"Q":                     "<unknown>",
		"LMain;":                "Main",
		"[Ljava/lang/Object;":   "java.lang.Object[]",
	}
	for signature, want := range cases {
		assert.Equal(t, want, SignatureToTypeName(signature), "signature %q", signature)
	}
}

func TestLineTableLineFor(t *testing.T) {
	t.Parallel()

	table := LineTable{Lines: []LineEntry{{CodeIndex: 0, Line: 10}, {CodeIndex: 4, Line: 11}, {CodeIndex: 8, Line: 12}}}
	assert.Equal(t, int32(10), table.LineFor(0))
	assert.Equal(t, int32(10), table.LineFor(3))
	assert.Equal(t, int32(11), table.LineFor(4))
	assert.Equal(t, int32(12), table.LineFor(100))
}
