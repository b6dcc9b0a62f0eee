// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package jdwp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/nova/pkg/testutil"
)

func TestInstanceFieldsIncludeInherited(t *testing.T) {
	t.Parallel()
	_, client := dialMock(t, MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	fields, err := client.InstanceFields(ctx, MockPointClassID)
	require.NoError(t, err)

	names := make([]string, len(fields))
	for i, field := range fields {
		names[i] = field.Name
	}
	assert.Equal(t, []string{"x", "y", "name"}, names,
		"own fields first, then inherited; statics excluded")
}

func TestInstanceFieldsSkipStatics(t *testing.T) {
	t.Parallel()
	_, client := dialMock(t, MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	fields, err := client.InstanceFields(ctx, MockMainClassID)
	require.NoError(t, err)
	assert.Empty(t, fields, "Main only declares a static field")
}

func TestObjectChildrenOfPlainObject(t *testing.T) {
	t.Parallel()
	_, client := dialMock(t, MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	children, err := client.ObjectChildren(ctx, MockPointID)
	require.NoError(t, err)
	require.Len(t, children, 3)

	assert.Equal(t, "x", children[0].Name)
	assert.Equal(t, int32(1), children[0].Value.Int())
	assert.Equal(t, "int", children[0].StaticType)

	assert.Equal(t, "y", children[1].Name)
	assert.Equal(t, int32(2), children[1].Value.Int())

	assert.Equal(t, "name", children[2].Name)
	assert.Equal(t, MockStringID, children[2].Value.Object)
	assert.Equal(t, "java.lang.String", children[2].StaticType)
}

func TestObjectChildrenOfArray(t *testing.T) {
	t.Parallel()
	_, client := dialMock(t, MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	children, err := client.ObjectChildren(ctx, MockArrayID)
	require.NoError(t, err)
	require.Len(t, children, 3)

	assert.Equal(t, "length", children[0].Name)
	assert.Equal(t, int32(2), children[0].Value.Int())

	assert.Equal(t, "[0]", children[1].Name)
	assert.Equal(t, MockStringID, children[1].Value.Object)
	assert.Equal(t, "java.lang.String", children[1].StaticType)

	assert.Equal(t, "[1]", children[2].Name)
	assert.True(t, children[2].Value.IsNull())
}

func TestPreviewString(t *testing.T) {
	t.Parallel()
	_, client := dialMock(t, MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	preview, err := client.PreviewObject(ctx, MockStringID)
	require.NoError(t, err)
	assert.Equal(t, PreviewString, preview.Kind)
	assert.Equal(t, "java.lang.String", preview.RuntimeType)
	assert.Equal(t, MockStringValue, preview.StringValue)
}

func TestPreviewArray(t *testing.T) {
	t.Parallel()
	_, client := dialMock(t, MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	preview, err := client.PreviewObject(ctx, MockArrayID)
	require.NoError(t, err)
	assert.Equal(t, PreviewArray, preview.Kind)
	assert.Equal(t, "java.lang.String", preview.ElementType)
	assert.Equal(t, 2, preview.Length)
	require.Len(t, preview.Sample, 2)
	assert.Equal(t, MockStringID, preview.Sample[0].Object)
}

func TestPreviewPlainObject(t *testing.T) {
	t.Parallel()
	_, client := dialMock(t, MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	preview, err := client.PreviewObject(ctx, MockPointID)
	require.NoError(t, err)
	assert.Equal(t, PreviewPlain, preview.Kind)
	assert.Equal(t, "Point", preview.RuntimeType)
}

func TestRuntimeTypeName(t *testing.T) {
	t.Parallel()
	_, client := dialMock(t, MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	name, err := client.RuntimeTypeName(ctx, MockArrayID)
	require.NoError(t, err)
	assert.Equal(t, "java.lang.String[]", name)
}

func TestEscapeJavaString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `a\nb\t"q"\\`, escapeJavaString("a\nb\t\"q\"\\", 80))
	assert.Equal(t, "abc…", escapeJavaString("abcdef", 3))
	assert.Equal(t, "", escapeJavaString("", 80))
}

func TestValueSortOrdering(t *testing.T) {
	t.Parallel()
	_, client := dialMock(t, MockServerConfig{})
	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	sample := []Value{
		ObjectValue(TagObject, MockPointID),
		ObjectValue(TagString, MockStringID),
		IntValue(5),
		NullValue(),
		BoolValue(true),
	}
	client.sortValueSample(ctx, sample)

	assert.True(t, sample[0].IsNull())
	assert.Equal(t, TagBoolean, sample[1].Tag)
	assert.Equal(t, TagInt, sample[2].Tag)
	assert.Equal(t, MockStringID, sample[3].Object, "strings sort before plain objects")
	assert.Equal(t, MockPointID, sample[4].Object)
}
