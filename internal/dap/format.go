// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/go-dap"

	"github.com/microsoft/nova/internal/jdwp"
)

const (
	// maxStringLen is the preview budget for string contents; longer strings
	// are truncated with a visible ellipsis.
	maxStringLen = 80

	// collectionSampleSize bounds how many elements a collection preview shows.
	collectionSampleSize = 3

	// maxPreviewDepth bounds nested object previews; deeper objects render as
	// bare Type#handle.
	maxPreviewDepth = 2
)

// FormattedValue is the rendered form of one JDWP value, ready to drop into a
// dap.Variable.
type FormattedValue struct {
	Value              string
	TypeName           string
	VariablesReference int
	PresentationHint   *dap.VariablePresentationHint
}

// Formatter renders bounded, deterministic previews of live JDWP values.
// Two passes over the same heap state produce byte-identical output: map and
// set samples are sorted by a canonical key before rendering.
type Formatter struct {
	client   *jdwp.Client
	registry *Registry
}

func NewFormatter(client *jdwp.Client, registry *Registry) *Formatter {
	return &Formatter{client: client, registry: registry}
}

// FormatValue renders a value. staticType, when non-empty, wins over the
// runtime type in the reported type name.
func (f *Formatter) FormatValue(ctx context.Context, value jdwp.Value, staticType string) (FormattedValue, error) {
	display, ref, hint, err := f.formatDisplay(ctx, value, 0)
	if err != nil {
		return FormattedValue{}, err
	}

	typeName := staticType
	if typeName == "" {
		typeName = f.valueTypeName(ctx, value)
	}

	return FormattedValue{
		Value:              display,
		TypeName:           typeName,
		VariablesReference: ref,
		PresentationHint:   hint,
	}, nil
}

func (f *Formatter) formatDisplay(ctx context.Context, value jdwp.Value, depth int) (string, int, *dap.VariablePresentationHint, error) {
	switch value.Tag {
	case jdwp.TagVoid:
		return "void", 0, nil, nil
	case jdwp.TagBoolean:
		return strconv.FormatBool(value.Bool()), 0, nil, nil
	case jdwp.TagByte:
		return strconv.FormatInt(int64(value.Byte()), 10), 0, nil, nil
	case jdwp.TagShort:
		return strconv.FormatInt(int64(value.Short()), 10), 0, nil, nil
	case jdwp.TagInt:
		return strconv.FormatInt(int64(value.Int()), 10), 0, nil, nil
	case jdwp.TagLong:
		return strconv.FormatInt(value.Long(), 10), 0, nil, nil
	case jdwp.TagFloat:
		return trimFloat(float64(value.Float())), 0, nil, nil
	case jdwp.TagDouble:
		return trimFloat(value.Double()), 0, nil, nil
	case jdwp.TagChar:
		return "'" + string(rune(value.Char())) + "'", 0, nil, nil
	default:
		if value.IsNull() {
			return "null", 0, nil, nil
		}
		return f.formatObject(ctx, value.Object, depth)
	}
}

func (f *Formatter) formatObject(ctx context.Context, object jdwp.ObjectID, depth int) (string, int, *dap.VariablePresentationHint, error) {
	ref := f.registry.ObjectReference(object)
	handle := "#" + strconv.Itoa(ref)

	if f.registry.IsCollected(object) {
		return "<object>" + handle + " <collected>", ref, collectedHint(), nil
	}

	if depth >= maxPreviewDepth {
		typeName, err := f.client.RuntimeTypeName(ctx, object)
		if err != nil {
			if jdwp.IsInvalidObject(err) {
				f.registry.MarkCollected(object)
				return "<object>" + handle + " <collected>", ref, collectedHint(), nil
			}
			return "", 0, nil, err
		}
		return simpleTypeName(typeName) + handle, ref, nil, nil
	}

	preview, err := f.client.PreviewObject(ctx, object)
	if err != nil {
		if jdwp.IsInvalidObject(err) {
			f.registry.MarkCollected(object)
			return "<object>" + handle + " <collected>", ref, collectedHint(), nil
		}
		return "", 0, nil, err
	}

	runtimeSimple := simpleTypeName(preview.RuntimeType)

	var display string
	switch preview.Kind {
	case jdwp.PreviewString:
		display = `"` + escapePreviewString(preview.StringValue) + `"` + handle

	case jdwp.PreviewWrapper:
		inner, err := f.formatInline(ctx, *preview.Wrapped, depth+1)
		if err != nil {
			return "", 0, nil, err
		}
		display = runtimeSimple + handle + "(" + inner + ")"

	case jdwp.PreviewArray:
		sample, err := f.formatSampleList(ctx, preview.Sample, depth+1)
		if err != nil {
			return "", 0, nil, err
		}
		display = fmt.Sprintf("%s[%d]%s {%s}", simpleTypeName(preview.ElementType), preview.Length, handle, sample)

	case jdwp.PreviewList:
		sample, err := f.formatSampleList(ctx, preview.Sample, depth+1)
		if err != nil {
			return "", 0, nil, err
		}
		display = fmt.Sprintf("%s%s(size=%d) [%s]", runtimeSimple, handle, preview.Length, sample)

	case jdwp.PreviewSet:
		// The sample arrives canonically sorted from the inspection layer.
		sample, err := f.formatSampleList(ctx, preview.Sample, depth+1)
		if err != nil {
			return "", 0, nil, err
		}
		display = fmt.Sprintf("%s%s(size=%d) [%s]", runtimeSimple, handle, preview.Length, sample)

	case jdwp.PreviewMap:
		sample, err := f.formatSampleMap(ctx, preview.Entries, depth+1)
		if err != nil {
			return "", 0, nil, err
		}
		display = fmt.Sprintf("%s%s(size=%d) {%s}", runtimeSimple, handle, preview.Length, sample)

	case jdwp.PreviewOptional:
		if preview.Optional != nil {
			inner, err := f.formatInline(ctx, *preview.Optional, depth+1)
			if err != nil {
				return "", 0, nil, err
			}
			display = runtimeSimple + handle + "[" + inner + "]"
		} else {
			display = runtimeSimple + handle + ".empty"
		}

	default:
		display = runtimeSimple + handle
	}

	hint := &dap.VariablePresentationHint{Kind: "data"}
	return display, ref, hint, nil
}

func (f *Formatter) formatInline(ctx context.Context, value jdwp.Value, depth int) (string, error) {
	display, _, _, err := f.formatDisplay(ctx, value, depth)
	return display, err
}

func (f *Formatter) formatSampleList(ctx context.Context, sample []jdwp.Value, depth int) (string, error) {
	parts := make([]string, 0, len(sample))
	for i, value := range sample {
		if i >= collectionSampleSize {
			break
		}
		display, err := f.formatInline(ctx, value, depth)
		if err != nil {
			return "", err
		}
		parts = append(parts, display)
	}
	return strings.Join(parts, ", "), nil
}

func (f *Formatter) formatSampleMap(ctx context.Context, entries []jdwp.MapEntry, depth int) (string, error) {
	parts := make([]string, 0, len(entries))
	for i, entry := range entries {
		if i >= collectionSampleSize {
			break
		}
		key, err := f.formatInline(ctx, entry.Key, depth)
		if err != nil {
			return "", err
		}
		value, err := f.formatInline(ctx, entry.Value, depth)
		if err != nil {
			return "", err
		}
		parts = append(parts, key+"="+value)
	}
	return strings.Join(parts, ", "), nil
}

func (f *Formatter) valueTypeName(ctx context.Context, value jdwp.Value) string {
	switch value.Tag {
	case jdwp.TagVoid:
		return "void"
	case jdwp.TagBoolean:
		return "boolean"
	case jdwp.TagByte:
		return "byte"
	case jdwp.TagShort:
		return "short"
	case jdwp.TagInt:
		return "int"
	case jdwp.TagLong:
		return "long"
	case jdwp.TagFloat:
		return "float"
	case jdwp.TagDouble:
		return "double"
	case jdwp.TagChar:
		return "char"
	default:
		if value.IsNull() {
			return ""
		}
		name, err := f.client.RuntimeTypeName(ctx, value.Object)
		if err != nil {
			return ""
		}
		return name
	}
}

func collectedHint() *dap.VariablePresentationHint {
	return &dap.VariablePresentationHint{
		Kind:       "virtual",
		Attributes: []string{"invalid"},
	}
}

// simpleTypeName strips the package prefix and any outer-class prefix:
// "java.util.Map$Entry" renders as "Entry".
func simpleTypeName(full string) string {
	tail := full
	if i := strings.LastIndex(tail, "."); i >= 0 {
		tail = tail[i+1:]
	}
	if i := strings.LastIndex(tail, "$"); i >= 0 {
		tail = tail[i+1:]
	}
	return tail
}

// trimFloat drops the ".0" noise of integral floats while leaving NaN,
// infinities and fractional values alone.
func trimFloat(value float64) string {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return strconv.FormatFloat(value, 'g', -1, 64)
	}
	if value == math.Trunc(value) {
		return strconv.FormatFloat(value, 'f', 0, 64)
	}
	return strconv.FormatFloat(value, 'g', -1, 64)
}

func escapePreviewString(input string) string {
	var out strings.Builder
	for used, ch := range []rune(input) {
		if used >= maxStringLen {
			out.WriteRune('…')
			break
		}
		switch ch {
		case '\\':
			out.WriteString(`\\`)
		case '"':
			out.WriteString(`\"`)
		case '\n':
			out.WriteString(`\n`)
		case '\r':
			out.WriteString(`\r`)
		case '\t':
			out.WriteString(`\t`)
		default:
			out.WriteRune(ch)
		}
	}
	return out.String()
}
