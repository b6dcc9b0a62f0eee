// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package jdwp

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Preview and expansion limits. These bound the number of round-trips spent
// on a single variable, not the accuracy of the reported size.
const (
	arrayPreviewSample = 3
	arrayChildSample   = 25
	hashMapScanLimit   = 64
	hashMapChainLimit  = 16
)

// PreviewKind classifies how an object should be summarized.
type PreviewKind int

const (
	PreviewPlain PreviewKind = iota
	PreviewString
	PreviewWrapper
	PreviewArray
	PreviewList
	PreviewSet
	PreviewMap
	PreviewOptional
)

// MapEntry is one sampled key/value pair of a map preview.
type MapEntry struct {
	Key   Value
	Value Value
}

// Preview is a shallow summary of an object, cheap enough to render inline.
// Fields beyond RuntimeType are populated per Kind.
type Preview struct {
	RuntimeType string
	Kind        PreviewKind

	// PreviewString.
	StringValue string

	// PreviewWrapper: the boxed primitive.
	Wrapped *Value

	// PreviewArray.
	ElementType string

	// PreviewArray, PreviewList, PreviewSet, PreviewMap: the reported size
	// (may exceed len of the sample).
	Length int

	// PreviewArray, PreviewList, PreviewSet.
	Sample []Value

	// PreviewMap.
	Entries []MapEntry

	// PreviewOptional: nil means Optional.empty().
	Optional *Value
}

// Child is one named member of an expanded object.
type Child struct {
	Name       string
	Value      Value
	StaticType string
}

// RuntimeTypeName resolves an object's runtime class to a display name.
func (c *Client) RuntimeTypeName(ctx context.Context, objectID ObjectID) (string, error) {
	_, typeID, err := c.ReferenceType(ctx, objectID)
	if err != nil {
		return "", err
	}
	signature, err := c.SignatureCached(ctx, typeID)
	if err != nil {
		return "", err
	}
	return SignatureToTypeName(signature), nil
}

// PreviewObject summarizes an object for inline display. Collection samples
// are sorted deterministically so repeated pauses render identically.
func (c *Client) PreviewObject(ctx context.Context, objectID ObjectID) (Preview, error) {
	_, typeID, err := c.ReferenceType(ctx, objectID)
	if err != nil {
		return Preview{}, err
	}
	signature, err := c.SignatureCached(ctx, typeID)
	if err != nil {
		return Preview{}, err
	}
	runtimeType := SignatureToTypeName(signature)

	if signature == "Ljava/lang/String;" {
		s, err := c.StringValue(ctx, objectID)
		if err != nil {
			return Preview{}, err
		}
		return Preview{RuntimeType: runtimeType, Kind: PreviewString, StringValue: s}, nil
	}

	if strings.HasPrefix(signature, "[") {
		length, err := c.ArrayLength(ctx, objectID)
		if err != nil {
			return Preview{}, err
		}
		n := int(max32(length, 0))
		sampleLen := minInt(n, arrayPreviewSample)
		var sample []Value
		if sampleLen > 0 {
			sample, err = c.ArrayValues(ctx, objectID, 0, int32(sampleLen))
			if err != nil {
				return Preview{}, err
			}
		}
		return Preview{
			RuntimeType: runtimeType,
			Kind:        PreviewArray,
			ElementType: SignatureToTypeName(strings.TrimPrefix(signature, "[")),
			Length:      n,
			Sample:      sample,
		}, nil
	}

	if isPrimitiveWrapper(runtimeType) {
		if children, err := c.instanceFieldValues(ctx, objectID, typeID); err == nil {
			if v, found := findChild(children, "value"); found {
				wrapped := v
				return Preview{RuntimeType: runtimeType, Kind: PreviewWrapper, Wrapped: &wrapped}, nil
			}
		}
	}

	if runtimeType == "java.util.Optional" {
		if children, err := c.instanceFieldValues(ctx, objectID, typeID); err == nil {
			if v, found := findChild(children, "value"); found {
				preview := Preview{RuntimeType: runtimeType, Kind: PreviewOptional}
				if !v.IsNull() {
					inner := v
					preview.Optional = &inner
				}
				return preview, nil
			}
		}
	}

	if runtimeType == "java.util.ArrayList" {
		if preview, ok := c.arrayListPreview(ctx, objectID, typeID, runtimeType); ok {
			return preview, nil
		}
	}

	if runtimeType == "java.util.LinkedList" {
		if preview, ok := c.linkedListPreview(ctx, objectID, typeID, runtimeType); ok {
			return preview, nil
		}
	}

	if runtimeType == "java.util.HashMap" {
		if size, entries, ok := c.hashMapEntries(ctx, objectID, typeID, arrayPreviewSample); ok {
			c.sortMapSample(ctx, entries)
			return Preview{RuntimeType: runtimeType, Kind: PreviewMap, Length: size, Entries: entries}, nil
		}
	}

	if runtimeType == "java.util.HashSet" {
		if size, keys, ok := c.hashSetSample(ctx, objectID, typeID, arrayPreviewSample); ok {
			c.sortValueSample(ctx, keys)
			return Preview{RuntimeType: runtimeType, Kind: PreviewSet, Length: size, Sample: keys}, nil
		}
	}

	return Preview{RuntimeType: runtimeType, Kind: PreviewPlain}, nil
}

// ObjectChildren expands an object into its named members. Arrays and the
// common collections get synthetic children (length/size plus sampled
// elements); everything else gets its instance fields, inherited included.
func (c *Client) ObjectChildren(ctx context.Context, objectID ObjectID) ([]Child, error) {
	_, typeID, err := c.ReferenceType(ctx, objectID)
	if err != nil {
		return nil, err
	}
	signature, err := c.SignatureCached(ctx, typeID)
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(signature, "[") {
		return c.arrayChildren(ctx, objectID, signature)
	}

	runtimeType := SignatureToTypeName(signature)
	switch runtimeType {
	case "java.util.ArrayList":
		if children, ok := c.arrayListChildren(ctx, objectID, typeID); ok {
			return children, nil
		}
	case "java.util.LinkedList":
		if children, ok := c.linkedListChildren(ctx, objectID, typeID); ok {
			return children, nil
		}
	case "java.util.HashMap":
		if children, ok := c.hashMapChildren(ctx, objectID, typeID); ok {
			return children, nil
		}
	case "java.util.HashSet":
		if children, ok := c.hashSetChildren(ctx, objectID, typeID); ok {
			return children, nil
		}
	}

	return c.instanceFieldValues(ctx, objectID, typeID)
}

func (c *Client) arrayChildren(ctx context.Context, objectID ObjectID, signature string) ([]Child, error) {
	length, err := c.ArrayLength(ctx, objectID)
	if err != nil {
		return nil, err
	}
	n := int(max32(length, 0))
	elementType := SignatureToTypeName(strings.TrimPrefix(signature, "["))

	children := []Child{{Name: "length", Value: IntValue(int32(n)), StaticType: "int"}}

	sampleLen := minInt(n, arrayChildSample)
	if sampleLen > 0 {
		values, err := c.ArrayValues(ctx, objectID, 0, int32(sampleLen))
		if err != nil {
			return nil, err
		}
		for idx, v := range values {
			children = append(children, Child{Name: "[" + strconv.Itoa(idx) + "]", Value: v, StaticType: elementType})
		}
	}
	return children, nil
}

// InstanceFields returns every non-static field of a type, walking the
// superclass chain. The most derived declaration wins a name collision.
func (c *Client) InstanceFields(ctx context.Context, typeID ReferenceTypeID) ([]FieldInfo, error) {
	c.cacheMu.Lock()
	if fields, found := c.instanceFieldsCache[typeID]; found {
		c.cacheMu.Unlock()
		return fields, nil
	}
	c.cacheMu.Unlock()

	var all []FieldInfo
	seen := map[string]bool{}
	current := typeID
	for current != 0 {
		declared, err := c.Fields(ctx, current)
		if err != nil {
			return nil, err
		}
		for _, field := range declared {
			if field.ModBits&AccStatic != 0 || seen[field.Name] {
				continue
			}
			seen[field.Name] = true
			all = append(all, field)
		}
		super, err := c.Superclass(ctx, current)
		if err != nil {
			// Interfaces and arrays have no superclass command; stop at
			// whatever we collected.
			break
		}
		current = super
	}

	c.cacheMu.Lock()
	c.instanceFieldsCache[typeID] = all
	c.cacheMu.Unlock()
	return all, nil
}

func (c *Client) instanceFieldValues(ctx context.Context, objectID ObjectID, typeID ReferenceTypeID) ([]Child, error) {
	fields, err := c.InstanceFields(ctx, typeID)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	ids := make([]FieldID, len(fields))
	for i, field := range fields {
		ids[i] = field.ID
	}
	values, err := c.GetValues(ctx, objectID, ids)
	if err != nil {
		return nil, err
	}
	if len(values) != len(fields) {
		return nil, fmt.Errorf("jdwp: GetValues returned %d values for %d fields", len(values), len(fields))
	}

	children := make([]Child, len(fields))
	for i, field := range fields {
		children[i] = Child{Name: field.Name, Value: values[i], StaticType: SignatureToTypeName(field.Signature)}
	}
	return children, nil
}

func (c *Client) objectFieldValues(ctx context.Context, objectID ObjectID) ([]Child, error) {
	_, typeID, err := c.ReferenceType(ctx, objectID)
	if err != nil {
		return nil, err
	}
	return c.instanceFieldValues(ctx, objectID, typeID)
}

func (c *Client) arrayListPreview(ctx context.Context, objectID ObjectID, typeID ReferenceTypeID, runtimeType string) (Preview, bool) {
	children, err := c.instanceFieldValues(ctx, objectID, typeID)
	if err != nil {
		return Preview{}, false
	}
	size, found := findIntChild(children, "size")
	if !found {
		return Preview{}, false
	}
	elementData, _ := findObjectChild(children, "elementData")

	var sample []Value
	sampleLen := minInt(size, arrayPreviewSample)
	if sampleLen > 0 && elementData != 0 {
		if values, err := c.ArrayValues(ctx, elementData, 0, int32(sampleLen)); err == nil {
			sample = values
		}
	}
	return Preview{RuntimeType: runtimeType, Kind: PreviewList, Length: size, Sample: sample}, true
}

func (c *Client) linkedListPreview(ctx context.Context, objectID ObjectID, typeID ReferenceTypeID, runtimeType string) (Preview, bool) {
	children, err := c.instanceFieldValues(ctx, objectID, typeID)
	if err != nil {
		return Preview{}, false
	}
	size, found := findIntChild(children, "size")
	if !found {
		return Preview{}, false
	}
	first, _ := findObjectChild(children, "first")

	var sample []Value
	sampleLen := minInt(size, arrayPreviewSample)
	nodeID := ObjectID(0)
	if sampleLen > 0 {
		nodeID = first
	}
	for i := 0; i < hashMapChainLimit && len(sample) < sampleLen && nodeID != 0; i++ {
		nodeChildren, err := c.objectFieldValues(ctx, nodeID)
		if err != nil {
			break
		}
		item, found := findChild(nodeChildren, "item")
		if !found {
			item = NullValue()
		}
		sample = append(sample, item)
		nodeID, _ = findObjectChildAllowNull(nodeChildren, "next")
	}
	return Preview{RuntimeType: runtimeType, Kind: PreviewList, Length: size, Sample: sample}, true
}

func (c *Client) arrayListChildren(ctx context.Context, objectID ObjectID, typeID ReferenceTypeID) ([]Child, bool) {
	fields, err := c.instanceFieldValues(ctx, objectID, typeID)
	if err != nil {
		return nil, false
	}
	size, found := findIntChild(fields, "size")
	if !found {
		return nil, false
	}
	elementData, _ := findObjectChild(fields, "elementData")

	children := []Child{{Name: "size", Value: IntValue(int32(size)), StaticType: "int"}}

	sampleLen := minInt(size, arrayChildSample)
	if elementData != 0 && sampleLen > 0 {
		elementType := ""
		if _, arrayType, err := c.ReferenceType(ctx, elementData); err == nil {
			if sig, err := c.SignatureCached(ctx, arrayType); err == nil && strings.HasPrefix(sig, "[") {
				elementType = SignatureToTypeName(strings.TrimPrefix(sig, "["))
			}
		}
		if values, err := c.ArrayValues(ctx, elementData, 0, int32(sampleLen)); err == nil {
			for idx, v := range values {
				children = append(children, Child{Name: "[" + strconv.Itoa(idx) + "]", Value: v, StaticType: elementType})
			}
		}
	}
	return children, true
}

func (c *Client) linkedListChildren(ctx context.Context, objectID ObjectID, typeID ReferenceTypeID) ([]Child, bool) {
	fields, err := c.instanceFieldValues(ctx, objectID, typeID)
	if err != nil {
		return nil, false
	}
	size, found := findIntChild(fields, "size")
	if !found {
		return nil, false
	}
	nodeID, _ := findObjectChild(fields, "first")

	children := []Child{{Name: "size", Value: IntValue(int32(size)), StaticType: "int"}}

	sampleLen := minInt(size, arrayChildSample)
	for idx := 0; idx < sampleLen && nodeID != 0; idx++ {
		nodeChildren, err := c.objectFieldValues(ctx, nodeID)
		if err != nil {
			break
		}
		item := NullValue()
		itemType := ""
		for _, child := range nodeChildren {
			if child.Name == "item" {
				item = child.Value
				itemType = child.StaticType
			}
		}
		children = append(children, Child{Name: "[" + strconv.Itoa(idx) + "]", Value: item, StaticType: itemType})
		nodeID, _ = findObjectChildAllowNull(nodeChildren, "next")
	}
	return children, true
}

func (c *Client) hashMapChildren(ctx context.Context, objectID ObjectID, typeID ReferenceTypeID) ([]Child, bool) {
	size, entries, ok := c.hashMapEntries(ctx, objectID, typeID, arrayChildSample)
	if !ok {
		return nil, false
	}
	c.sortMapSample(ctx, entries)

	children := []Child{{Name: "size", Value: IntValue(int32(size)), StaticType: "int"}}
	for _, entry := range entries {
		children = append(children, Child{Name: c.mapKeyDisplay(ctx, entry.Key), Value: entry.Value})
	}
	return children, true
}

func (c *Client) hashSetChildren(ctx context.Context, objectID ObjectID, typeID ReferenceTypeID) ([]Child, bool) {
	size, keys, ok := c.hashSetSample(ctx, objectID, typeID, arrayChildSample)
	if !ok {
		return nil, false
	}
	c.sortValueSample(ctx, keys)

	children := []Child{{Name: "size", Value: IntValue(int32(size)), StaticType: "int"}}
	for idx, key := range keys {
		children = append(children, Child{Name: "[" + strconv.Itoa(idx) + "]", Value: key})
	}
	return children, true
}

func (c *Client) hashSetSample(ctx context.Context, objectID ObjectID, typeID ReferenceTypeID, limit int) (int, []Value, bool) {
	children, err := c.instanceFieldValues(ctx, objectID, typeID)
	if err != nil {
		return 0, nil, false
	}
	mapID, found := findObjectChild(children, "map")
	if !found {
		return 0, nil, false
	}
	_, mapTypeID, err := c.ReferenceType(ctx, mapID)
	if err != nil {
		return 0, nil, false
	}
	size, entries, ok := c.hashMapEntries(ctx, mapID, mapTypeID, limit)
	if !ok {
		return 0, nil, false
	}
	keys := make([]Value, len(entries))
	for i, entry := range entries {
		keys[i] = entry.Key
	}
	return size, keys, true
}

// hashMapEntries samples key/value pairs by walking the bucket table the way
// java.util.HashMap lays it out. Tree bins are not followed; the scan and
// chain limits keep worst-case round-trips bounded.
func (c *Client) hashMapEntries(ctx context.Context, objectID ObjectID, typeID ReferenceTypeID, entryLimit int) (int, []MapEntry, bool) {
	children, err := c.instanceFieldValues(ctx, objectID, typeID)
	if err != nil {
		return 0, nil, false
	}
	size, found := findIntChild(children, "size")
	if !found {
		return 0, nil, false
	}
	tableID, _ := findObjectChild(children, "table")

	var sample []MapEntry
	if tableID != 0 {
		tableLen, err := c.ArrayLength(ctx, tableID)
		if err == nil {
			scan := minInt(int(max32(tableLen, 0)), hashMapScanLimit)
			if scan > 0 {
				buckets, err := c.ArrayValues(ctx, tableID, 0, int32(scan))
				if err == nil {
				scanBuckets:
					for _, bucket := range buckets {
						if len(sample) >= entryLimit {
							break
						}
						if !bucket.IsObject() || bucket.Object == 0 {
							continue
						}
						nodeID := bucket.Object
						for i := 0; i < hashMapChainLimit; i++ {
							if len(sample) >= entryLimit {
								break scanBuckets
							}
							if nodeID == 0 {
								break
							}
							nodeChildren, err := c.objectFieldValues(ctx, nodeID)
							if err != nil {
								break
							}
							key, found := findChild(nodeChildren, "key")
							if !found {
								key = NullValue()
							}
							value, found := findChild(nodeChildren, "value")
							if !found {
								value = NullValue()
							}
							sample = append(sample, MapEntry{Key: key, Value: value})
							nodeID, _ = findObjectChildAllowNull(nodeChildren, "next")
						}
					}
				}
			}
		}
	}
	return size, sample, true
}

func (c *Client) mapKeyDisplay(ctx context.Context, key Value) string {
	if key.IsObject() {
		if key.Object == 0 {
			return "null"
		}
		if c.isStringObject(ctx, key) {
			if s, err := c.StringValue(ctx, key.Object); err == nil {
				return `"` + escapeJavaString(s, 40) + `"`
			}
		}
		return fmt.Sprintf("@0x%x", key.Object)
	}

	switch key.Tag {
	case TagBoolean:
		return strconv.FormatBool(key.Bool())
	case TagByte:
		return strconv.FormatInt(int64(key.Byte()), 10)
	case TagChar:
		return "'" + string(rune(key.Char())) + "'"
	case TagShort:
		return strconv.FormatInt(int64(key.Short()), 10)
	case TagInt:
		return strconv.FormatInt(int64(key.Int()), 10)
	case TagLong:
		return strconv.FormatInt(key.Long(), 10)
	case TagFloat:
		return strconv.FormatFloat(float64(key.Float()), 'g', -1, 32)
	case TagDouble:
		return strconv.FormatFloat(key.Double(), 'g', -1, 64)
	default:
		return "void"
	}
}

func (c *Client) isStringObject(ctx context.Context, v Value) bool {
	if v.Tag == TagString {
		return true
	}
	_, typeID, err := c.ReferenceType(ctx, v.Object)
	if err != nil {
		return false
	}
	sig, err := c.SignatureCached(ctx, typeID)
	return err == nil && sig == "Ljava/lang/String;"
}

// sortKey produces a total order over sampled values so previews render
// stably across pauses: null < void < bool < char < integers < floats <
// strings < other objects (by id).
type sortKey struct {
	rank int
	b    bool
	c    uint16
	i    int64
	u    uint64
	s    string
	o    ObjectID
}

func (k sortKey) less(other sortKey) bool {
	if k.rank != other.rank {
		return k.rank < other.rank
	}
	switch k.rank {
	case 2:
		return !k.b && other.b
	case 3:
		return k.c < other.c
	case 4:
		return k.i < other.i
	case 5:
		return k.u < other.u
	case 6:
		return k.s < other.s
	case 7:
		return k.o < other.o
	default:
		return false
	}
}

func (c *Client) valueSortKey(ctx context.Context, v Value) sortKey {
	switch v.Tag {
	case TagBoolean:
		return sortKey{rank: 2, b: v.Bool()}
	case TagChar:
		return sortKey{rank: 3, c: v.Char()}
	case TagByte:
		return sortKey{rank: 4, i: int64(v.Byte())}
	case TagShort:
		return sortKey{rank: 4, i: int64(v.Short())}
	case TagInt:
		return sortKey{rank: 4, i: int64(v.Int())}
	case TagLong:
		return sortKey{rank: 4, i: v.Long()}
	case TagFloat:
		return sortKey{rank: 5, u: uint64(floatBits(v.Float()))}
	case TagDouble:
		return sortKey{rank: 5, u: doubleBits(v.Double())}
	case TagVoid:
		return sortKey{rank: 1}
	default:
		if v.Object == 0 {
			return sortKey{rank: 0}
		}
		if c.isStringObject(ctx, v) {
			if s, err := c.StringValue(ctx, v.Object); err == nil {
				return sortKey{rank: 6, s: s}
			}
		}
		return sortKey{rank: 7, o: v.Object}
	}
}

func (c *Client) sortValueSample(ctx context.Context, sample []Value) {
	type decorated struct {
		key   sortKey
		value Value
	}
	dec := make([]decorated, len(sample))
	for i, v := range sample {
		dec[i] = decorated{key: c.valueSortKey(ctx, v), value: v}
	}
	sort.SliceStable(dec, func(i, j int) bool { return dec[i].key.less(dec[j].key) })
	for i, d := range dec {
		sample[i] = d.value
	}
}

func (c *Client) sortMapSample(ctx context.Context, sample []MapEntry) {
	type decorated struct {
		key   sortKey
		value sortKey
		entry MapEntry
	}
	dec := make([]decorated, len(sample))
	for i, entry := range sample {
		dec[i] = decorated{key: c.valueSortKey(ctx, entry.Key), value: c.valueSortKey(ctx, entry.Value), entry: entry}
	}
	sort.SliceStable(dec, func(i, j int) bool {
		if dec[i].key.less(dec[j].key) {
			return true
		}
		if dec[j].key.less(dec[i].key) {
			return false
		}
		return dec[i].value.less(dec[j].value)
	})
	for i, d := range dec {
		sample[i] = d.entry
	}
}

func findChild(children []Child, name string) (Value, bool) {
	for _, child := range children {
		if child.Name == name {
			return child.Value, true
		}
	}
	return Value{}, false
}

func findIntChild(children []Child, name string) (int, bool) {
	v, found := findChild(children, name)
	if !found || v.Tag != TagInt {
		return 0, false
	}
	n := int(v.Int())
	if n < 0 {
		n = 0
	}
	return n, true
}

func findObjectChild(children []Child, name string) (ObjectID, bool) {
	v, found := findChild(children, name)
	if !found || !v.IsObject() || v.Object == 0 {
		return 0, false
	}
	return v.Object, true
}

func findObjectChildAllowNull(children []Child, name string) (ObjectID, bool) {
	v, found := findChild(children, name)
	if !found || !v.IsObject() {
		return 0, false
	}
	return v.Object, true
}

func isPrimitiveWrapper(runtimeType string) bool {
	switch runtimeType {
	case "java.lang.Boolean", "java.lang.Byte", "java.lang.Character", "java.lang.Double",
		"java.lang.Float", "java.lang.Integer", "java.lang.Long", "java.lang.Short":
		return true
	default:
		return false
	}
}

func escapeJavaString(input string, maxLen int) string {
	var out strings.Builder
	for used, ch := range []rune(input) {
		if used >= maxLen {
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

// SignatureToTypeName converts a JNI type signature to a Java source-style
// name: "Ljava/lang/String;" becomes "java.lang.String", "[I" becomes "int[]".
func SignatureToTypeName(signature string) string {
	sig := signature
	dims := 0
	for strings.HasPrefix(sig, "[") {
		dims++
		sig = sig[1:]
	}

	var base string
	if strings.HasPrefix(sig, "L") && strings.HasSuffix(sig, ";") {
		base = strings.ReplaceAll(sig[1:len(sig)-1], "/", ".")
	} else {
		switch {
		case sig == "B":
			base = "byte"
		case sig == "C":
			base = "char"
		case sig == "D":
			base = "double"
		case sig == "F":
			base = "float"
		case sig == "I":
			base = "int"
		case sig == "J":
			base = "long"
		case sig == "S":
			base = "short"
		case sig == "Z":
			base = "boolean"
		case sig == "V":
			base = "void"
		default:
			base = "<unknown>"
		}
	}

	return base + strings.Repeat("[]", dims)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
