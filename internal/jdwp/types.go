// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package jdwp implements the subset of the Java Debug Wire Protocol used by
// the nova debug adapter: a demultiplexing command client plus an
// asynchronous event stream over a single duplex connection.
package jdwp

import (
	"errors"
	"fmt"
	"math"
)

// Identifiers minted by the debuggee. They are opaque and must never be
// synthesized locally; the adapter only echoes them back.
type (
	ObjectID        = uint64
	ThreadID        = uint64
	ReferenceTypeID = uint64
	MethodID        = uint64
	FieldID         = uint64
	FrameID         = uint64
)

// Value tags (JDWP Tag constants).
const (
	TagArray       byte = '['
	TagByte        byte = 'B'
	TagChar        byte = 'C'
	TagObject      byte = 'L'
	TagFloat       byte = 'F'
	TagDouble      byte = 'D'
	TagInt         byte = 'I'
	TagLong        byte = 'J'
	TagShort       byte = 'S'
	TagVoid        byte = 'V'
	TagBoolean     byte = 'Z'
	TagString      byte = 's'
	TagThread      byte = 't'
	TagThreadGroup byte = 'g'
	TagClassLoader byte = 'l'
	TagClassObject byte = 'c'
)

// Suspend policies for event requests.
const (
	SuspendPolicyNone        byte = 0
	SuspendPolicyEventThread byte = 1
	SuspendPolicyAll         byte = 2
)

// Step sizes and depths (EventRequest.Set Step modifier).
const (
	StepSizeMin  int32 = 0
	StepSizeLine int32 = 1

	StepDepthInto int32 = 0
	StepDepthOver int32 = 1
	StepDepthOut  int32 = 2
)

// Value is a JDWP value: a primitive, void, or an object reference.
// Primitives are stored as raw bits interpreted according to Tag.
type Value struct {
	Tag    byte
	Bits   uint64
	Object ObjectID
}

func BoolValue(v bool) Value {
	bits := uint64(0)
	if v {
		bits = 1
	}
	return Value{Tag: TagBoolean, Bits: bits}
}

func ByteValue(v int8) Value      { return Value{Tag: TagByte, Bits: uint64(uint8(v))} }
func CharValue(v uint16) Value    { return Value{Tag: TagChar, Bits: uint64(v)} }
func ShortValue(v int16) Value    { return Value{Tag: TagShort, Bits: uint64(uint16(v))} }
func IntValue(v int32) Value      { return Value{Tag: TagInt, Bits: uint64(uint32(v))} }
func LongValue(v int64) Value     { return Value{Tag: TagLong, Bits: uint64(v)} }
func FloatValue(v float32) Value  { return Value{Tag: TagFloat, Bits: uint64(floatBits(v))} }
func DoubleValue(v float64) Value { return Value{Tag: TagDouble, Bits: doubleBits(v)} }
func VoidValue() Value            { return Value{Tag: TagVoid} }

func ObjectValue(tag byte, id ObjectID) Value {
	return Value{Tag: tag, Object: id}
}

func NullValue() Value { return Value{Tag: TagObject} }

func (v Value) Bool() bool       { return v.Bits != 0 }
func (v Value) Byte() int8       { return int8(uint8(v.Bits)) }
func (v Value) Char() uint16     { return uint16(v.Bits) }
func (v Value) Short() int16     { return int16(uint16(v.Bits)) }
func (v Value) Int() int32       { return int32(uint32(v.Bits)) }
func (v Value) Long() int64      { return int64(v.Bits) }
func (v Value) Float() float32   { return floatFromBits(uint32(v.Bits)) }
func (v Value) Double() float64  { return doubleFromBits(v.Bits) }

// IsObject reports whether the tag denotes an object kind (including arrays,
// strings, threads and class objects).
func (v Value) IsObject() bool {
	switch v.Tag {
	case TagObject, TagArray, TagString, TagThread, TagThreadGroup, TagClassLoader, TagClassObject:
		return true
	default:
		return false
	}
}

func (v Value) IsNull() bool { return v.IsObject() && v.Object == 0 }

// Location identifies an executable position inside a loaded class.
type Location struct {
	TypeTag byte
	Class   ReferenceTypeID
	Method  MethodID
	Index   uint64
}

// IsZero reports whether the location is the all-zero "no location" value
// (used by exception events for an absent catch location).
func (l Location) IsZero() bool {
	return l.TypeTag == 0 && l.Class == 0 && l.Method == 0 && l.Index == 0
}

type ClassInfo struct {
	RefTypeTag byte
	TypeID     ReferenceTypeID
	Signature  string
	Status     int32
}

type MethodInfo struct {
	ID        MethodID
	Name      string
	Signature string
	ModBits   int32
}

type FieldInfo struct {
	ID        FieldID
	Name      string
	Signature string
	ModBits   int32
}

// AccStatic is the JVM access flag marking static members.
const AccStatic int32 = 0x0008

// VariableInfo describes one slot of a method's local variable table.
type VariableInfo struct {
	CodeIndex uint64
	Name      string
	Signature string
	Length    int32
	Slot      int32
}

// InScopeAt reports whether the variable is live at the given code index.
func (v VariableInfo) InScopeAt(index uint64) bool {
	return v.CodeIndex <= index && index < v.CodeIndex+uint64(v.Length)
}

type LineEntry struct {
	CodeIndex uint64
	Line      int32
}

type LineTable struct {
	Start uint64
	End   uint64
	Lines []LineEntry
}

// LineFor returns the source line of the last entry at or before index.
func (t LineTable) LineFor(index uint64) int32 {
	var best int32 = 1
	for _, entry := range t.Lines {
		if entry.CodeIndex <= index {
			best = entry.Line
		}
	}
	return best
}

type FrameInfo struct {
	ID       FrameID
	Location Location
}

// SlotRequest names one local variable slot for StackFrame.GetValues.
type SlotRequest struct {
	Slot int32
	Tag  byte
}

// Capabilities is the decoded VirtualMachine.CapabilitiesNew reply.
// Only the flags the adapter consults are named; Raw keeps the full vector.
type Capabilities struct {
	CanWatchFieldModification bool
	CanWatchFieldAccess       bool
	CanGetBytecodes           bool
	CanGetSyntheticAttribute  bool
	CanGetMonitorInfo         bool
	Raw                       []bool
}

// EventKind values used in EventRequest.Set and composite event packets.
type EventKind byte

const (
	EventSingleStep        EventKind = 1
	EventBreakpoint        EventKind = 2
	EventException         EventKind = 4
	EventClassPrepare      EventKind = 8
	EventFieldAccess       EventKind = 20
	EventFieldModification EventKind = 21
	EventVMStart           EventKind = 90
	EventVMDeath           EventKind = 99
)

// Event is one entry of a composite event packet. Fields beyond Kind,
// SuspendPolicy and RequestID are populated per kind.
type Event struct {
	Kind          EventKind
	SuspendPolicy byte
	RequestID     int32

	Thread   ThreadID
	Location Location

	// Exception events.
	Exception     ObjectID
	CatchLocation *Location

	// ClassPrepare events.
	RefTypeTag byte
	TypeID     ReferenceTypeID
	Signature  string

	// Field watch events.
	Field    FieldID
	FieldsOf ReferenceTypeID
	Object   ObjectID
	NewValue *Value
}

// Modifier narrows an event request. Each variant maps to one JDWP modKind.
type Modifier interface {
	appendTo(w *Writer)
}

type CountModifier struct{ Count int32 }

type ThreadOnlyModifier struct{ Thread ThreadID }

type ClassMatchModifier struct{ Pattern string }

type LocationOnlyModifier struct{ Location Location }

type ExceptionOnlyModifier struct {
	Exception ReferenceTypeID // 0 matches all exception classes
	Caught    bool
	Uncaught  bool
}

type FieldOnlyModifier struct {
	Class ReferenceTypeID
	Field FieldID
}

type StepModifier struct {
	Thread ThreadID
	Size   int32
	Depth  int32
}

type InstanceOnlyModifier struct{ Instance ObjectID }

func (m CountModifier) appendTo(w *Writer) {
	w.Byte(1)
	w.Int32(m.Count)
}

func (m ThreadOnlyModifier) appendTo(w *Writer) {
	w.Byte(3)
	w.ObjectID(m.Thread)
}

func (m ClassMatchModifier) appendTo(w *Writer) {
	w.Byte(5)
	w.String(m.Pattern)
}

func (m LocationOnlyModifier) appendTo(w *Writer) {
	w.Byte(7)
	w.Location(m.Location)
}

func (m ExceptionOnlyModifier) appendTo(w *Writer) {
	w.Byte(8)
	w.ReferenceTypeID(m.Exception)
	w.Bool(m.Caught)
	w.Bool(m.Uncaught)
}

func (m FieldOnlyModifier) appendTo(w *Writer) {
	w.Byte(9)
	w.ReferenceTypeID(m.Class)
	w.FieldID(m.Field)
}

func (m StepModifier) appendTo(w *Writer) {
	w.Byte(10)
	w.ObjectID(m.Thread)
	w.Int32(m.Size)
	w.Int32(m.Depth)
}

func (m InstanceOnlyModifier) appendTo(w *Writer) {
	w.Byte(11)
	w.ObjectID(m.Instance)
}

// Sentinel errors for the transport layer.
var (
	ErrConnectionClosed = errors.New("jdwp connection closed")
	ErrHandshakeFailed  = errors.New("jdwp handshake failed")
)

// VMError is a non-zero error code carried in a JDWP reply packet.
type VMError uint16

// Error codes the adapter reacts to specifically.
const (
	ErrCodeInvalidThread  VMError = 10
	ErrCodeInvalidObject  VMError = 20
	ErrCodeNotImplemented VMError = 99
	ErrCodeAbsentInfo     VMError = 101
	ErrCodeInvalidLength  VMError = 504
)

func (e VMError) Error() string {
	return fmt.Sprintf("jdwp error code %d", uint16(e))
}

// IsInvalidObject reports whether err is the debuggee telling us an object
// reference is stale (typically garbage collected).
func IsInvalidObject(err error) bool {
	var vmErr VMError
	return errors.As(err, &vmErr) && vmErr == ErrCodeInvalidObject
}

// VMErrorCode extracts the debuggee error code from err, or 0 when err does
// not wrap a VMError.
func VMErrorCode(err error) VMError {
	var vmErr VMError
	if errors.As(err, &vmErr) {
		return vmErr
	}
	return 0
}

// IsConnectionClosed reports whether err resolves to the shared connection
// having been torn down.
func IsConnectionClosed(err error) bool {
	return errors.Is(err, ErrConnectionClosed)
}

func floatBits(v float32) uint32      { return math.Float32bits(v) }
func floatFromBits(b uint32) float32  { return math.Float32frombits(b) }
func doubleBits(v float64) uint64     { return math.Float64bits(v) }
func doubleFromBits(b uint64) float64 { return math.Float64frombits(b) }
