// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package jdwp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Handshake is exchanged verbatim in both directions before any packets.
const Handshake = "JDWP-Handshake"

const (
	// headerLen is the fixed JDWP packet header size:
	// u32 length, u32 id, u8 flags, then set/cmd (command) or u16 error (reply).
	headerLen = 11

	flagReply byte = 0x80
)

// IDSizes holds the per-connection byte widths of debuggee identifiers,
// reported by VirtualMachine.IDSizes. All reads and writes of ids must use
// these widths.
type IDSizes struct {
	FieldID         int
	MethodID        int
	ObjectID        int
	ReferenceTypeID int
	FrameID         int
}

// DefaultIDSizes returns the widths modern JVMs report (8 bytes each).
// They are only used to decode the IDSizes reply itself, which is id-free.
func DefaultIDSizes() IDSizes {
	return IDSizes{FieldID: 8, MethodID: 8, ObjectID: 8, ReferenceTypeID: 8, FrameID: 8}
}

// Writer builds a big-endian JDWP payload honoring the connection's id sizes.
type Writer struct {
	buf   []byte
	sizes IDSizes
}

func NewWriter(sizes IDSizes) *Writer {
	return &Writer{sizes: sizes}
}

func (w *Writer) Byte(v byte) { w.buf = append(w.buf, v) }

func (w *Writer) Bool(v bool) {
	if v {
		w.Byte(1)
	} else {
		w.Byte(0)
	}
}

func (w *Writer) Int16(v int16) { w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(v)) }
func (w *Writer) Int32(v int32) { w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v)) }
func (w *Writer) Int64(v int64) { w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v)) }

// String writes a u32 length prefix followed by UTF-8 bytes.
func (w *Writer) String(s string) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// ID writes the trailing size bytes of the big-endian representation of id.
func (w *Writer) ID(id uint64, size int) {
	var full [8]byte
	binary.BigEndian.PutUint64(full[:], id)
	w.buf = append(w.buf, full[8-size:]...)
}

func (w *Writer) ObjectID(id ObjectID)               { w.ID(id, w.sizes.ObjectID) }
func (w *Writer) ReferenceTypeID(id ReferenceTypeID) { w.ID(id, w.sizes.ReferenceTypeID) }
func (w *Writer) MethodID(id MethodID)               { w.ID(id, w.sizes.MethodID) }
func (w *Writer) FieldID(id FieldID)                 { w.ID(id, w.sizes.FieldID) }
func (w *Writer) FrameID(id FrameID)                 { w.ID(id, w.sizes.FrameID) }

func (w *Writer) Location(l Location) {
	w.Byte(l.TypeTag)
	w.ReferenceTypeID(l.Class)
	w.MethodID(l.Method)
	w.buf = binary.BigEndian.AppendUint64(w.buf, l.Index)
}

// TaggedValue writes a tag byte followed by the value payload.
func (w *Writer) TaggedValue(v Value) {
	w.Byte(v.Tag)
	w.UntaggedValue(v)
}

// UntaggedValue writes just the value payload; the width follows the tag.
func (w *Writer) UntaggedValue(v Value) {
	switch v.Tag {
	case TagVoid:
	case TagBoolean, TagByte:
		w.Byte(byte(v.Bits))
	case TagChar, TagShort:
		w.Int16(int16(uint16(v.Bits)))
	case TagInt, TagFloat:
		w.Int32(int32(uint32(v.Bits)))
	case TagLong, TagDouble:
		w.Int64(int64(v.Bits))
	default:
		w.ObjectID(v.Object)
	}
}

func (w *Writer) Bytes() []byte { return w.buf }

// Reader decodes a big-endian JDWP payload honoring the connection's id sizes.
type Reader struct {
	buf   []byte
	off   int
	sizes IDSizes
}

func NewReader(data []byte, sizes IDSizes) *Reader {
	return &Reader{buf: data, sizes: sizes}
}

func (r *Reader) take(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, fmt.Errorf("jdwp: truncated payload (want %d bytes at offset %d of %d): %w",
			n, r.off, len(r.buf), io.ErrUnexpectedEOF)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) Byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Bool() (bool, error) {
	b, err := r.Byte()
	return b != 0, err
}

func (r *Reader) Int16() (int16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

func (r *Reader) Int32() (int32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (r *Reader) Int64() (int64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (r *Reader) Uint64() (uint64, error) {
	v, err := r.Int64()
	return uint64(v), err
}

func (r *Reader) String() (string, error) {
	n, err := r.Int32()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("jdwp: negative string length %d", n)
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ID reads size bytes into the low end of a uint64 (left-padded with zeros).
func (r *Reader) ID(size int) (uint64, error) {
	b, err := r.take(size)
	if err != nil {
		return 0, err
	}
	var full [8]byte
	copy(full[8-size:], b)
	return binary.BigEndian.Uint64(full[:]), nil
}

func (r *Reader) ObjectID() (ObjectID, error)               { return r.ID(r.sizes.ObjectID) }
func (r *Reader) ReferenceTypeID() (ReferenceTypeID, error) { return r.ID(r.sizes.ReferenceTypeID) }
func (r *Reader) MethodID() (MethodID, error)               { return r.ID(r.sizes.MethodID) }
func (r *Reader) FieldID() (FieldID, error)                 { return r.ID(r.sizes.FieldID) }
func (r *Reader) FrameID() (FrameID, error)                 { return r.ID(r.sizes.FrameID) }

func (r *Reader) Location() (Location, error) {
	tag, err := r.Byte()
	if err != nil {
		return Location{}, err
	}
	class, err := r.ReferenceTypeID()
	if err != nil {
		return Location{}, err
	}
	method, err := r.MethodID()
	if err != nil {
		return Location{}, err
	}
	index, err := r.Uint64()
	if err != nil {
		return Location{}, err
	}
	return Location{TypeTag: tag, Class: class, Method: method, Index: index}, nil
}

// TaggedValue reads a tag byte then the value payload.
func (r *Reader) TaggedValue() (Value, error) {
	tag, err := r.Byte()
	if err != nil {
		return Value{}, err
	}
	return r.UntaggedValue(tag)
}

// UntaggedValue reads a value payload whose width is implied by tag.
func (r *Reader) UntaggedValue(tag byte) (Value, error) {
	switch tag {
	case TagVoid:
		return VoidValue(), nil
	case TagBoolean:
		b, err := r.Byte()
		return BoolValue(b != 0), err
	case TagByte:
		b, err := r.Byte()
		return ByteValue(int8(b)), err
	case TagChar:
		v, err := r.Int16()
		return CharValue(uint16(v)), err
	case TagShort:
		v, err := r.Int16()
		return ShortValue(v), err
	case TagInt:
		v, err := r.Int32()
		return IntValue(v), err
	case TagFloat:
		v, err := r.Int32()
		return Value{Tag: TagFloat, Bits: uint64(uint32(v))}, err
	case TagLong:
		v, err := r.Int64()
		return LongValue(v), err
	case TagDouble:
		v, err := r.Int64()
		return Value{Tag: TagDouble, Bits: uint64(v)}, err
	case TagObject, TagArray, TagString, TagThread, TagThreadGroup, TagClassLoader, TagClassObject:
		id, err := r.ObjectID()
		return ObjectValue(tag, id), err
	default:
		return Value{}, fmt.Errorf("jdwp: unknown value tag 0x%02x", tag)
	}
}

// ArrayRegion reads an ArrayReference.GetValues reply: an element tag, a
// count, and then untagged values for primitive elements or tagged values
// for object elements.
func (r *Reader) ArrayRegion() ([]Value, error) {
	tag, err := r.Byte()
	if err != nil {
		return nil, err
	}
	count, err := r.Int32()
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("jdwp: negative array region count %d", count)
	}
	values := make([]Value, 0, count)
	objectElements := Value{Tag: tag}.IsObject()
	for i := int32(0); i < count; i++ {
		var v Value
		if objectElements {
			v, err = r.TaggedValue()
		} else {
			v, err = r.UntaggedValue(tag)
		}
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// packetHeader is the decoded fixed header of one JDWP packet.
type packetHeader struct {
	length    uint32
	id        uint32
	flags     byte
	set       byte
	cmd       byte
	errorCode uint16
}

func (h packetHeader) isReply() bool { return h.flags&flagReply != 0 }

// encodeCommandPacket frames a complete outbound command. The result must be
// written to the connection as a single unit.
func encodeCommandPacket(id uint32, set, cmd byte, payload []byte) []byte {
	packet := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint32(packet[0:4], uint32(len(packet)))
	binary.BigEndian.PutUint32(packet[4:8], id)
	packet[8] = 0
	packet[9] = set
	packet[10] = cmd
	copy(packet[headerLen:], payload)
	return packet
}

// encodeReplyPacket frames a reply. Used by the in-process test server.
func encodeReplyPacket(id uint32, errorCode uint16, payload []byte) []byte {
	packet := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint32(packet[0:4], uint32(len(packet)))
	binary.BigEndian.PutUint32(packet[4:8], id)
	packet[8] = flagReply
	binary.BigEndian.PutUint16(packet[9:11], errorCode)
	copy(packet[headerLen:], payload)
	return packet
}

// readPacket reads one full packet (header + payload) from the stream.
func readPacket(r io.Reader) (packetHeader, []byte, error) {
	var raw [headerLen]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return packetHeader{}, nil, err
	}

	header := packetHeader{
		length: binary.BigEndian.Uint32(raw[0:4]),
		id:     binary.BigEndian.Uint32(raw[4:8]),
		flags:  raw[8],
	}
	if header.isReply() {
		header.errorCode = binary.BigEndian.Uint16(raw[9:11])
	} else {
		header.set = raw[9]
		header.cmd = raw[10]
	}

	if header.length < headerLen {
		return packetHeader{}, nil, fmt.Errorf("jdwp: malformed packet length %d", header.length)
	}

	payload := make([]byte, header.length-headerLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return packetHeader{}, nil, err
	}
	return header, payload, nil
}
