// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package jdwp

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
)

// Command sets and commands used by the adapter.
const (
	vmSet                  byte = 1
	vmClassesBySignature   byte = 2
	vmAllClasses           byte = 3
	vmAllThreads           byte = 4
	vmDispose              byte = 6
	vmIDSizes              byte = 7
	vmSuspend              byte = 8
	vmResume               byte = 9
	vmExit                 byte = 10
	vmCapabilitiesNew      byte = 17

	refTypeSet        byte = 2
	refTypeSignature  byte = 1
	refTypeFields     byte = 4
	refTypeMethods    byte = 5
	refTypeSourceFile byte = 7

	classTypeSet        byte = 3
	classTypeSuperclass byte = 3

	methodSet           byte = 6
	methodLineTable     byte = 1
	methodVariableTable byte = 2

	objectRefSet               byte = 9
	objectRefReferenceType     byte = 1
	objectRefGetValues         byte = 2
	objectRefDisableCollection byte = 7
	objectRefEnableCollection  byte = 8

	stringRefSet   byte = 10
	stringRefValue byte = 1

	threadRefSet        byte = 11
	threadRefName       byte = 1
	threadRefFrames     byte = 6
	threadRefFrameCount byte = 7

	arrayRefSet       byte = 13
	arrayRefLength    byte = 1
	arrayRefGetValues byte = 2

	eventRequestSet    byte = 15
	eventRequestSetCmd byte = 1
	eventRequestClear  byte = 2

	stackFrameSet       byte = 16
	stackFrameGetValues byte = 1

	eventSet       byte = 64
	eventComposite byte = 100
)

// ClientConfig carries the optional knobs of a Client. The zero value works.
type ClientConfig struct {
	// Log receives verbose protocol traces at V(1). Defaults to logr.Discard().
	Log logr.Logger

	// HandshakeTimeout bounds the initial handshake exchange.
	HandshakeTimeout time.Duration

	// ReplyTimeout bounds each command round-trip when the caller's context
	// carries no deadline of its own.
	ReplyTimeout time.Duration

	// EventBuffer is the capacity of the inbound event channel.
	EventBuffer int
}

func (c *ClientConfig) ensureDefaults() {
	if c.Log.GetSink() == nil {
		c.Log = logr.Discard()
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 10 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
}

type pendingReply struct {
	errorCode uint16
	data      []byte
}

// Client is a demultiplexing JDWP command client. One goroutine owns all
// reads from the connection; replies are routed to waiting callers by packet
// id, and composite event packets are delivered on a separate channel so a
// slow reply never delays unrelated replies or events.
type Client struct {
	conn net.Conn
	log  logr.Logger
	cfg  ClientConfig

	sizes IDSizes
	caps  Capabilities

	writeMu sync.Mutex
	nextID  atomic.Uint32

	// pendingMu guards pending, closed and closeErr. This is the single
	// critical section of the demultiplexer.
	pendingMu sync.Mutex
	pending   map[uint32]chan pendingReply
	closed    bool
	closeErr  error

	events chan Event
	done   chan struct{}

	cacheMu             sync.Mutex
	signatureCache      map[ReferenceTypeID]string
	fieldsCache         map[ReferenceTypeID][]FieldInfo
	superclassCache     map[ReferenceTypeID]ReferenceTypeID
	instanceFieldsCache map[ReferenceTypeID][]FieldInfo
}

// Dial connects to a JDWP endpoint, performs the handshake, and primes the
// connection with IDSizes and CapabilitiesNew.
func Dial(ctx context.Context, addr string, cfg ClientConfig) (*Client, error) {
	cfg.ensureDefaults()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to debuggee at %s: %w", addr, err)
	}

	if err := handshake(conn, cfg.HandshakeTimeout); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c := &Client{
		conn:            conn,
		log:             cfg.Log,
		cfg:             cfg,
		sizes:           DefaultIDSizes(),
		pending:         make(map[uint32]chan pendingReply),
		events:          make(chan Event, cfg.EventBuffer),
		done:            make(chan struct{}),
		signatureCache:      make(map[ReferenceTypeID]string),
		fieldsCache:         make(map[ReferenceTypeID][]FieldInfo),
		superclassCache:     make(map[ReferenceTypeID]ReferenceTypeID),
		instanceFieldsCache: make(map[ReferenceTypeID][]FieldInfo),
	}

	go c.readLoop()

	sizes, err := c.idSizes(ctx)
	if err != nil {
		c.shutdown(fmt.Errorf("failed to query id sizes: %w", err))
		return nil, err
	}
	c.sizes = sizes

	caps, err := c.capabilitiesNew(ctx)
	if err != nil {
		// Older VMs may not implement CapabilitiesNew; treat everything as
		// unsupported rather than failing the attach.
		c.log.V(1).Info("CapabilitiesNew query failed", "error", err.Error())
		caps = Capabilities{}
	}
	c.caps = caps

	return c, nil
}

func handshake(conn net.Conn, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	if _, err := conn.Write([]byte(Handshake)); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	echo := make([]byte, len(Handshake))
	if _, err := io.ReadFull(conn, echo); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	if string(echo) != Handshake {
		return fmt.Errorf("%w: unexpected reply %q", ErrHandshakeFailed, string(echo))
	}
	return nil
}

// IDSizes returns the identifier widths negotiated during Dial.
func (c *Client) IDSizes() IDSizes { return c.sizes }

// Capabilities returns the debuggee capability set queried during Dial.
func (c *Client) Capabilities() Capabilities { return c.caps }

// Events is the inbound stream of composite events. The channel is closed
// when the connection shuts down.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed when the connection is no longer usable.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that shut the connection down, if any.
func (c *Client) Err() error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.closeErr
}

// Close tears the connection down, failing every in-flight command.
func (c *Client) Close() error {
	c.shutdown(ErrConnectionClosed)
	return nil
}

// shutdown marks the connection unusable and resolves every pending command
// to err. Safe to call multiple times; the first error wins.
func (c *Client) shutdown(err error) {
	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	drained := c.pending
	c.pending = make(map[uint32]chan pendingReply)
	c.pendingMu.Unlock()

	_ = c.conn.Close()
	close(c.done)
	for _, ch := range drained {
		close(ch)
	}
}

// call performs one command round-trip. The reply is matched by packet id;
// a reply arriving after the caller gave up is discarded by the read loop.
func (c *Client) call(ctx context.Context, set, cmd byte, payload []byte) ([]byte, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ReplyTimeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	replyCh := make(chan pendingReply, 1)

	c.pendingMu.Lock()
	if c.closed {
		closeErr := c.closeErr
		c.pendingMu.Unlock()
		return nil, closeErr
	}
	c.pending[id] = replyCh
	c.pendingMu.Unlock()

	packet := encodeCommandPacket(id, set, cmd, payload)

	c.writeMu.Lock()
	_, writeErr := c.conn.Write(packet)
	c.writeMu.Unlock()
	if writeErr != nil {
		c.removePending(id)
		c.shutdown(fmt.Errorf("%w: %w", ErrConnectionClosed, writeErr))
		return nil, ErrConnectionClosed
	}

	if c.log.V(1).Enabled() {
		c.log.V(1).Info("jdwp command sent", "id", id, "set", set, "cmd", cmd, "payloadLen", len(payload))
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, c.Err()
		}
		if reply.errorCode != 0 {
			return nil, VMError(reply.errorCode)
		}
		return reply.data, nil
	case <-ctx.Done():
		// The eventual late reply is dropped by the read loop.
		c.removePending(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.Err()
	}
}

func (c *Client) removePending(id uint32) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) readLoop() {
	// The read loop is the sole sender on c.events, so closing here covers
	// every exit path, including a Close that interrupts a blocked send.
	defer close(c.events)

	for {
		header, payload, err := readPacket(c.conn)
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %w", ErrConnectionClosed, err))
			return
		}

		if header.isReply() {
			c.pendingMu.Lock()
			replyCh, found := c.pending[header.id]
			if found {
				delete(c.pending, header.id)
			}
			c.pendingMu.Unlock()

			if found {
				replyCh <- pendingReply{errorCode: header.errorCode, data: payload}
			} else if c.log.V(1).Enabled() {
				c.log.V(1).Info("discarding late jdwp reply", "id", header.id)
			}
			continue
		}

		if header.set == eventSet && header.cmd == eventComposite {
			events, parseErr := c.parseCompositeEvent(payload)
			if parseErr != nil {
				c.log.Error(parseErr, "failed to parse composite event packet")
				continue
			}
			for _, event := range events {
				select {
				case c.events <- event:
				case <-c.done:
					return
				}
			}
			continue
		}

		c.log.V(1).Info("ignoring unexpected jdwp command packet", "set", header.set, "cmd", header.cmd)
	}
}

func (c *Client) parseCompositeEvent(payload []byte) ([]Event, error) {
	r := NewReader(payload, c.sizes)

	suspendPolicy, err := r.Byte()
	if err != nil {
		return nil, err
	}
	count, err := r.Int32()
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, count)
	for i := int32(0); i < count; i++ {
		kindByte, err := r.Byte()
		if err != nil {
			return nil, err
		}
		event := Event{Kind: EventKind(kindByte), SuspendPolicy: suspendPolicy}

		if event.RequestID, err = r.Int32(); err != nil {
			return nil, err
		}

		switch event.Kind {
		case EventVMDeath:
			// Request id only.

		case EventVMStart:
			if event.Thread, err = r.ObjectID(); err != nil {
				return nil, err
			}

		case EventSingleStep, EventBreakpoint:
			if event.Thread, err = r.ObjectID(); err != nil {
				return nil, err
			}
			if event.Location, err = r.Location(); err != nil {
				return nil, err
			}

		case EventException:
			if event.Thread, err = r.ObjectID(); err != nil {
				return nil, err
			}
			if event.Location, err = r.Location(); err != nil {
				return nil, err
			}
			exception, err := r.TaggedValue()
			if err != nil {
				return nil, err
			}
			event.Exception = exception.Object
			catchLocation, err := r.Location()
			if err != nil {
				return nil, err
			}
			if !catchLocation.IsZero() {
				event.CatchLocation = &catchLocation
			}

		case EventClassPrepare:
			if event.Thread, err = r.ObjectID(); err != nil {
				return nil, err
			}
			if event.RefTypeTag, err = r.Byte(); err != nil {
				return nil, err
			}
			if event.TypeID, err = r.ReferenceTypeID(); err != nil {
				return nil, err
			}
			if event.Signature, err = r.String(); err != nil {
				return nil, err
			}
			if _, err = r.Int32(); err != nil { // class status
				return nil, err
			}

		case EventFieldAccess, EventFieldModification:
			if event.Thread, err = r.ObjectID(); err != nil {
				return nil, err
			}
			if event.Location, err = r.Location(); err != nil {
				return nil, err
			}
			if event.RefTypeTag, err = r.Byte(); err != nil {
				return nil, err
			}
			if event.FieldsOf, err = r.ReferenceTypeID(); err != nil {
				return nil, err
			}
			if event.Field, err = r.FieldID(); err != nil {
				return nil, err
			}
			object, err := r.TaggedValue()
			if err != nil {
				return nil, err
			}
			event.Object = object.Object
			if event.Kind == EventFieldModification {
				newValue, err := r.TaggedValue()
				if err != nil {
					return nil, err
				}
				event.NewValue = &newValue
			}

		default:
			// Unknown event kinds have unknown payloads; everything after
			// this point in the packet is unparseable.
			return events, fmt.Errorf("unknown event kind %d", kindByte)
		}

		events = append(events, event)
	}
	return events, nil
}

// --- VirtualMachine commands ---

func (c *Client) idSizes(ctx context.Context) (IDSizes, error) {
	data, err := c.call(ctx, vmSet, vmIDSizes, nil)
	if err != nil {
		return IDSizes{}, err
	}
	r := NewReader(data, DefaultIDSizes())
	var sizes IDSizes
	fields := []*int{&sizes.FieldID, &sizes.MethodID, &sizes.ObjectID, &sizes.ReferenceTypeID, &sizes.FrameID}
	for _, field := range fields {
		v, err := r.Int32()
		if err != nil {
			return IDSizes{}, err
		}
		if v <= 0 || v > 8 {
			return IDSizes{}, fmt.Errorf("jdwp: unsupported id size %d", v)
		}
		*field = int(v)
	}
	return sizes, nil
}

func (c *Client) capabilitiesNew(ctx context.Context) (Capabilities, error) {
	data, err := c.call(ctx, vmSet, vmCapabilitiesNew, nil)
	if err != nil {
		return Capabilities{}, err
	}
	r := NewReader(data, c.sizes)
	caps := Capabilities{}
	for r.Remaining() > 0 {
		flag, err := r.Bool()
		if err != nil {
			return Capabilities{}, err
		}
		caps.Raw = append(caps.Raw, flag)
	}
	get := func(i int) bool { return i < len(caps.Raw) && caps.Raw[i] }
	caps.CanWatchFieldModification = get(0)
	caps.CanWatchFieldAccess = get(1)
	caps.CanGetBytecodes = get(2)
	caps.CanGetSyntheticAttribute = get(3)
	caps.CanGetMonitorInfo = get(6)
	return caps, nil
}

// AllThreads returns every live thread in the debuggee.
func (c *Client) AllThreads(ctx context.Context) ([]ThreadID, error) {
	data, err := c.call(ctx, vmSet, vmAllThreads, nil)
	if err != nil {
		return nil, err
	}
	r := NewReader(data, c.sizes)
	count, err := r.Int32()
	if err != nil {
		return nil, err
	}
	threads := make([]ThreadID, 0, count)
	for i := int32(0); i < count; i++ {
		id, err := r.ObjectID()
		if err != nil {
			return nil, err
		}
		threads = append(threads, id)
	}
	return threads, nil
}

// AllClasses returns every loaded reference type.
func (c *Client) AllClasses(ctx context.Context) ([]ClassInfo, error) {
	data, err := c.call(ctx, vmSet, vmAllClasses, nil)
	if err != nil {
		return nil, err
	}
	return c.decodeClassList(data, true)
}

// ClassesBySignature returns the loaded reference types matching a JNI signature.
func (c *Client) ClassesBySignature(ctx context.Context, signature string) ([]ClassInfo, error) {
	w := NewWriter(c.sizes)
	w.String(signature)
	data, err := c.call(ctx, vmSet, vmClassesBySignature, w.Bytes())
	if err != nil {
		return nil, err
	}
	classes, err := c.decodeClassList(data, false)
	for i := range classes {
		classes[i].Signature = signature
	}
	return classes, err
}

func (c *Client) decodeClassList(data []byte, withSignature bool) ([]ClassInfo, error) {
	r := NewReader(data, c.sizes)
	count, err := r.Int32()
	if err != nil {
		return nil, err
	}
	classes := make([]ClassInfo, 0, count)
	for i := int32(0); i < count; i++ {
		var info ClassInfo
		if info.RefTypeTag, err = r.Byte(); err != nil {
			return nil, err
		}
		if info.TypeID, err = r.ReferenceTypeID(); err != nil {
			return nil, err
		}
		if withSignature {
			if info.Signature, err = r.String(); err != nil {
				return nil, err
			}
		}
		if info.Status, err = r.Int32(); err != nil {
			return nil, err
		}
		classes = append(classes, info)
	}
	return classes, nil
}

// Suspend suspends every thread in the debuggee.
func (c *Client) Suspend(ctx context.Context) error {
	_, err := c.call(ctx, vmSet, vmSuspend, nil)
	return err
}

// Resume resumes every thread in the debuggee.
func (c *Client) Resume(ctx context.Context) error {
	_, err := c.call(ctx, vmSet, vmResume, nil)
	return err
}

// Exit terminates the debuggee with the given exit code.
func (c *Client) Exit(ctx context.Context, code int32) error {
	w := NewWriter(c.sizes)
	w.Int32(code)
	_, err := c.call(ctx, vmSet, vmExit, w.Bytes())
	return err
}

// Dispose detaches from the debuggee, cancelling outstanding event requests
// and letting it run free.
func (c *Client) Dispose(ctx context.Context) error {
	_, err := c.call(ctx, vmSet, vmDispose, nil)
	return err
}

// --- ReferenceType commands ---

// Signature returns the JNI signature of a reference type.
func (c *Client) Signature(ctx context.Context, typeID ReferenceTypeID) (string, error) {
	w := NewWriter(c.sizes)
	w.ReferenceTypeID(typeID)
	data, err := c.call(ctx, refTypeSet, refTypeSignature, w.Bytes())
	if err != nil {
		return "", err
	}
	return NewReader(data, c.sizes).String()
}

// SignatureCached is Signature behind a per-connection cache. Signatures of
// loaded types never change, so the cache needs no invalidation.
func (c *Client) SignatureCached(ctx context.Context, typeID ReferenceTypeID) (string, error) {
	c.cacheMu.Lock()
	if sig, found := c.signatureCache[typeID]; found {
		c.cacheMu.Unlock()
		return sig, nil
	}
	c.cacheMu.Unlock()

	sig, err := c.Signature(ctx, typeID)
	if err != nil {
		return "", err
	}
	c.cacheMu.Lock()
	c.signatureCache[typeID] = sig
	c.cacheMu.Unlock()
	return sig, nil
}

// Fields returns the fields declared directly by a reference type.
func (c *Client) Fields(ctx context.Context, typeID ReferenceTypeID) ([]FieldInfo, error) {
	c.cacheMu.Lock()
	if fields, found := c.fieldsCache[typeID]; found {
		c.cacheMu.Unlock()
		return fields, nil
	}
	c.cacheMu.Unlock()

	w := NewWriter(c.sizes)
	w.ReferenceTypeID(typeID)
	data, err := c.call(ctx, refTypeSet, refTypeFields, w.Bytes())
	if err != nil {
		return nil, err
	}
	r := NewReader(data, c.sizes)
	count, err := r.Int32()
	if err != nil {
		return nil, err
	}
	fields := make([]FieldInfo, 0, count)
	for i := int32(0); i < count; i++ {
		var field FieldInfo
		if field.ID, err = r.FieldID(); err != nil {
			return nil, err
		}
		if field.Name, err = r.String(); err != nil {
			return nil, err
		}
		if field.Signature, err = r.String(); err != nil {
			return nil, err
		}
		if field.ModBits, err = r.Int32(); err != nil {
			return nil, err
		}
		fields = append(fields, field)
	}

	c.cacheMu.Lock()
	c.fieldsCache[typeID] = fields
	c.cacheMu.Unlock()
	return fields, nil
}

// Methods returns the methods declared directly by a reference type.
func (c *Client) Methods(ctx context.Context, typeID ReferenceTypeID) ([]MethodInfo, error) {
	w := NewWriter(c.sizes)
	w.ReferenceTypeID(typeID)
	data, err := c.call(ctx, refTypeSet, refTypeMethods, w.Bytes())
	if err != nil {
		return nil, err
	}
	r := NewReader(data, c.sizes)
	count, err := r.Int32()
	if err != nil {
		return nil, err
	}
	methods := make([]MethodInfo, 0, count)
	for i := int32(0); i < count; i++ {
		var method MethodInfo
		if method.ID, err = r.MethodID(); err != nil {
			return nil, err
		}
		if method.Name, err = r.String(); err != nil {
			return nil, err
		}
		if method.Signature, err = r.String(); err != nil {
			return nil, err
		}
		if method.ModBits, err = r.Int32(); err != nil {
			return nil, err
		}
		methods = append(methods, method)
	}
	return methods, nil
}

// SourceFile returns the simple source file name of a reference type.
func (c *Client) SourceFile(ctx context.Context, typeID ReferenceTypeID) (string, error) {
	w := NewWriter(c.sizes)
	w.ReferenceTypeID(typeID)
	data, err := c.call(ctx, refTypeSet, refTypeSourceFile, w.Bytes())
	if err != nil {
		return "", err
	}
	return NewReader(data, c.sizes).String()
}

// Superclass returns the direct superclass of a class (0 for java.lang.Object).
func (c *Client) Superclass(ctx context.Context, classID ReferenceTypeID) (ReferenceTypeID, error) {
	c.cacheMu.Lock()
	if super, found := c.superclassCache[classID]; found {
		c.cacheMu.Unlock()
		return super, nil
	}
	c.cacheMu.Unlock()

	w := NewWriter(c.sizes)
	w.ReferenceTypeID(classID)
	data, err := c.call(ctx, classTypeSet, classTypeSuperclass, w.Bytes())
	if err != nil {
		return 0, err
	}
	super, err := NewReader(data, c.sizes).ReferenceTypeID()
	if err != nil {
		return 0, err
	}
	c.cacheMu.Lock()
	c.superclassCache[classID] = super
	c.cacheMu.Unlock()
	return super, nil
}

// --- Method commands ---

// LineTable returns the code-index-to-line mapping of a method.
func (c *Client) LineTable(ctx context.Context, classID ReferenceTypeID, methodID MethodID) (LineTable, error) {
	w := NewWriter(c.sizes)
	w.ReferenceTypeID(classID)
	w.MethodID(methodID)
	data, err := c.call(ctx, methodSet, methodLineTable, w.Bytes())
	if err != nil {
		return LineTable{}, err
	}
	r := NewReader(data, c.sizes)
	var table LineTable
	if table.Start, err = r.Uint64(); err != nil {
		return LineTable{}, err
	}
	if table.End, err = r.Uint64(); err != nil {
		return LineTable{}, err
	}
	count, err := r.Int32()
	if err != nil {
		return LineTable{}, err
	}
	table.Lines = make([]LineEntry, 0, count)
	for i := int32(0); i < count; i++ {
		var entry LineEntry
		if entry.CodeIndex, err = r.Uint64(); err != nil {
			return LineTable{}, err
		}
		if entry.Line, err = r.Int32(); err != nil {
			return LineTable{}, err
		}
		table.Lines = append(table.Lines, entry)
	}
	return table, nil
}

// VariableTable returns the local variable table of a method along with the
// number of argument slots.
func (c *Client) VariableTable(ctx context.Context, classID ReferenceTypeID, methodID MethodID) (int32, []VariableInfo, error) {
	w := NewWriter(c.sizes)
	w.ReferenceTypeID(classID)
	w.MethodID(methodID)
	data, err := c.call(ctx, methodSet, methodVariableTable, w.Bytes())
	if err != nil {
		return 0, nil, err
	}
	r := NewReader(data, c.sizes)
	argCount, err := r.Int32()
	if err != nil {
		return 0, nil, err
	}
	count, err := r.Int32()
	if err != nil {
		return 0, nil, err
	}
	vars := make([]VariableInfo, 0, count)
	for i := int32(0); i < count; i++ {
		var info VariableInfo
		if info.CodeIndex, err = r.Uint64(); err != nil {
			return 0, nil, err
		}
		if info.Name, err = r.String(); err != nil {
			return 0, nil, err
		}
		if info.Signature, err = r.String(); err != nil {
			return 0, nil, err
		}
		if info.Length, err = r.Int32(); err != nil {
			return 0, nil, err
		}
		if info.Slot, err = r.Int32(); err != nil {
			return 0, nil, err
		}
		vars = append(vars, info)
	}
	return argCount, vars, nil
}

// --- ObjectReference commands ---

// ReferenceType returns the runtime type of an object.
func (c *Client) ReferenceType(ctx context.Context, objectID ObjectID) (byte, ReferenceTypeID, error) {
	w := NewWriter(c.sizes)
	w.ObjectID(objectID)
	data, err := c.call(ctx, objectRefSet, objectRefReferenceType, w.Bytes())
	if err != nil {
		return 0, 0, err
	}
	r := NewReader(data, c.sizes)
	tag, err := r.Byte()
	if err != nil {
		return 0, 0, err
	}
	typeID, err := r.ReferenceTypeID()
	if err != nil {
		return 0, 0, err
	}
	return tag, typeID, nil
}

// GetValues reads instance field values of an object.
func (c *Client) GetValues(ctx context.Context, objectID ObjectID, fields []FieldID) ([]Value, error) {
	w := NewWriter(c.sizes)
	w.ObjectID(objectID)
	w.Int32(int32(len(fields)))
	for _, field := range fields {
		w.FieldID(field)
	}
	data, err := c.call(ctx, objectRefSet, objectRefGetValues, w.Bytes())
	if err != nil {
		return nil, err
	}
	r := NewReader(data, c.sizes)
	count, err := r.Int32()
	if err != nil {
		return nil, err
	}
	values := make([]Value, 0, count)
	for i := int32(0); i < count; i++ {
		v, err := r.TaggedValue()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// DisableCollection pins an object against garbage collection.
func (c *Client) DisableCollection(ctx context.Context, objectID ObjectID) error {
	w := NewWriter(c.sizes)
	w.ObjectID(objectID)
	_, err := c.call(ctx, objectRefSet, objectRefDisableCollection, w.Bytes())
	return err
}

// EnableCollection releases a pin taken by DisableCollection.
func (c *Client) EnableCollection(ctx context.Context, objectID ObjectID) error {
	w := NewWriter(c.sizes)
	w.ObjectID(objectID)
	_, err := c.call(ctx, objectRefSet, objectRefEnableCollection, w.Bytes())
	return err
}

// StringValue returns the contents of a java.lang.String instance.
func (c *Client) StringValue(ctx context.Context, objectID ObjectID) (string, error) {
	w := NewWriter(c.sizes)
	w.ObjectID(objectID)
	data, err := c.call(ctx, stringRefSet, stringRefValue, w.Bytes())
	if err != nil {
		return "", err
	}
	return NewReader(data, c.sizes).String()
}

// --- ThreadReference commands ---

// ThreadName returns the name of a thread.
func (c *Client) ThreadName(ctx context.Context, thread ThreadID) (string, error) {
	w := NewWriter(c.sizes)
	w.ObjectID(thread)
	data, err := c.call(ctx, threadRefSet, threadRefName, w.Bytes())
	if err != nil {
		return "", err
	}
	return NewReader(data, c.sizes).String()
}

// Frames returns length call frames of a suspended thread starting at start.
// length -1 requests all remaining frames.
func (c *Client) Frames(ctx context.Context, thread ThreadID, start, length int32) ([]FrameInfo, error) {
	w := NewWriter(c.sizes)
	w.ObjectID(thread)
	w.Int32(start)
	w.Int32(length)
	data, err := c.call(ctx, threadRefSet, threadRefFrames, w.Bytes())
	if err != nil {
		return nil, err
	}
	r := NewReader(data, c.sizes)
	count, err := r.Int32()
	if err != nil {
		return nil, err
	}
	frames := make([]FrameInfo, 0, count)
	for i := int32(0); i < count; i++ {
		var frame FrameInfo
		if frame.ID, err = r.FrameID(); err != nil {
			return nil, err
		}
		if frame.Location, err = r.Location(); err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// FrameCount returns the call depth of a suspended thread.
func (c *Client) FrameCount(ctx context.Context, thread ThreadID) (int32, error) {
	w := NewWriter(c.sizes)
	w.ObjectID(thread)
	data, err := c.call(ctx, threadRefSet, threadRefFrameCount, w.Bytes())
	if err != nil {
		return 0, err
	}
	return NewReader(data, c.sizes).Int32()
}

// --- ArrayReference commands ---

// ArrayLength returns the element count of an array object.
func (c *Client) ArrayLength(ctx context.Context, arrayID ObjectID) (int32, error) {
	w := NewWriter(c.sizes)
	w.ObjectID(arrayID)
	data, err := c.call(ctx, arrayRefSet, arrayRefLength, w.Bytes())
	if err != nil {
		return 0, err
	}
	return NewReader(data, c.sizes).Int32()
}

// ArrayValues reads length elements of an array starting at first.
func (c *Client) ArrayValues(ctx context.Context, arrayID ObjectID, first, length int32) ([]Value, error) {
	w := NewWriter(c.sizes)
	w.ObjectID(arrayID)
	w.Int32(first)
	w.Int32(length)
	data, err := c.call(ctx, arrayRefSet, arrayRefGetValues, w.Bytes())
	if err != nil {
		return nil, err
	}
	return NewReader(data, c.sizes).ArrayRegion()
}

// --- EventRequest commands ---

// SetEventRequest installs an event request and returns its request id.
func (c *Client) SetEventRequest(ctx context.Context, kind EventKind, suspendPolicy byte, modifiers []Modifier) (int32, error) {
	w := NewWriter(c.sizes)
	w.Byte(byte(kind))
	w.Byte(suspendPolicy)
	w.Int32(int32(len(modifiers)))
	for _, modifier := range modifiers {
		modifier.appendTo(w)
	}
	data, err := c.call(ctx, eventRequestSet, eventRequestSetCmd, w.Bytes())
	if err != nil {
		return 0, err
	}
	return NewReader(data, c.sizes).Int32()
}

// ClearEventRequest removes a previously installed event request.
func (c *Client) ClearEventRequest(ctx context.Context, kind EventKind, requestID int32) error {
	w := NewWriter(c.sizes)
	w.Byte(byte(kind))
	w.Int32(requestID)
	_, err := c.call(ctx, eventRequestSet, eventRequestClear, w.Bytes())
	return err
}

// --- StackFrame commands ---

// FrameValues reads local variable slots of a suspended frame.
func (c *Client) FrameValues(ctx context.Context, thread ThreadID, frame FrameID, slots []SlotRequest) ([]Value, error) {
	w := NewWriter(c.sizes)
	w.ObjectID(thread)
	w.FrameID(frame)
	w.Int32(int32(len(slots)))
	for _, slot := range slots {
		w.Int32(slot.Slot)
		w.Byte(slot.Tag)
	}
	data, err := c.call(ctx, stackFrameSet, stackFrameGetValues, w.Bytes())
	if err != nil {
		return nil, err
	}
	r := NewReader(data, c.sizes)
	count, err := r.Int32()
	if err != nil {
		return nil, err
	}
	values := make([]Value, 0, count)
	for i := int32(0); i < count; i++ {
		v, err := r.TaggedValue()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}
