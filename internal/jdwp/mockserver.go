// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package jdwp

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Canned debuggee model served by MockServer. The ids are arbitrary but
// stable so tests can assert against them.
const (
	MockThreadID     ThreadID        = 0x1001
	MockMainClassID  ReferenceTypeID = 0x2001
	MockPointClassID ReferenceTypeID = 0x2002
	MockShapeClassID ReferenceTypeID = 0x2003
	MockStringClass  ReferenceTypeID = 0x2004
	MockArrayClassID ReferenceTypeID = 0x2005

	MockMainMethodID   MethodID = 0x3001
	MockHelperMethodID MethodID = 0x3002

	MockStringID ObjectID = 0x4001
	MockPointID  ObjectID = 0x5001
	MockArrayID  ObjectID = 0x7001

	MockFieldXID    FieldID = 0x6001
	MockFieldYID    FieldID = 0x6002
	MockFieldNameID FieldID = 0x6003
)

const (
	MockThreadName    = "main"
	MockMainSignature = "LMain;"
	MockSourceFile    = "Main.java"
	MockStringValue   = "hello"
)

// MockReplyDelay postpones the reply to one (set, cmd) pair. The reply is
// written from its own goroutine so later commands are answered first,
// which is what demultiplexing tests need.
type MockReplyDelay struct {
	Set   byte
	Cmd   byte
	Delay time.Duration
}

// MockServerConfig configures a MockServer. The zero value works.
type MockServerConfig struct {
	// Capabilities is the CapabilitiesNew reply vector.
	// Defaults to canWatchFieldModification and canWatchFieldAccess.
	Capabilities []bool

	// FrameCount is the call depth reported for the canned thread.
	FrameCount int32

	// ReplyDelays postpone replies to specific commands.
	ReplyDelays []MockReplyDelay
}

func (c *MockServerConfig) ensureDefaults() {
	if c.Capabilities == nil {
		c.Capabilities = []bool{true, true}
	}
	if c.FrameCount <= 0 {
		c.FrameCount = 2
	}
}

// EventRequestRecord is one event request installed by the client and not
// yet cleared.
type EventRequestRecord struct {
	ID            int32
	Kind          EventKind
	SuspendPolicy byte
	Modifiers     []byte
}

// MockServer is an in-process scripted JDWP endpoint. It serves a small
// fixed object graph and records the side-effecting commands so tests can
// assert on them.
type MockServer struct {
	listener net.Listener
	cfg      MockServerConfig

	mu            sync.Mutex
	conn          net.Conn
	connWriteMu   *sync.Mutex
	suspendCalls  int
	resumeCalls   int
	disposeCalls  int
	exitCalls     int
	exitCode      int32
	nextRequestID int32
	requests      map[int32]EventRequestRecord
	closed        bool
}

// StartMockServer listens on an ephemeral localhost port and serves
// connections until Close.
func StartMockServer(cfg MockServerConfig) (*MockServer, error) {
	cfg.ensureDefaults()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &MockServer{
		listener:      listener,
		cfg:           cfg,
		nextRequestID: 100,
		requests:      make(map[int32]EventRequestRecord),
	}
	go s.acceptLoop()
	return s, nil
}

func (s *MockServer) Addr() string { return s.listener.Addr().String() }

func (s *MockServer) Close() {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.mu.Unlock()
	_ = s.listener.Close()
	if conn != nil {
		_ = conn.Close()
	}
}

// CloseActiveConn drops the current connection without stopping the listener,
// simulating a debuggee crash.
func (s *MockServer) CloseActiveConn() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *MockServer) SuspendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspendCalls
}

func (s *MockServer) ResumeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeCalls
}

func (s *MockServer) DisposeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposeCalls
}

// ExitCalls returns how many VM Exit commands arrived and the last exit code.
func (s *MockServer) ExitCalls() (int, int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCalls, s.exitCode
}

// EventRequests returns the installed (and not cleared) event requests.
func (s *MockServer) EventRequests() []EventRequestRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]EventRequestRecord, 0, len(s.requests))
	for _, record := range s.requests {
		records = append(records, record)
	}
	return records
}

// EventRequestsOfKind filters EventRequests by kind.
func (s *MockServer) EventRequestsOfKind(kind EventKind) []EventRequestRecord {
	var filtered []EventRequestRecord
	for _, record := range s.EventRequests() {
		if record.Kind == kind {
			filtered = append(filtered, record)
		}
	}
	return filtered
}

// SendEvent pushes a composite event packet carrying the given events to the
// connected client.
func (s *MockServer) SendEvent(suspendPolicy byte, events ...Event) error {
	s.mu.Lock()
	conn := s.conn
	writeMu := s.connWriteMu
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("mock server: no active connection")
	}

	w := NewWriter(DefaultIDSizes())
	w.Byte(suspendPolicy)
	w.Int32(int32(len(events)))
	for _, event := range events {
		encodeMockEvent(w, event)
	}
	packet := encodeCommandPacket(0, eventSet, eventComposite, w.Bytes())

	writeMu.Lock()
	defer writeMu.Unlock()
	_, err := conn.Write(packet)
	return err
}

func encodeMockEvent(w *Writer, event Event) {
	w.Byte(byte(event.Kind))
	w.Int32(event.RequestID)
	switch event.Kind {
	case EventVMDeath:
	case EventVMStart:
		w.ObjectID(event.Thread)
	case EventSingleStep, EventBreakpoint:
		w.ObjectID(event.Thread)
		w.Location(event.Location)
	case EventException:
		w.ObjectID(event.Thread)
		w.Location(event.Location)
		w.TaggedValue(ObjectValue(TagObject, event.Exception))
		if event.CatchLocation != nil {
			w.Location(*event.CatchLocation)
		} else {
			w.Location(Location{})
		}
	case EventClassPrepare:
		w.ObjectID(event.Thread)
		w.Byte(1)
		w.ReferenceTypeID(event.TypeID)
		w.String(event.Signature)
		w.Int32(7) // verified | prepared | initialized
	case EventFieldAccess, EventFieldModification:
		w.ObjectID(event.Thread)
		w.Location(event.Location)
		w.Byte(1)
		w.ReferenceTypeID(event.FieldsOf)
		w.FieldID(event.Field)
		w.TaggedValue(ObjectValue(TagObject, event.Object))
		if event.Kind == EventFieldModification {
			v := IntValue(0)
			if event.NewValue != nil {
				v = *event.NewValue
			}
			w.TaggedValue(v)
		}
	}
}

func (s *MockServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *MockServer) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	echo := make([]byte, len(Handshake))
	if _, err := io.ReadFull(conn, echo); err != nil || string(echo) != Handshake {
		return
	}
	if _, err := conn.Write([]byte(Handshake)); err != nil {
		return
	}

	writeMu := &sync.Mutex{}
	s.mu.Lock()
	s.conn = conn
	s.connWriteMu = writeMu
	s.mu.Unlock()

	for {
		header, payload, err := readPacket(conn)
		if err != nil {
			return
		}
		if header.isReply() {
			continue
		}

		errorCode, reply := s.handle(header.set, header.cmd, payload)
		packet := encodeReplyPacket(header.id, errorCode, reply)

		if delay := s.delayFor(header.set, header.cmd); delay > 0 {
			go func() {
				time.Sleep(delay)
				writeMu.Lock()
				defer writeMu.Unlock()
				_, _ = conn.Write(packet)
			}()
			continue
		}

		writeMu.Lock()
		_, err = conn.Write(packet)
		writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (s *MockServer) delayFor(set, cmd byte) time.Duration {
	for _, d := range s.cfg.ReplyDelays {
		if d.Set == set && d.Cmd == cmd {
			return d.Delay
		}
	}
	return 0
}

func (s *MockServer) handle(set, cmd byte, payload []byte) (uint16, []byte) {
	sizes := DefaultIDSizes()
	r := NewReader(payload, sizes)
	w := NewWriter(sizes)

	switch {
	case set == vmSet && cmd == vmIDSizes:
		for i := 0; i < 5; i++ {
			w.Int32(8)
		}

	case set == vmSet && cmd == vmCapabilitiesNew:
		flags := s.cfg.Capabilities
		for len(flags) < 32 {
			flags = append(flags, false)
		}
		for _, flag := range flags {
			w.Bool(flag)
		}

	case set == vmSet && cmd == vmAllThreads:
		w.Int32(1)
		w.ObjectID(MockThreadID)

	case set == vmSet && cmd == vmAllClasses:
		classes := mockClasses()
		w.Int32(int32(len(classes)))
		for _, class := range classes {
			w.Byte(class.RefTypeTag)
			w.ReferenceTypeID(class.TypeID)
			w.String(class.Signature)
			w.Int32(class.Status)
		}

	case set == vmSet && cmd == vmClassesBySignature:
		signature, err := r.String()
		if err != nil {
			return uint16(ErrCodeInvalidLength), nil
		}
		var matched []ClassInfo
		for _, class := range mockClasses() {
			if class.Signature == signature {
				matched = append(matched, class)
			}
		}
		w.Int32(int32(len(matched)))
		for _, class := range matched {
			w.Byte(class.RefTypeTag)
			w.ReferenceTypeID(class.TypeID)
			w.Int32(class.Status)
		}

	case set == vmSet && cmd == vmSuspend:
		s.mu.Lock()
		s.suspendCalls++
		s.mu.Unlock()

	case set == vmSet && cmd == vmResume:
		s.mu.Lock()
		s.resumeCalls++
		s.mu.Unlock()

	case set == vmSet && cmd == vmDispose:
		s.mu.Lock()
		s.disposeCalls++
		s.mu.Unlock()

	case set == vmSet && cmd == vmExit:
		code, _ := r.Int32()
		s.mu.Lock()
		s.exitCalls++
		s.exitCode = code
		s.mu.Unlock()

	case set == refTypeSet && cmd == refTypeSignature:
		typeID, _ := r.ReferenceTypeID()
		signature, found := mockSignature(typeID)
		if !found {
			return uint16(ErrCodeInvalidObject), nil
		}
		w.String(signature)

	case set == refTypeSet && cmd == refTypeFields:
		typeID, _ := r.ReferenceTypeID()
		fields, found := mockFields(typeID)
		if !found {
			return uint16(ErrCodeInvalidObject), nil
		}
		w.Int32(int32(len(fields)))
		for _, field := range fields {
			w.FieldID(field.ID)
			w.String(field.Name)
			w.String(field.Signature)
			w.Int32(field.ModBits)
		}

	case set == refTypeSet && cmd == refTypeMethods:
		typeID, _ := r.ReferenceTypeID()
		if typeID != MockMainClassID {
			w.Int32(0)
			break
		}
		w.Int32(2)
		w.MethodID(MockMainMethodID)
		w.String("main")
		w.String("([Ljava/lang/String;)V")
		w.Int32(0x0009) // public static
		w.MethodID(MockHelperMethodID)
		w.String("helper")
		w.String("()V")
		w.Int32(0x0009)

	case set == refTypeSet && cmd == refTypeSourceFile:
		typeID, _ := r.ReferenceTypeID()
		switch typeID {
		case MockMainClassID:
			w.String(MockSourceFile)
		case MockPointClassID:
			w.String("Point.java")
		default:
			return uint16(ErrCodeAbsentInfo), nil
		}

	case set == classTypeSet && cmd == classTypeSuperclass:
		classID, _ := r.ReferenceTypeID()
		if classID == MockPointClassID {
			w.ReferenceTypeID(MockShapeClassID)
		} else {
			w.ReferenceTypeID(0)
		}

	case set == methodSet && cmd == methodLineTable:
		_, _ = r.ReferenceTypeID()
		methodID, _ := r.MethodID()
		entries := [][2]uint64{{0, 10}, {4, 11}, {8, 12}}
		if methodID == MockHelperMethodID {
			entries = [][2]uint64{{0, 20}, {4, 21}}
		}
		w.Int64(0)
		w.Int64(40)
		w.Int32(int32(len(entries)))
		for _, entry := range entries {
			w.Int64(int64(entry[0]))
			w.Int32(int32(entry[1]))
		}

	case set == methodSet && cmd == methodVariableTable:
		_, _ = r.ReferenceTypeID()
		methodID, _ := r.MethodID()
		if methodID != MockMainMethodID {
			w.Int32(0)
			w.Int32(0)
			break
		}
		w.Int32(1)
		w.Int32(3)
		w.Int64(0)
		w.String("args")
		w.String("[Ljava/lang/String;")
		w.Int32(40)
		w.Int32(0)
		w.Int64(4)
		w.String("count")
		w.String("I")
		w.Int32(36)
		w.Int32(1)
		w.Int64(4)
		w.String("p")
		w.String("LPoint;")
		w.Int32(36)
		w.Int32(2)

	case set == objectRefSet && cmd == objectRefReferenceType:
		objectID, _ := r.ObjectID()
		typeID, found := mockObjectType(objectID)
		if !found {
			return uint16(ErrCodeInvalidObject), nil
		}
		w.Byte(1)
		w.ReferenceTypeID(typeID)

	case set == objectRefSet && cmd == objectRefGetValues:
		objectID, _ := r.ObjectID()
		count, _ := r.Int32()
		w.Int32(count)
		for i := int32(0); i < count; i++ {
			fieldID, _ := r.FieldID()
			w.TaggedValue(mockFieldValue(objectID, fieldID))
		}

	case set == objectRefSet && cmd == objectRefDisableCollection,
		set == objectRefSet && cmd == objectRefEnableCollection:
		// Acknowledge without tracking.

	case set == stringRefSet && cmd == stringRefValue:
		objectID, _ := r.ObjectID()
		if objectID != MockStringID {
			return uint16(ErrCodeInvalidObject), nil
		}
		w.String(MockStringValue)

	case set == threadRefSet && cmd == threadRefName:
		threadID, _ := r.ObjectID()
		if threadID != MockThreadID {
			return uint16(ErrCodeInvalidThread), nil
		}
		w.String(MockThreadName)

	case set == threadRefSet && cmd == threadRefFrames:
		threadID, _ := r.ObjectID()
		if threadID != MockThreadID {
			return uint16(ErrCodeInvalidThread), nil
		}
		start, _ := r.Int32()
		length, _ := r.Int32()
		frames := s.mockFrames()
		if start < 0 || start > int32(len(frames)) {
			return uint16(ErrCodeInvalidLength), nil
		}
		frames = frames[start:]
		if length >= 0 && int(length) < len(frames) {
			frames = frames[:length]
		}
		w.Int32(int32(len(frames)))
		for _, frame := range frames {
			w.FrameID(frame.ID)
			w.Location(frame.Location)
		}

	case set == threadRefSet && cmd == threadRefFrameCount:
		threadID, _ := r.ObjectID()
		if threadID != MockThreadID {
			return uint16(ErrCodeInvalidThread), nil
		}
		w.Int32(s.cfg.FrameCount)

	case set == arrayRefSet && cmd == arrayRefLength:
		objectID, _ := r.ObjectID()
		if objectID != MockArrayID {
			return uint16(ErrCodeInvalidObject), nil
		}
		w.Int32(2)

	case set == arrayRefSet && cmd == arrayRefGetValues:
		objectID, _ := r.ObjectID()
		if objectID != MockArrayID {
			return uint16(ErrCodeInvalidObject), nil
		}
		first, _ := r.Int32()
		length, _ := r.Int32()
		values := []Value{ObjectValue(TagString, MockStringID), NullValue()}
		if first < 0 || int(first) > len(values) {
			return uint16(ErrCodeInvalidLength), nil
		}
		values = values[first:]
		if int(length) < len(values) {
			values = values[:length]
		}
		w.Byte(TagString)
		w.Int32(int32(len(values)))
		for _, v := range values {
			w.TaggedValue(v)
		}

	case set == eventRequestSet && cmd == eventRequestSetCmd:
		kind, _ := r.Byte()
		suspendPolicy, _ := r.Byte()
		_, _ = r.Int32() // modifier count; raw bytes kept below
		modifiers := make([]byte, r.Remaining())
		copy(modifiers, payload[len(payload)-r.Remaining():])
		s.mu.Lock()
		id := s.nextRequestID
		s.nextRequestID++
		s.requests[id] = EventRequestRecord{
			ID:            id,
			Kind:          EventKind(kind),
			SuspendPolicy: suspendPolicy,
			Modifiers:     modifiers,
		}
		s.mu.Unlock()
		w.Int32(id)

	case set == eventRequestSet && cmd == eventRequestClear:
		_, _ = r.Byte()
		id, _ := r.Int32()
		s.mu.Lock()
		delete(s.requests, id)
		s.mu.Unlock()

	case set == stackFrameSet && cmd == stackFrameGetValues:
		_, _ = r.ObjectID()
		_, _ = r.FrameID()
		count, _ := r.Int32()
		w.Int32(count)
		for i := int32(0); i < count; i++ {
			slot, _ := r.Int32()
			_, _ = r.Byte()
			switch slot {
			case 0:
				w.TaggedValue(ObjectValue(TagArray, MockArrayID))
			case 1:
				w.TaggedValue(IntValue(42))
			case 2:
				w.TaggedValue(ObjectValue(TagObject, MockPointID))
			default:
				w.TaggedValue(IntValue(0))
			}
		}

	default:
		return uint16(ErrCodeNotImplemented), nil
	}

	return 0, w.Bytes()
}

func (s *MockServer) mockFrames() []FrameInfo {
	frames := make([]FrameInfo, 0, s.cfg.FrameCount)
	for i := int32(0); i < s.cfg.FrameCount; i++ {
		frame := FrameInfo{
			ID:       FrameID(0x8001 + uint64(i)),
			Location: Location{TypeTag: 1, Class: MockMainClassID, Method: MockMainMethodID, Index: 8},
		}
		if i == 0 {
			frame.Location = Location{TypeTag: 1, Class: MockMainClassID, Method: MockHelperMethodID, Index: 4}
		}
		frames = append(frames, frame)
	}
	return frames
}

func mockClasses() []ClassInfo {
	return []ClassInfo{
		{RefTypeTag: 1, TypeID: MockMainClassID, Signature: MockMainSignature, Status: 7},
		{RefTypeTag: 1, TypeID: MockPointClassID, Signature: "LPoint;", Status: 7},
		{RefTypeTag: 1, TypeID: MockShapeClassID, Signature: "LShape;", Status: 7},
		{RefTypeTag: 1, TypeID: MockStringClass, Signature: "Ljava/lang/String;", Status: 7},
		{RefTypeTag: 3, TypeID: MockArrayClassID, Signature: "[Ljava/lang/String;", Status: 7},
	}
}

func mockSignature(typeID ReferenceTypeID) (string, bool) {
	for _, class := range mockClasses() {
		if class.TypeID == typeID {
			return class.Signature, true
		}
	}
	return "", false
}

func mockFields(typeID ReferenceTypeID) ([]FieldInfo, bool) {
	switch typeID {
	case MockMainClassID:
		return []FieldInfo{
			{ID: 0x6100, Name: "instances", Signature: "I", ModBits: AccStatic},
		}, true
	case MockPointClassID:
		return []FieldInfo{
			{ID: MockFieldXID, Name: "x", Signature: "I"},
			{ID: MockFieldYID, Name: "y", Signature: "I"},
		}, true
	case MockShapeClassID:
		return []FieldInfo{
			{ID: MockFieldNameID, Name: "name", Signature: "Ljava/lang/String;"},
		}, true
	case MockStringClass, MockArrayClassID:
		return nil, true
	default:
		return nil, false
	}
}

func mockObjectType(objectID ObjectID) (ReferenceTypeID, bool) {
	switch objectID {
	case MockStringID:
		return MockStringClass, true
	case MockPointID:
		return MockPointClassID, true
	case MockArrayID:
		return MockArrayClassID, true
	case MockThreadID:
		return MockMainClassID, true
	default:
		return 0, false
	}
}

func mockFieldValue(objectID ObjectID, fieldID FieldID) Value {
	if objectID == MockPointID {
		switch fieldID {
		case MockFieldXID:
			return IntValue(1)
		case MockFieldYID:
			return IntValue(2)
		case MockFieldNameID:
			return ObjectValue(TagString, MockStringID)
		}
	}
	return IntValue(0)
}
