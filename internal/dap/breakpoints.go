// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/microsoft/nova/internal/jdwp"
)

// dataBreakpointIDPrefix tags the structured watchpoint ids this adapter
// mints: nova:field:<classId>:<fieldId>:<objectId>.
const dataBreakpointIDPrefix = "nova:field:"

// BreakpointManager translates DAP breakpoint configuration into JDWP event
// request installations and keeps enough bookkeeping to replace or defer them.
type BreakpointManager struct {
	client *jdwp.Client
	log    logr.Logger

	mu sync.Mutex

	// exceptionIDs are the installed exception event requests, one per filter.
	exceptionIDs []int32

	// lineRequests maps a source file base name to its installed breakpoint
	// request ids. A re-sent setBreakpoints replaces the whole set.
	lineRequests map[string][]int32

	// pendingLines holds breakpoints whose class is not loaded yet; they are
	// installed when the matching ClassPrepare event arrives.
	pendingLines map[string][]int

	// sourcePaths maps a source file base name to the full client-side path,
	// so stack traces can report the path the client set breakpoints with.
	sourcePaths map[string]string

	// dataRequests maps installed watchpoint request ids to their event kind
	// (needed to clear them).
	dataRequests map[int32]jdwp.EventKind

	// sourceFileCache caches ReferenceType.SourceFile per class.
	sourceFileCache map[jdwp.ReferenceTypeID]string
}

func NewBreakpointManager(client *jdwp.Client, log logr.Logger) *BreakpointManager {
	return &BreakpointManager{
		client:          client,
		log:             log,
		lineRequests:    make(map[string][]int32),
		pendingLines:    make(map[string][]int),
		sourcePaths:     make(map[string]string),
		dataRequests:    make(map[int32]jdwp.EventKind),
		sourceFileCache: make(map[jdwp.ReferenceTypeID]string),
	}
}

// SourcePath returns the client-side path last used to set breakpoints in the
// given source file.
func (m *BreakpointManager) SourcePath(base string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path, found := m.sourcePaths[base]
	return path, found
}

// SetExceptionFilters replaces the installed exception filters. Each filter
// maps to one JDWP exception event request with the matching caught/uncaught
// flags.
func (m *BreakpointManager) SetExceptionFilters(ctx context.Context, filters []string) error {
	m.mu.Lock()
	old := m.exceptionIDs
	m.exceptionIDs = nil
	m.mu.Unlock()

	for _, id := range old {
		if err := m.client.ClearEventRequest(ctx, jdwp.EventException, id); err != nil {
			m.log.V(1).Info("failed to clear exception request", "requestID", id, "error", err.Error())
		}
	}

	var installed []int32
	for _, filter := range filters {
		var caught, uncaught bool
		switch filter {
		case exceptionFilterCaught:
			caught = true
		case exceptionFilterUncaught:
			uncaught = true
		default:
			return fmt.Errorf("unknown exception filter %q", filter)
		}

		id, err := m.client.SetEventRequest(ctx, jdwp.EventException, jdwp.SuspendPolicyAll, []jdwp.Modifier{
			jdwp.ExceptionOnlyModifier{Caught: caught, Uncaught: uncaught},
		})
		if err != nil {
			return fmt.Errorf("failed to install exception filter %q: %w", filter, err)
		}
		installed = append(installed, id)
	}

	m.mu.Lock()
	m.exceptionIDs = installed
	m.mu.Unlock()
	return nil
}

// SetLineBreakpoints replaces the breakpoints of one source file. Lines in
// classes not loaded yet are reported unverified and installed later when the
// class prepares.
func (m *BreakpointManager) SetLineBreakpoints(ctx context.Context, path string, lines []int) ([]dap.Breakpoint, error) {
	base := filepath.Base(path)

	m.mu.Lock()
	m.sourcePaths[base] = path
	old := m.lineRequests[base]
	delete(m.lineRequests, base)
	delete(m.pendingLines, base)
	m.mu.Unlock()

	for _, id := range old {
		if err := m.client.ClearEventRequest(ctx, jdwp.EventBreakpoint, id); err != nil {
			m.log.V(1).Info("failed to clear line breakpoint", "requestID", id, "error", err.Error())
		}
	}

	classes, err := m.classesForSource(ctx, base)
	if err != nil {
		return nil, err
	}

	results := make([]dap.Breakpoint, 0, len(lines))
	var installed []int32
	var pending []int

	for _, line := range lines {
		if len(classes) == 0 {
			pending = append(pending, line)
			results = append(results, dap.Breakpoint{
				Verified: false,
				Line:     line,
				Message:  "class not loaded yet",
			})
			continue
		}

		id, found, err := m.installLine(ctx, classes, line)
		if err != nil {
			return nil, err
		}
		if !found {
			results = append(results, dap.Breakpoint{
				Verified: false,
				Line:     line,
				Message:  fmt.Sprintf("no executable code at line %d", line),
			})
			continue
		}
		installed = append(installed, id)
		results = append(results, dap.Breakpoint{Verified: true, Line: line})
	}

	m.mu.Lock()
	if len(installed) > 0 {
		m.lineRequests[base] = installed
	}
	if len(pending) > 0 {
		m.pendingLines[base] = pending
	}
	m.mu.Unlock()

	return results, nil
}

// OnClassPrepare installs breakpoints that were waiting for the prepared
// class's source file to load.
func (m *BreakpointManager) OnClassPrepare(ctx context.Context, typeID jdwp.ReferenceTypeID) {
	source, err := m.sourceFile(ctx, typeID)
	if err != nil {
		return
	}

	m.mu.Lock()
	lines := m.pendingLines[source]
	delete(m.pendingLines, source)
	m.mu.Unlock()

	if len(lines) == 0 {
		return
	}

	var installed []int32
	for _, line := range lines {
		id, found, err := m.installLine(ctx, []jdwp.ReferenceTypeID{typeID}, line)
		if err != nil || !found {
			m.log.V(1).Info("deferred breakpoint install failed", "source", source, "line", line)
			continue
		}
		installed = append(installed, id)
	}

	if len(installed) > 0 {
		m.mu.Lock()
		m.lineRequests[source] = append(m.lineRequests[source], installed...)
		m.mu.Unlock()
		m.log.V(1).Info("installed deferred breakpoints", "source", source, "count", len(installed))
	}
}

// installLine installs one LocationOnly breakpoint at the first code index of
// the given line in any of the candidate classes.
func (m *BreakpointManager) installLine(ctx context.Context, classes []jdwp.ReferenceTypeID, line int) (int32, bool, error) {
	for _, classID := range classes {
		methods, err := m.client.Methods(ctx, classID)
		if err != nil {
			return 0, false, err
		}
		for _, method := range methods {
			table, err := m.client.LineTable(ctx, classID, method.ID)
			if err != nil {
				continue // abstract or native methods have no line table
			}
			for _, entry := range table.Lines {
				if entry.Line != int32(line) {
					continue
				}
				location := jdwp.Location{TypeTag: 1, Class: classID, Method: method.ID, Index: entry.CodeIndex}
				id, err := m.client.SetEventRequest(ctx, jdwp.EventBreakpoint, jdwp.SuspendPolicyAll, []jdwp.Modifier{
					jdwp.LocationOnlyModifier{Location: location},
				})
				if err != nil {
					return 0, false, fmt.Errorf("failed to install breakpoint at %s:%d: %w", method.Name, line, err)
				}
				return id, true, nil
			}
		}
	}
	return 0, false, nil
}

func (m *BreakpointManager) classesForSource(ctx context.Context, base string) ([]jdwp.ReferenceTypeID, error) {
	classes, err := m.client.AllClasses(ctx)
	if err != nil {
		return nil, err
	}

	var matched []jdwp.ReferenceTypeID
	for _, class := range classes {
		if strings.HasPrefix(class.Signature, "[") {
			continue
		}
		source, err := m.sourceFile(ctx, class.TypeID)
		if err != nil {
			continue // classes without source attributes cannot match
		}
		if source == base {
			matched = append(matched, class.TypeID)
		}
	}
	return matched, nil
}

func (m *BreakpointManager) sourceFile(ctx context.Context, typeID jdwp.ReferenceTypeID) (string, error) {
	m.mu.Lock()
	if source, found := m.sourceFileCache[typeID]; found {
		m.mu.Unlock()
		return source, nil
	}
	m.mu.Unlock()

	source, err := m.client.SourceFile(ctx, typeID)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.sourceFileCache[typeID] = source
	m.mu.Unlock()
	return source, nil
}

// ResolveDataBreakpoint resolves a member of an object to a watchable target
// and returns its structured id. No JDWP event request is installed here.
func (m *BreakpointManager) ResolveDataBreakpoint(ctx context.Context, object jdwp.ObjectID, name string) (string, string, error) {
	_, typeID, err := m.client.ReferenceType(ctx, object)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve object type: %w", err)
	}

	// Walk the inherited fields so watches on superclass fields resolve to
	// the declaring class.
	current := typeID
	for current != 0 {
		fields, err := m.client.Fields(ctx, current)
		if err != nil {
			return "", "", err
		}
		for _, field := range fields {
			if field.Name != name || field.ModBits&jdwp.AccStatic != 0 {
				continue
			}
			id := fmt.Sprintf("%s%d:%d:%d", dataBreakpointIDPrefix, current, field.ID, object)
			signature, sigErr := m.client.SignatureCached(ctx, current)
			description := name
			if sigErr == nil {
				description = fmt.Sprintf("%s.%s", jdwp.SignatureToTypeName(signature), name)
			}
			return id, description, nil
		}
		super, err := m.client.Superclass(ctx, current)
		if err != nil {
			break
		}
		current = super
	}

	return "", "", fmt.Errorf("object has no field named %q", name)
}

// SetDataBreakpoints replaces the installed watchpoints. If the debuggee
// lacks field watch support the whole batch is rejected, with the message
// naming every missing capability flag; no partial installation happens.
func (m *BreakpointManager) SetDataBreakpoints(ctx context.Context, breakpoints []dap.DataBreakpoint) ([]dap.Breakpoint, error) {
	caps := m.client.Capabilities()
	var missing []string
	if !caps.CanWatchFieldModification {
		missing = append(missing, "canWatchFieldModification")
	}
	if !caps.CanWatchFieldAccess {
		missing = append(missing, "canWatchFieldAccess")
	}
	if len(missing) > 0 {
		message := "debuggee does not support field watchpoints; missing capabilities: " + strings.Join(missing, ", ")
		results := make([]dap.Breakpoint, len(breakpoints))
		for i := range breakpoints {
			results[i] = dap.Breakpoint{Verified: false, Message: message}
		}
		return results, nil
	}

	m.mu.Lock()
	old := m.dataRequests
	m.dataRequests = make(map[int32]jdwp.EventKind)
	m.mu.Unlock()

	for id, kind := range old {
		if err := m.client.ClearEventRequest(ctx, kind, id); err != nil {
			m.log.V(1).Info("failed to clear watchpoint", "requestID", id, "error", err.Error())
		}
	}

	results := make([]dap.Breakpoint, 0, len(breakpoints))
	installed := make(map[int32]jdwp.EventKind)

	for _, bp := range breakpoints {
		classID, fieldID, objectID, err := parseDataBreakpointID(bp.DataId)
		if err != nil {
			results = append(results, dap.Breakpoint{Verified: false, Message: err.Error()})
			continue
		}

		var kinds []jdwp.EventKind
		switch bp.AccessType {
		case "read":
			kinds = []jdwp.EventKind{jdwp.EventFieldAccess}
		case "write", "":
			kinds = []jdwp.EventKind{jdwp.EventFieldModification}
		case "readWrite":
			kinds = []jdwp.EventKind{jdwp.EventFieldAccess, jdwp.EventFieldModification}
		default:
			results = append(results, dap.Breakpoint{Verified: false, Message: fmt.Sprintf("unknown access type %q", bp.AccessType)})
			continue
		}

		verified := true
		var message string
		for _, kind := range kinds {
			id, err := m.client.SetEventRequest(ctx, kind, jdwp.SuspendPolicyAll, []jdwp.Modifier{
				jdwp.FieldOnlyModifier{Class: classID, Field: fieldID},
				jdwp.InstanceOnlyModifier{Instance: objectID},
			})
			if err != nil {
				verified = false
				message = fmt.Sprintf("failed to install watchpoint: %v", err)
				break
			}
			installed[id] = kind
		}
		results = append(results, dap.Breakpoint{Verified: verified, Message: message})
	}

	m.mu.Lock()
	m.dataRequests = installed
	m.mu.Unlock()

	return results, nil
}

func parseDataBreakpointID(id string) (jdwp.ReferenceTypeID, jdwp.FieldID, jdwp.ObjectID, error) {
	rest, found := strings.CutPrefix(id, dataBreakpointIDPrefix)
	if !found {
		return 0, 0, 0, fmt.Errorf("malformed data breakpoint id %q", id)
	}
	var classID, fieldID, objectID uint64
	if _, err := fmt.Sscanf(rest, "%d:%d:%d", &classID, &fieldID, &objectID); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed data breakpoint id %q", id)
	}
	return classID, fieldID, objectID, nil
}
