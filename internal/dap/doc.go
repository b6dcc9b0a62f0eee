/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

/*
Package dap implements a Debug Adapter Protocol (DAP) server for JVM
debuggees, translating each DAP request into JDWP commands.

# Architecture Overview

One client connection is served by a Router/Session pair. The Router owns the
wire: it reads requests off the Transport, runs each handler on its own
goroutine, and funnels every outgoing response and event through a single
writer goroutine behind a bounded queue. The Session owns the debugger state:
the JDWP client, the handle registry, installed breakpoints, and the stop
context of each suspended thread.

# Key Components

  - Router: request dispatch, cancellation, and the outgoing message queue
  - Session: DAP request semantics over a jdwp.Client
  - Registry: frame ids and variables references handed to the client
  - Formatter: bounded, deterministic value previews
  - BreakpointManager: line, exception, and data breakpoints
  - Launcher: spawns debuggee JVMs and forwards their output

# Request Flow

 1. The client connects over TCP or stdio and sends initialize
 2. attach dials a JDWP port; launch spawns a JVM and then dials it
 3. The session emits the initialized event; the client sends breakpoints
    and configurationDone
 4. Debuggee events surface as stopped/output/terminated events
 5. disconnect detaches; terminate kills the debuggee

# Invariants

Every request gets exactly one terminal response, also when cancelled or when
its handler fails. Frame ids are stable within one stop and invalid after
resume. Variables references are never reused within a session.
*/
package dap
