package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
	"github.com/Mindburn-Labs/esta-kernel/pkg/manifest"
	"github.com/Mindburn-Labs/esta-kernel/pkg/router"
	"github.com/Mindburn-Labs/esta-kernel/pkg/sandbox"
)

// Env is the kernel as seen by a handler serving one message. Every call
// goes through the control path; nothing is shared with other modules.
type Env interface {
	// Module is the instance serving the message.
	Module() contracts.ModuleID
	// Now is the kernel's logical time.
	Now() contracts.LogicalTime
	// Syscall invokes a capability-checked syscall.
	Syscall(ctx context.Context, name, resource string, payload json.RawMessage) (json.RawMessage, error)
	// Send submits a message without waiting for any Response.
	Send(ctx context.Context, msg contracts.Message) (router.Ack, error)
	// Request submits a Command or Query and waits for its Response.
	Request(ctx context.Context, msg contracts.Message) (contracts.Message, error)
}

// Handler serves the messages delivered to a module instance. The returned
// payload answers a Command or Query; an error becomes a failure Response.
type Handler interface {
	Handle(ctx context.Context, env Env, msg contracts.Message) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env Env, msg contracts.Message) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, env Env, msg contracts.Message) (json.RawMessage, error) {
	return f(ctx, env, msg)
}

// HandlerFactory builds the handler for a manifest, e.g. by compiling its
// wasm unit.
type HandlerFactory func(ctx context.Context, m *manifest.Manifest) (Handler, error)

// Mux dispatches on opcode. The table is filled before the module is
// installed and never changes afterwards.
type Mux struct {
	handlers map[string]Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Register binds opcode to h.
func (m *Mux) Register(opcode string, h Handler) *Mux {
	m.handlers[opcode] = h
	return m
}

// RegisterFunc binds opcode to fn.
func (m *Mux) RegisterFunc(opcode string, fn HandlerFunc) *Mux {
	return m.Register(opcode, fn)
}

// Opcodes lists the registered opcodes in order.
func (m *Mux) Opcodes() []string {
	out := make([]string, 0, len(m.handlers))
	for op := range m.handlers {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

func (m *Mux) Handle(ctx context.Context, env Env, msg contracts.Message) (json.RawMessage, error) {
	h, ok := m.handlers[msg.Opcode]
	if !ok {
		return nil, &contracts.RoutingError{Cause: contracts.RouteUnknownOpcode, Target: env.Module(), Opcode: msg.Opcode}
	}
	return h.Handle(ctx, env, msg)
}

// WasmHandler runs every message through a sandboxed compute unit. The unit
// reads the message envelope on stdin and writes its JSON result to stdout.
type WasmHandler struct {
	unit *sandbox.Unit
}

func NewWasmHandler(unit *sandbox.Unit) *WasmHandler {
	return &WasmHandler{unit: unit}
}

func (w *WasmHandler) Handle(ctx context.Context, env Env, msg contracts.Message) (json.RawMessage, error) {
	input, err := contracts.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	out, err := w.unit.Run(ctx, input, env.Syscall)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	if !json.Valid(out) {
		return nil, fmt.Errorf("wasm %s: result is not JSON", env.Module())
	}
	return out, nil
}

func (w *WasmHandler) Close(ctx context.Context) error {
	return w.unit.Close(ctx)
}

// WasmFactory builds WasmHandlers for manifests that declare a unit. Unit
// paths are relative to dir.
func WasmFactory(dir string) HandlerFactory {
	return func(ctx context.Context, m *manifest.Manifest) (Handler, error) {
		if m.Wasm == nil {
			return nil, fmt.Errorf("manifest %s declares no wasm unit", m.ID())
		}
		path := m.Wasm.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		wasm, err := sandbox.ReadFile(path, m.Wasm.SHA256)
		if err != nil {
			return nil, err
		}
		unit, err := sandbox.Compile(ctx, m.ID(), wasm, sandbox.Config{
			MemoryLimitBytes: m.Budget.MemoryBytes,
			CPUTimeLimit:     m.Budget.CPUTimeSlice(),
		})
		if err != nil {
			return nil, err
		}
		return NewWasmHandler(unit), nil
	}
}

type closer interface {
	Close(ctx context.Context) error
}

func closeHandler(ctx context.Context, h Handler) {
	if c, ok := h.(closer); ok {
		_ = c.Close(ctx)
	}
}

// safeHandle runs h and turns a panic into an error.
func safeHandle(ctx context.Context, h Handler, env Env, msg contracts.Message) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", env.Module(), r)
		}
	}()
	return h.Handle(ctx, env, msg)
}
