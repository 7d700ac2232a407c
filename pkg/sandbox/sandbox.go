// Package sandbox runs sandboxed compute units as WebAssembly with wazero.
//
// Units are deny-by-default: no filesystem, no network, no environment and
// no ambient clock or randomness. A unit reads the delivered message on
// stdin, writes its result to stdout, and reaches host resources only
// through the esta.syscall import:
//
//	(import "esta" "syscall" (func (param i32 i32 i32 i32) (result i32)))
//
// The parameters are (reqPtr, reqLen, outPtr, outCap). The request is the
// JSON object {"name", "resource", "payload"}; the JSON result is written at
// outPtr and its length returned. A negative return is an error: -1 for a
// malformed request, -2 when the result does not fit in outCap.
package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
)

const (
	wasiModule = wasi_snapshot_preview1.ModuleName
	hostModule = "esta"
	pageSize   = 64 * 1024
)

// ambient lists WASI imports that observe state outside the kernel's
// logical inputs.
var ambient = map[string]bool{
	"clock_time_get": true,
	"clock_res_get":  true,
	"random_get":     true,
	"poll_oneoff":    true,
	"sock_accept":    true,
	"sock_recv":      true,
	"sock_send":      true,
	"sock_shutdown":  true,
}

// Config bounds one unit.
type Config struct {
	MemoryLimitBytes int64
	CPUTimeLimit     time.Duration
}

// SyscallFunc serves esta.syscall for one invocation.
type SyscallFunc func(ctx context.Context, name, resource string, payload json.RawMessage) (json.RawMessage, error)

type syscallKey struct{}

// Unit is a compiled module ready to be invoked.
type Unit struct {
	module   contracts.ModuleID
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	config   wazero.ModuleConfig
	limits   Config
	digest   string
	logger   *slog.Logger
}

// Checksum returns the hex SHA-256 of wasm.
func Checksum(wasm []byte) string {
	sum := sha256.Sum256(wasm)
	return hex.EncodeToString(sum[:])
}

// ReadFile loads a unit binary and checks it against want when set.
func ReadFile(path, want string) ([]byte, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sandbox: read %s: %w", path, err)
	}
	if want != "" {
		if got := Checksum(wasm); !strings.EqualFold(got, want) {
			return nil, fmt.Errorf("sandbox: %s checksum mismatch: want %s, got %s", path, want, got)
		}
	}
	return wasm, nil
}

// Compile prepares wasm for module. Units importing anything outside the
// deterministic WASI subset and esta.syscall are rejected with a
// DeterminismViolation.
func Compile(ctx context.Context, module contracts.ModuleID, wasm []byte, cfg Config) (*Unit, error) {
	rcfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / pageSize)
		if pages == 0 {
			pages = 1
		}
		rcfg = rcfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rcfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("sandbox: instantiate wasi: %w", err)
	}
	if _, err := r.NewHostModuleBuilder(hostModule).
		NewFunctionBuilder().WithFunc(hostSyscall).Export("syscall").
		Instantiate(ctx); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("sandbox: instantiate host module: %w", err)
	}

	compiled, err := r.CompileModule(ctx, wasm)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("sandbox: compile %s: %w", module, err)
	}
	if err := checkImports(module, compiled); err != nil {
		_ = r.Close(ctx)
		return nil, err
	}

	return &Unit{
		module:   module,
		runtime:  r,
		compiled: compiled,
		// An empty name lets the same unit be instantiated once per call.
		config: wazero.NewModuleConfig().
			WithName("").
			WithStartFunctions("_start"),
		limits: cfg,
		digest: Checksum(wasm),
		logger: slog.Default().With("component", "sandbox", "module", module),
	}, nil
}

func checkImports(module contracts.ModuleID, compiled wazero.CompiledModule) error {
	for _, def := range compiled.ImportedFunctions() {
		mod, name, _ := def.Import()
		switch {
		case mod == wasiModule && !ambient[name]:
		case mod == hostModule && name == "syscall":
		default:
			return &contracts.DeterminismViolation{Module: module, Source: mod + "." + name}
		}
	}
	return nil
}

func (u *Unit) WithLogger(l *slog.Logger) *Unit {
	u.logger = l.With("component", "sandbox", "module", u.module)
	return u
}

// Digest returns the SHA-256 of the unit binary.
func (u *Unit) Digest() string { return u.digest }

// Run executes the unit once with input on stdin and returns its stdout.
// A run past the CPU limit fails with ResourceLimitExceeded.
func (u *Unit) Run(ctx context.Context, input []byte, syscall SyscallFunc) ([]byte, error) {
	if u.limits.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.limits.CPUTimeLimit)
		defer cancel()
	}
	if syscall != nil {
		ctx = context.WithValue(ctx, syscallKey{}, syscall)
	}

	var stdout, stderr bytes.Buffer
	cfg := u.config.
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := u.runtime.InstantiateModule(ctx, u.compiled, cfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.Background()) }()
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &contracts.ResourceLimitExceeded{Module: u.module, Resource: "cpu", Limit: u.limits.CPUTimeLimit.String()}
		}
		var exit *sys.ExitError
		if !errors.As(err, &exit) || exit.ExitCode() != 0 {
			return nil, fmt.Errorf("sandbox: %s: %w", u.module, err)
		}
	}
	if stderr.Len() > 0 {
		u.logger.Debug("unit stderr", "output", stderr.String())
	}
	return stdout.Bytes(), nil
}

// Close releases the unit's runtime.
func (u *Unit) Close(ctx context.Context) error {
	return u.runtime.Close(ctx)
}

type syscallRequest struct {
	Name     string          `json:"name"`
	Resource string          `json:"resource,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func hostSyscall(ctx context.Context, m api.Module, reqPtr, reqLen, outPtr, outCap uint32) int32 {
	raw, ok := m.Memory().Read(reqPtr, reqLen)
	if !ok {
		return -1
	}
	var req syscallRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Name == "" {
		return -1
	}

	var out json.RawMessage
	fn, _ := ctx.Value(syscallKey{}).(SyscallFunc)
	if fn == nil {
		out = contracts.EncodeError(&contracts.UnknownSyscall{Name: req.Name})
	} else if res, err := fn(ctx, req.Name, req.Resource, req.Payload); err != nil {
		out = contracts.EncodeError(err)
	} else {
		out = res
	}

	if uint32(len(out)) > outCap {
		return -2
	}
	if !m.Memory().Write(outPtr, out) {
		return -1
	}
	return int32(len(out))
}
