package syscalls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotServed is returned by hosts for syscalls they do not implement.
var ErrNotServed = errors.New("syscall not served by host")

// HostFunc serves one syscall.
type HostFunc func(ctx context.Context, req HostRequest) (json.RawMessage, error)

// FuncHost dispatches host requests to per-syscall functions.
type FuncHost map[string]HostFunc

func (h FuncHost) Invoke(ctx context.Context, req HostRequest) (json.RawMessage, error) {
	fn, ok := h[req.Syscall]
	if !ok {
		return nil, fmt.Errorf("%s: %w", req.Syscall, ErrNotServed)
	}
	return fn(ctx, req)
}

// DirHost serves the sys.fs.* calls from a directory. Resources are paths
// relative to the root and may not escape it.
type DirHost struct {
	root string
}

// NewDirHost creates a host rooted at dir, creating it if needed.
func NewDirHost(dir string) (*DirHost, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("syscalls: host root: %w", err)
	}
	return &DirHost{root: abs}, nil
}

func (h *DirHost) path(resource string) (string, error) {
	clean := filepath.Clean("/" + resource)
	p := filepath.Join(h.root, clean)
	if p != h.root && !strings.HasPrefix(p, h.root+string(filepath.Separator)) {
		return "", fmt.Errorf("resource %q escapes host root", resource)
	}
	return p, nil
}

func (h *DirHost) Invoke(ctx context.Context, req HostRequest) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := h.path(req.Resource)
	if err != nil {
		return nil, err
	}
	switch req.Syscall {
	case "sys.fs.read":
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"data": string(data)})
	case "sys.fs.write":
		var args struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal(req.Payload, &args); err != nil {
			return nil, fmt.Errorf("sys.fs.write: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return nil, err
		}
		if err := os.WriteFile(p, []byte(args.Data), 0o600); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int{"written": len(args.Data)})
	case "sys.fs.delete":
		if err := os.Remove(p); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"deleted":true}`), nil
	case "sys.fs.list":
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)
		return json.Marshal(map[string][]string{"entries": names})
	}
	return nil, fmt.Errorf("%s: %w", req.Syscall, ErrNotServed)
}

// MultiHost tries each host in order until one serves the request.
type MultiHost []HostShell

func (m MultiHost) Invoke(ctx context.Context, req HostRequest) (json.RawMessage, error) {
	for _, h := range m {
		out, err := h.Invoke(ctx, req)
		if errors.Is(err, ErrNotServed) {
			continue
		}
		return out, err
	}
	return nil, fmt.Errorf("%s: %w", req.Syscall, ErrNotServed)
}
