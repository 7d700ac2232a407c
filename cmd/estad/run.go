package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq" // postgres audit sink
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/esta-kernel/pkg/archive"
	"github.com/Mindburn-Labs/esta-kernel/pkg/audit"
	"github.com/Mindburn-Labs/esta-kernel/pkg/capability"
	"github.com/Mindburn-Labs/esta-kernel/pkg/config"
	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
	"github.com/Mindburn-Labs/esta-kernel/pkg/entropy"
	"github.com/Mindburn-Labs/esta-kernel/pkg/kernel"
	"github.com/Mindburn-Labs/esta-kernel/pkg/limiter"
	"github.com/Mindburn-Labs/esta-kernel/pkg/loader"
	"github.com/Mindburn-Labs/esta-kernel/pkg/manifest"
	"github.com/Mindburn-Labs/esta-kernel/pkg/observability"
	"github.com/Mindburn-Labs/esta-kernel/pkg/router"
	"github.com/Mindburn-Labs/esta-kernel/pkg/syscalls"
)

type runFlags struct {
	hostRoot string
	grants   []string
	stdin    bool
}

func newRunCmd(g *globals) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the kernel and load the manifest directory",
		Long: `Boot the kernel, load every manifest in loader.manifest_dir and serve
until interrupted. With --stdin, each input line is a JSON message from an
external client; responses are written to stdout as JSON lines and the
kernel stops once input ends and every call has been answered.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runKernel(ctx, g, cfg, f, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&f.hostRoot, "host-root", "", "directory served to sys.fs.* syscalls")
	cmd.Flags().StringArrayVar(&f.grants, "grant", nil, "client capability as holder=type:pattern:rights (repeatable)")
	cmd.Flags().BoolVar(&f.stdin, "stdin", false, "read client messages from stdin")
	return cmd
}

// closers runs cleanup in reverse registration order.
type closers []func(context.Context)

func (c *closers) add(fn func(context.Context)) { *c = append(*c, fn) }

func (c closers) run(ctx context.Context) {
	for i := len(c) - 1; i >= 0; i-- {
		c[i](ctx)
	}
}

func runKernel(ctx context.Context, g *globals, cfg *config.Config, f *runFlags, in io.Reader) error {
	logger := g.logger(cfg)
	var cleanup closers
	defer cleanup.run(context.Background())

	seed, err := bootSeed(cfg, logger)
	if err != nil {
		return err
	}

	prov, err := observability.New(ctx, observability.FromConfig(cfg.Observability, version))
	if err != nil {
		return err
	}
	cleanup.add(func(ctx context.Context) { _ = prov.Shutdown(ctx) })
	metrics, err := prov.Metrics()
	if err != nil {
		return err
	}

	opts := kernel.OptionsFromConfig(cfg, seed)
	opts.Logger = logger
	opts.Metrics = metrics
	opts.DeadLetters = router.NewMemoryDeadLetters(cfg.Router.DeadLetterCapacity)

	if opts.Limiter, err = openLimiter(ctx, cfg, &cleanup); err != nil {
		return err
	}
	if opts.Sinks, err = openSinks(ctx, cfg, g.stdout, logger, &cleanup); err != nil {
		return err
	}
	if f.hostRoot != "" {
		host, err := syscalls.NewDirHost(f.hostRoot)
		if err != nil {
			return err
		}
		opts.Host = host
	}

	state, err := kernel.Boot(opts)
	if err != nil {
		return err
	}
	rt := kernel.NewRuntime(state, kernel.RuntimeConfigFrom(cfg)).
		WithLogger(logger).
		WithTracer(prov.Tracer())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, gctx := errgroup.WithContext(runCtx)
	group.Go(func() error { return rt.Run(gctx) })

	if err := grantClients(gctx, rt, f.grants, cfg.Loader.Tenants[0]); err != nil {
		cancel()
		return errors.Join(err, group.Wait())
	}
	if dir := cfg.Loader.ManifestDir; dir != "" {
		if err := serveManifests(gctx, group, rt, cfg, logger); err != nil {
			cancel()
			return errors.Join(err, group.Wait())
		}
	}

	if f.stdin {
		group.Go(func() error {
			defer cancel()
			return serveClients(gctx, rt, in, g.stdout)
		})
	}
	return group.Wait()
}

func bootSeed(cfg *config.Config, logger *slog.Logger) ([]byte, error) {
	if cfg.BootSeed != "" {
		return entropy.ParseSeed(cfg.BootSeed)
	}
	seed, err := entropy.NewSeed()
	if err != nil {
		return nil, err
	}
	logger.Info("boot seed drawn; set ESTA_BOOT_SEED to replay this run", "seed", hex.EncodeToString(seed))
	return seed, nil
}

func openLimiter(ctx context.Context, cfg *config.Config, cleanup *closers) (limiter.Store, error) {
	if cfg.Router.RedisAddr == "" {
		return limiter.NewMemoryStore(), nil
	}
	rs := limiter.NewRedisStore(cfg.Router.RedisAddr, os.Getenv("ESTA_REDIS_PASSWORD"), 0, "esta:ratelimit:")
	if err := rs.Ping(ctx); err != nil {
		_ = rs.Close()
		return nil, fmt.Errorf("redis limiter: %w", err)
	}
	cleanup.add(func(context.Context) { _ = rs.Close() })
	return rs, nil
}

func openSinks(ctx context.Context, cfg *config.Config, stdout io.Writer, logger *slog.Logger, cleanup *closers) ([]audit.Sink, error) {
	var sinks []audit.Sink
	if cfg.Audit.Stdout {
		sinks = append(sinks, audit.NewWriterSink(stdout))
	}
	if cfg.Audit.Driver != "" {
		db, err := sql.Open(driverName(cfg.Audit.Driver), cfg.Audit.DSN)
		if err != nil {
			return nil, fmt.Errorf("open audit database: %w", err)
		}
		cleanup.add(func(context.Context) { _ = db.Close() })
		sink, err := audit.NewSQLSink(ctx, db, audit.Dialect(cfg.Audit.Driver))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	store, err := archive.Open(ctx, cfg.Audit.Archive)
	if err != nil {
		return nil, err
	}
	if store != nil {
		arch := archive.NewArchiver(store, cfg.Audit.Archive.SegmentSize).WithLogger(logger)
		cleanup.add(func(ctx context.Context) {
			index, err := arch.Close(ctx)
			if err != nil {
				logger.Error("archive close failed", "error", err)
				return
			}
			if index != "" {
				logger.Info("audit archive index written", "index", index)
			}
		})
		sinks = append(sinks, arch)
	}
	return sinks, nil
}

// driverName maps an audit driver to its database/sql registration.
func driverName(driver string) string {
	if driver == string(audit.DialectSQLite) {
		return "sqlite"
	}
	return "postgres"
}

// parseGrant reads holder=type:pattern:rights. Rights are comma separated.
func parseGrant(spec, tenant string) (contracts.ModuleID, capability.Grant, error) {
	holder, rest, ok := strings.Cut(spec, "=")
	parts := strings.SplitN(rest, ":", 3)
	if !ok || holder == "" || len(parts) != 3 {
		return "", capability.Grant{}, fmt.Errorf("grant %q: want holder=type:pattern:rights", spec)
	}
	rights, err := capability.ParseRights(strings.Split(parts[2], ","))
	if err != nil {
		return "", capability.Grant{}, fmt.Errorf("grant %q: %w", spec, err)
	}
	return contracts.ModuleID(holder), capability.Grant{
		Resource:    capability.Resource{Type: parts[0], Pattern: parts[1], TenantID: tenant},
		Rights:      rights,
		MaxUseCount: capability.Unlimited,
		Reason:      "operator grant",
	}, nil
}

func grantClients(ctx context.Context, rt *kernel.Runtime, specs []string, tenant string) error {
	for _, spec := range specs {
		holder, grant, err := parseGrant(spec, tenant)
		if err != nil {
			return err
		}
		if _, err := rt.Grant(ctx, holder, []capability.Grant{grant}); err != nil {
			return fmt.Errorf("grant %q: %w", spec, err)
		}
	}
	return nil
}

func manifestVerifier(cfg *config.Config) (*manifest.Verifier, error) {
	if cfg.Loader.SigningPublicKey == "" {
		return nil, nil
	}
	key, err := manifest.ParsePublicKey(cfg.Loader.SigningPublicKey)
	if err != nil {
		return nil, err
	}
	return manifest.NewVerifier(key, cfg.Loader.RequireSignatures), nil
}

// serveManifests loads the directory and, when watching, follows changes
// on group.
func serveManifests(ctx context.Context, group *errgroup.Group, rt *kernel.Runtime, cfg *config.Config, logger *slog.Logger) error {
	dir := cfg.Loader.ManifestDir
	verifier, err := manifestVerifier(cfg)
	if err != nil {
		return err
	}
	factory := kernel.WasmFactory(dir)

	var watcher *loader.Watcher
	if cfg.Loader.Watch {
		if watcher, err = loader.NewWatcher(dir, verifier); err != nil {
			return err
		}
		watcher = watcher.WithLogger(logger)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("manifest dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !manifest.IsManifestFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		m, err := manifest.LoadFile(path, verifier)
		if err != nil {
			logger.Warn("manifest rejected", "path", path, "error", err)
			continue
		}
		id, err := rt.Apply(ctx, loader.Change{Path: path, Kind: loader.ChangeUpsert, Manifest: m}, factory)
		if err != nil {
			logger.Warn("module not loaded", "path", path, "error", err)
			continue
		}
		if watcher != nil {
			watcher.Seed(path, id)
		}
	}

	if watcher != nil {
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		group.Go(func() error {
			defer watcher.Stop()
			return rt.Follow(ctx, watcher.Changes(), factory)
		})
	}
	return nil
}

// serveClients submits each JSON line read from in. Commands and Queries
// wait for their Response; the rest are fire and forget.
func serveClients(ctx context.Context, rt *kernel.Runtime, in io.Reader, out io.Writer) error {
	var mu sync.Mutex
	enc := json.NewEncoder(out)
	write := func(v any) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(v)
	}

	calls, cctx := errgroup.WithContext(ctx)
	calls.SetLimit(64)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg contracts.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			if werr := write(map[string]string{"error": err.Error()}); werr != nil {
				return werr
			}
			continue
		}
		if msg.Metadata.MessageID == uuid.Nil {
			msg.Metadata.MessageID = uuid.New()
		}
		if msg.Metadata.SchemaVersion == 0 {
			msg.Metadata.SchemaVersion = contracts.SchemaVersion
		}

		if !msg.Type.ExpectsResponse() {
			ack, err := rt.Submit(cctx, msg)
			if werr := write(ackLine(msg, ack, err)); werr != nil {
				return werr
			}
			continue
		}
		calls.Go(func() error {
			resp, err := rt.Call(cctx, msg)
			if err != nil {
				return write(ackLine(msg, router.Ack{}, err))
			}
			return write(resp)
		})
	}
	if err := calls.Wait(); err != nil {
		return err
	}
	return scanner.Err()
}

func ackLine(msg contracts.Message, ack router.Ack, err error) map[string]any {
	line := map[string]any{"messageId": msg.Metadata.MessageID}
	if err != nil {
		line["error"] = err.Error()
		line["reason"] = contracts.ReasonOf(err)
		return line
	}
	line["accepted"] = true
	line["duplicate"] = ack.Duplicate
	return line
}
