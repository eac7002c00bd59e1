package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanpama/graphcache/internal/cache"
	"github.com/hanpama/graphcache/internal/config"
	"github.com/hanpama/graphcache/internal/eventbus"
	"github.com/hanpama/graphcache/internal/exchange"
	"github.com/hanpama/graphcache/internal/introspection"
	"github.com/hanpama/graphcache/internal/keys"
	"github.com/hanpama/graphcache/internal/metrics"
	"github.com/hanpama/graphcache/internal/otel"
	"github.com/hanpama/graphcache/internal/schema"
	"github.com/hanpama/graphcache/internal/server"
	"github.com/hanpama/graphcache/internal/storage"
	"github.com/hanpama/graphcache/internal/storage/badgerstore"
	"github.com/hanpama/graphcache/internal/upstream"
)

const rootUsage = `graphcache — normalized caching proxy for GraphQL APIs

USAGE:
  graphcache <command> [flags]

COMMANDS:
  serve            Run the caching proxy in front of a GraphQL origin
  introspect       Convert an SDL schema into minimal introspection JSON
  inspect          Print the entries persisted in a data directory
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -config <file>                      YAML configuration file
  -upstream <url>                     GraphQL origin URL (required unless set in -config)
  -schema <file>                      SDL or introspection JSON schema
  -storage.path <dir>                 Persist the cache in a Badger database
  -storage.inmemory                   Use an in-memory Badger database
  -server.addr <addr>                 HTTP listen address (default: :8080)
  -server.pretty                      Pretty-print JSON responses
  -server.timeout <duration>          Per-request timeout, e.g. 10s (default: 10s)
  -server.forward-header <name>       Forward HTTP header to the origin. Repeatable
  -server.cors <origin>               Allow a CORS origin. Repeatable
  -offline.replay-interval <duration> Retry queued mutations this often (default: 30s)
  -metrics.path <path>                Serve Prometheus metrics under this path
  -otel.endpoint <addr>               OTLP collector endpoint
  -otel.service <name>                OpenTelemetry service name (default: graphcache)
Flags override the values read from -config.
`

const introspectUsage = `introspect FLAGS:
  -schema <file>  SDL schema to convert (required)
  -out <file>     Write JSON to file (default: stdout)
`

const inspectUsage = `inspect FLAGS:
  -storage.path <dir>  Badger data directory (required)
  -entity <key>        Only print fields of this entity, e.g. Todo:1
  -queue               Print queued offline mutations instead of entries
`

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("graphcache", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer)) // silence automatic output
	if err := global.Parse(args); err != nil {
		fmt.Fprint(stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "serve":
		return cmdServe(cmdArgs)
	case "introspect":
		return cmdIntrospect(cmdArgs)
	case "inspect":
		return cmdInspect(cmdArgs)
	case "help":
		return cmdHelp(cmdArgs)
	default:
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Fprint(stdout, serveUsage)
	case "introspect":
		fmt.Fprint(stdout, introspectUsage)
	case "inspect":
		fmt.Fprint(stdout, inspectUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type stringListFlag []string

func (s *stringListFlag) String() string { return "" }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// serveFlags holds the serve command line. Only flags that were given
// override the configuration file.
type serveFlags struct {
	configPath     string
	upstream       string
	schema         string
	storagePath    string
	inMemory       bool
	addr           string
	pretty         bool
	timeout        time.Duration
	forwardHeaders stringListFlag
	cors           stringListFlag
	replayInterval time.Duration
	metricsPath    string
	otelEndpoint   string
	otelService    string
}

func parseServeFlags(args []string) (config.Config, serveFlags, error) {
	def := config.Default()
	f := serveFlags{
		addr:           def.Listen,
		timeout:        def.Timeout,
		replayInterval: 30 * time.Second,
		metricsPath:    def.Metrics.Path,
		otelService:    def.OTel.Service,
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&f.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&f.upstream, "upstream", "", "GraphQL origin URL")
	fs.StringVar(&f.schema, "schema", "", "SDL or introspection JSON schema")
	fs.StringVar(&f.storagePath, "storage.path", "", "Badger data directory")
	fs.BoolVar(&f.inMemory, "storage.inmemory", false, "Use an in-memory Badger database")
	fs.StringVar(&f.addr, "server.addr", f.addr, "HTTP listen address")
	fs.BoolVar(&f.pretty, "server.pretty", false, "Pretty-print JSON responses")
	fs.DurationVar(&f.timeout, "server.timeout", f.timeout, "Per-request timeout")
	fs.Var(&f.forwardHeaders, "server.forward-header", "Forward HTTP header to the origin")
	fs.Var(&f.cors, "server.cors", "Allow a CORS origin")
	fs.DurationVar(&f.replayInterval, "offline.replay-interval", f.replayInterval, "Retry queued mutations this often")
	fs.StringVar(&f.metricsPath, "metrics.path", f.metricsPath, "Prometheus metrics path")
	fs.StringVar(&f.otelEndpoint, "otel.endpoint", "", "OTLP collector endpoint")
	fs.StringVar(&f.otelService, "otel.service", f.otelService, "OpenTelemetry service name")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, f, err
	}

	cfg := def
	if f.configPath != "" {
		raw, err := os.ReadFile(f.configPath)
		if err != nil {
			return config.Config{}, f, fmt.Errorf("read config: %w", err)
		}
		if cfg, err = config.Decode(raw); err != nil {
			return config.Config{}, f, err
		}
	}
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "upstream":
			cfg.Upstream = f.upstream
		case "schema":
			cfg.Schema = f.schema
		case "storage.path":
			cfg.Storage.Path = f.storagePath
		case "storage.inmemory":
			cfg.Storage.InMemory = f.inMemory
		case "server.addr":
			cfg.Listen = f.addr
		case "server.pretty":
			cfg.Server.Pretty = f.pretty
		case "server.timeout":
			cfg.Timeout = f.timeout
		case "server.forward-header":
			cfg.Server.ForwardHeaders = f.forwardHeaders
		case "server.cors":
			cfg.Server.CORS = f.cors
		case "metrics.path":
			cfg.Metrics.Enabled = true
			cfg.Metrics.Path = f.metricsPath
		case "otel.endpoint":
			cfg.OTel.Endpoint = f.otelEndpoint
		case "otel.service":
			cfg.OTel.Service = f.otelService
		}
	})
	if err := cfg.Validate(); err != nil {
		return config.Config{}, f, err
	}
	return cfg, f, nil
}

func cmdServe(args []string) error {
	cfg, f, err := parseServeFlags(args)
	if err != nil {
		fmt.Fprint(stderr, serveUsage)
		return err
	}

	logger := slog.New(slog.NewTextHandler(stderr, nil))
	eventbus.Use(eventbus.New())
	shutdown, err := otel.Setup(cfg.OTel.Endpoint, cfg.OTel.Service)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := newProxy(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	if f.replayInterval > 0 {
		go p.replayLoop(ctx, f.replayInterval)
	}

	srv := &http.Server{Addr: cfg.Listen, Handler: p.mux}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Printf("GraphQL cache listening on %s, forwarding to %s", cfg.Listen, cfg.Upstream)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// proxy is the wired serve command: a store, the exchange in front of it
// and the HTTP routes.
type proxy struct {
	store    *cache.Store
	exchange *exchange.Exchange
	db       *badgerstore.Store
	metrics  *metrics.Registry
	mux      *http.ServeMux
	logger   *slog.Logger

	// pending tracks scheduled flushes so Close can wait for them.
	pending sync.WaitGroup
}

func newProxy(ctx context.Context, cfg config.Config, logger *slog.Logger) (*proxy, error) {
	p := &proxy{logger: logger, mux: http.NewServeMux()}

	var sch *schema.Schema
	if cfg.Schema != "" {
		var err error
		if sch, err = loadSchema(cfg.Schema); err != nil {
			return nil, err
		}
	}

	var adapter storage.Adapter
	if cfg.Storage.Path != "" || cfg.Storage.InMemory {
		bcfg := badgerstore.DefaultConfig()
		bcfg.Path = cfg.Storage.Path
		if cfg.Storage.InMemory {
			bcfg = badgerstore.InMemoryConfig()
		}
		bcfg.Logger = logger
		db, err := badgerstore.Open(bcfg)
		if err != nil {
			return nil, err
		}
		p.db = db
		adapter = db
	}

	p.store = cache.New(cache.Config{
		Keys:      cfg.CacheKeys(),
		GlobalIDs: cfg.CacheGlobalIDs(),
		Schema:    sch,
		Storage:   adapter,
		Logger:    logger,
		Schedule:  p.schedule,
	})
	if adapter != nil {
		if err := p.store.Hydrate(ctx); err != nil {
			p.Close()
			return nil, fmt.Errorf("hydrate cache: %w", err)
		}
	}

	var uopts []upstream.Option
	if cfg.Timeout > 0 {
		uopts = append(uopts, upstream.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	eopts := []exchange.Option{
		exchange.WithForwarder(upstream.New(cfg.Upstream, uopts...)),
		exchange.WithLogger(logger),
	}
	if p.db != nil {
		eopts = append(eopts, exchange.WithOfflineQueue(p.db))
	}
	p.exchange = exchange.New(p.store, eopts...)
	if p.db != nil {
		if err := p.exchange.Restore(ctx); err != nil {
			p.Close()
			return nil, fmt.Errorf("restore offline queue: %w", err)
		}
	}

	sopts := []server.Option{server.WithGraphiQL(cfg.GraphiQLEnabled())}
	if cfg.Server.Pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if cfg.Timeout > 0 {
		sopts = append(sopts, server.WithTimeout(cfg.Timeout))
	}
	if cfg.Server.MaxBodyBytes > 0 {
		sopts = append(sopts, server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes))
	}
	if len(cfg.Server.CORS) > 0 {
		sopts = append(sopts, server.WithCORS(cfg.Server.CORS...))
	}
	if len(cfg.Server.ForwardHeaders) > 0 {
		sopts = append(sopts, server.WithForwardHeaders(cfg.Server.ForwardHeaders...))
	}
	p.mux.Handle("/graphql", server.New(p.exchange, sopts...))

	if cfg.Metrics.Enabled {
		reg, err := metrics.Setup()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("metrics setup: %w", err)
		}
		p.metrics = reg
		p.mux.Handle(cfg.Metrics.Path, reg.Handler())
	}
	return p, nil
}

func (p *proxy) schedule(fn func()) {
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		fn()
	}()
}

// replayLoop retries queued mutations until ctx is done.
func (p *proxy) replayLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.exchange.Queued() == 0 {
				continue
			}
			if err := p.exchange.Replay(ctx); err != nil {
				p.logger.Warn("replay offline mutations", slog.String("error", err.Error()))
			}
		}
	}
}

// Close persists pending writes and releases the database.
func (p *proxy) Close() {
	if p.metrics != nil {
		p.metrics.Close()
	}
	p.pending.Wait()
	if p.db == nil {
		return
	}
	if p.store != nil {
		if err := p.store.Flush(context.Background()); err != nil {
			p.logger.Error("flush cache", slog.String("error", err.Error()))
		}
	}
	if err := p.db.Close(); err != nil {
		p.logger.Error("close storage", slog.String("error", err.Error()))
	}
}

// loadSchema reads an SDL file, or minimal introspection JSON when the file
// has a .json extension.
func loadSchema(path string) (*schema.Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		sch, err := introspection.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse introspection %s: %w", path, err)
		}
		return sch, nil
	}
	sch, err := schema.BuildFromSDL(filepath.Base(path), string(raw))
	if err != nil {
		return nil, fmt.Errorf("build schema: %w", err)
	}
	return sch, nil
}

func cmdIntrospect(args []string) error {
	schemaPath := ""
	outFile := ""
	fs := flag.NewFlagSet("introspect", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&schemaPath, "schema", schemaPath, "SDL schema to convert")
	fs.StringVar(&outFile, "out", outFile, "Write JSON to file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, introspectUsage)
		return err
	}
	if schemaPath == "" {
		fmt.Fprint(stderr, introspectUsage)
		return fmt.Errorf("-schema is required")
	}

	sch, err := loadSchema(schemaPath)
	if err != nil {
		return err
	}
	raw, err := introspection.Minify(sch)
	if err != nil {
		return fmt.Errorf("minify schema: %w", err)
	}
	if outFile == "" {
		_, err := fmt.Fprintln(stdout, string(raw))
		return err
	}
	return os.WriteFile(outFile, raw, 0644)
}

func cmdInspect(args []string) error {
	dir := ""
	entity := ""
	queue := false
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&dir, "storage.path", dir, "Badger data directory")
	fs.StringVar(&entity, "entity", entity, "Only print fields of this entity")
	fs.BoolVar(&queue, "queue", queue, "Print queued offline mutations")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, inspectUsage)
		return err
	}
	if dir == "" {
		fmt.Fprint(stderr, inspectUsage)
		return fmt.Errorf("-storage.path is required")
	}

	db, err := badgerstore.Open(badgerstore.Config{Path: dir})
	if err != nil {
		return err
	}
	defer db.Close()
	ctx := context.Background()

	if queue {
		requests, err := db.ReadMetadata(ctx)
		if err != nil {
			return err
		}
		for _, r := range requests {
			fmt.Fprintf(stdout, "%s\t%s\t%s\n", r.OperationName, keys.Stringify(r.Variables), strings.Join(strings.Fields(r.Query), " "))
		}
		fmt.Fprintf(stdout, "%d queued mutations\n", len(requests))
		return nil
	}

	entries, err := db.ReadData(ctx)
	if err != nil {
		return err
	}
	lines := make([]string, 0, len(entries))
	entities := map[string]struct{}{}
	for key, value := range entries {
		entityKey, fieldKey := keys.Deserialize(key)
		if entity != "" && entityKey != entity {
			continue
		}
		entities[entityKey] = struct{}{}
		lines = append(lines, entityKey+"\t"+fieldKey+"\t"+value)
	}
	sort.Strings(lines)
	for _, l := range lines {
		fmt.Fprintln(stdout, l)
	}
	fmt.Fprintf(stdout, "%d entities, %d fields\n", len(entities), len(lines))
	return nil
}
