// Command interceptor runs the transparent LLM proxy and its query tooling.
//
// Subcommands:
//
//	start     run the proxy server (default)
//	export    print stored interactions as JSON or JSONL
//	save      export to a file
//	stats     print aggregate statistics
//	sessions  print session summaries
//	replay    print a stored interaction's exchange
//
// Exit codes: 0 success, 1 usage error, 2 runtime error, 130 interrupted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/agent-interceptor/internal/admin"
	"github.com/tjfontaine/agent-interceptor/internal/config"
	"github.com/tjfontaine/agent-interceptor/internal/domain"
	"github.com/tjfontaine/agent-interceptor/internal/export"
	"github.com/tjfontaine/agent-interceptor/internal/proxy"
	"github.com/tjfontaine/agent-interceptor/internal/server"
	"github.com/tjfontaine/agent-interceptor/internal/storage/sqlite"
	"github.com/tjfontaine/agent-interceptor/internal/telemetry"
)

const (
	exitOK          = 0
	exitUsage       = 1
	exitRuntime     = 2
	exitInterrupted = 130
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := "start"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "start":
		return cmdStart(args)
	case "export":
		return cmdExport(args, os.Stdout)
	case "save":
		return cmdSave(args)
	case "stats":
		return cmdStats(args)
	case "sessions":
		return cmdSessions(args)
	case "replay":
		return cmdReplay(args)
	case "help", "-h", "--help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: interceptor [command] [flags]

commands:
  start     run the proxy server (default)
  export    print stored interactions as JSON or JSONL
  save      export to a file
  stats     print aggregate statistics
  sessions  print session summaries
  replay    print a stored interaction's exchange
`)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Log.Verbose {
		level = slog.LevelDebug
	}
	if cfg.Log.Quiet {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func cmdStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config.yaml")
	host := fs.String("host", "", "host to bind to")
	port := fs.Int("port", 0, "port to bind to")
	dbPath := fs.String("db", "", "path to SQLite database")
	openaiURL := fs.String("openai-url", "", "OpenAI upstream base URL")
	anthropicURL := fs.String("anthropic-url", "", "Anthropic upstream base URL")
	ollamaURL := fs.String("ollama-url", "", "Ollama upstream base URL")
	verbose := fs.Bool("verbose", false, "verbose output")
	quiet := fs.Bool("quiet", false, "suppress informational output")
	noRedact := fs.Bool("no-redact", false, "disable API key redaction")
	noStoreChunks := fs.Bool("no-store-chunks", false, "don't store stream chunks")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitRuntime
	}

	// CLI flags override file and environment
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}
	if *openaiURL != "" {
		cfg.Providers.OpenAI.URL = *openaiURL
	}
	if *anthropicURL != "" {
		cfg.Providers.Anthropic.URL = *anthropicURL
	}
	if *ollamaURL != "" {
		cfg.Providers.Ollama.URL = *ollamaURL
	}
	if *verbose {
		cfg.Log.Verbose = true
	}
	if *quiet {
		cfg.Log.Quiet = true
	}
	if *noRedact {
		cfg.Capture.Redact = false
	}
	if *noStoreChunks {
		cfg.Capture.StoreChunks = false
	}

	logger := newLogger(cfg)

	shutdownTracer, err := telemetry.InitTracer("agent-interceptor", logger)
	if err != nil {
		logger.Error("failed to initialize tracer", slog.String("error", err.Error()))
		return exitRuntime
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	store, err := sqlite.New(cfg.DB.Path,
		sqlite.WithLogger(logger),
		sqlite.WithChunkStorage(cfg.Capture.StoreChunks))
	if err != nil {
		logger.Error("failed to open store", slog.String("error", err.Error()))
		return exitRuntime
	}
	defer func() { _ = store.Close() }()

	handler, err := proxy.NewHandler(cfg, store, logger)
	if err != nil {
		logger.Error("failed to create proxy handler", slog.String("error", err.Error()))
		return exitRuntime
	}
	defer handler.Close()

	adminAPI := admin.New(store, logger)
	srv := server.New(cfg.Server.Host, cfg.Server.Port, logger, adminAPI.Routes(), handler)

	logger.Info("interceptor starting",
		slog.String("db", cfg.DB.Path),
		slog.String("openai_upstream", cfg.Providers.OpenAI.URL),
		slog.String("anthropic_upstream", cfg.Providers.Anthropic.URL),
		slog.String("ollama_upstream", cfg.Providers.Ollama.URL))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var interrupted bool
	select {
	case sig := <-sigCh:
		interrupted = sig == os.Interrupt
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", slog.String("error", err.Error()))
			return exitRuntime
		}
		return exitOK
	}

	// Stop accepting, then wait for in-flight handlers to reach PERSISTED
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}

	if interrupted {
		return exitInterrupted
	}
	return exitOK
}

// openStore opens the store for the read-only subcommands.
func openStore(dbPath string) (*sqlite.Store, error) {
	if dbPath == "" {
		cfg, err := config.Load("")
		if err != nil {
			return nil, err
		}
		dbPath = cfg.DB.Path
	}
	return sqlite.New(dbPath)
}

// collectRecords loads interactions plus chunks for export.
func collectRecords(store *sqlite.Store, opts sqlite.ListOptions, withChunks bool) ([]export.Record, error) {
	interactions, err := store.ListInteractions(context.Background(), opts)
	if err != nil {
		return nil, err
	}

	records := make([]export.Record, 0, len(interactions))
	for _, in := range interactions {
		rec := export.Record{Interaction: in}
		if withChunks && in.ChunkCount > 0 {
			_, chunks, err := store.GetInteraction(context.Background(), in.ID)
			if err != nil {
				return nil, err
			}
			rec.Chunks = chunks
		}
		records = append(records, rec)
	}
	return records, nil
}

type exportFlags struct {
	db       string
	format   string
	limit    int
	provider string
	model    string
	session  string
	verbose  bool
}

func parseExportFlags(name string, args []string) (*exportFlags, []string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	f := &exportFlags{}
	fs.StringVar(&f.db, "db", "", "path to SQLite database")
	fs.StringVar(&f.format, "format", "json", "output format: json or jsonl")
	fs.IntVar(&f.limit, "last", 100, "number of recent interactions")
	fs.StringVar(&f.provider, "provider", "", "filter by provider")
	fs.StringVar(&f.model, "model", "", "filter by model")
	fs.StringVar(&f.session, "session", "", "filter by session id")
	fs.BoolVar(&f.verbose, "verbose", false, "embed chunks in JSONL output")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return f, fs.Args(), nil
}

func runExport(f *exportFlags, out *os.File) int {
	store, err := openStore(f.db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		return exitRuntime
	}
	defer func() { _ = store.Close() }()

	opts := sqlite.ListOptions{
		Limit:     f.limit,
		Provider:  f.provider,
		Model:     f.model,
		SessionID: f.session,
	}
	withChunks := f.format == "json" || f.verbose
	records, err := collectRecords(store, opts, withChunks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "export failed: %v\n", err)
		return exitRuntime
	}

	switch f.format {
	case "json":
		err = export.WriteJSON(out, records)
	case "jsonl":
		err = export.WriteJSONL(out, records, f.verbose)
	default:
		fmt.Fprintf(os.Stderr, "unknown format: %s\n", f.format)
		return exitUsage
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "export failed: %v\n", err)
		return exitRuntime
	}
	return exitOK
}

func cmdExport(args []string, out *os.File) int {
	f, _, err := parseExportFlags("export", args)
	if err != nil {
		return exitUsage
	}
	return runExport(f, out)
}

func cmdSave(args []string) int {
	f, rest, err := parseExportFlags("save", args)
	if err != nil {
		return exitUsage
	}
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "usage: interceptor save [flags] <output-file>")
		return exitUsage
	}

	out, err := os.Create(rest[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create output file: %v\n", err)
		return exitRuntime
	}
	defer func() { _ = out.Close() }()

	return runExport(f, out)
}

func cmdStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	dbPath := fs.String("db", "", "path to SQLite database")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	store, err := openStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		return exitRuntime
	}
	defer func() { _ = store.Close() }()

	stats, err := store.Stats(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "stats query failed: %v\n", err)
		return exitRuntime
	}
	return printJSON(stats)
}

func cmdSessions(args []string) int {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	dbPath := fs.String("db", "", "path to SQLite database")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	store, err := openStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		return exitRuntime
	}
	defer func() { _ = store.Close() }()

	sessions, err := store.ListSessions(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "sessions query failed: %v\n", err)
		return exitRuntime
	}
	if sessions == nil {
		sessions = []domain.SessionSummary{}
	}
	return printJSON(sessions)
}

func cmdReplay(args []string) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	dbPath := fs.String("db", "", "path to SQLite database")
	limit := fs.Int("last", 10, "number of recent interactions")
	provider := fs.String("provider", "", "filter by provider")
	model := fs.String("model", "", "filter by model")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	store, err := openStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		return exitRuntime
	}
	defer func() { _ = store.Close() }()

	interactions, err := store.ListInteractions(context.Background(), sqlite.ListOptions{
		Limit:    *limit,
		Provider: *provider,
		Model:    *model,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay query failed: %v\n", err)
		return exitRuntime
	}

	// Oldest first reads like the conversation happened
	for i := len(interactions) - 1; i >= 0; i-- {
		in := interactions[i]
		fmt.Printf("=== %s %s [%s %s] %s\n",
			in.StartedAt.Format("15:04:05.000"), in.ID, in.Provider, in.Request.Model, in.Path)
		for _, msg := range in.Request.Messages {
			fmt.Printf("  %s: %s\n", msg.Role, msg.Content)
		}
		if in.Response != nil && in.Response.ReconstructedText != "" {
			fmt.Printf("  assistant> %s\n", in.Response.ReconstructedText)
		}
		if in.Error != "" {
			fmt.Printf("  error: %s\n", in.Error)
		}
		fmt.Println()
	}
	return exitOK
}

func printJSON(v interface{}) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode output: %v\n", err)
		return exitRuntime
	}
	return exitOK
}
