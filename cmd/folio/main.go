package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/folioreader/folio/internal/catalog"
	"github.com/folioreader/folio/internal/config"
	"github.com/folioreader/folio/internal/domain"
	"github.com/folioreader/folio/internal/download"
	"github.com/folioreader/folio/internal/komga"
	"github.com/folioreader/folio/internal/log"
	"github.com/folioreader/folio/internal/search"
	"github.com/folioreader/folio/internal/store"
	folsync "github.com/folioreader/folio/internal/sync"
)

// Version is set at build time via -ldflags
var Version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: folio [-instance name] <command> [args]

Commands:
  add                     register a new server instance
  sync                    full catalog sync from the server
  drain                   replay queued read-progress mutations
  download <book-id>      queue a book for offline download
  cancel <book-id>        cancel a queued or running download
  remove <book-id>        delete a book's downloaded files
  series <op> <series-id> series-level download ops: download, remove,
                          toggle, retry, cancel-failed, cleanup-read,
                          policy <manual|unreadOnly|unreadOnlyAndCleanupRead|all> [limit]
  list [library-id]       list cached series with download state
  search <query>          search the offline catalog
  status                  show queue and download state
  watch                   run sync and the download queue until interrupted
  clear                   drop all cached data of the instance
`)
}

func main() {
	var showVersion bool
	var instanceName string
	flag.BoolVar(&showVersion, "v", false, "print version")
	flag.BoolVar(&showVersion, "version", false, "print version")
	flag.StringVar(&instanceName, "instance", "", "instance name or id (defaults to the first configured)")
	flag.Usage = usage
	flag.Parse()

	if showVersion {
		fmt.Printf("folio %s\n", Version)
		return
	}
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	if err := run(instanceName, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles the per-instance engine components.
type app struct {
	cfg          *config.Config
	instance     config.InstanceConfig
	store        *store.Store
	client       *komga.Client
	reconciler   *folsync.Reconciler
	queue        *folsync.MutationQueue
	orchestrator *download.Orchestrator
	search       *search.Service
	catalog      *catalog.Service
	logger       *slog.Logger
}

func run(instanceName string, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := log.SetupLogger(&cfg.Logging)
	if err != nil {
		logger = log.NullLogger()
	}
	slog.SetDefault(logger)
	logger.Info("starting folio", "version", Version, "command", args[0])

	if args[0] == "add" {
		return runAdd(cfg)
	}
	if !cfg.IsConfigured() {
		return fmt.Errorf("no server configured, run 'folio add' first")
	}

	inst, err := selectInstance(cfg, instanceName)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Storage.DataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	client := komga.NewClient(inst.URL, inst.APIKey, logger)
	a := &app{
		cfg:      cfg,
		instance: inst,
		store:    st,
		client:   client,
		logger:   logger,
	}
	a.reconciler = folsync.NewReconciler(st, client, inst.ID, nil, logger)
	a.reconciler.SetPageSize(cfg.Sync.PageSize)
	a.queue = folsync.NewMutationQueue(st, client, a.reconciler, inst.ID, logger)
	a.orchestrator = download.NewOrchestrator(st, client, inst.ID, cfg.Storage.DownloadDir, logger)
	a.orchestrator.SetPageWorkers(cfg.Sync.PageWorkers)
	a.search = search.NewService(st, inst.ID, logger)
	a.catalog = catalog.NewService(st, inst.ID, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "sync":
		return a.reconciler.SyncAll(ctx)
	case "drain":
		return a.runDrain(ctx)
	case "download":
		return a.runDownload(ctx, args[1:])
	case "cancel":
		return a.withBookKey(args[1:], a.orchestrator.Cancel)
	case "remove":
		return a.withBookKey(args[1:], a.orchestrator.Remove)
	case "series":
		return a.runSeries(args[1:])
	case "list":
		return a.runList(args[1:])
	case "search":
		return a.runSearch(args[1:])
	case "status":
		return a.runStatus()
	case "watch":
		return a.runWatch(ctx)
	case "clear":
		return a.runClear()
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func selectInstance(cfg *config.Config, name string) (config.InstanceConfig, error) {
	if name == "" {
		return cfg.Instances[0], nil
	}
	inst, ok := cfg.Instance(name)
	if !ok {
		return config.InstanceConfig{}, fmt.Errorf("no instance named %q", name)
	}
	return inst, nil
}

func runAdd(cfg *config.Config) error {
	reader := bufio.NewReader(os.Stdin)
	prompt := func(label string) (string, error) {
		fmt.Printf("%s: ", label)
		input, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return strings.TrimSpace(input), nil
	}

	name, err := prompt("Instance name")
	if err != nil {
		return err
	}
	url, err := prompt("Server URL (e.g., http://192.168.1.100:25600)")
	if err != nil {
		return err
	}
	apiKey, err := prompt("API key")
	if err != nil {
		return err
	}
	username, err := prompt("Username (display only)")
	if err != nil {
		return err
	}
	if url == "" || apiKey == "" {
		return fmt.Errorf("server URL and API key are required")
	}

	inst := cfg.AddInstance(name, url, apiKey, username)
	if err := config.SaveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	fmt.Printf("Registered %q (%s)\n", inst.Name, inst.ID)
	return nil
}

func (a *app) runDrain(ctx context.Context) error {
	result, err := a.queue.Drain(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Sent %d mutation(s), %d left queued\n", result.Sent, result.Skipped)
	return nil
}

func (a *app) runDownload(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: folio download <book-id>")
	}
	key := domain.CompositeKey(a.instance.ID, args[0])
	if err := a.orchestrator.Request(key); err != nil {
		return err
	}
	if err := a.orchestrator.Start(ctx); err != nil {
		return err
	}
	// The loop exits once the queue is empty or the context is done.
	a.waitForQueue(ctx)
	a.orchestrator.Stop()
	return nil
}

func (a *app) waitForQueue(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		inFlight, err := a.store.QueryBooks(store.QueryOptions{
			InstanceID: a.instance.ID,
			DownloadStates: []domain.DownloadState{
				domain.DownloadPending, domain.DownloadDownloading,
			},
		})
		if err != nil || len(inFlight) == 0 {
			return
		}
	}
}

func (a *app) withBookKey(args []string, fn func(string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one book id")
	}
	return fn(domain.CompositeKey(a.instance.ID, args[0]))
}

func (a *app) runSeries(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: folio series <op> <series-id> [args]")
	}
	op, key := args[0], domain.CompositeKey(a.instance.ID, args[1])
	switch op {
	case "download":
		return a.orchestrator.DownloadSeries(key)
	case "remove":
		return a.orchestrator.RemoveSeries(key)
	case "toggle":
		return a.orchestrator.ToggleSeries(key)
	case "retry":
		return a.orchestrator.RetryFailed(key)
	case "cancel-failed":
		return a.orchestrator.CancelFailed(key)
	case "cleanup-read":
		return a.orchestrator.DeleteReadBooks(key)
	case "policy":
		return a.setSeriesPolicy(key, args[2:])
	default:
		return fmt.Errorf("unknown series operation %q", op)
	}
}

func (a *app) setSeriesPolicy(seriesKey string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: folio series policy <series-id> <policy> [limit]")
	}
	policy := domain.OfflinePolicy(args[0])
	if !policy.Valid() {
		return fmt.Errorf("unknown policy %q", args[0])
	}
	limit := 0
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return fmt.Errorf("invalid limit %q", args[1])
		}
		limit = n
	}
	err := a.store.UpdateSeriesLocal(seriesKey, func(local *domain.SeriesLocalState) {
		local.Policy = policy
		local.PolicyLimit = limit
	})
	if err != nil {
		return err
	}
	return a.orchestrator.ApplyPolicy(seriesKey)
}

func (a *app) runList(args []string) error {
	libraryID := ""
	if len(args) > 0 {
		libraryID = args[0]
	}
	series, err := a.catalog.Series(libraryID)
	if err != nil {
		return err
	}
	for _, sr := range series {
		summary, err := a.catalog.SeriesSummary(sr.RemoteID)
		if err != nil {
			return err
		}
		marker := " "
		if sr.Unavailable {
			marker = "!"
		}
		fmt.Printf("%s %-40s %3d books  %s\n", marker, sr.DisplayTitle(), summary.Total, summary.State)
	}
	return nil
}

func (a *app) runSearch(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: folio search <query>")
	}
	if err := a.search.Rebuild(); err != nil {
		return err
	}
	results := a.search.Search(strings.Join(args, " "), 20)
	if len(results) == 0 {
		if entry, ok := a.search.Suggest(strings.Join(args, " ")); ok {
			fmt.Printf("No matches. Did you mean %q?\n", entry.Title)
			return nil
		}
		fmt.Println("No matches.")
		return nil
	}
	for _, r := range results {
		if r.Kind == search.KindBook && r.SeriesTitle != "" {
			fmt.Printf("%-6s  %s / %s\n", r.Kind, r.SeriesTitle, r.Title)
		} else {
			fmt.Printf("%-6s  %s\n", r.Kind, r.Title)
		}
	}
	return nil
}

func (a *app) runStatus() error {
	queued, err := a.queue.Len()
	if err != nil {
		return err
	}
	pending, err := a.store.PendingBooks(a.instance.ID, 0)
	if err != nil {
		return err
	}
	downloaded, err := a.store.DownloadedBooks(a.instance.ID)
	if err != nil {
		return err
	}
	failed, err := a.store.FailedBooks(a.instance.ID)
	if err != nil {
		return err
	}

	fmt.Printf("Instance:           %s (%s)\n", a.instance.Name, a.instance.URL)
	fmt.Printf("Queued mutations:   %d\n", queued)
	fmt.Printf("Pending downloads:  %d\n", len(pending))
	fmt.Printf("Downloaded books:   %d\n", len(downloaded))
	fmt.Printf("Failed downloads:   %d\n", len(failed))
	for _, b := range failed {
		fmt.Printf("  %s: %s\n", b.DisplayTitle(), b.Local.Download.Reason())
	}
	return nil
}

// runWatch runs the full engine: an initial sync and mutation drain,
// the download queue, and a sync-complete notifier that wakes the
// queue, until interrupted.
func (a *app) runWatch(ctx context.Context) error {
	notifier := folsync.NewNotifier(0, a.orchestrator.Trigger)
	defer notifier.Close()
	a.reconciler = folsync.NewReconciler(a.store, a.client, a.instance.ID, notifier, a.logger)
	a.reconciler.SetPageSize(a.cfg.Sync.PageSize)
	a.queue = folsync.NewMutationQueue(a.store, a.client, a.reconciler, a.instance.ID, a.logger)

	if err := a.orchestrator.Start(ctx); err != nil {
		return err
	}
	defer a.orchestrator.Stop()

	if err := a.reconciler.SyncAll(ctx); err != nil {
		a.logger.Warn("initial sync failed", "error", err)
	}
	if _, err := a.queue.Drain(ctx); err != nil {
		a.logger.Warn("mutation drain failed", "error", err)
	}

	fmt.Println("Watching download queue, Ctrl-C to stop.")
	<-ctx.Done()
	return nil
}

func (a *app) runClear() error {
	if err := a.store.ClearInstance(a.instance.ID); err != nil {
		return err
	}
	if err := a.orchestrator.RemoveInstanceData(); err != nil {
		return err
	}
	fmt.Printf("Cleared cached data for %q\n", a.instance.Name)
	return nil
}
