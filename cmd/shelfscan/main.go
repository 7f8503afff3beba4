package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"shelfscan/pkg/api"
	"shelfscan/pkg/camera"
	"shelfscan/pkg/config"
	opctx "shelfscan/pkg/context"
	"shelfscan/pkg/decoder"
	"shelfscan/pkg/history"
	"shelfscan/pkg/inventory"
	"shelfscan/pkg/label"
	"shelfscan/pkg/log"
	"shelfscan/pkg/metrics"
	"shelfscan/pkg/result"
	"shelfscan/pkg/scanner"
	"shelfscan/pkg/store"
)

const usage = `usage: shelfscan <command> [flags] [args]

commands:
  scan             interactive scanner console
  serve            HTTP control API
  label <barcode> [name]
                   write a label PDF into -pics
  report [runs]    run scan sessions back to back and write timing CSVs into -results
`

// App wires the scanner to its camera, decoders and result handling.
type App struct {
	config     *config.Config
	camera     camera.Source
	store      store.Store
	resolver   *inventory.Resolver
	history    *history.History
	controller *scanner.Controller
	registry   *prometheus.Registry
	analyzer   *metrics.Analyzer
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]
	cfg := config.NewConfig(os.Args[2:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch command {
	case "scan":
		err = runScan(ctx, cfg)
	case "serve":
		err = runServe(ctx, cfg)
	case "label":
		err = runLabel(cfg)
	case "report":
		err = runReport(ctx, cfg)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", command, err)
	}
}

// NewApp creates every component the commands share. namer may be nil.
func NewApp(ctx context.Context, cfg *config.Config, namer inventory.Namer, hooks scanner.Hooks) (*App, error) {
	log.Debug("Initializing camera, decoders and product store")
	a := &App{
		config:   cfg,
		registry: prometheus.NewRegistry(),
		analyzer: metrics.NewAnalyzer(),
	}

	var err error
	if a.camera, err = camera.New(cfg); err != nil {
		return nil, err
	}
	op := opctx.NewContext(cfg, nil)
	cascade, err := decoder.NewFromConfig(op, decoder.DefaultDetector(cfg))
	if err != nil {
		return nil, err
	}
	if a.history, err = history.NewFromConfig(cfg); err != nil {
		return nil, err
	}
	if a.store, err = store.New(ctx, cfg); err != nil {
		return nil, err
	}

	a.resolver = inventory.NewResolver(cfg, a.store, namer, nil)
	a.controller = scanner.New(cfg, a.camera, cascade, a.resolver, a.history,
		scanner.WithHooks(hooks),
		scanner.WithCounters(metrics.NewScanCounters(a.registry)),
		scanner.WithAnalyzer(a.analyzer),
	)
	log.Info("Scanner ready: camera %s, engines %s", a.camera.Name(), cfg.Engines)
	return a, nil
}

// Close stops any running session and releases the store.
func (a *App) Close() {
	if err := a.controller.StopScan(context.Background()); err != nil {
		log.Error("Stopping scanner: %v", err)
	}
	a.store.Close()
}

func runServe(ctx context.Context, cfg *config.Config) error {
	app, err := NewApp(ctx, cfg, nil, scanner.Hooks{
		OnFatalError: func(err error) { log.Error("Scan failed: %v", err) },
		OnError:      func(err error) { log.Error("Scan not recorded: %v", err) },
	})
	if err != nil {
		return err
	}
	defer app.Close()

	handler := api.NewHandler(app.controller, app.resolver, app.registry)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.SetupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Listening on %s", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runLabel(cfg *config.Config) error {
	if len(cfg.Args) < 1 {
		return fmt.Errorf("label needs a barcode")
	}
	l := label.Label{Barcode: cfg.Args[0], Name: strings.Join(cfg.Args[1:], " ")}
	path, err := label.WriteFile(cfg.PicturePath, l)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

// runReport runs sessions back to back, which is mostly useful with the Disk
// camera replaying a directory of labels.
func runReport(ctx context.Context, cfg *config.Config) error {
	runs := 10
	if len(cfg.Args) > 0 {
		n, err := strconv.Atoi(cfg.Args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid number of runs %q", cfg.Args[0])
		}
		runs = n
	}

	// Every session must reach a terminal state, so repeated labels are
	// not suppressed as duplicates.
	cfg.DuplicateWindow = 0
	app, err := NewApp(ctx, cfg, nil, scanner.Hooks{})
	if err != nil {
		return err
	}
	defer app.Close()

	for run := 0; run < runs; run++ {
		log.Info("----- Starting scan %d of %d -----", run+1, runs)
		if err := app.controller.StartScan(ctx); err != nil {
			log.Error("Scan %d failed: %v", run+1, err)
			continue
		}
		waitCtx, cancel := context.WithTimeout(ctx, cfg.CameraTimeout*2)
		out, err := app.controller.Wait(waitCtx)
		cancel()
		if err != nil {
			log.Error("Scan %d did not resolve: %v", run+1, err)
			_ = app.controller.StopScan(ctx)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		log.Info("Scan %d: %s via %s in %s", run+1, out.Result.Barcode, out.Result.Engine, out.Duration)
	}

	if mem, ok := app.store.(*store.Memory); ok {
		if err := mem.Audit(opctx.NewContext(cfg, nil)); err != nil {
			return fmt.Errorf("transaction audit failed: %w", err)
		}
	}

	analysis := app.analyzer.Analyze()
	writer := result.NewWriter(cfg.ResultsPath, cfg.System, app.camera.Name())
	rawPath, statsPath, err := writer.WriteAllResults(analysis)
	if err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	log.Info("Results written to %s and %s", rawPath, statsPath)

	printConsoleSummary(analysis, app.controller.Stats())
	return nil
}

func printConsoleSummary(res metrics.AnalysisResult, stats scanner.Stats) {
	fmt.Println("\n-------------------------------------------------")
	fmt.Printf("--- Median Phase Times (Per Scan Session) ---\n")
	fmt.Println("-------------------------------------------------")

	phases := []string{metrics.ScanStart, metrics.CameraAcquire, metrics.EngineStart, metrics.ScanFinish, metrics.Resolve, metrics.Teardown}
	for _, phase := range phases {
		if comp, ok := res.Components[phase]; ok {
			if summary, ok := comp.Summaries["WallClock"]; ok {
				fmt.Printf("Median %-18s Time: %s\n", phase, summary.WallClock.P50)
			}
		}
	}
	fmt.Println("-------------------------------------------------")
	fmt.Printf("Attempts: %d  Successes: %d  Failures: %d\n", stats.Attempts, stats.Successes, stats.Failures)
}
