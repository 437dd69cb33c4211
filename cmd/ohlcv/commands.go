package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/collector"
	ingesterrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/exchange"
	"github.com/johnayoung/go-ohlcv-ingest/internal/gaps"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/retry"
	"github.com/johnayoung/go-ohlcv-ingest/internal/status"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
)

const shutdownTimeout = 30 * time.Second

// handleIngest runs one ingestion pass and prints its summary.
func (a *app) handleIngest(ctx context.Context, args []string) error {
	flags, err := parseIngestFlags(args)
	if err != nil {
		return err
	}

	symbols, err := a.resolveSymbols(ctx, flags.Symbols, flags.Top)
	if err != nil {
		return err
	}
	timeframes := flags.Timeframes
	if len(timeframes) == 0 {
		timeframes = a.cfg.Ingestion.Timeframes
	}

	var hub *status.Hub
	if a.cfg.Status.Enabled {
		hub = status.NewHub(a.logs.GetLogger())
	}
	orch := a.orchestrator(hub)
	if hub != nil {
		srv, errCh := a.startStatus(a.cfg.Status.Addr, orch, nil, hub)
		defer a.stopStatus(srv, errCh)
	}

	result, err := orch.Run(ctx, collector.RunRequest{
		Symbols:    symbols,
		Timeframes: timeframes,
		StartTS:    flags.Start,
		EndTS:      flags.End,
	})
	if result != nil {
		if flags.JSON {
			printJSON(result)
		} else {
			printRunResult(result)
		}
	}
	if err != nil {
		return err
	}
	if result.Failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", result.Failed, len(result.Jobs))
	}
	return nil
}

// handleSchedule runs ingestion on a cron schedule until interrupted.
func (a *app) handleSchedule(ctx context.Context, args []string) error {
	flags, err := parseScheduleFlags(args)
	if err != nil {
		return err
	}
	spec := flags.Spec
	if spec == "" {
		spec = a.cfg.Scheduler.Spec
	}

	var hub *status.Hub
	if a.cfg.Status.Enabled {
		hub = status.NewHub(a.logs.GetLogger())
	}
	orch := a.orchestrator(hub)

	sched, err := a.newScheduler(spec, orch, flags.Symbols, flags.Timeframes, flags.Top)
	if err != nil {
		return err
	}
	if hub != nil {
		srv, errCh := a.startStatus(a.cfg.Status.Addr, orch, sched, hub)
		defer a.stopStatus(srv, errCh)
	}

	sched.Start(ctx)
	if flags.Now {
		go sched.TriggerNow()
	}

	fmt.Printf("Scheduler running with %q, press Ctrl+C to stop\n", spec)
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		return fmt.Errorf("scheduler did not stop cleanly: %w", err)
	}
	stats := sched.GetStats()
	fmt.Printf("Scheduler stopped after %d runs (%d skipped, %d failed)\n", stats.Runs, stats.Skipped, stats.Failed)
	return nil
}

// handleServe runs the status server, plus the scheduler when enabled.
func (a *app) handleServe(ctx context.Context, args []string) error {
	flags, err := parseServeFlags(args)
	if err != nil {
		return err
	}
	addr := flags.Addr
	if addr == "" {
		addr = a.cfg.Status.Addr
	}

	hub := status.NewHub(a.logs.GetLogger())
	var (
		runs  status.RunSource
		sched *collector.Scheduler
	)
	if a.cfg.Scheduler.Enabled {
		orch := a.orchestrator(hub)
		sched, err = a.newScheduler(a.cfg.Scheduler.Spec, orch, nil, nil, 0)
		if err != nil {
			return err
		}
		runs = orch
		sched.Start(ctx)
	}

	var schedSource status.SchedulerSource
	if sched != nil {
		schedSource = sched
	}
	srv, errCh := a.startStatus(addr, runs, schedSource, hub)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if sched != nil {
		if err := sched.Stop(stopCtx); err != nil {
			a.logger.Warn("Scheduler did not stop cleanly", "error", err)
		}
	}
	return srv.Shutdown(stopCtx)
}

// handleGaps reports gaps of one series and heals them unless told not to.
func (a *app) handleGaps(ctx context.Context, args []string) error {
	flags, err := parseGapsFlags(args)
	if err != nil {
		return err
	}
	if !models.IsValidTimeframe(flags.Timeframe) {
		return usagef("unsupported timeframe %q", flags.Timeframe)
	}
	key := models.SeriesKey{Exchange: a.gateway.Name(), Symbol: flags.Symbol, Timeframe: flags.Timeframe}

	scan := flags.Lookback
	if scan == 0 {
		scan = a.cfg.Ingestion.HealScanLimit
	}
	healer := gaps.NewHealer(a.store, a.gateway, a.executor(), gaps.Config{
		ScanLimit: scan,
		PageLimit: a.cfg.Ingestion.BatchSize,
	}, a.logs.GetLogger())

	found, err := healer.Detect(ctx, key, scan)
	if err != nil {
		return ingesterrors.Persistence("cli", "detect_gaps", err)
	}
	printGaps(key, found)
	if len(found) == 0 || flags.NoBackfill {
		return nil
	}

	report, err := healer.HealGaps(ctx, key, found)
	if report != nil {
		a.metrics.RecordHeal(key, report.GapsFound, report.GapsHealed, report.GapsFailed, report.RowsInserted)
		printHealReport(report)
	}
	if err != nil {
		return err
	}
	if report.GapsFailed > 0 {
		return fmt.Errorf("%d of %d gaps could not be healed", report.GapsFailed, report.GapsFound)
	}
	return nil
}

// handleSymbols prints the discovered symbol universe.
func (a *app) handleSymbols(ctx context.Context, args []string) error {
	flags, err := parseSymbolsFlags(args)
	if err != nil {
		return err
	}
	quote := flags.Quote
	if quote == "" {
		quote = a.cfg.Exchange.Quote
	}
	n := flags.Top
	if n == 0 {
		n = a.cfg.Exchange.TopSymbols
	}

	symbols, err := a.discover(ctx, quote, n)
	if err != nil {
		return err
	}
	fmt.Printf("Top %d %s symbols on %s by 24h quote volume:\n", len(symbols), quote, a.gateway.Name())
	for i, s := range symbols {
		fmt.Printf("%4d  %s\n", i+1, s)
	}
	return nil
}

// handleQuery prints stored candles of one series.
func (a *app) handleQuery(ctx context.Context, args []string) error {
	flags, err := parseQueryFlags(args)
	if err != nil {
		return err
	}
	if !models.IsValidTimeframe(flags.Timeframe) {
		return usagef("unsupported timeframe %q", flags.Timeframe)
	}

	req := storage.QueryRequest{
		Key:        models.SeriesKey{Exchange: a.gateway.Name(), Symbol: flags.Symbol, Timeframe: flags.Timeframe},
		Limit:      flags.Limit,
		Descending: flags.Descending,
	}
	if flags.Start != nil {
		req.Start = *flags.Start
	}
	if flags.End != nil {
		req.End = *flags.End
	}

	result, err := a.store.Query(ctx, req)
	if err != nil {
		return err
	}

	switch flags.Format {
	case "json":
		return outputJSON(os.Stdout, result.Candles)
	case "csv":
		return outputCSV(os.Stdout, result.Candles)
	default:
		fmt.Printf("Query Results for %s (%s): %d of %d candles in %v\n\n",
			req.Key.Symbol, req.Key.Timeframe, len(result.Candles), result.Total, result.QueryTime)
		if len(result.Candles) == 0 {
			fmt.Println("No data found for the specified criteria.")
			return nil
		}
		return outputTable(os.Stdout, result.Candles)
	}
}

// resolveSymbols picks explicit symbols, then configured ones, then discovery.
func (a *app) resolveSymbols(ctx context.Context, explicit []string, top int) ([]string, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}
	if len(a.cfg.Exchange.Symbols) > 0 {
		out := make([]string, len(a.cfg.Exchange.Symbols))
		for i, s := range a.cfg.Exchange.Symbols {
			out[i] = exchange.NormalizeSymbol(s)
		}
		return out, nil
	}
	if top == 0 {
		top = a.cfg.Exchange.TopSymbols
	}
	return a.discover(ctx, a.cfg.Exchange.Quote, top)
}

// discover ranks symbols through the shared limiter. An empty result is a
// configuration error since no run can start without symbols.
func (a *app) discover(ctx context.Context, quote string, n int) ([]string, error) {
	var symbols []string
	err := a.executor().Do(ctx, retry.Call{Operation: "top_symbols"}, func(callCtx context.Context) error {
		var err error
		symbols, err = a.gateway.TopSymbols(callCtx, quote, n)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return nil, ingesterrors.Configuration("cli", "no %s symbols discovered on %s", quote, a.gateway.Name())
	}
	a.logger.Info("Discovered symbols", "quote", quote, "count", len(symbols))
	return symbols, nil
}

// executor builds a retry executor on the shared limiter for calls made
// outside a run.
func (a *app) executor() *retry.Executor {
	in := a.cfg.Ingestion
	return retry.NewExecutor(retry.Config{
		RetryAttempts: in.RetryAttempts,
		BaseCooldown:  retry.BaseCooldown(in.RequestCooldown),
		MaxCooldown:   in.MaxCooldown,
		CallTimeout:   in.RequestTimeout,
	}, a.limiter, nil, a.logs.GetComponentLogger("retry"), a.metrics)
}

// newScheduler binds spec to orch. Symbols are resolved on every tick so
// that discovery follows the market.
func (a *app) newScheduler(spec string, orch *collector.Orchestrator, symbols, timeframes []string, top int) (*collector.Scheduler, error) {
	if len(timeframes) == 0 {
		timeframes = a.cfg.Ingestion.Timeframes
	}
	request := func(ctx context.Context) (collector.RunRequest, error) {
		resolved, err := a.resolveSymbols(ctx, symbols, top)
		if err != nil {
			return collector.RunRequest{}, err
		}
		return collector.RunRequest{Symbols: resolved, Timeframes: timeframes}, nil
	}
	sched, err := collector.NewScheduler(spec, orch, request, a.logs.GetLogger())
	if err != nil {
		return nil, ingesterrors.New(ingesterrors.ErrorTypeConfiguration, "cli", "schedule", err)
	}
	return sched, nil
}

// startStatus serves the status API in the background. runs and sched may be nil.
func (a *app) startStatus(addr string, runs status.RunSource, sched status.SchedulerSource, hub *status.Hub) (*status.Server, <-chan error) {
	deps := status.Deps{
		Runs:      runs,
		Progress:  a.progress,
		Storage:   a.store,
		Scheduler: sched,
		Hub:       hub,
	}
	if a.cfg.Metrics.Enabled {
		deps.Metrics = a.metrics.Handler()
	}
	srv := status.NewServer(status.Config{
		Addr:        addr,
		MetricsPath: a.cfg.Metrics.Path,
		Version:     Version,
	}, deps, a.logs.GetLogger())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			a.logger.Error("Status server failed", "error", err)
			errCh <- err
		}
		close(errCh)
	}()
	return srv, errCh
}

func (a *app) stopStatus(srv *status.Server, errCh <-chan error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.logger.Warn("Status server shutdown failed", "error", err)
	}
	<-errCh
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to encode output: %v\n", err)
	}
}
