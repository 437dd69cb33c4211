package gaps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/exchange"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/retry"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
)

// DefaultScanLimit is how many of the most recent timestamps are scanned.
const DefaultScanLimit = 10000

// Config tunes the healer.
type Config struct {
	// ScanLimit caps RecentTimestamps. Zero uses DefaultScanLimit.
	ScanLimit int
	// PageLimit is the fetch size used while healing. Zero means the exchange maximum.
	PageLimit int
}

// HealReport summarises one Heal call.
type HealReport struct {
	Key          models.SeriesKey `json:"key"`
	GapsFound    int              `json:"gaps_found"`
	GapsHealed   int              `json:"gaps_healed"`
	GapsFailed   int              `json:"gaps_failed"`
	MissingBars  int              `json:"missing_bars"`
	RowsInserted int              `json:"rows_inserted"`
	Fetches      int              `json:"fetches"`
	Duration     time.Duration    `json:"duration"`
}

// Healer detects and re-fetches gaps of one series at a time. It is safe for
// concurrent use on distinct keys.
type Healer struct {
	store    storage.CandleStore
	fetcher  exchange.CandleFetcher
	executor *retry.Executor
	cfg      Config
	logger   *slog.Logger
}

// NewHealer wires the healer to the store, the gateway and the shared executor.
func NewHealer(store storage.CandleStore, fetcher exchange.CandleFetcher, executor *retry.Executor, cfg Config, logger *slog.Logger) *Healer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = DefaultScanLimit
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = models.MaxPageLimit
	}
	cfg.PageLimit = models.ClampLimit(cfg.PageLimit)
	return &Healer{
		store:    store,
		fetcher:  fetcher,
		executor: executor,
		cfg:      cfg,
		logger:   logger.With("component", "gap_healer"),
	}
}

// Detect returns the gaps among the most recent scanLimit timestamps of key.
// A scanLimit <= 0 uses the configured limit.
func (h *Healer) Detect(ctx context.Context, key models.SeriesKey, scanLimit int) ([]models.Gap, error) {
	step, err := models.TimeframeStep(key.Timeframe)
	if err != nil {
		return nil, err
	}
	if scanLimit <= 0 {
		scanLimit = h.cfg.ScanLimit
	}

	timestamps, err := h.store.RecentTimestamps(ctx, key, scanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to read timestamps of %s: %w", key, err)
	}
	return DetectGaps(key, timestamps, step), nil
}

// Heal detects gaps of key and backfills each one. A failing gap is logged
// and counted; the remaining gaps are still attempted. The returned error is
// non-nil only when detection fails or ctx ends.
func (h *Healer) Heal(ctx context.Context, key models.SeriesKey) (*HealReport, error) {
	gaps, err := h.Detect(ctx, key, 0)
	if err != nil {
		return &HealReport{Key: key}, err
	}
	return h.HealGaps(ctx, key, gaps)
}

// HealGaps backfills the given gaps of key.
func (h *Healer) HealGaps(ctx context.Context, key models.SeriesKey, gaps []models.Gap) (*HealReport, error) {
	start := time.Now()
	report := &HealReport{Key: key, GapsFound: len(gaps), MissingBars: TotalMissing(gaps)}
	defer func() { report.Duration = time.Since(start) }()

	if len(gaps) == 0 {
		return report, nil
	}

	step, err := models.TimeframeStep(key.Timeframe)
	if err != nil {
		return report, err
	}

	h.logger.Info("Healing gaps",
		"series", key.String(),
		"gaps", len(gaps),
		"missing_bars", report.MissingBars)

	for _, gap := range gaps {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		inserted, filled, fetches, err := h.healGap(ctx, key, gap, step)
		report.Fetches += fetches
		report.RowsInserted += inserted
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.GapsFailed++
			h.logger.Warn("Gap backfill failed",
				"series", key.String(),
				"gap_start", gap.Start,
				"gap_end", gap.End,
				"error", err)
			continue
		}
		if filled > 0 {
			report.GapsHealed++
		}
	}

	h.logger.Info("Gap healing finished",
		"series", key.String(),
		"gaps_found", report.GapsFound,
		"gaps_healed", report.GapsHealed,
		"gaps_failed", report.GapsFailed,
		"rows_inserted", report.RowsInserted)
	return report, nil
}

// healGap returns the rows written, how many of them fell inside the gap
// itself and the number of fetches made.
func (h *Healer) healGap(ctx context.Context, key models.SeriesKey, gap models.Gap, step time.Duration) (int, int, int, error) {
	windowStart, windowEnd := gap.Window(step)
	since := windowStart
	pair := models.PairKey{Symbol: key.Symbol, Timeframe: key.Timeframe}
	inserted, filled, fetches := 0, 0, 0

	for !since.After(windowEnd) {
		if err := ctx.Err(); err != nil {
			return inserted, filled, fetches, err
		}

		var page []models.Candle
		pageSince := since
		err := h.executor.Do(ctx, retry.Call{Operation: "heal_fetch", Pair: pair}, func(callCtx context.Context) error {
			var fetchErr error
			page, fetchErr = h.fetcher.FetchOHLCV(callCtx, key.Symbol, key.Timeframe, pageSince, h.cfg.PageLimit)
			return fetchErr
		})
		fetches++
		if err != nil {
			return inserted, filled, fetches, err
		}
		if len(page) == 0 {
			break
		}

		clipped := make([]models.Candle, 0, len(page))
		for _, c := range page {
			if c.Timestamp.Before(windowStart) || c.Timestamp.After(windowEnd) {
				continue
			}
			c.Exchange = key.Exchange
			c.Symbol = key.Symbol
			c.Timeframe = key.Timeframe
			if err := c.Validate(); err != nil {
				h.logger.Debug("Dropping malformed candle", "series", key.String(), "ts", c.Timestamp, "error", err)
				continue
			}
			clipped = append(clipped, c)
		}
		if len(clipped) == 0 {
			since = since.Add(step)
			continue
		}

		n, err := h.store.UpsertCandles(ctx, clipped)
		if err != nil {
			return inserted, filled, fetches, err
		}
		inserted += n
		for _, c := range clipped {
			if !c.Timestamp.Before(gap.Start) && !c.Timestamp.After(gap.End) {
				filled++
			}
		}
		since = models.MaxTimestamp(clipped).Add(step)
	}

	if inserted > 0 {
		if err := h.advanceCursor(ctx, key, gap.End); err != nil {
			return inserted, filled, fetches, err
		}
	}
	return inserted, filled, fetches, nil
}

// advanceCursor moves the cursor of key to ts unless it is already at or past ts.
func (h *Healer) advanceCursor(ctx context.Context, key models.SeriesKey, ts time.Time) error {
	current, ok, err := h.store.GetLastTS(ctx, key)
	if err != nil {
		return err
	}
	if ok && !current.Before(ts) {
		return nil
	}
	return h.store.UpdateLastTS(ctx, key, ts)
}
