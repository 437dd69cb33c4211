package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/collector"
	"github.com/johnayoung/go-ohlcv-ingest/internal/gaps"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

func printRunResult(r *collector.RunResult) {
	fmt.Println(r.String())
	if len(r.Jobs) == 0 {
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tTIMEFRAME\tSTATE\tFETCHES\tINSERTED\tDROPPED\tHEALED\tDURATION\tERROR")
	for _, j := range r.Jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			j.Symbol, j.Timeframe, j.State, j.Fetches, j.Inserted, j.Dropped, j.Healed,
			j.Duration.Round(time.Millisecond), j.Error)
	}
	w.Flush()
}

func printGaps(key models.SeriesKey, found []models.Gap) {
	if len(found) == 0 {
		fmt.Printf("No gaps found in %s\n", key)
		return
	}
	fmt.Printf("Found %d gaps (%d missing bars) in %s\n", len(found), gaps.TotalMissing(found), key)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "START\tEND\tMISSING")
	for _, g := range found {
		fmt.Fprintf(w, "%s\t%s\t%d\n", g.Start.Format(time.RFC3339), g.End.Format(time.RFC3339), g.MissingBars)
	}
	w.Flush()
}

func printHealReport(r *gaps.HealReport) {
	fmt.Printf("Healed %d of %d gaps (%d failed), %d rows written in %d fetches, took %s\n",
		r.GapsHealed, r.GapsFound, r.GapsFailed, r.RowsInserted, r.Fetches, r.Duration.Round(time.Millisecond))
}

// outputJSON formats candles as indented JSON
func outputJSON(w io.Writer, candles []models.Candle) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(candles)
}

// outputCSV formats candles as CSV
func outputCSV(w io.Writer, candles []models.Candle) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "exchange", "symbol", "timeframe", "open", "high", "low", "close", "volume", "taker_buy_quote", "taker_sell_quote"}); err != nil {
		return err
	}
	for _, c := range candles {
		if err := cw.Write([]string{
			c.Timestamp.UTC().Format(time.RFC3339),
			c.Exchange, c.Symbol, c.Timeframe,
			c.Open, c.High, c.Low, c.Close, c.Volume,
			deref(c.TakerBuyQuote), deref(c.TakerSellQuote),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// outputTable formats candles as an aligned table
func outputTable(w io.Writer, candles []models.Candle) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tOPEN\tHIGH\tLOW\tCLOSE\tVOLUME")
	for _, c := range candles {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.Timestamp.UTC().Format("2006-01-02 15:04"),
			truncateDecimal(c.Open, 12),
			truncateDecimal(c.High, 12),
			truncateDecimal(c.Low, 12),
			truncateDecimal(c.Close, 12),
			truncateDecimal(c.Volume, 14))
	}
	return tw.Flush()
}

// truncateDecimal truncates decimal string to specified length
func truncateDecimal(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// printUsage prints the main usage information
func printUsage() {
	fmt.Printf(`%s - OHLCV ingestion CLI v%s

USAGE:
    %s <command> [options]

COMMANDS:
    ingest      Run one ingestion pass over symbols x timeframes
    schedule    Run ingestion on a cron schedule until interrupted
    serve       Serve the status API (and the scheduler when enabled)
    gaps        Detect and optionally heal gaps in one series
    symbols     List the top symbols by 24h quote volume
    query       Query and display stored candles
    version     Show version information

GLOBAL OPTIONS:
    --config, -c <path>   Config file, YAML or JSON (default: %s, env OHLCV_CONFIG_FILE)
    --env-file <path>     Dotenv file loaded before the environment (default: %s)
    --log-level <level>   Override logging.level (debug, info, warn, error)
    --help, -h            Show help information

EXAMPLES:
    # Ingest the configured timeframes for two symbols
    %s ingest --symbols BTC/USDT,ETH/USDT

    # Ingest the top 50 USDT symbols every minute, starting now
    %s schedule --top 50 --now

    # Check and heal gaps in BTC/USDT 1m data
    %s gaps --symbol BTC/USDT --timeframe 1m

CONFIGURATION:
    Defaults, then the config file, then the env file, then OHLCV_* variables
    (e.g. OHLCV_STORAGE_TYPE, OHLCV_DATABASE_URL, OHLCV_REDIS_ADDR).

EXIT CODES:
    0 success, 1 failure, 2 usage, 3 configuration, 4 storage, 130 interrupted

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, DefaultConfigFile, DefaultEnvFile, AppName, AppName, AppName, AppName)
}

// printCommandHelp prints detailed help for a specific command
func printCommandHelp(command string) {
	switch command {
	case "ingest":
		fmt.Printf(`%s ingest - Run one ingestion pass

USAGE:
    %s ingest [options]

OPTIONS:
    --symbols, -s <list>      Comma separated symbols, BTC/USDT or BTCUSDT
                              (default: exchange.symbols, else discovery)
    --timeframes, -t <list>   Comma separated timeframes (default: ingestion.timeframes)
    --top <n>                 Discover the top n symbols when none are given
    --start <time>            Start of series without a cursor (YYYY-MM-DD or RFC3339)
    --end <time>              Stop persisting after this time
    --json                    Print the run result as JSON

NOTES:
    - Series with a cursor resume after it; --start only applies to new series
    - A failing series never stops the others; the exit code is 1 if any failed
`, AppName, AppName)

	case "schedule":
		fmt.Printf(`%s schedule - Run ingestion on a cron schedule

USAGE:
    %s schedule [options]

OPTIONS:
    --spec <cron>             Cron expression or descriptor (default: scheduler.spec)
                              Examples: "@every 1m", "*/5 * * * *"
    --symbols, -s <list>      Fixed symbols; otherwise resolved on every tick
    --timeframes, -t <list>   Timeframes (default: ingestion.timeframes)
    --top <n>                 Discovery size when no symbols are configured
    --now                     Trigger a run immediately

NOTES:
    - A tick that fires while a run is active is skipped
    - Press Ctrl+C to stop gracefully
`, AppName, AppName)

	case "serve":
		fmt.Printf(`%s serve - Serve the status API

USAGE:
    %s serve [options]

OPTIONS:
    --addr <addr>             Listen address (default: status.addr)

ROUTES:
    GET /healthz              Storage health
    GET /status               Latest run with per series states
    GET /runs/:id             Stored snapshot of one run
    GET /ws                   WebSocket stream of status.update messages
    GET /metrics              Prometheus exposition (when metrics.enabled)
`, AppName, AppName)

	case "gaps":
		fmt.Printf(`%s gaps - Detect and heal gaps

USAGE:
    %s gaps [options]

OPTIONS:
    --symbol, -s <symbol>     Symbol to analyze (required)
    --timeframe, -t <tf>      Timeframe to analyze (required)
    --lookback, -l <n>        Number of recent timestamps to scan
                              (default: ingestion.heal_scan_limit)
    --no-backfill             Only report gaps
`, AppName, AppName)

	case "symbols":
		fmt.Printf(`%s symbols - List top symbols

USAGE:
    %s symbols [options]

OPTIONS:
    --quote, -q <asset>       Quote asset (default: exchange.quote)
    --top, -n <n>             Number of symbols (default: exchange.top_symbols)

NOTES:
    - Stablecoin bases and leveraged tokens are excluded
`, AppName, AppName)

	case "query":
		fmt.Printf(`%s query - Query stored candles

USAGE:
    %s query [options]

OPTIONS:
    --symbol, -s <symbol>     Symbol to query (required)
    --timeframe, -t <tf>      Timeframe to query (required)
    --start <time>            Inclusive start (YYYY-MM-DD or RFC3339)
    --end <time>              Exclusive end
    --limit, -l <n>           Maximum rows, 0 for all (default: 100)
    --format, -f <format>     table, json or csv (default: table)
    --desc                    Newest first
`, AppName, AppName)

	default:
		fmt.Fprintf(os.Stderr, "No help available for command: %s\n", command)
		printUsage()
	}
}
