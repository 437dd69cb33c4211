package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/exchange"
)

// GlobalFlags are accepted by every command.
type GlobalFlags struct {
	ConfigPath string
	EnvFile    string
	LogLevel   string
	Help       bool
}

// IngestFlags represents flags for the ingest command
type IngestFlags struct {
	Symbols    []string
	Timeframes []string
	Top        int
	Start      *time.Time
	End        *time.Time
	JSON       bool
}

// ScheduleFlags represents flags for the schedule command
type ScheduleFlags struct {
	Spec       string
	Symbols    []string
	Timeframes []string
	Top        int
	Now        bool
}

// ServeFlags represents flags for the serve command
type ServeFlags struct {
	Addr string
}

// GapsFlags represents flags for the gaps command
type GapsFlags struct {
	Symbol     string
	Timeframe  string
	Lookback   int
	NoBackfill bool
}

// SymbolsFlags represents flags for the symbols command
type SymbolsFlags struct {
	Quote string
	Top   int
}

// QueryFlags represents flags for the query command
type QueryFlags struct {
	Symbol     string
	Timeframe  string
	Start      *time.Time
	End        *time.Time
	Limit      int
	Format     string
	Descending bool
}

// parseGlobalFlags extracts the global flags from args and returns the rest.
func parseGlobalFlags(args []string) (*GlobalFlags, []string, error) {
	flags := &GlobalFlags{
		ConfigPath: envOr("OHLCV_CONFIG_FILE", DefaultConfigFile),
		EnvFile:    envOr("OHLCV_ENV_FILE", DefaultEnvFile),
	}

	var rest []string
	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--config", "-c":
			flags.ConfigPath, err = value(args, &i)
		case "--env-file":
			flags.EnvFile, err = value(args, &i)
		case "--log-level":
			flags.LogLevel, err = value(args, &i)
		case "--help", "-h":
			flags.Help = true
		default:
			rest = append(rest, args[i])
		}
		if err != nil {
			return nil, nil, err
		}
	}
	return flags, rest, nil
}

// parseIngestFlags parses command line arguments for the ingest command
func parseIngestFlags(args []string) (*IngestFlags, error) {
	flags := &IngestFlags{}
	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--symbols", "-s":
			flags.Symbols, err = symbolList(args, &i)
		case "--timeframes", "-t":
			flags.Timeframes, err = list(args, &i)
		case "--top":
			flags.Top, err = intValue(args, &i)
		case "--start":
			flags.Start, err = timeValue(args, &i)
		case "--end":
			flags.End, err = timeValue(args, &i)
		case "--json":
			flags.JSON = true
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}
	return flags, nil
}

// parseScheduleFlags parses command line arguments for the schedule command
func parseScheduleFlags(args []string) (*ScheduleFlags, error) {
	flags := &ScheduleFlags{}
	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--spec":
			flags.Spec, err = value(args, &i)
		case "--symbols", "-s":
			flags.Symbols, err = symbolList(args, &i)
		case "--timeframes", "-t":
			flags.Timeframes, err = list(args, &i)
		case "--top":
			flags.Top, err = intValue(args, &i)
		case "--now":
			flags.Now = true
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}
	return flags, nil
}

// parseServeFlags parses command line arguments for the serve command
func parseServeFlags(args []string) (*ServeFlags, error) {
	flags := &ServeFlags{}
	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--addr":
			flags.Addr, err = value(args, &i)
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}
	return flags, nil
}

// parseGapsFlags parses command line arguments for the gaps command
func parseGapsFlags(args []string) (*GapsFlags, error) {
	flags := &GapsFlags{}
	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--symbol", "-s":
			var s string
			s, err = value(args, &i)
			flags.Symbol = exchange.NormalizeSymbol(s)
		case "--timeframe", "-t":
			flags.Timeframe, err = value(args, &i)
		case "--lookback", "-l":
			flags.Lookback, err = intValue(args, &i)
		case "--no-backfill":
			flags.NoBackfill = true
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}
	if flags.Symbol == "" || flags.Timeframe == "" {
		return nil, usagef("--symbol and --timeframe are required")
	}
	return flags, nil
}

// parseSymbolsFlags parses command line arguments for the symbols command
func parseSymbolsFlags(args []string) (*SymbolsFlags, error) {
	flags := &SymbolsFlags{}
	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--quote", "-q":
			flags.Quote, err = value(args, &i)
			flags.Quote = strings.ToUpper(flags.Quote)
		case "--top", "-n":
			flags.Top, err = intValue(args, &i)
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}
	return flags, nil
}

// parseQueryFlags parses command line arguments for the query command
func parseQueryFlags(args []string) (*QueryFlags, error) {
	flags := &QueryFlags{
		Limit:  100,
		Format: "table",
	}
	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--symbol", "-s":
			var s string
			s, err = value(args, &i)
			flags.Symbol = exchange.NormalizeSymbol(s)
		case "--timeframe", "-t":
			flags.Timeframe, err = value(args, &i)
		case "--start":
			flags.Start, err = timeValue(args, &i)
		case "--end":
			flags.End, err = timeValue(args, &i)
		case "--limit", "-l":
			flags.Limit, err = intValue(args, &i)
		case "--format", "-f":
			flags.Format, err = value(args, &i)
			if err == nil && flags.Format != "json" && flags.Format != "csv" && flags.Format != "table" {
				err = usagef("invalid format, must be: json, csv, or table")
			}
		case "--desc":
			flags.Descending = true
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}
	if flags.Symbol == "" || flags.Timeframe == "" {
		return nil, usagef("--symbol and --timeframe are required")
	}
	return flags, nil
}

func value(args []string, i *int) (string, error) {
	name := args[*i]
	if *i+1 >= len(args) {
		return "", usagef("%s requires a value", name)
	}
	*i++
	return args[*i], nil
}

func intValue(args []string, i *int) (int, error) {
	name := args[*i]
	raw, err := value(args, i)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, usagef("invalid %s value %q", name, raw)
	}
	return n, nil
}

func list(args []string, i *int) ([]string, error) {
	raw, err := value(args, i)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out, nil
}

func symbolList(args []string, i *int) ([]string, error) {
	symbols, err := list(args, i)
	for j := range symbols {
		symbols[j] = exchange.NormalizeSymbol(symbols[j])
	}
	return symbols, err
}

// timeValue accepts RFC3339 or a plain YYYY-MM-DD date in UTC.
func timeValue(args []string, i *int) (*time.Time, error) {
	name := args[*i]
	raw, err := value(args, i)
	if err != nil {
		return nil, err
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, usagef("invalid %s value %q, use YYYY-MM-DD or RFC3339", name, raw)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
