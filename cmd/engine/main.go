package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/betwatch/prediction-engine/internal/config"
	"github.com/betwatch/prediction-engine/internal/supervisor"
)

const usage = `usage: engine <mode>

modes:
  all                 run both pipelines (default)
  history             run the historical backfill pipeline only
  realtime            run the live pipeline and fan-out only
  range <from> <to>   process one epoch interval and exit
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	logger := newLogger()

	mode := "all"
	if len(args) > 0 {
		mode = args[0]
	}

	var sel supervisor.Mode
	switch mode {
	case "all":
		sel = supervisor.Mode{Historical: true, Realtime: true}
	case "history":
		sel = supervisor.Mode{Historical: true}
	case "realtime":
		sel = supervisor.Mode{Realtime: true}
	case "range":
	default:
		fmt.Fprint(os.Stderr, usage)
		return 1
	}

	var from, to int64
	if mode == "range" {
		if len(args) != 3 {
			fmt.Fprint(os.Stderr, usage)
			return 1
		}
		var err1, err2 error
		from, err1 = strconv.ParseInt(args[1], 10, 64)
		to, err2 = strconv.ParseInt(args[2], 10, 64)
		if err1 != nil || err2 != nil {
			fmt.Fprint(os.Stderr, usage)
			return 1
		}
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error().Err(err).Msg("configuration error")
		return 1
	}

	ctx := context.Background()
	sup, err := supervisor.New(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return 2
	}

	if mode == "range" {
		report, err := sup.RunRange(ctx, from, to)
		if err != nil {
			logger.Error().Err(err).Msg("range run failed")
			return 2
		}
		logger.Info().
			Int("committed", report.Committed).
			Int("skipped", report.Skipped).
			Int("quarantined", report.Quarantined).
			Int("failed", report.Failed).
			Msg("range run complete")
		return 0
	}

	if err := sup.Run(ctx, sel); err != nil {
		logger.Error().Err(err).Msg("engine exited with error")
		return 2
	}
	return 0
}

// newLogger builds the root zerolog logger. LOG_LEVEL accepts the usual
// zerolog level names; LOG_PRETTY=1 switches to the console writer for
// local runs.
func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if parsed, err := zerolog.ParseLevel(v); err == nil {
			level = parsed
		}
	}
	var logger zerolog.Logger
	if os.Getenv("LOG_PRETTY") == "1" {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
