// Command offline-cache is an offline-first caching gateway for a storefront.
// It sits between client pages and the origin, keeps the app shell and API
// reads available through outages, and replays deferred writes on reconnect.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error" env:"OFFLINE_CACHE_LOG_LEVEL"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json" env:"OFFLINE_CACHE_LOG_FORMAT"`
}

// CLI is the command line of offline-cache.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Print version and exit."`

	Serve      ServeCmd      `cmd:"" default:"withargs" help:"Run the gateway."`
	Partitions PartitionsCmd `cmd:"" help:"List the partitions in a cache database."`
	Outbox     OutboxCmd     `cmd:"" help:"List deferred writes waiting for replay."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("offline-cache"),
		kong.Description("Offline-first caching gateway."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	kctx.FatalIfErrorf(kctx.Run(&cli.Globals, logger))
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.DateTime,
		})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
