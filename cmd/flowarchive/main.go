package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"golang.org/x/exp/slog"
)

const (
	appName   = "flowarchive"
	envPrefix = "FLOWARCHIVE_"
)

var app = &cli.App{
	Name:        appName,
	Usage:       "archive captured http and websocket flows to elasticsearch",
	Description: "flowarchive receives completed flows from a capture proxy, normalizes them into plain JSON documents and posts each one to an elasticsearch index.",
	Commands: []*cli.Command{
		RunCommand,
		NormalizeCommand,
	},
	Flags: commonFlags,
}

func main() {
	ctx := context.Background()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func setupLogging() {
	logLevel := new(slog.LevelVar)
	logLevel.Set(slog.LevelWarn)
	if commonOpts.verbose {
		logLevel.Set(slog.LevelInfo)
	}
	if commonOpts.veryverbose {
		logLevel.Set(slog.LevelDebug)
	}

	if commonOpts.nocolor {
		slog.SetDefault(slog.New(slog.HandlerOptions{Level: logLevel}.NewTextHandler(os.Stderr)))
	} else {
		h := NewInteractiveHandler(os.Stderr)
		h = h.WithLevel(logLevel)
		slog.SetDefault(slog.New(h))
	}
}

var commonOpts struct {
	verbose     bool
	veryverbose bool
	nocolor     bool
}

var commonFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:        "verbose",
		Aliases:     []string{"v"},
		Usage:       "Set logging level more verbose to include info level logs",
		Value:       true,
		Destination: &commonOpts.verbose,
		EnvVars:     []string{envPrefix + "VERBOSE"},
	},
	&cli.BoolFlag{
		Name:        "veryverbose",
		Aliases:     []string{"vv"},
		Usage:       "Set logging level very verbose to include debug level logs",
		Value:       false,
		Destination: &commonOpts.veryverbose,
		EnvVars:     []string{envPrefix + "VERY_VERBOSE"},
	},
	&cli.BoolFlag{
		Name:        "nocolor",
		Usage:       "Use plain, machine readable logs",
		Value:       false,
		Destination: &commonOpts.nocolor,
		EnvVars:     []string{envPrefix + "NOCOLOR"},
	},
}

func flags(fs []cli.Flag) []cli.Flag {
	fs = append(fs, commonFlags...)
	return fs
}
