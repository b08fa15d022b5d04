package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lox/speciesmix/internal/pipeline"
)

type Globals struct {
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log encoding." default:"console" enum:"console,json"`
}

type CLI struct {
	Globals

	EnvFile kongdotenv.ENVFileConfig `kong:"optional,name=env-file,default='.env',help='Path to a .env file.'"`

	Run     RunCmd     `cmd:"" help:"Train, predict and verify species proportions."`
	Schema  SchemaCmd  `cmd:"" help:"Inspect and derive feature schemas."`
	History HistoryCmd `cmd:"" help:"List recorded runs."`
}

func newLogger(g *Globals) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(g.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = g.LogFormat
	if g.LogFormat == "console" {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	return cfg.Build()
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("speciesmix"),
		kong.Description("Predict tree species volume proportions of forest plots from remote sensing features."),
		kong.DefaultEnvars("SPECIESMIX"),
		kong.UsageOnError(),
	)

	logger, err := newLogger(&cli.Globals)
	kctx.FatalIfErrorf(err)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	err = kctx.Run(logger)
	if err != nil {
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			fmt.Fprintf(os.Stderr, "speciesmix: %s failed: %v\n", stageErr.Stage, stageErr.Err)
			os.Exit(1)
		}
		kctx.FatalIfErrorf(err)
	}
}
