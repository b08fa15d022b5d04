package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/lox/speciesmix/internal/compose"
	"github.com/lox/speciesmix/internal/model"
	"github.com/lox/speciesmix/internal/pipeline"
	"github.com/lox/speciesmix/internal/schema"
	"github.com/lox/speciesmix/internal/store"
)

type RunCmd struct {
	Train     string `help:"Training table (path, ftp:// or http(s):// URL)." required:"" placeholder:"SOURCE"`
	Valid     string `help:"Validation table (path, ftp:// or http(s):// URL)." required:"" placeholder:"SOURCE"`
	Schema    string `help:"Feature schema YAML; the embedded v1 schema when empty." type:"existingfile"`
	Delimiter string `help:"Column delimiter (a single character or 'tab')." default:","`

	Algorithm string  `help:"Regression algorithm." default:"forest" enum:"forest,compositional"`
	Seed      uint64  `help:"Random seed." default:"42"`
	Trees     int     `help:"Forest size." default:"500"`
	MinLeaf   int     `help:"Minimum plots per forest leaf." default:"5"`
	MTry      int     `name:"mtry" help:"Features tried per split; 0 means a third of them." default:"0"`
	Folds     int     `help:"Cross-fitting folds for out-of-sample predictions of the compositional model." default:"5"`
	Lambda    float64 `help:"L2 penalty of the compositional model." default:"0.001"`

	Calibrate      bool   `help:"Correct predictions with a per-class linear calibration fitted on out-of-sample training predictions."`
	Precision      int    `help:"Decimals used when displaying stand aggregates." default:"2"`
	ZeroRows       string `help:"Handling of prediction rows summing to zero." default:"keep" enum:"keep,uniform"`
	AllowUndefined bool   `help:"Record undefined relative RMSE as NaN instead of failing."`

	Out         string `help:"Per-plot results CSV." default:"results.csv" type:"path"`
	StandsOut   string `help:"Per-stand aggregates CSV." type:"path"`
	Chart       string `help:"Observed vs predicted scatter PNG." type:"path"`
	Card        string `help:"Metrics summary card PNG." type:"path"`
	DB          string `name:"db" help:"SQLite run history; disabled when empty." type:"path"`
	MetricsFile string `help:"Prometheus textfile to write after the run." type:"path"`
}

func (c *RunCmd) Run(ctx context.Context, logger *zap.Logger) error {
	delim, err := parseDelimiter(c.Delimiter)
	if err != nil {
		return err
	}
	zero, err := compose.ParseZeroPolicy(c.ZeroRows)
	if err != nil {
		return err
	}
	s, err := schema.Load(c.Schema)
	if err != nil {
		return err
	}

	mc := model.DefaultConfig()
	mc.Seed = c.Seed
	mc.Trees = c.Trees
	mc.MinLeaf = c.MinLeaf
	mc.MTry = c.MTry
	mc.Folds = c.Folds
	mc.Lambda = c.Lambda

	runner := pipeline.NewRunner(pipeline.Config{
		TrainSource:    c.Train,
		ValidSource:    c.Valid,
		Delimiter:      delim,
		Algorithm:      c.Algorithm,
		Model:          mc,
		Calibrate:      c.Calibrate,
		ZeroRows:       zero,
		AllowUndefined: c.AllowUndefined,
		Precision:      c.Precision,
		Outputs: pipeline.Outputs{
			Results:     c.Out,
			Stands:      c.StandsOut,
			Chart:       c.Chart,
			Card:        c.Card,
			MetricsFile: c.MetricsFile,
		},
	}, s, logger)

	if c.DB != "" {
		history, err := store.Open(c.DB, logger)
		if err != nil {
			return err
		}
		defer history.Close()
		runner.SetHistory(history)
	}

	res, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprint(os.Stdout, pipeline.Summary(res, c.Precision))
	return nil
}

func parseDelimiter(s string) (rune, error) {
	switch s {
	case "tab", `\t`:
		return '\t', nil
	}
	r := []rune(s)
	if len(r) != 1 || r[0] == '"' || r[0] == '\n' || r[0] == '\r' {
		return 0, fmt.Errorf("invalid delimiter %q", s)
	}
	return r[0], nil
}
