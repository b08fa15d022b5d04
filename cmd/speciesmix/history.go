package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"go.uber.org/zap"

	"github.com/lox/speciesmix/internal/models"
	"github.com/lox/speciesmix/internal/pipeline"
	"github.com/lox/speciesmix/internal/store"
)

type HistoryCmd struct {
	DB    string `name:"db" help:"SQLite run history." required:"" type:"existingfile"`
	Limit int    `help:"Maximum runs to list." default:"20"`
	ID    string `arg:"" optional:"" name:"run" help:"Show the metrics and stand aggregates of one run."`
	Plots bool   `help:"With a run, also list its plot predictions."`
}

func (c *HistoryCmd) Run(ctx context.Context, logger *zap.Logger) error {
	st, err := store.Open(c.DB, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if c.ID != "" {
		return c.show(st)
	}

	runs, err := st.ListRuns(c.Limit)
	if err != nil {
		return err
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("run", "started", "algorithm", "seed", "calibrated", "train", "valid", "status")
	for _, r := range runs {
		t.Row(r.ID, r.StartedAt.Local().Format(time.DateTime), r.Algorithm,
			strconv.FormatUint(r.Seed, 10), strconv.FormatBool(r.Calibrated),
			strconv.Itoa(r.TrainPlots), strconv.Itoa(r.ValidPlots), r.Status)
	}
	fmt.Fprintln(os.Stdout, t.Render())
	return nil
}

func (c *HistoryCmd) show(st *store.Store) error {
	run, err := st.GetRun(c.ID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", c.ID)
	}
	fmt.Fprintf(os.Stdout, "%s  %s  seed %d  %s\n", run.ID, run.Algorithm, run.Seed, run.Status)
	if run.Error != "" {
		fmt.Fprintln(os.Stdout, run.Error)
		return nil
	}

	byLevel, err := st.GetRunMetrics(run.ID)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, pipeline.MetricsTable(byLevel[store.LevelPlot], byLevel[store.LevelStand], 2))

	stands, err := st.GetStandAggregates(run.ID)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, pipeline.StandsTable(stands, 2))

	if c.Plots {
		records, err := st.GetPlotPredictions(run.ID)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, pipeline.PlotsTable(records, 4))
	}

	cal, err := st.GetCalibration(run.ID)
	if err != nil {
		return err
	}
	if cal != nil {
		for _, class := range models.Classes {
			coef := cal[class]
			fmt.Fprintf(os.Stdout, "calibration %-9s intercept %.4f slope %.4f (n=%d)\n", class, coef.Intercept, coef.Slope, coef.N)
		}
	}
	return nil
}
