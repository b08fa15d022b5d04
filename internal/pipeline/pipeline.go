// Package pipeline runs one train/predict/verify pass over a pair of plot
// tables. Stages run strictly in order and any failure aborts the run.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lox/speciesmix/internal/aggregate"
	"github.com/lox/speciesmix/internal/calibrate"
	"github.com/lox/speciesmix/internal/compose"
	"github.com/lox/speciesmix/internal/ingest"
	"github.com/lox/speciesmix/internal/metrics"
	"github.com/lox/speciesmix/internal/model"
	"github.com/lox/speciesmix/internal/models"
	"github.com/lox/speciesmix/internal/schema"
	"github.com/lox/speciesmix/internal/store"
	"github.com/lox/speciesmix/internal/verify"
)

type Stage string

const (
	StageLoad      Stage = "load"
	StageSelect    Stage = "select"
	StageTrain     Stage = "train"
	StagePredict   Stage = "predict"
	StageCalibrate Stage = "calibrate"
	StageNormalize Stage = "normalize"
	StageAggregate Stage = "aggregate"
	StageEvaluate  Stage = "evaluate"
	StageOutput    Stage = "output"
)

// StageError names the stage a run failed in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Config is everything a run needs besides the schema.
type Config struct {
	TrainSource    string
	ValidSource    string
	Delimiter      rune
	Algorithm      string
	Model          model.Config
	Calibrate      bool
	ZeroRows       compose.ZeroPolicy
	AllowUndefined bool
	Precision      int
	Outputs        Outputs
}

// Result carries the values produced by a run. The model belongs to the
// result; nothing is kept globally.
type Result struct {
	RunID        string
	Model        model.Model
	Train        *models.PlotTable
	Valid        *models.PlotTable
	Raw          []models.Proportions
	Calibration  *calibrate.Calibration
	Records      []models.Record
	Stands       []models.StandAggregate
	PlotMetrics  models.Metrics
	StandMetrics models.Metrics
	Degenerate   int
}

type Runner struct {
	cfg     Config
	schema  *schema.Schema
	loader  *ingest.Loader
	history *store.Store
	logger  *zap.Logger
}

func NewRunner(cfg Config, s *schema.Schema, logger *zap.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		schema: s,
		loader: ingest.NewLoader(s, logger.Named("ingest")),
		logger: logger.Named("pipeline"),
	}
}

// SetHistory records runs in the given store.
func (r *Runner) SetHistory(s *store.Store) {
	r.history = s
}

func (r *Runner) stage(ctx context.Context, st Stage, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return &StageError{Stage: st, Err: err}
	}
	timer := prometheus.NewTimer(metrics.StageDuration.WithLabelValues(string(st)))
	start := time.Now()
	err := fn()
	timer.ObserveDuration()
	if err != nil {
		return &StageError{Stage: st, Err: err}
	}
	r.logger.Debug("stage complete", zap.String("stage", string(st)), zap.Duration("took", time.Since(start)))
	return nil
}

// Run executes every stage and publishes the configured outputs.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	algorithm := r.cfg.Algorithm
	if algorithm == "" {
		algorithm = model.AlgorithmForest
	}
	run := &models.Run{
		ID:          uuid.NewString(),
		StartedAt:   time.Now().UTC(),
		Algorithm:   algorithm,
		Seed:        r.cfg.Model.Seed,
		Calibrated:  r.cfg.Calibrate,
		TrainSource: r.cfg.TrainSource,
		ValidSource: r.cfg.ValidSource,
	}
	log := r.logger.With(zap.String("run", run.ID))
	log.Info("run started",
		zap.String("algorithm", algorithm),
		zap.Uint64("seed", run.Seed),
		zap.Bool("calibrate", run.Calibrated),
		zap.String("schema", r.schema.Version))

	if r.history != nil {
		if err := r.history.StartRun(run); err != nil {
			return nil, fmt.Errorf("record run: %w", err)
		}
	}

	res, err := r.execute(ctx, run.ID, algorithm)
	if res != nil {
		if res.Train != nil {
			run.TrainPlots = res.Train.Len()
		}
		if res.Valid != nil {
			run.ValidPlots = res.Valid.Len()
		}
	}
	if err == nil {
		err = r.stage(ctx, StageOutput, func() error { return r.publish(res) })
	}

	run.Status = store.StatusOK
	if err != nil {
		run.Status = store.StatusFailed
		run.Error = err.Error()
	}
	metrics.RunsTotal.WithLabelValues(algorithm, run.Status).Inc()

	if r.history != nil {
		if cerr := r.history.CompleteRun(run); cerr != nil {
			log.Error("record run outcome", zap.Error(cerr))
		}
	}
	if err != nil {
		log.Error("run failed", zap.Error(err))
		return nil, err
	}

	log.Info("run complete",
		zap.Int("train_plots", run.TrainPlots),
		zap.Int("valid_plots", run.ValidPlots),
		zap.Int("stands", len(res.Stands)))
	return res, nil
}

func (r *Runner) execute(ctx context.Context, runID, algorithm string) (*Result, error) {
	res := &Result{RunID: runID}

	err := r.stage(ctx, StageLoad, func() error {
		var err error
		res.Train, err = r.loader.Load(ctx, r.cfg.TrainSource, ingest.Options{
			Role: "training", Delimiter: r.cfg.Delimiter, RequireTargets: true,
		})
		if err != nil {
			return err
		}
		res.Valid, err = r.loader.Load(ctx, r.cfg.ValidSource, ingest.Options{
			Role: "validation", Delimiter: r.cfg.Delimiter,
		})
		return err
	})
	if err != nil {
		return res, err
	}

	err = r.stage(ctx, StageSelect, func() error {
		var err error
		res.Train, res.Valid, err = r.schema.Select(res.Train, res.Valid)
		return err
	})
	if err != nil {
		return res, err
	}

	err = r.stage(ctx, StageTrain, func() error {
		reg, err := model.New(algorithm, r.cfg.Model, r.logger)
		if err != nil {
			return err
		}
		res.Model, err = reg.Fit(res.Train.Matrix(), res.Train.Targets())
		return err
	})
	if err != nil {
		return res, err
	}

	var predicted []models.Proportions
	err = r.stage(ctx, StagePredict, func() error {
		var err error
		res.Raw, err = res.Model.Predict(res.Valid.Matrix())
		predicted = res.Raw
		return err
	})
	if err != nil {
		return res, err
	}

	if r.cfg.Calibrate {
		err = r.stage(ctx, StageCalibrate, func() error {
			cal, err := calibrate.Fit(res.Model.OutOfSample(), res.Train.Targets())
			if err != nil {
				return err
			}
			for _, c := range models.Classes {
				r.logger.Info("calibration fitted",
					zap.Stringer("class", c),
					zap.Float64("intercept", cal[c].Intercept),
					zap.Float64("slope", cal[c].Slope))
			}
			res.Calibration = cal
			predicted = cal.Apply(predicted)
			return nil
		})
		if err != nil {
			return res, err
		}
	}

	err = r.stage(ctx, StageNormalize, func() error {
		res.Degenerate = compose.Degenerate(predicted)
		if res.Degenerate > 0 {
			r.logger.Warn("zero-sum prediction rows",
				zap.Int("rows", res.Degenerate),
				zap.Stringer("policy", r.cfg.ZeroRows))
		}
		predicted = compose.Normalize(predicted, r.cfg.ZeroRows)
		return nil
	})
	if err != nil {
		return res, err
	}

	err = r.stage(ctx, StageAggregate, func() error {
		var err error
		res.Records, err = aggregate.Records(res.Valid, predicted)
		if err != nil {
			return err
		}
		res.Stands = aggregate.ByStand(res.Records)
		return nil
	})
	if err != nil {
		return res, err
	}

	err = r.stage(ctx, StageEvaluate, func() error {
		var err error
		res.PlotMetrics, err = verify.Evaluate(res.Records, verify.Options{
			Level: store.LevelPlot, AllowUndefined: r.cfg.AllowUndefined,
		})
		if err != nil {
			return err
		}
		res.StandMetrics, err = verify.Evaluate(aggregate.AsRecords(res.Stands), verify.Options{
			Level: store.LevelStand, AllowUndefined: r.cfg.AllowUndefined,
		})
		if err != nil {
			return err
		}
		for _, c := range models.Classes {
			metrics.RMSE.WithLabelValues(c.String(), store.LevelPlot).Set(res.PlotMetrics[c].RMSE)
			metrics.RMSE.WithLabelValues(c.String(), store.LevelStand).Set(res.StandMetrics[c].RMSE)
			metrics.MeanDiff.WithLabelValues(c.String(), store.LevelPlot).Set(res.PlotMetrics[c].MeanDiff)
			metrics.MeanDiff.WithLabelValues(c.String(), store.LevelStand).Set(res.StandMetrics[c].MeanDiff)
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	return res, nil
}
