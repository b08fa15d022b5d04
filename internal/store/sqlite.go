package store

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/lox/speciesmix/internal/calibrate"
	"github.com/lox/speciesmix/internal/models"
)

const (
	LevelPlot  = "plot"
	LevelStand = "stand"

	StatusRunning = "running"
	StatusOK      = "ok"
	StatusFailed  = "failed"
)

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func New(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger.Named("store")}
}

// Open opens (creating if needed) a SQLite database and migrates it.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// pragmas are per connection
	db.SetMaxOpenConns(1)
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")
	db.Exec("PRAGMA foreign_keys=ON")

	s := New(db, logger)
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	version, err := s.MigrationVersion()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration version: %w", err)
	}
	if version != len(migrations) {
		db.Close()
		return nil, fmt.Errorf("database at schema version %d, expected %d", version, len(migrations))
	}
	s.logger.Debug("database opened", zap.String("path", path), zap.Int("schema_version", version))
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullable(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func value(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// StartRun records a run as running.
func (s *Store) StartRun(run *models.Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.Status = StatusRunning
	_, err := s.db.Exec(`
		INSERT INTO runs (id, started_at, algorithm, seed, calibrated, train_source, valid_source, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt, run.Algorithm, int64(run.Seed), run.Calibrated, run.TrainSource, run.ValidSource, run.Status)
	return err
}

// CompleteRun stores the outcome of a run.
func (s *Store) CompleteRun(run *models.Run) error {
	if run == nil {
		return nil
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now().UTC()
	}
	var errMsg sql.NullString
	if run.Error != "" {
		errMsg = sql.NullString{String: run.Error, Valid: true}
	}
	_, err := s.db.Exec(`
		UPDATE runs SET finished_at = ?, status = ?, error = ?, train_plots = ?, valid_plots = ?
		WHERE id = ?
	`, run.FinishedAt, run.Status, errMsg, run.TrainPlots, run.ValidPlots, run.ID)
	return err
}

const runColumns = `id, started_at, finished_at, algorithm, seed, calibrated, train_source, valid_source, train_plots, valid_plots, status, error`

func scanRun(scan func(dest ...any) error) (*models.Run, error) {
	var run models.Run
	var finished sql.NullTime
	var seed int64
	var trainPlots, validPlots sql.NullInt64
	var errMsg sql.NullString
	if err := scan(&run.ID, &run.StartedAt, &finished, &run.Algorithm, &seed, &run.Calibrated,
		&run.TrainSource, &run.ValidSource, &trainPlots, &validPlots, &run.Status, &errMsg); err != nil {
		return nil, err
	}
	run.Seed = uint64(seed)
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	run.TrainPlots = int(trainPlots.Int64)
	run.ValidPlots = int(validPlots.Int64)
	run.Error = errMsg.String
	return &run, nil
}

// GetRun returns a run by id, or nil if unknown.
func (s *Store) GetRun(id string) (*models.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(limit int) ([]models.Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// Results is everything a finished run produced.
type Results struct {
	Records      []models.Record
	Stands       []models.StandAggregate
	PlotMetrics  models.Metrics
	StandMetrics *models.Metrics
	Calibration  *calibrate.Calibration
}

// SaveResults writes a run's outputs in one transaction.
func (s *Store) SaveResults(runID string, res Results) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, r := range res.Records {
		if _, err := tx.Exec(`
			INSERT INTO plot_predictions (run_id, plot_id, stand_id, obs_s, obs_p, obs_d, pred_s, pred_p, pred_d)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, runID, r.PlotID, r.StandID,
			nullable(r.Observed[models.Spruce]), nullable(r.Observed[models.Pine]), nullable(r.Observed[models.Deciduous]),
			nullable(r.Predicted[models.Spruce]), nullable(r.Predicted[models.Pine]), nullable(r.Predicted[models.Deciduous]),
		); err != nil {
			return fmt.Errorf("insert prediction %s: %w", r.PlotID, err)
		}
	}

	for _, st := range res.Stands {
		if _, err := tx.Exec(`
			INSERT INTO stand_aggregates (run_id, stand_id, plots, obs_s, obs_p, obs_d, pred_s, pred_p, pred_d)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, runID, st.StandID, st.Plots,
			nullable(st.Observed[models.Spruce]), nullable(st.Observed[models.Pine]), nullable(st.Observed[models.Deciduous]),
			nullable(st.Predicted[models.Spruce]), nullable(st.Predicted[models.Pine]), nullable(st.Predicted[models.Deciduous]),
		); err != nil {
			return fmt.Errorf("insert stand %s: %w", st.StandID, err)
		}
	}

	levels := []struct {
		name string
		m    *models.Metrics
	}{
		{LevelPlot, &res.PlotMetrics},
		{LevelStand, res.StandMetrics},
	}
	for _, lvl := range levels {
		if lvl.m == nil {
			continue
		}
		for _, c := range models.Classes {
			cm := lvl.m[c]
			if _, err := tx.Exec(`
				INSERT INTO run_metrics (run_id, level, class, n, mean_diff, rmse, relative_rmse)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, runID, lvl.name, c.String(), cm.N, nullable(cm.MeanDiff), nullable(cm.RMSE), nullable(cm.RelativeRMSE)); err != nil {
				return fmt.Errorf("insert %s metrics: %w", lvl.name, err)
			}
		}
	}

	if res.Calibration != nil {
		for _, c := range models.Classes {
			coef := res.Calibration[c]
			if _, err := tx.Exec(`
				INSERT INTO run_calibration (run_id, class, intercept, slope, n)
				VALUES (?, ?, ?, ?, ?)
			`, runID, c.String(), coef.Intercept, coef.Slope, coef.N); err != nil {
				return fmt.Errorf("insert calibration: %w", err)
			}
		}
	}

	return tx.Commit()
}

func parseClass(name string) (models.Class, bool) {
	for _, c := range models.Classes {
		if c.String() == name {
			return c, true
		}
	}
	return 0, false
}

// GetRunMetrics returns the stored metrics of a run keyed by level.
func (s *Store) GetRunMetrics(runID string) (map[string]models.Metrics, error) {
	rows, err := s.db.Query(`
		SELECT level, class, n, mean_diff, rmse, relative_rmse
		FROM run_metrics WHERE run_id = ?
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]models.Metrics)
	for rows.Next() {
		var level, class string
		var n int
		var diff, rmse, rel sql.NullFloat64
		if err := rows.Scan(&level, &class, &n, &diff, &rmse, &rel); err != nil {
			return nil, err
		}
		c, ok := parseClass(class)
		if !ok {
			return nil, fmt.Errorf("unknown class %q in run_metrics", class)
		}
		m := result[level]
		m[c] = models.ClassMetrics{N: n, MeanDiff: value(diff), RMSE: value(rmse), RelativeRMSE: value(rel)}
		result[level] = m
	}
	return result, rows.Err()
}

// GetCalibration returns the stored calibration of a run, or nil if the run
// was not calibrated.
func (s *Store) GetCalibration(runID string) (*calibrate.Calibration, error) {
	rows, err := s.db.Query(`SELECT class, intercept, slope, n FROM run_calibration WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cal calibrate.Calibration
	found := 0
	for rows.Next() {
		var class string
		var coef calibrate.Coefficients
		if err := rows.Scan(&class, &coef.Intercept, &coef.Slope, &coef.N); err != nil {
			return nil, err
		}
		c, ok := parseClass(class)
		if !ok {
			return nil, fmt.Errorf("unknown class %q in run_calibration", class)
		}
		cal[c] = coef
		found++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if found == 0 {
		return nil, nil
	}
	return &cal, nil
}

// GetPlotPredictions returns a run's plot records in plot id order.
func (s *Store) GetPlotPredictions(runID string) ([]models.Record, error) {
	rows, err := s.db.Query(`
		SELECT plot_id, stand_id, obs_s, obs_p, obs_d, pred_s, pred_p, pred_d
		FROM plot_predictions WHERE run_id = ? ORDER BY plot_id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		var r models.Record
		var obs, pred [models.NumClasses]sql.NullFloat64
		if err := rows.Scan(&r.PlotID, &r.StandID, &obs[0], &obs[1], &obs[2], &pred[0], &pred[1], &pred[2]); err != nil {
			return nil, err
		}
		for k := range models.NumClasses {
			r.Observed[k] = value(obs[k])
			r.Predicted[k] = value(pred[k])
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetStandAggregates returns a run's stand rows in stand id order.
func (s *Store) GetStandAggregates(runID string) ([]models.StandAggregate, error) {
	rows, err := s.db.Query(`
		SELECT stand_id, plots, obs_s, obs_p, obs_d, pred_s, pred_p, pred_d
		FROM stand_aggregates WHERE run_id = ? ORDER BY stand_id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stands []models.StandAggregate
	for rows.Next() {
		var st models.StandAggregate
		var obs, pred [models.NumClasses]sql.NullFloat64
		if err := rows.Scan(&st.StandID, &st.Plots, &obs[0], &obs[1], &obs[2], &pred[0], &pred[1], &pred[2]); err != nil {
			return nil, err
		}
		for k := range models.NumClasses {
			st.Observed[k] = value(obs[k])
			st.Predicted[k] = value(pred[k])
		}
		stands = append(stands, st)
	}
	return stands, rows.Err()
}
