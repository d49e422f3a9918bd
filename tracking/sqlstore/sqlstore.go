// Package sqlstore keeps tracking data in a SQLite database. Importing it
// registers the sqlite:// scheme:
//
//	sqlite:///mlflow.db                       relative path
//	sqlite:////var/lib/mlflow/mlflow.db       absolute path
//	sqlite:///mlflow.db?artifact_root=s3://bucket/mlflow
//
// Without artifact_root, artifacts go to an "mlartifacts" directory next to
// the database file.
package sqlstore

import (
	"context"
	"database/sql"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/pkg/log"
	"github.com/YuminosukeSato/mltrack/tracking"
)

func init() {
	tracking.Register("sqlite", Open)
}

// Store is a tracking.Store backed by SQLite.
type Store struct {
	db           *sql.DB
	artifactRoot string
}

var _ tracking.Store = (*Store)(nil)

// Open opens the database named by a sqlite:// URI and creates the schema.
func Open(ctx context.Context, uri string) (tracking.Store, error) {
	dbPath, artifactRoot, err := parseURI(uri)
	if err != nil {
		return nil, err
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, errors.Wrapf(err, "create database directory for %s", dbPath)
		}
	}
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", dbPath)
	}
	// one writer at a time; SQLite would otherwise report "database is locked"
	db.SetMaxOpenConns(1)

	s := &Store{db: db, artifactRoot: artifactRoot}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.GetLoggerWithName("sqlstore").Debug("sqlite store opened", "path", dbPath, "artifact_root", artifactRoot)
	return s, nil
}

func parseURI(uri string) (dbPath, artifactRoot string, err error) {
	rest, ok := strings.CutPrefix(uri, "sqlite://")
	if !ok {
		return "", "", errors.NewValueError("sqlstore.Open", "URI must start with sqlite://, got "+uri)
	}
	rest, rawQuery, _ := strings.Cut(rest, "?")
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", "", errors.Wrapf(err, "invalid query in %q", uri)
	}
	// sqlite:///relative.db keeps one slash after the authority, sqlite:////abs.db two
	p := strings.TrimPrefix(rest, "/")
	if p == "" || p == ":memory:" {
		dbPath = ":memory:"
	} else {
		dbPath, err = filepath.Abs(filepath.FromSlash(p))
		if err != nil {
			return "", "", errors.Wrapf(err, "resolve %s", p)
		}
	}

	artifactRoot = q.Get("artifact_root")
	if artifactRoot == "" {
		dir := "."
		if dbPath != ":memory:" {
			dir = filepath.Dir(dbPath)
		}
		abs, err := filepath.Abs(filepath.Join(dir, "mlartifacts"))
		if err != nil {
			return "", "", err
		}
		artifactRoot = (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
	}
	return dbPath, strings.TrimRight(artifactRoot, "/"), nil
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "create tracking schema")
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO experiments
			(experiment_id, name, artifact_location, lifecycle_stage, creation_time, last_update_time)
		VALUES (0, ?, ?, 'active', ?, ?)`,
		tracking.DefaultExperimentName, s.artifactRoot+"/0", now, now)
	return errors.Wrap(err, "create default experiment")
}

// Close implements tracking.Store.
func (s *Store) Close() error { return s.db.Close() }

func notFound(op, what string) error {
	return errors.NewTrackingError(op, errors.CodeResourceDoesNotExist, what+" does not exist")
}

func parseExperimentID(op, id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, errors.NewTrackingError(op, errors.CodeInvalidParameterValue, "invalid experiment id "+id)
	}
	return n, nil
}

// ===========================================================================
//
//	Experiments
//
// ===========================================================================

const experimentColumns = `experiment_id, name, artifact_location, lifecycle_stage, creation_time, last_update_time`

func scanExperiment(row *sql.Row) (*tracking.Experiment, error) {
	var (
		id       int64
		exp      tracking.Experiment
		location sql.NullString
		created  sql.NullInt64
		updated  sql.NullInt64
	)
	if err := row.Scan(&id, &exp.Name, &location, &exp.LifecycleStage, &created, &updated); err != nil {
		return nil, err
	}
	exp.ExperimentID = strconv.FormatInt(id, 10)
	exp.ArtifactLocation = location.String
	exp.CreationTime = created.Int64
	exp.LastUpdateTime = updated.Int64
	return &exp, nil
}

// CreateExperiment implements tracking.Store.
func (s *Store) CreateExperiment(ctx context.Context, name, artifactLocation string) (string, error) {
	if name == "" {
		return "", errors.NewTrackingError("CreateExperiment", errors.CodeInvalidParameterValue, "experiment name is empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM experiments WHERE name = ?`, name).Scan(&exists); err != nil {
		return "", errors.Wrap(err, "look up experiment")
	}
	if exists > 0 {
		return "", errors.NewTrackingError("CreateExperiment", errors.CodeResourceAlreadyExists,
			"experiment "+name+" already exists")
	}
	now := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO experiments (name, artifact_location, lifecycle_stage, creation_time, last_update_time)
		VALUES (?, ?, 'active', ?, ?)`, name, artifactLocation, now, now)
	if err != nil {
		return "", errors.Wrap(err, "insert experiment")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", errors.Wrap(err, "read experiment id")
	}
	expID := strconv.FormatInt(id, 10)
	if artifactLocation == "" {
		if _, err := tx.ExecContext(ctx, `UPDATE experiments SET artifact_location = ? WHERE experiment_id = ?`,
			s.artifactRoot+"/"+expID, id); err != nil {
			return "", errors.Wrap(err, "set artifact location")
		}
	}
	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, "commit experiment")
	}
	return expID, nil
}

// GetExperiment implements tracking.Store.
func (s *Store) GetExperiment(ctx context.Context, experimentID string) (*tracking.Experiment, error) {
	id, err := parseExperimentID("GetExperiment", experimentID)
	if err != nil {
		return nil, err
	}
	exp, err := scanExperiment(s.db.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE experiment_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("GetExperiment", "experiment "+experimentID)
	}
	return exp, errors.Wrap(err, "get experiment")
}

// GetExperimentByName implements tracking.Store.
func (s *Store) GetExperimentByName(ctx context.Context, name string) (*tracking.Experiment, error) {
	exp, err := scanExperiment(s.db.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("GetExperimentByName", "experiment "+name)
	}
	return exp, errors.Wrap(err, "get experiment")
}

// ===========================================================================
//
//	Runs
//
// ===========================================================================

// CreateRun implements tracking.Store.
func (s *Store) CreateRun(ctx context.Context, req tracking.CreateRunRequest) (*tracking.RunInfo, error) {
	exp, err := s.GetExperiment(ctx, req.ExperimentID)
	if err != nil {
		return nil, err
	}
	if exp.LifecycleStage != tracking.LifecycleActive {
		return nil, errors.NewTrackingError("CreateRun", errors.CodeInvalidParameterValue,
			"experiment "+req.ExperimentID+" is not active")
	}
	expID, _ := parseExperimentID("CreateRun", req.ExperimentID)

	runID := strings.ReplaceAll(uuid.NewString(), "-", "")
	info := &tracking.RunInfo{
		RunID:          runID,
		RunName:        req.RunName,
		ExperimentID:   req.ExperimentID,
		UserID:         req.UserID,
		Status:         tracking.RunStatusRunning,
		StartTime:      req.StartTime,
		ArtifactURI:    strings.TrimRight(exp.ArtifactLocation, "/") + "/" + runID + "/artifacts",
		LifecycleStage: tracking.LifecycleActive,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_uuid, name, source_type, user_id, status, start_time, lifecycle_stage, artifact_uri, experiment_id)
		VALUES (?, ?, ?, ?, ?, ?, 'active', ?, ?)`,
		runID, req.RunName, tracking.SourceTypeLocal, req.UserID, string(tracking.RunStatusRunning),
		req.StartTime, info.ArtifactURI, expID); err != nil {
		return nil, errors.Wrap(err, "insert run")
	}
	if err := upsertTags(ctx, tx, runID, req.Tags); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit run")
	}
	return info, nil
}

// UpdateRun implements tracking.Store.
func (s *Store) UpdateRun(ctx context.Context, runID string, status tracking.RunStatus, endTime int64) error {
	if !status.Valid() {
		return errors.NewTrackingError("UpdateRun", errors.CodeInvalidParameterValue, "unknown run status "+string(status))
	}
	var end interface{}
	if status.IsTerminal() {
		end = endTime
	}
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, end_time = ? WHERE run_uuid = ?`,
		string(status), end, runID)
	if err != nil {
		return errors.Wrap(err, "update run")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("UpdateRun", "run "+runID)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func upsertTags(ctx context.Context, tx execer, runID string, tags []tracking.Tag) error {
	for _, t := range tags {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tags (key, value, run_uuid) VALUES (?, ?, ?)
			ON CONFLICT (key, run_uuid) DO UPDATE SET value = excluded.value`,
			t.Key, t.Value, runID); err != nil {
			return errors.Wrapf(err, "set tag %s", t.Key)
		}
	}
	return nil
}

func (s *Store) checkRunActive(ctx context.Context, tx *sql.Tx, op, runID string) error {
	var stage string
	err := tx.QueryRowContext(ctx, `SELECT lifecycle_stage FROM runs WHERE run_uuid = ?`, runID).Scan(&stage)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(op, "run "+runID)
	}
	if err != nil {
		return errors.Wrap(err, "look up run")
	}
	if stage != tracking.LifecycleActive {
		return errors.NewTrackingError(op, errors.CodeInvalidParameterValue, "run "+runID+" is deleted")
	}
	return nil
}

// LogBatch implements tracking.Store.
func (s *Store) LogBatch(ctx context.Context, runID string, metrics []tracking.Metric, params []tracking.Param, tags []tracking.Tag) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()
	if err := s.checkRunActive(ctx, tx, "LogBatch", runID); err != nil {
		return err
	}

	for _, p := range params {
		var old string
		err := tx.QueryRowContext(ctx, `SELECT value FROM params WHERE key = ? AND run_uuid = ?`, p.Key, runID).Scan(&old)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, `INSERT INTO params (key, value, run_uuid) VALUES (?, ?, ?)`,
				p.Key, p.Value, runID); err != nil {
				return errors.Wrapf(err, "log param %s", p.Key)
			}
		case err != nil:
			return errors.Wrapf(err, "look up param %s", p.Key)
		case old != p.Value:
			return errors.NewTrackingError("LogBatch", errors.CodeInvalidParameterValue,
				"changing param values is not allowed. Param with key='"+p.Key+"' was already logged with value='"+
					old+"' for run ID='"+runID+"'. Attempted logging new value '"+p.Value+"'")
		}
	}

	for _, m := range metrics {
		value, isNaN := m.Value, math.IsNaN(m.Value)
		if isNaN {
			value = 0
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO metrics (key, value, timestamp, step, is_nan, run_uuid)
			VALUES (?, ?, ?, ?, ?, ?)`, m.Key, value, m.Timestamp, m.Step, isNaN, runID); err != nil {
			return errors.Wrapf(err, "log metric %s", m.Key)
		}
		// latest_metrics keeps the entry with the highest (step, timestamp, value)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO latest_metrics (key, value, timestamp, step, is_nan, run_uuid)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (key, run_uuid) DO UPDATE SET
				value = excluded.value, timestamp = excluded.timestamp,
				step = excluded.step, is_nan = excluded.is_nan
			WHERE excluded.step > latest_metrics.step
			   OR (excluded.step = latest_metrics.step AND excluded.timestamp > latest_metrics.timestamp)
			   OR (excluded.step = latest_metrics.step AND excluded.timestamp = latest_metrics.timestamp
			       AND excluded.value > latest_metrics.value)`,
			m.Key, value, m.Timestamp, m.Step, isNaN, runID); err != nil {
			return errors.Wrapf(err, "update latest metric %s", m.Key)
		}
	}

	if err := upsertTags(ctx, tx, runID, tags); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit batch")
}

// LogInputs implements tracking.Store.
func (s *Store) LogInputs(ctx context.Context, runID string, inputs []tracking.DatasetInput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()
	if err := s.checkRunActive(ctx, tx, "LogInputs", runID); err != nil {
		return err
	}
	var expID int64
	if err := tx.QueryRowContext(ctx, `SELECT experiment_id FROM runs WHERE run_uuid = ?`, runID).Scan(&expID); err != nil {
		return errors.Wrap(err, "look up run experiment")
	}

	for _, in := range inputs {
		ds := in.Dataset
		if ds.Name == "" || ds.Digest == "" {
			return errors.NewTrackingError("LogInputs", errors.CodeInvalidParameterValue, "dataset name and digest are required")
		}
		var datasetID string
		err := tx.QueryRowContext(ctx, `SELECT dataset_uuid FROM datasets WHERE experiment_id = ? AND name = ? AND digest = ?`,
			expID, ds.Name, ds.Digest).Scan(&datasetID)
		if errors.Is(err, sql.ErrNoRows) {
			datasetID = strings.ReplaceAll(uuid.NewString(), "-", "")
			_, err = tx.ExecContext(ctx, `
				INSERT INTO datasets (dataset_uuid, experiment_id, name, digest, dataset_source_type, dataset_source, dataset_schema, dataset_profile)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				datasetID, expID, ds.Name, ds.Digest, ds.SourceType, ds.Source, ds.Schema, ds.Profile)
		}
		if err != nil {
			return errors.Wrapf(err, "store dataset %s", ds.Name)
		}

		inputID := strings.ReplaceAll(uuid.NewString(), "-", "")
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO inputs (input_uuid, source_type, source_id, destination_type, destination_id)
			VALUES (?, 'DATASET', ?, 'RUN', ?)`, inputID, datasetID, runID)
		if err != nil {
			return errors.Wrapf(err, "link dataset %s", ds.Name)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// already linked; refresh its tags
			if err := tx.QueryRowContext(ctx, `
				SELECT input_uuid FROM inputs WHERE source_type = 'DATASET' AND source_id = ? AND destination_type = 'RUN' AND destination_id = ?`,
				datasetID, runID).Scan(&inputID); err != nil {
				return errors.Wrap(err, "look up input")
			}
		}
		for _, t := range in.Tags {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO input_tags (input_uuid, name, value) VALUES (?, ?, ?)
				ON CONFLICT (input_uuid, name) DO UPDATE SET value = excluded.value`,
				inputID, t.Key, t.Value); err != nil {
				return errors.Wrapf(err, "tag input %s", ds.Name)
			}
		}
	}
	return errors.Wrap(tx.Commit(), "commit inputs")
}
