package sqlstore

import (
	"context"
	"database/sql"
	"math"
	"strconv"
	"strings"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/tracking"
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const runColumns = `run_uuid, name, experiment_id, user_id, status, start_time, end_time, artifact_uri, lifecycle_stage`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRunInfo(row rowScanner) (*tracking.RunInfo, error) {
	var (
		info   tracking.RunInfo
		name   sql.NullString
		expID  int64
		user   sql.NullString
		status string
		start  sql.NullInt64
		end    sql.NullInt64
		uri    sql.NullString
		stage  string
	)
	if err := row.Scan(&info.RunID, &name, &expID, &user, &status, &start, &end, &uri, &stage); err != nil {
		return nil, err
	}
	info.RunName = name.String
	info.ExperimentID = strconv.FormatInt(expID, 10)
	info.UserID = user.String
	info.Status = tracking.RunStatus(status)
	info.StartTime = start.Int64
	info.EndTime = end.Int64
	info.ArtifactURI = uri.String
	info.LifecycleStage = stage
	return &info, nil
}

// GetRun implements tracking.Store.
func (s *Store) GetRun(ctx context.Context, runID string) (*tracking.RunRecord, error) {
	info, err := scanRunInfo(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_uuid = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("GetRun", "run "+runID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get run")
	}
	return s.loadRun(ctx, s.db, info)
}

func (s *Store) loadRun(ctx context.Context, q queryer, info *tracking.RunInfo) (*tracking.RunRecord, error) {
	rec := &tracking.RunRecord{Info: *info}
	id := info.RunID

	rows, err := q.QueryContext(ctx, `SELECT key, value FROM params WHERE run_uuid = ? ORDER BY key`, id)
	if err != nil {
		return nil, errors.Wrap(err, "read params")
	}
	for rows.Next() {
		var p tracking.Param
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan param")
		}
		rec.Data.Params = append(rec.Data.Params, p)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = q.QueryContext(ctx, `SELECT key, value FROM tags WHERE run_uuid = ? ORDER BY key`, id)
	if err != nil {
		return nil, errors.Wrap(err, "read tags")
	}
	for rows.Next() {
		var (
			t     tracking.Tag
			value sql.NullString
		)
		if err := rows.Scan(&t.Key, &value); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan tag")
		}
		t.Value = value.String
		rec.Data.Tags = append(rec.Data.Tags, t)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	rows, err = q.QueryContext(ctx,
		`SELECT key, value, timestamp, step, is_nan FROM latest_metrics WHERE run_uuid = ? ORDER BY key`, id)
	if err != nil {
		return nil, errors.Wrap(err, "read metrics")
	}
	for rows.Next() {
		var (
			m     tracking.Metric
			isNaN bool
		)
		if err := rows.Scan(&m.Key, &m.Value, &m.Timestamp, &m.Step, &isNaN); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan metric")
		}
		if isNaN {
			m.Value = math.NaN()
		}
		rec.Data.Metrics = append(rec.Data.Metrics, m)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	inputs, err := loadInputs(ctx, q, id)
	if err != nil {
		return nil, err
	}
	rec.Inputs.DatasetInputs = inputs
	return rec, nil
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	return errors.CombineErrors(err, rows.Close())
}

func loadInputs(ctx context.Context, q queryer, runID string) ([]tracking.DatasetInput, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT i.input_uuid, d.name, d.digest, d.dataset_source_type, d.dataset_source,
		       COALESCE(d.dataset_schema, ''), COALESCE(d.dataset_profile, '')
		FROM inputs i JOIN datasets d ON d.dataset_uuid = i.source_id
		WHERE i.source_type = 'DATASET' AND i.destination_type = 'RUN' AND i.destination_id = ?
		ORDER BY d.name, d.digest`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "read inputs")
	}
	var (
		ids    []string
		inputs []tracking.DatasetInput
	)
	for rows.Next() {
		var (
			id string
			ds tracking.Dataset
		)
		if err := rows.Scan(&id, &ds.Name, &ds.Digest, &ds.SourceType, &ds.Source, &ds.Schema, &ds.Profile); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan input")
		}
		ids = append(ids, id)
		inputs = append(inputs, tracking.DatasetInput{Dataset: ds})
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	for i, id := range ids {
		tagRows, err := q.QueryContext(ctx, `SELECT name, value FROM input_tags WHERE input_uuid = ? ORDER BY name`, id)
		if err != nil {
			return nil, errors.Wrap(err, "read input tags")
		}
		for tagRows.Next() {
			var t tracking.InputTag
			if err := tagRows.Scan(&t.Key, &t.Value); err != nil {
				tagRows.Close()
				return nil, errors.Wrap(err, "scan input tag")
			}
			inputs[i].Tags = append(inputs[i].Tags, t)
		}
		if err := closeRows(tagRows); err != nil {
			return nil, err
		}
	}
	return inputs, nil
}

// SearchRuns implements tracking.Store. Runs are returned newest first.
func (s *Store) SearchRuns(ctx context.Context, experimentIDs []string, filter tracking.RunFilter) ([]*tracking.RunRecord, error) {
	if len(experimentIDs) == 0 {
		return nil, nil
	}
	var (
		where []string
		args  []interface{}
	)
	placeholders := make([]string, len(experimentIDs))
	for i, id := range experimentIDs {
		n, err := parseExperimentID("SearchRuns", id)
		if err != nil {
			return nil, err
		}
		placeholders[i] = "?"
		args = append(args, n)
	}
	where = append(where, "experiment_id IN ("+strings.Join(placeholders, ", ")+")", "lifecycle_stage = 'active'")
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ParentRunID != "" {
		where = append(where, "run_uuid IN (SELECT run_uuid FROM tags WHERE key = ? AND value = ?)")
		args = append(args, tracking.TagParentRunID, filter.ParentRunID)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE `+strings.Join(where, " AND ")+
		` ORDER BY start_time DESC, run_uuid`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "search runs")
	}
	var infos []*tracking.RunInfo
	for rows.Next() {
		info, err := scanRunInfo(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan run")
		}
		infos = append(infos, info)
	}
	// release the single connection before loading run details
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	out := make([]*tracking.RunRecord, 0, len(infos))
	for _, info := range infos {
		rec, err := s.loadRun(ctx, s.db, info)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
