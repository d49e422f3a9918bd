package sqlstore

// schema follows the tables of MLflow's SQLAlchemy store, reduced to the
// columns this client reads and writes.
const schema = `
CREATE TABLE IF NOT EXISTS experiments (
	experiment_id     INTEGER PRIMARY KEY AUTOINCREMENT,
	name              TEXT NOT NULL UNIQUE,
	artifact_location TEXT,
	lifecycle_stage   TEXT NOT NULL DEFAULT 'active',
	creation_time     INTEGER,
	last_update_time  INTEGER
);

CREATE TABLE IF NOT EXISTS runs (
	run_uuid         TEXT PRIMARY KEY,
	name             TEXT,
	source_type      TEXT,
	user_id          TEXT,
	status           TEXT NOT NULL,
	start_time       INTEGER,
	end_time         INTEGER,
	lifecycle_stage  TEXT NOT NULL DEFAULT 'active',
	artifact_uri     TEXT,
	experiment_id    INTEGER NOT NULL REFERENCES experiments (experiment_id)
);
CREATE INDEX IF NOT EXISTS index_runs_experiment ON runs (experiment_id, start_time);

CREATE TABLE IF NOT EXISTS params (
	key      TEXT NOT NULL,
	value    TEXT NOT NULL,
	run_uuid TEXT NOT NULL REFERENCES runs (run_uuid),
	PRIMARY KEY (key, run_uuid)
);

CREATE TABLE IF NOT EXISTS tags (
	key      TEXT NOT NULL,
	value    TEXT,
	run_uuid TEXT NOT NULL REFERENCES runs (run_uuid),
	PRIMARY KEY (key, run_uuid)
);

CREATE TABLE IF NOT EXISTS metrics (
	key       TEXT NOT NULL,
	value     REAL NOT NULL,
	timestamp INTEGER NOT NULL,
	step      INTEGER NOT NULL DEFAULT 0,
	is_nan    BOOLEAN NOT NULL DEFAULT 0,
	run_uuid  TEXT NOT NULL REFERENCES runs (run_uuid),
	PRIMARY KEY (key, timestamp, step, run_uuid, value, is_nan)
);

CREATE TABLE IF NOT EXISTS latest_metrics (
	key       TEXT NOT NULL,
	value     REAL NOT NULL,
	timestamp INTEGER NOT NULL,
	step      INTEGER NOT NULL,
	is_nan    BOOLEAN NOT NULL,
	run_uuid  TEXT NOT NULL REFERENCES runs (run_uuid),
	PRIMARY KEY (key, run_uuid)
);

CREATE TABLE IF NOT EXISTS datasets (
	dataset_uuid        TEXT NOT NULL,
	experiment_id       INTEGER NOT NULL REFERENCES experiments (experiment_id),
	name                TEXT NOT NULL,
	digest              TEXT NOT NULL,
	dataset_source_type TEXT NOT NULL,
	dataset_source      TEXT NOT NULL,
	dataset_schema      TEXT,
	dataset_profile     TEXT,
	PRIMARY KEY (experiment_id, name, digest)
);

CREATE TABLE IF NOT EXISTS inputs (
	input_uuid       TEXT NOT NULL,
	source_type      TEXT NOT NULL,
	source_id        TEXT NOT NULL,
	destination_type TEXT NOT NULL,
	destination_id   TEXT NOT NULL,
	PRIMARY KEY (source_type, source_id, destination_type, destination_id)
);

CREATE TABLE IF NOT EXISTS input_tags (
	input_uuid TEXT NOT NULL,
	name       TEXT NOT NULL,
	value      TEXT NOT NULL,
	PRIMARY KEY (input_uuid, name)
);
`
