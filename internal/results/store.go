package results

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	started_at  TEXT NOT NULL,
	comment     TEXT,
	config_json TEXT
);

CREATE TABLE IF NOT EXISTS records (
	run_id           TEXT NOT NULL,
	seq              INTEGER NOT NULL,
	frequency_hz     REAL NOT NULL,
	stage            TEXT NOT NULL,
	et_delay_s       REAL,
	power_dbm        REAL NOT NULL,
	evm_db           REAL NOT NULL,
	aclr_channel_dbm REAL NOT NULL,
	aclr_lower_db    REAL NOT NULL,
	aclr_upper_db    REAL NOT NULL,
	servo_iterations INTEGER NOT NULL,
	converged        INTEGER NOT NULL,
	input_dbm        REAL,
	duration_ns      INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS failures (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL,
	frequency_hz REAL NOT NULL,
	state        TEXT NOT NULL,
	error        TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
`

// Run describes one stored sweep.
type Run struct {
	ID         string
	StartedAt  time.Time
	Comment    string
	ConfigJSON string
}

// Store persists runs and their records in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the database at path and runs migrations.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "%s", pragma)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// BeginRun registers a run; records for it may be appended afterwards.
func (s *Store) BeginRun(run Run) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, started_at, comment, config_json) VALUES (?, ?, ?, ?)`,
		run.ID, run.StartedAt.UTC().Format(time.RFC3339Nano), run.Comment, run.ConfigJSON,
	)
	return errors.Wrapf(err, "insert run %s", run.ID)
}

func (s *Store) Append(r Record) error {
	_, err := s.db.Exec(
		`INSERT INTO records (run_id, seq, frequency_hz, stage, et_delay_s, power_dbm, evm_db,
			aclr_channel_dbm, aclr_lower_db, aclr_upper_db, servo_iterations, converged, input_dbm, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Sequence, r.FrequencyHz, string(r.Stage), nullFloat(r.ETDelay), r.PowerDBm, r.EVMDB,
		r.ACLR.ChannelPowerDBm, r.ACLR.LowerDB, r.ACLR.UpperDB, r.ServoIterations, r.Converged,
		nullFloat(r.InputDBm), int64(r.Duration),
	)
	return errors.Wrapf(err, "insert record %d", r.Sequence)
}

func (s *Store) AppendFailure(f Failure) error {
	_, err := s.db.Exec(
		`INSERT INTO failures (run_id, frequency_hz, state, error) VALUES (?, ?, ?, ?)`,
		f.RunID, f.FrequencyHz, f.State, f.Error,
	)
	return errors.Wrap(err, "insert failure")
}

// Runs lists stored runs, newest first.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.db.Query(`SELECT run_id, started_at, COALESCE(comment, ''), COALESCE(config_json, '') FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var (
			run     Run
			started string
		)
		if err := rows.Scan(&run.ID, &started, &run.Comment, &run.ConfigJSON); err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		run.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		out = append(out, run)
	}
	return out, rows.Err()
}

// Records returns the records of runID in append order.
func (s *Store) Records(runID string) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT seq, frequency_hz, stage, et_delay_s, power_dbm, evm_db, aclr_channel_dbm, aclr_lower_db,
			aclr_upper_db, servo_iterations, converged, input_dbm, duration_ns
		 FROM records WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query records")
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			r         = Record{RunID: runID}
			stage     string
			delay     sql.NullFloat64
			input     sql.NullFloat64
			converged bool
			duration  int64
		)
		if err := rows.Scan(&r.Sequence, &r.FrequencyHz, &stage, &delay, &r.PowerDBm, &r.EVMDB,
			&r.ACLR.ChannelPowerDBm, &r.ACLR.LowerDB, &r.ACLR.UpperDB, &r.ServoIterations,
			&converged, &input, &duration); err != nil {
			return nil, errors.Wrap(err, "scan record")
		}
		r.Stage = Stage(stage)
		r.Converged = converged
		r.Duration = time.Duration(duration)
		if delay.Valid {
			v := delay.Float64
			r.ETDelay = &v
		}
		if input.Valid {
			v := input.Float64
			r.InputDBm = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Failures returns the failure markers of runID.
func (s *Store) Failures(runID string) ([]Failure, error) {
	rows, err := s.db.Query(`SELECT frequency_hz, state, error FROM failures WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query failures")
	}
	defer rows.Close()
	var out []Failure
	for rows.Next() {
		f := Failure{RunID: runID}
		if err := rows.Scan(&f.FrequencyHz, &f.State, &f.Error); err != nil {
			return nil, errors.Wrap(err, "scan failure")
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
