// Package rundb is the durable run database (spec.md §4.3): two tables,
// `pipelines` and `runs`, behind a single *sql.DB guarded by one mutex.
// Schema and query shapes follow the original system's sqlite layout
// (pipelines.id/path/next_run, runs.pipeline/run/start_ts/duration_ms/status)
// with a metaJson column added for the run summary spec.md §3 names.
package rundb

import (
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/alagyn/tubular/internal/status"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipelines (
	id INTEGER PRIMARY KEY,
	path TEXT UNIQUE NOT NULL,
	next_run INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	pipeline_id INTEGER NOT NULL,
	run_num INTEGER NOT NULL,
	branch TEXT NOT NULL,
	start_ms INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	status TEXT NOT NULL,
	meta_json TEXT NOT NULL DEFAULT '',
	FOREIGN KEY(pipeline_id) REFERENCES pipelines(id)
);
`

// Run is a single durable run row.
type Run struct {
	PipelineID int64
	RunNum     int64
	Branch     string
	StartMs    int64
	DurationMs int64
	Status     status.TaskStatus
	MetaJSON   string
}

// DB is the durable run store. All methods are serialized by mu per
// spec.md §4.3 ("All public methods are serialized by a single mutex
// around the connection").
type DB struct {
	mu   sync.Mutex
	conn *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and
// ensures its schema exists, then runs startup reconciliation: every
// Running row becomes Error (spec.md §4.3, §8 property 8). This must
// complete before the run engine becomes reachable.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "create schema")
	}
	db := &DB{conn: conn}
	if err := db.reconcileRunning(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) reconcileRunning() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(`UPDATE runs SET status = ? WHERE status = ?`, string(status.Error), string(status.Running))
	return errors.Wrap(err, "reconcile running runs")
}

// GetOrCreatePipelineID returns the durable id for path, creating a row
// with next_run=1 if one doesn't exist.
func (db *DB) GetOrCreatePipelineID(path string) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.getOrCreatePipelineIDLocked(path)
}

func (db *DB) getOrCreatePipelineIDLocked(path string) (int64, error) {
	var id int64
	err := db.conn.QueryRow(`SELECT id FROM pipelines WHERE path = ?`, path).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, errors.Wrap(err, "lookup pipeline")
	}
	res, err := db.conn.Exec(`INSERT INTO pipelines (path, next_run) VALUES (?, 1)`, path)
	if err != nil {
		return 0, errors.Wrap(err, "insert pipeline")
	}
	return res.LastInsertId()
}

// PipelineID looks up the durable id for path without creating one.
// The second result reports whether the pipeline exists.
func (db *DB) PipelineID(path string) (int64, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var id int64
	err := db.conn.QueryRow(`SELECT id FROM pipelines WHERE path = ?`, path).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "lookup pipeline")
	}
	return id, true, nil
}

// AllocateNextRun atomically increments path's next_run counter and
// returns (pipelineID, the newly allocated run number). Creates the
// pipeline row if absent (spec.md §4.3, §8 property 1 monotonic runs).
func (db *DB) AllocateNextRun(path string) (pipelineID, runNum int64, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	id, err := db.getOrCreatePipelineIDLocked(path)
	if err != nil {
		return 0, 0, err
	}
	if _, err := db.conn.Exec(`UPDATE pipelines SET next_run = next_run + 1 WHERE id = ?`, id); err != nil {
		return 0, 0, errors.Wrap(err, "bump next_run")
	}
	var next int64
	if err := db.conn.QueryRow(`SELECT next_run FROM pipelines WHERE id = ?`, id).Scan(&next); err != nil {
		return 0, 0, errors.Wrap(err, "read next_run")
	}
	// next_run is the counter that will be handed out *next*; the run
	// number just allocated is one less.
	return id, next - 1, nil
}

// InsertRun inserts a Running row for (id, runNum) and, if maxRuns > 0
// and the pipeline now has more than maxRuns rows, deletes the oldest
// excess (by runNum ascending), returning their run numbers so the
// caller can delete the corresponding archive/output directories
// (spec.md §4.3, §8 property 2).
func (db *DB) InsertRun(id, runNum int64, branch string, startMs int64, maxRuns int) (evicted []int64, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`INSERT INTO runs (pipeline_id, run_num, branch, start_ms, duration_ms, status, meta_json)
		VALUES (?, ?, ?, ?, 0, ?, '')`, id, runNum, branch, startMs, string(status.Running))
	if err != nil {
		return nil, errors.Wrap(err, "insert run")
	}

	if maxRuns > 0 {
		rows, err := tx.Query(`SELECT run_num FROM runs WHERE pipeline_id = ? ORDER BY run_num ASC`, id)
		if err != nil {
			return nil, errors.Wrap(err, "list runs")
		}
		var nums []int64
		for rows.Next() {
			var n int64
			if err := rows.Scan(&n); err != nil {
				rows.Close()
				return nil, err
			}
			nums = append(nums, n)
		}
		rows.Close()

		if excess := len(nums) - maxRuns; excess > 0 {
			evicted = nums[:excess]
			for _, n := range evicted {
				if _, err := tx.Exec(`DELETE FROM runs WHERE pipeline_id = ? AND run_num = ?`, id, n); err != nil {
					return nil, errors.Wrap(err, "evict run")
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return evicted, nil
}

// FinalizeRun records the terminal status, duration, and meta for a run.
func (db *DB) FinalizeRun(id, runNum int64, durationMs int64, st status.TaskStatus, metaJSON string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec(`UPDATE runs SET duration_ms = ?, status = ?, meta_json = ? WHERE pipeline_id = ? AND run_num = ?`,
		durationMs, string(st), metaJSON, id, runNum)
	return errors.Wrap(err, "finalize run")
}

// LastRun returns the most recent run for id, or nil if none exist.
func (db *DB) LastRun(id int64) (*Run, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	row := db.conn.QueryRow(`SELECT pipeline_id, run_num, branch, start_ms, duration_ms, status, meta_json
		FROM runs WHERE pipeline_id = ? ORDER BY run_num DESC LIMIT 1`, id)
	return scanRun(row)
}

// Runs returns every run for id, newest first.
func (db *DB) Runs(id int64) ([]Run, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	rows, err := db.conn.Query(`SELECT pipeline_id, run_num, branch, start_ms, duration_ms, status, meta_json
		FROM runs WHERE pipeline_id = ? ORDER BY run_num DESC`, id)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var st string
		if err := rows.Scan(&r.PipelineID, &r.RunNum, &r.Branch, &r.StartMs, &r.DurationMs, &st, &r.MetaJSON); err != nil {
			return nil, err
		}
		r.Status = status.TaskStatus(st)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Last50Statuses returns the status of the 50 most recently started
// runs across all pipelines, for the /api/runs_stats rollup.
func (db *DB) Last50Statuses() ([]status.TaskStatus, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	rows, err := db.conn.Query(`SELECT status FROM runs ORDER BY start_ms DESC LIMIT 50`)
	if err != nil {
		return nil, errors.Wrap(err, "list recent statuses")
	}
	defer rows.Close()

	var out []status.TaskStatus
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}
		out = append(out, status.TaskStatus(st))
	}
	return out, rows.Err()
}

// RunMeta returns the stored meta_json for a specific run.
func (db *DB) RunMeta(id, runNum int64) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var meta string
	err := db.conn.QueryRow(`SELECT meta_json FROM runs WHERE pipeline_id = ? AND run_num = ?`, id, runNum).Scan(&meta)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return meta, errors.Wrap(err, "read run meta")
}

func scanRun(row *sql.Row) (*Run, error) {
	var r Run
	var st string
	err := row.Scan(&r.PipelineID, &r.RunNum, &r.Branch, &r.StartMs, &r.DurationMs, &st, &r.MetaJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Status = status.TaskStatus(st)
	return &r, nil
}

// StatusFromTaskStatuses rolls up per-task terminal statuses into a
// single pipeline status: the worst non-Success status wins, matching
// spec.md §4.9 step 9b ("set the pipeline's status to that status").
func StatusFromTaskStatuses(statuses []status.TaskStatus) status.TaskStatus {
	worst := status.Success
	for _, s := range statuses {
		worst = status.Worst(worst, s)
	}
	return worst
}

// NowMs returns the current wall-clock time in epoch milliseconds.
func NowMs() int64 { return time.Now().UnixMilli() }
