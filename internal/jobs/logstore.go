package jobs

import (
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

// LogStore captures job output in a temp-file SQLite database so logs
// survive job eviction windows without holding every byte in the
// registry. Uses a temp file (not :memory:) with WAL so the writer
// goroutines and reader connections see the same tables.
type LogStore struct {
	db   *sql.DB
	path string
}

func NewLogStore() (*LogStore, error) {
	tmp, err := os.CreateTemp("", "tongchi-joblogs-*.db")
	if err != nil {
		return nil, fmt.Errorf("create temp log db: %w", err)
	}
	path := tmp.Name()
	_ = tmp.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("open log db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("set WAL mode on log db: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS job_logs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			chunk BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS job_logs_job ON job_logs(job_id);
	`); err != nil {
		_ = db.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("create log table: %w", err)
	}
	return &LogStore{db: db, path: path}, nil
}

// Writer returns an io.Writer appending chunks for one job. Safe for
// use from the job's worker goroutine while readers query.
func (l *LogStore) Writer(jobID string) *logWriter {
	return &logWriter{store: l, jobID: jobID}
}

type logWriter struct {
	store *LogStore
	jobID string
}

func (w *logWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	chunk := append([]byte(nil), p...)
	if _, err := w.store.db.Exec(
		"INSERT INTO job_logs (job_id, chunk) VALUES (?, ?)", w.jobID, chunk,
	); err != nil {
		return 0, fmt.Errorf("append log chunk: %w", err)
	}
	return len(p), nil
}

// Read returns the concatenated output of one job in write order.
func (l *LogStore) Read(jobID string) ([]byte, error) {
	rows, err := l.db.Query(
		"SELECT chunk FROM job_logs WHERE job_id = ? ORDER BY seq", jobID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []byte
	for rows.Next() {
		var chunk []byte
		if err := rows.Scan(&chunk); err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, rows.Err()
}

// Delete drops one job's log.
func (l *LogStore) Delete(jobID string) error {
	_, err := l.db.Exec("DELETE FROM job_logs WHERE job_id = ?", jobID)
	return err
}

// Close closes the database and removes the temp files.
func (l *LogStore) Close() error {
	err := l.db.Close()
	if l.path != "" {
		_ = os.Remove(l.path)
		_ = os.Remove(l.path + "-wal")
		_ = os.Remove(l.path + "-shm")
	}
	return err
}
