// Package db locates and opens the SQLite store of an engage workspace.
//
// A workspace is any directory; engage keeps its state under <workspace>/.engage:
// the database (engage.db) and, unless configured elsewhere, rendered contracts.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	stateDirName = ".engage"
	dbFileName   = "engage.db"

	DefaultBusyTimeout = 5 * time.Second
)

type Config struct {
	Workspace string
	// BusyTimeout bounds how long a transaction waits for the write lock
	// before failing with SQLITE_BUSY. Zero means DefaultBusyTimeout.
	BusyTimeout time.Duration
}

// StateDir is the directory holding a workspace's engage state.
func StateDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDirName)
}

// Path returns the database file of a workspace.
func Path(workspace string) string {
	return filepath.Join(StateDir(workspace), dbFileName)
}

// EnsureWorkspace creates the state directory of workspace and returns it.
func EnsureWorkspace(workspace string) (string, error) {
	dir := StateDir(workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace state dir: %w", err)
	}
	return dir, nil
}

// Open opens the workspace database in WAL mode with foreign keys on.
// Transactions take the write lock when they begin (BEGIN IMMEDIATE) and wait
// up to BusyTimeout for it, so concurrent writers queue instead of failing
// halfway through a read-modify-write.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)",
		Path(cfg.Workspace), busy.Milliseconds())
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", Path(cfg.Workspace), err)
	}
	return conn, nil
}
