// Package replaystore implements the durable replay metadata store from
// spec §6: a SQL-backed `replays`/`videos` schema behind a Result-typed
// API where store errors never throw -- every call returns a Result
// wrapping either a value or a ReplayStoreError.
//
// No repository in the retrieval pack depends on a SQL driver of any kind
// (no database/sql driver, no gorm, no sqlx), so this package is the one
// place replayguard reaches outside the corpus: modernc.org/sqlite is the
// only pure-Go sqlite driver in the wider ecosystem, chosen because
// spec.md explicitly marks the replay store as an external collaborator
// ("interfaces consumed, not designed here") rather than core subject
// matter, and a real runnable implementation serves that external-collaborator
// role better than either a fake in-memory stub or leaving it unimplemented.
// See DESIGN.md.
package replaystore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrorKind enumerates the store error kinds from spec §7.
type ErrorKind string

const (
	ErrConnectionFailed  ErrorKind = "connection_failed"
	ErrQueryFailed       ErrorKind = "query_failed"
	ErrTransactionFailed ErrorKind = "transaction_failed"
)

// ReplayStoreError is the Err arm of Result.
type ReplayStoreError struct {
	Kind  ErrorKind
	Cause error
}

func (e *ReplayStoreError) Error() string {
	return fmt.Sprintf("replaystore: %s: %v", e.Kind, e.Cause)
}

func (e *ReplayStoreError) Unwrap() error { return e.Cause }

// Result is a Rust-style Result<T, ReplayStoreError> expressed the
// idiomatic Go way: a value plus an error, with an IsOk helper for call
// sites that read more naturally as a predicate (spec §6: "Every call
// returns Result<T, ReplayStoreError>; store errors never throw").
type Result[T any] struct {
	Value T
	Err   *ReplayStoreError
}

// IsOk reports whether the result carries a usable value.
func (r Result[T]) IsOk() bool { return r.Err == nil }

func ok[T any](v T) Result[T]               { return Result[T]{Value: v} }
func errResult[T any](k ErrorKind, cause error) Result[T] {
	return Result[T]{Err: &ReplayStoreError{Kind: k, Cause: cause}}
}

// Replay is one row of the `replays` table.
type Replay struct {
	ID              string
	TrackingID      string
	StartedAt       time.Time
	EndedAt         time.Time
	Duration        time.Duration
	EventCount      int
	BrowserType     string
	RoutePath       string
	UserAgent       string
	ParentSessionID string
	TargetID        string
}

// Video is one row of the `videos` table.
type Video struct {
	ID             string
	FrameCount     int
	EncodingStatus string
	VideoPath      string
}

// Store is the SQL-backed replay store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite-backed store at dsn and
// ensures its schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &ReplayStoreError{Kind: ErrConnectionFailed, Cause: err}
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS replays (
	id TEXT PRIMARY KEY,
	trackingId TEXT,
	startedAt INTEGER,
	endedAt INTEGER,
	duration INTEGER,
	eventCount INTEGER,
	browserType TEXT,
	routePath TEXT,
	userAgent TEXT,
	parentSessionId TEXT,
	targetId TEXT
);
CREATE TABLE IF NOT EXISTS videos (
	id TEXT PRIMARY KEY,
	frameCount INTEGER,
	encodingStatus TEXT,
	videoPath TEXT
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return &ReplayStoreError{Kind: ErrConnectionFailed, Cause: err}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// StopTabReplay persists a finalized tab's metadata, per the Tab
// Finalizer's step 4 (spec §4.4). A zero eventCount with no frames is
// "declined" (an inactive tab never worth persisting): nothing is written
// and the Result is ok with a nil Value.
func (s *Store) StopTabReplay(ctx context.Context, r Replay, frameCount int) Result[*Video] {
	if r.EventCount == 0 && frameCount == 0 {
		return Result[*Video]{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errResult[*Video](ErrTransactionFailed, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO replays (id, trackingId, startedAt, endedAt, duration, eventCount, browserType, routePath, userAgent, parentSessionId, targetId)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET endedAt=excluded.endedAt, duration=excluded.duration, eventCount=excluded.eventCount`,
		r.ID, r.TrackingID, r.StartedAt.Unix(), r.EndedAt.Unix(), int64(r.Duration/time.Millisecond),
		r.EventCount, r.BrowserType, r.RoutePath, r.UserAgent, r.ParentSessionID, r.TargetID)
	if err != nil {
		return errResult[*Video](ErrQueryFailed, err)
	}

	video := &Video{ID: r.ID, FrameCount: frameCount, EncodingStatus: "pending"}
	if frameCount > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO videos (id, frameCount, encodingStatus, videoPath)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET frameCount=excluded.frameCount`,
			video.ID, video.FrameCount, video.EncodingStatus, "")
		if err != nil {
			return errResult[*Video](ErrQueryFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errResult[*Video](ErrTransactionFailed, err)
	}
	return ok(video)
}

// DeleteVideo removes a replay's video artifacts while preserving the DOM
// recording row, per the HTTP surface's `DELETE /video/:id` (spec §6).
// Returns ok(true) if a row was deleted, ok(false) if none existed (so the
// handler can answer 404).
func (s *Store) DeleteVideo(ctx context.Context, id string) Result[bool] {
	res, err := s.db.ExecContext(ctx, `DELETE FROM videos WHERE id = ?`, id)
	if err != nil {
		return errResult[bool](ErrQueryFailed, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errResult[bool](ErrQueryFailed, err)
	}
	return ok(n > 0)
}

// AddEvents increments a replay's eventCount, used for periodic drain
// bookkeeping (store-side accounting is best-effort and non-critical, per
// spec §7: "the coordinator ignores [replay-store failures] for
// non-critical metadata writes and logs them").
func (s *Store) AddEvents(ctx context.Context, replayID string, n int) Result[struct{}] {
	_, err := s.db.ExecContext(ctx, `UPDATE replays SET eventCount = eventCount + ? WHERE id = ?`, n, replayID)
	if err != nil {
		return errResult[struct{}](ErrQueryFailed, err)
	}
	return ok(struct{}{})
}
