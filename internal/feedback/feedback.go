// Package feedback persists reviewer dispositions for scored claims. The
// store is append-only: feedback is evidence, and later submissions add to
// the record instead of rewriting it. A scheduled sweep prunes records past
// the retention window.
package feedback

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Disposition values a reviewer may record.
const (
	DispositionConfirmedFraud = "confirmed_fraud"
	DispositionFalsePositive  = "false_positive"
	DispositionNeedsInfo      = "needs_info"
)

// Record is one reviewer feedback entry.
type Record struct {
	ID          string    `json:"id"`
	ClaimID     string    `json:"claim_id"`
	Reviewer    string    `json:"reviewer"`
	Disposition string    `json:"disposition"`
	Notes       string    `json:"notes,omitempty"`
	Handoff     bool      `json:"handoff"`
	CreatedAt   time.Time `json:"created_at"`
}

// ValidDisposition reports whether d is in the closed disposition set.
func ValidDisposition(d string) bool {
	switch d {
	case DispositionConfirmedFraud, DispositionFalsePositive, DispositionNeedsInfo:
		return true
	}
	return false
}

// Store is the append-only feedback log backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the feedback database at path. Use ":memory:"
// for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening feedback db: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock contention.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating feedback db: %w", err)
	}
	return &Store{db: db}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS feedback (
	id          TEXT PRIMARY KEY,
	claim_id    TEXT NOT NULL,
	reviewer    TEXT NOT NULL,
	disposition TEXT NOT NULL,
	notes       TEXT NOT NULL DEFAULT '',
	handoff     INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_claim ON feedback (claim_id, created_at);
`

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Append records one feedback entry and returns it with id and timestamp
// filled in. Existing entries are never modified.
func (s *Store) Append(ctx context.Context, rec Record) (Record, error) {
	if rec.ClaimID == "" {
		return rec, fmt.Errorf("feedback requires a claim_id")
	}
	if !ValidDisposition(rec.Disposition) {
		return rec, fmt.Errorf("unknown disposition %q", rec.Disposition)
	}
	rec.ID = "fb_" + uuid.NewString()[:12]
	rec.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (id, claim_id, reviewer, disposition, notes, handoff, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ClaimID, rec.Reviewer, rec.Disposition, rec.Notes, rec.Handoff, rec.CreatedAt)
	if err != nil {
		return rec, fmt.Errorf("appending feedback: %w", err)
	}
	return rec, nil
}

// ByClaim returns all feedback for a claim, oldest first.
func (s *Store) ByClaim(ctx context.Context, claimID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, claim_id, reviewer, disposition, notes, handoff, created_at
		 FROM feedback WHERE claim_id = ? ORDER BY created_at, id`, claimID)
	if err != nil {
		return nil, fmt.Errorf("querying feedback: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.ClaimID, &rec.Reviewer, &rec.Disposition, &rec.Notes, &rec.Handoff, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning feedback: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneBefore deletes records created before the cutoff and returns the
// number removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM feedback WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning feedback: %w", err)
	}
	return res.RowsAffected()
}

// Sweeper prunes expired feedback on a cron schedule.
type Sweeper struct {
	store     *Store
	retention time.Duration
	cron      *cron.Cron
}

// NewSweeper schedules retention pruning. spec is a standard cron expression;
// retentionDays bounds how long feedback is kept.
func NewSweeper(store *Store, spec string, retentionDays int) (*Sweeper, error) {
	s := &Sweeper{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		cron:      cron.New(),
	}
	if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
		return nil, fmt.Errorf("scheduling feedback sweep: %w", err)
	}
	return s, nil
}

// Start begins the schedule.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-s.retention)
	removed, err := s.store.PruneBefore(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("feedback_sweep_failed")
		return
	}
	log.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("feedback_sweep_completed")
}
