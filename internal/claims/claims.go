// Package claims implements cooperative exclusive file locks with FIFO
// waitlists. Claims are advisory: the datastore is the lock table and every
// editor is expected to claim before touching a shared file.
package claims

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/minionhq/minion/internal/common/logger"
	"github.com/minionhq/minion/internal/db"
	"github.com/minionhq/minion/internal/events/bus"
	"github.com/minionhq/minion/internal/minionerr"
)

// Claim is one held lock.
type Claim struct {
	FilePath   string `db:"file_path" json:"file"`
	Holder     string `db:"holder" json:"holder"`
	AcquiredAt string `db:"acquired_at" json:"acquired_at"`
}

// Waiter is one waitlist entry.
type Waiter struct {
	ID          int64  `db:"id" json:"-"`
	FilePath    string `db:"file_path" json:"file"`
	Agent       string `db:"agent" json:"agent"`
	RequestedAt string `db:"requested_at" json:"requested_at"`
}

// ClaimResult reports the outcome of a claim attempt.
type ClaimResult struct {
	Granted  bool   `json:"granted"`
	Holder   string `json:"holder"`
	Position int    `json:"position,omitempty"` // waitlist position when not granted
}

// ReleaseResult reports the outcome of a release.
type ReleaseResult struct {
	Released  bool   `json:"released"`
	NewHolder string `json:"new_holder,omitempty"` // promoted waitlist head
}

// Service implements the claim operations.
type Service struct {
	store  *db.Store
	bus    bus.EventBus
	logger *logger.Logger
}

// NewService creates a claim service. The event bus may be nil.
func NewService(store *db.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{store: store, bus: eventBus, logger: log}
}

// Claim attempts to take the lock on a file. If the file is free the claim
// is granted; if the caller already holds it the grant refreshes
// acquired_at; otherwise the caller joins the FIFO waitlist.
func (s *Service) Claim(ctx context.Context, agent, file string) (*ClaimResult, error) {
	if file == "" {
		return nil, &minionerr.Error{Kind: minionerr.KindUser, Rule: "empty_path"}
	}

	tx, err := s.store.DB.Beginx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	now := db.NowISO()
	var holder string
	err = tx.Get(&holder, "SELECT holder FROM file_claims WHERE file_path = ?", file)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.Exec(
			"INSERT INTO file_claims (file_path, holder, acquired_at) VALUES (?, ?, ?)",
			file, agent, now); err != nil {
			return nil, fmt.Errorf("failed to insert claim: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		s.logger.Debug("claim granted", zap.String("agent", agent), zap.String("file", file))
		bus.Publish(ctx, s.bus, bus.SubjectClaimGranted,
			bus.NewEvent("claim.granted", "claims", map[string]any{"agent": agent, "file": file}))
		return &ClaimResult{Granted: true, Holder: agent}, nil

	case err != nil:
		return nil, fmt.Errorf("failed to look up claim: %w", err)

	case holder == agent:
		// idempotent re-claim refreshes the hold timestamp
		if _, err := tx.Exec(
			"UPDATE file_claims SET acquired_at = ? WHERE file_path = ?", now, file); err != nil {
			return nil, fmt.Errorf("failed to refresh claim: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return &ClaimResult{Granted: true, Holder: agent}, nil
	}

	// held by someone else: enqueue (idempotent on (file, agent))
	if _, err := tx.Exec(
		"INSERT OR IGNORE INTO claim_waitlist (file_path, agent, requested_at) VALUES (?, ?, ?)",
		file, agent, now); err != nil {
		return nil, fmt.Errorf("failed to join waitlist: %w", err)
	}

	var position int
	err = tx.Get(&position, `
		SELECT COUNT(*) FROM claim_waitlist w1
		WHERE w1.file_path = ? AND w1.id <= (
			SELECT id FROM claim_waitlist WHERE file_path = ? AND agent = ?
		)`, file, file, agent)
	if err != nil {
		return nil, fmt.Errorf("failed to compute waitlist position: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &ClaimResult{Granted: false, Holder: holder, Position: position}, nil
}

// Release gives up the lock. The waitlist head (earliest enqueued waiter) is
// promoted to holder in the same transaction; with an empty waitlist the
// claim row is removed. Force lets the lead break a stuck hold.
func (s *Service) Release(ctx context.Context, agent, file string, force bool) (*ReleaseResult, error) {
	tx, err := s.store.DB.Beginx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin release: %w", err)
	}
	defer tx.Rollback()

	var holder string
	err = tx.Get(&holder, "SELECT holder FROM file_claims WHERE file_path = ?", file)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, minionerr.NotFound("claim", file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up claim: %w", err)
	}
	if holder != agent && !force {
		return nil, minionerr.ErrClaimHeld.Withf("only the holder can release (lead may force)",
			"%s is held by %s", file, holder)
	}

	var head Waiter
	err = tx.Get(&head,
		"SELECT id, file_path, agent, requested_at FROM claim_waitlist WHERE file_path = ? ORDER BY id ASC LIMIT 1",
		file)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.Exec("DELETE FROM file_claims WHERE file_path = ?", file); err != nil {
			return nil, fmt.Errorf("failed to remove claim: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		s.logger.Debug("claim released", zap.String("file", file), zap.String("by", agent))
		return &ReleaseResult{Released: true}, nil

	case err != nil:
		return nil, fmt.Errorf("failed to read waitlist: %w", err)
	}

	// atomic handoff to the waitlist head
	if _, err := tx.Exec(
		"UPDATE file_claims SET holder = ?, acquired_at = ? WHERE file_path = ?",
		head.Agent, db.NowISO(), file); err != nil {
		return nil, fmt.Errorf("failed to promote waiter: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM claim_waitlist WHERE id = ?", head.ID); err != nil {
		return nil, fmt.Errorf("failed to dequeue waiter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("claim handed off",
		zap.String("file", file),
		zap.String("from", holder),
		zap.String("to", head.Agent))
	bus.Publish(ctx, s.bus, bus.SubjectClaimGranted,
		bus.NewEvent("claim.granted", "claims", map[string]any{"agent": head.Agent, "file": file}))
	return &ReleaseResult{Released: true, NewHolder: head.Agent}, nil
}

// ListEntry is one claim with its queued waiters.
type ListEntry struct {
	Claim
	Waiters []string `json:"waiters,omitempty"`
}

// List returns all claims with their waitlists, ordered by path.
func (s *Service) List(ctx context.Context) ([]ListEntry, error) {
	var claims []Claim
	if err := s.store.RO.Select(&claims,
		"SELECT file_path, holder, acquired_at FROM file_claims ORDER BY file_path"); err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}

	var waiters []Waiter
	if err := s.store.RO.Select(&waiters,
		"SELECT id, file_path, agent, requested_at FROM claim_waitlist ORDER BY file_path, id"); err != nil {
		return nil, fmt.Errorf("failed to list waitlists: %w", err)
	}
	byFile := map[string][]string{}
	for _, w := range waiters {
		byFile[w.FilePath] = append(byFile[w.FilePath], w.Agent)
	}

	out := make([]ListEntry, 0, len(claims))
	for _, c := range claims {
		out = append(out, ListEntry{Claim: c, Waiters: byFile[c.FilePath]})
	}
	return out, nil
}
