package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/zkorum/mathupdater/core"
)

// DirtyConversation is a conversation eligible for recomputation.
type DirtyConversation struct {
	ConversationID int64
	SlugID         string
	RequestedAt    time.Time
	RequestVersion int64
}

// DirtyMarker is the raw conversation_update_queue row.
type DirtyMarker struct {
	RequestedAt    time.Time
	RequestVersion int64
	ProcessedAt    *time.Time
}

// MarkDirty records that a conversation needs recomputation. Re-marking
// clears processed_at, keeps requested_at at the latest change and bumps
// request_version, the token a job must still hold to clear the marker.
func (s *Store) MarkDirty(ctx context.Context, conversationID int64) error {
	now := s.nowUTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_update_queue (conversation_id, requested_at, request_version, processed_at, created_at)
		VALUES ($1, $2, 1, NULL, $2)
		ON CONFLICT (conversation_id) DO UPDATE
		SET requested_at = GREATEST(conversation_update_queue.requested_at, EXCLUDED.requested_at),
		    request_version = conversation_update_queue.request_version + 1,
		    processed_at = NULL`,
		conversationID, now)
	if err != nil {
		return fmt.Errorf("store: mark dirty %d: %w", conversationID, err)
	}
	return nil
}

// ListEligible returns dirty conversations whose last recomputation started
// at least minInterval ago (or never).
func (s *Store) ListEligible(ctx context.Context, minInterval time.Duration) ([]DirtyConversation, error) {
	cutoff := s.nowUTC().Add(-minInterval)
	rows, err := s.pool.Query(ctx, `
		SELECT q.conversation_id, c.slug_id, q.requested_at, q.request_version
		FROM conversation_update_queue q
		JOIN conversation c ON c.id = q.conversation_id
		WHERE q.processed_at IS NULL
		  AND (q.last_math_update_at IS NULL OR q.last_math_update_at < $1)
		ORDER BY q.requested_at, q.conversation_id`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: list eligible: %w", err)
	}
	defer rows.Close()

	var result []DirtyConversation
	for rows.Next() {
		var d DirtyConversation
		if err := rows.Scan(&d.ConversationID, &d.SlugID, &d.RequestedAt, &d.RequestVersion); err != nil {
			return nil, fmt.Errorf("store: scan eligible: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// LockForUpdate stamps last_math_update_at at job start. Until the rate
// limit elapses the scanner will not pick the conversation up again, even
// if new votes arrive meanwhile.
func (s *Store) LockForUpdate(ctx context.Context, conversationID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversation_update_queue SET last_math_update_at = $2
		WHERE conversation_id = $1`,
		conversationID, s.nowUTC())
	if err != nil {
		return fmt.Errorf("store: lock conversation %d: %w", conversationID, err)
	}
	return nil
}

// MarkProcessed clears the marker only if request_version still equals the
// version the job was scheduled with. It reports whether the marker was
// cleared; false means newer data arrived during processing.
func (s *Store) MarkProcessed(ctx context.Context, conversationID int64, version int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversation_update_queue SET processed_at = $3
		WHERE conversation_id = $1 AND request_version = $2`,
		conversationID, version, s.nowUTC())
	if err != nil {
		return false, fmt.Errorf("store: mark processed %d: %w", conversationID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// HasNewerRequest reports whether the marker was re-requested after the
// given version was read.
func (s *Store) HasNewerRequest(ctx context.Context, conversationID int64, version int64) (bool, error) {
	var current int64
	err := s.pool.QueryRow(ctx, `
		SELECT request_version FROM conversation_update_queue WHERE conversation_id = $1`,
		conversationID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: read marker %d: %w", conversationID, err)
	}
	return current > version, nil
}

// Marker returns the raw dirty marker row, mainly for diagnostics and tests.
func (s *Store) Marker(ctx context.Context, conversationID int64) (DirtyMarker, error) {
	var m DirtyMarker
	err := s.pool.QueryRow(ctx, `
		SELECT requested_at, request_version, processed_at FROM conversation_update_queue WHERE conversation_id = $1`,
		conversationID).Scan(&m.RequestedAt, &m.RequestVersion, &m.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return DirtyMarker{}, fmt.Errorf("store: marker %d: %w", conversationID, core.ErrConversationNotFound)
	}
	if err != nil {
		return DirtyMarker{}, fmt.Errorf("store: marker %d: %w", conversationID, err)
	}
	return m, nil
}
