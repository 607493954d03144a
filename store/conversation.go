package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/zkorum/mathupdater/core"
)

// Conversation holds what the updater needs to know about a conversation.
type Conversation struct {
	ID     int64
	SlugID string
	Title  string
	Body   *string
}

// VoteRow is one counted vote: agree=1, disagree=-1, pass=0.
type VoteRow struct {
	ParticipantID int64
	OpinionID     int64
	Vote          int
}

// Counters are the conversation's denormalized activity counts.
type Counters struct {
	OpinionCount     int
	VoteCount        int
	ParticipantCount int
}

// countedVotes selects votes that count toward analytics: live vote, live
// opinion, unmoderated opinion, author not deleted.
const countedVotes = `
	FROM vote v
	JOIN vote_content vc ON vc.id = v.current_content_id
	JOIN opinion o ON o.id = v.opinion_id
	JOIN "user" u ON u.id = v.author_id
	LEFT JOIN opinion_moderation om ON om.opinion_id = o.id
	WHERE o.conversation_id = $1
	  AND u.is_deleted = false
	  AND om.id IS NULL
	  AND v.current_content_id IS NOT NULL
	  AND o.current_content_id IS NOT NULL`

// GetConversation loads the slug and current title/body.
func (s *Store) GetConversation(ctx context.Context, conversationID int64) (*Conversation, error) {
	c := Conversation{ID: conversationID}
	err := s.pool.QueryRow(ctx, `
		SELECT c.slug_id, cc.title, cc.body
		FROM conversation c
		JOIN conversation_content cc ON cc.id = c.current_content_id
		WHERE c.id = $1`, conversationID).Scan(&c.SlugID, &c.Title, &c.Body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("store: conversation %d: %w", conversationID, core.ErrConversationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: conversation %d: %w", conversationID, err)
	}
	return &c, nil
}

// FetchVotes returns every counted vote of the conversation.
func (s *Store) FetchVotes(ctx context.Context, conversationID int64) ([]VoteRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT u.polis_participant_id, o.id,
		       CASE vc.vote WHEN 'agree' THEN 1 WHEN 'disagree' THEN -1 ELSE 0 END
		`+countedVotes, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: fetch votes %d: %w", conversationID, err)
	}
	defer rows.Close()

	var votes []VoteRow
	for rows.Next() {
		var v VoteRow
		if err := rows.Scan(&v.ParticipantID, &v.OpinionID, &v.Vote); err != nil {
			return nil, fmt.Errorf("store: scan vote: %w", err)
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

// OpinionTexts returns the current content of the given opinions.
// Unknown or deleted opinions are absent from the result.
func (s *Store) OpinionTexts(ctx context.Context, opinionIDs []int64) (map[int64]string, error) {
	texts := make(map[int64]string, len(opinionIDs))
	if len(opinionIDs) == 0 {
		return texts, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT o.id, oc.content
		FROM opinion o
		JOIN opinion_content oc ON oc.id = o.current_content_id
		WHERE o.id = ANY($1)`, opinionIDs)
	if err != nil {
		return nil, fmt.Errorf("store: opinion texts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id      int64
			content string
		)
		if err := rows.Scan(&id, &content); err != nil {
			return nil, fmt.Errorf("store: scan opinion text: %w", err)
		}
		texts[id] = content
	}
	return texts, rows.Err()
}

// UserIDsByParticipant maps engine participant ids to user ids.
func (s *Store) UserIDsByParticipant(ctx context.Context, participantIDs []int64) (map[int64]string, error) {
	users := make(map[int64]string, len(participantIDs))
	if len(participantIDs) == 0 {
		return users, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT polis_participant_id, id::text FROM "user" WHERE polis_participant_id = ANY($1)`,
		participantIDs)
	if err != nil {
		return nil, fmt.Errorf("store: users by participant: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			pid    int64
			userID string
		)
		if err := rows.Scan(&pid, &userID); err != nil {
			return nil, fmt.Errorf("store: scan user: %w", err)
		}
		users[pid] = userID
	}
	return users, rows.Err()
}

// ReconcileCounters recomputes opinion, vote and participant counts from
// source rows and writes them back when they drifted. last_reacted_at is
// bumped either way. It reports the recomputed counters and whether they
// differed from the stored ones.
func (s *Store) ReconcileCounters(ctx context.Context, conversationID int64) (Counters, bool, error) {
	var (
		stored, actual Counters
		changed        bool
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT opinion_count, vote_count, participant_count
			FROM conversation WHERE id = $1 FOR UPDATE`, conversationID).
			Scan(&stored.OpinionCount, &stored.VoteCount, &stored.ParticipantCount)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("store: reconcile %d: %w", conversationID, core.ErrConversationNotFound)
		}
		if err != nil {
			return fmt.Errorf("store: reconcile %d: %w", conversationID, err)
		}

		if err := tx.QueryRow(ctx, `SELECT count(*), count(DISTINCT v.author_id) `+countedVotes, conversationID).
			Scan(&actual.VoteCount, &actual.ParticipantCount); err != nil {
			return fmt.Errorf("store: count votes %d: %w", conversationID, err)
		}
		if err := tx.QueryRow(ctx, `
			SELECT count(*)
			FROM opinion o
			JOIN "user" u ON u.id = o.author_id
			LEFT JOIN opinion_moderation om ON om.opinion_id = o.id
			WHERE o.conversation_id = $1
			  AND o.current_content_id IS NOT NULL
			  AND om.id IS NULL
			  AND u.is_deleted = false`, conversationID).Scan(&actual.OpinionCount); err != nil {
			return fmt.Errorf("store: count opinions %d: %w", conversationID, err)
		}

		changed = stored != actual
		if changed {
			_, err = tx.Exec(ctx, `
				UPDATE conversation
				SET opinion_count = $2, vote_count = $3, participant_count = $4, last_reacted_at = $5
				WHERE id = $1`,
				conversationID, actual.OpinionCount, actual.VoteCount, actual.ParticipantCount, s.nowUTC())
		} else {
			_, err = tx.Exec(ctx, `UPDATE conversation SET last_reacted_at = $2 WHERE id = $1`,
				conversationID, s.nowUTC())
		}
		if err != nil {
			return fmt.Errorf("store: write counters %d: %w", conversationID, err)
		}
		return nil
	})
	if err != nil {
		return Counters{}, false, err
	}

	if changed {
		s.logger.InfoWithContext(ctx, "Counters drifted, reconciled", map[string]interface{}{
			"operation":         "reconcile_counters",
			"conversation_id":   conversationID,
			"opinions_diff":     actual.OpinionCount - stored.OpinionCount,
			"votes_diff":        actual.VoteCount - stored.VoteCount,
			"participants_diff": actual.ParticipantCount - stored.ParticipantCount,
			"opinion_count":     actual.OpinionCount,
			"vote_count":        actual.VoteCount,
			"participant_count": actual.ParticipantCount,
		})
	}
	return actual, changed, nil
}
