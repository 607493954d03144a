package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// SweepOrphanSnapshots deletes snapshots older than retention that were
// never activated: their run failed or was skipped after phase 1. Activated
// snapshots are history and are kept even after being superseded. The newest
// snapshot of a conversation is kept because its activation may still be in
// flight. Child rows are deleted explicitly since the host schema does not
// cascade.
func (s *Store) SweepOrphanSnapshots(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := s.nowUTC().Add(-retention)

	deleted := 0
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT pc.id FROM polis_content pc
			WHERE pc.created_at < $1
			  AND NOT EXISTS (SELECT 1 FROM conversation c WHERE c.current_polis_content_id = pc.id)
			  AND NOT EXISTS (SELECT 1 FROM mathupdater_snapshot_activation a WHERE a.polis_content_id = pc.id)
			  AND pc.id <> (SELECT max(newest.id) FROM polis_content newest WHERE newest.conversation_id = pc.conversation_id)
			FOR UPDATE SKIP LOCKED`, cutoff)
		if err != nil {
			return fmt.Errorf("store: find orphan snapshots: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return fmt.Errorf("store: find orphan snapshots: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		for _, stmt := range []string{
			`DELETE FROM polis_cluster_translation WHERE polis_cluster_id IN (SELECT id FROM polis_cluster WHERE polis_content_id = ANY($1))`,
			`DELETE FROM polis_cluster_user WHERE polis_content_id = ANY($1)`,
			`DELETE FROM polis_cluster_opinion WHERE polis_cluster_id IN (SELECT id FROM polis_cluster WHERE polis_content_id = ANY($1))`,
			`DELETE FROM polis_cluster WHERE polis_content_id = ANY($1)`,
		} {
			if _, err := tx.Exec(ctx, stmt, ids); err != nil {
				return fmt.Errorf("store: delete orphan children: %w", err)
			}
		}
		tag, err := tx.Exec(ctx, `DELETE FROM polis_content WHERE id = ANY($1)`, ids)
		if err != nil {
			return fmt.Errorf("store: delete orphan snapshots: %w", err)
		}
		deleted = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		s.logger.InfoWithContext(ctx, "Swept orphan snapshots", map[string]interface{}{
			"operation": "sweep_orphans",
			"deleted":   deleted,
			"retention": retention.String(),
		})
	}
	return deleted, nil
}
