package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/zkorum/mathupdater/core"
)

// ClusterLabel is the labeling output for one cluster.
type ClusterLabel struct {
	ClusterID int64
	Label     *string
	Summary   *string
}

// ClusterTranslation is a translated label/summary for one cluster.
type ClusterTranslation struct {
	ClusterID    int64
	LanguageCode string
	Label        *string
	Summary      *string
}

// ClusterCounts fills one cluster cache slot of an opinion. A nil
// ClusterID clears the slot.
type ClusterCounts struct {
	ClusterID *int64
	Agrees    int64
	Disagrees int64
	Passes    int64
}

// OpinionAnalytics is the denormalized projection of a snapshot onto one
// opinion. Nil score fields keep the opinion's previous value; a nil
// MajorityType clears the majority columns.
type OpinionAnalytics struct {
	OpinionID           int64
	Priority            *float64
	ConsensusAgree      *float64
	ConsensusDisagree   *float64
	Divisiveness        *float64
	MajorityType        *string
	MajorityProbability *float64
	Clusters            [MaxClusters]ClusterCounts
}

// Activation is everything phase 3 writes. BuildAnalytics receives the ids
// of every opinion of the conversation, read inside the activation
// transaction, and returns their rows.
type Activation struct {
	ConversationID int64
	SnapshotID     int64
	Labels         []ClusterLabel
	Translations   []ClusterTranslation
	BuildAnalytics func(opinionIDs []int64) []OpinionAnalytics
}

// ActivationStats reports what an activation wrote.
type ActivationStats struct {
	LabelsWritten        int
	TranslationsInserted int
	OpinionsUpdated      int
}

var stagingColumns = func() []string {
	cols := []string{"opinion_id", "priority", "ga_pa", "ga_pd", "divisiveness", "majority_type", "majority_ps"}
	for i := 0; i < MaxClusters; i++ {
		cols = append(cols,
			fmt.Sprintf("c%d_id", i),
			fmt.Sprintf("c%d_agrees", i),
			fmt.Sprintf("c%d_disagrees", i),
			fmt.Sprintf("c%d_passes", i))
	}
	return cols
}()

func createStagingSQL() string {
	var b strings.Builder
	b.WriteString(`CREATE TEMP TABLE opinion_analytics_staging (
		opinion_id int8 PRIMARY KEY,
		priority float8, ga_pa float8, ga_pd float8, divisiveness float8,
		majority_type text, majority_ps float8`)
	for i := 0; i < MaxClusters; i++ {
		fmt.Fprintf(&b, ",\n\t\tc%[1]d_id int8, c%[1]d_agrees int8, c%[1]d_disagrees int8, c%[1]d_passes int8", i)
	}
	b.WriteString("\n\t) ON COMMIT DROP")
	return b.String()
}

func applyStagingSQL() string {
	var b strings.Builder
	b.WriteString(`UPDATE opinion o SET
		polis_priority = COALESCE(s.priority, o.polis_priority),
		polis_ga_consensus_pa = COALESCE(s.ga_pa, o.polis_ga_consensus_pa),
		polis_ga_consensus_pd = COALESCE(s.ga_pd, o.polis_ga_consensus_pd),
		polis_divisiveness = COALESCE(s.divisiveness, o.polis_divisiveness),
		polis_majority_type = s.majority_type::vote_enum_simple,
		polis_majority_ps = s.majority_ps`)
	for i := 0; i < MaxClusters; i++ {
		fmt.Fprintf(&b, `,
		cluster_%[1]d_id = s.c%[1]d_id,
		cluster_%[1]d_num_agrees = s.c%[1]d_agrees,
		cluster_%[1]d_num_disagrees = s.c%[1]d_disagrees,
		cluster_%[1]d_num_passes = s.c%[1]d_passes`, i)
	}
	b.WriteString(`,
		updated_at = $2
	FROM opinion_analytics_staging s
	WHERE o.id = s.opinion_id AND o.conversation_id = $1`)
	return b.String()
}

// stagingRow flattens an OpinionAnalytics into staging column order.
func stagingRow(a OpinionAnalytics) []any {
	row := make([]any, 0, len(stagingColumns))
	majorityPS := a.MajorityProbability
	if a.MajorityType == nil {
		majorityPS = nil
	}
	row = append(row, a.OpinionID, a.Priority, a.ConsensusAgree, a.ConsensusDisagree, a.Divisiveness,
		a.MajorityType, majorityPS)
	for _, c := range a.Clusters {
		if c.ClusterID == nil {
			row = append(row, nil, nil, nil, nil)
			continue
		}
		row = append(row, *c.ClusterID, c.Agrees, c.Disagrees, c.Passes)
	}
	return row
}

// ActivateSnapshot publishes a snapshot in one transaction: labels and
// translations, every opinion's analytics, then the conversation pointer.
// Any error rolls the whole activation back.
func (s *Store) ActivateSnapshot(ctx context.Context, act *Activation) (ActivationStats, error) {
	var stats ActivationStats
	now := s.nowUTC()

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if len(act.Labels) > 0 {
			batch := &pgx.Batch{}
			for _, l := range act.Labels {
				batch.Queue(`UPDATE polis_cluster SET ai_label = $2, ai_summary = $3, updated_at = $4 WHERE id = $1`,
					l.ClusterID, l.Label, l.Summary, now)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("store: write labels: %w", err)
			}
			stats.LabelsWritten = len(act.Labels)
		}

		if len(act.Translations) > 0 {
			n, err := insertTranslations(ctx, tx, act.Translations)
			if err != nil {
				return err
			}
			stats.TranslationsInserted = n
		}

		opinionIDs, err := conversationOpinionIDs(ctx, tx, act.ConversationID)
		if err != nil {
			return err
		}
		var rows []OpinionAnalytics
		if act.BuildAnalytics != nil {
			rows = act.BuildAnalytics(opinionIDs)
		}

		if len(rows) > 0 {
			if _, err := tx.Exec(ctx, createStagingSQL()); err != nil {
				return fmt.Errorf("store: create staging table: %w", err)
			}
			if _, err := tx.CopyFrom(ctx,
				pgx.Identifier{"opinion_analytics_staging"},
				stagingColumns,
				pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
					return stagingRow(rows[i]), nil
				})); err != nil {
				return fmt.Errorf("store: copy opinion analytics: %w", err)
			}
			tag, err := tx.Exec(ctx, applyStagingSQL(), act.ConversationID, now)
			if err != nil {
				return fmt.Errorf("store: apply opinion analytics: %w", err)
			}
			stats.OpinionsUpdated = int(tag.RowsAffected())
		}

		tag, err := tx.Exec(ctx, `
			UPDATE conversation SET current_polis_content_id = $2, updated_at = $3 WHERE id = $1`,
			act.ConversationID, act.SnapshotID, now)
		if err != nil {
			return fmt.Errorf("store: swap snapshot pointer: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("store: swap snapshot pointer %d: %w", act.ConversationID, core.ErrConversationNotFound)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO mathupdater_snapshot_activation (polis_content_id, conversation_id, activated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (polis_content_id) DO NOTHING`,
			act.SnapshotID, act.ConversationID, now); err != nil {
			return fmt.Errorf("store: record activation: %w", err)
		}
		return nil
	})
	if err != nil {
		return ActivationStats{}, err
	}
	return stats, nil
}

func insertTranslations(ctx context.Context, tx pgx.Tx, translations []ClusterTranslation) (int, error) {
	n := len(translations)
	var (
		clusterIDs = make([]int64, n)
		languages  = make([]string, n)
		labels     = make([]*string, n)
		summaries  = make([]*string, n)
	)
	for i, t := range translations {
		clusterIDs[i] = t.ClusterID
		languages[i] = t.LanguageCode
		labels[i] = t.Label
		summaries[i] = t.Summary
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO polis_cluster_translation (polis_cluster_id, language_code, ai_label, ai_summary)
		SELECT * FROM unnest($1::int8[], $2::text[], $3::text[], $4::text[])
		ON CONFLICT (polis_cluster_id, language_code) DO NOTHING`,
		clusterIDs, languages, labels, summaries)
	if err != nil {
		return 0, fmt.Errorf("store: insert translations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func conversationOpinionIDs(ctx context.Context, tx pgx.Tx, conversationID int64) ([]int64, error) {
	rows, err := tx.Query(ctx, `SELECT id FROM opinion WHERE conversation_id = $1 ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: list opinions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("store: list opinions: %w", err)
	}
	return ids, nil
}

// CurrentSnapshotID returns the conversation's active snapshot, or nil if
// none was ever activated.
func (s *Store) CurrentSnapshotID(ctx context.Context, conversationID int64) (*int64, error) {
	var id *int64
	err := s.pool.QueryRow(ctx, `SELECT current_polis_content_id FROM conversation WHERE id = $1`, conversationID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: conversation %d: %w", conversationID, core.ErrConversationNotFound)
		}
		return nil, fmt.Errorf("store: conversation %d: %w", conversationID, err)
	}
	return id, nil
}
