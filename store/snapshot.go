package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// MaxClusters is the number of cluster cache column sets on an opinion.
const MaxClusters = 6

// Snapshot is the immutable result of one recomputation, ready to insert.
type Snapshot struct {
	ConversationID int64
	RawData        []byte
	Clusters       []ClusterRecord
}

// ClusterRecord is one retained cluster. Key is its ordinal 0..5.
type ClusterRecord struct {
	Key        int
	ExternalID int64
	NumUsers   int
	UserIDs    []string
	Opinions   []ClusterOpinionRecord
}

// ClusterOpinionRecord is an opinion representative of a cluster.
type ClusterOpinionRecord struct {
	OpinionID            int64
	AgreementType        string
	ProbabilityAgreement float64
	NumAgreement         int
	RawRepness           []byte
}

// SnapshotRef identifies an inserted snapshot and its clusters. ClusterIDs
// is indexed by cluster key.
type SnapshotRef struct {
	ID         int64
	ClusterIDs []int64
}

// CreateSnapshot inserts the snapshot, its clusters, memberships and
// representativeness rows in one transaction. Nothing visible to readers
// changes: the conversation pointer is untouched.
func (s *Store) CreateSnapshot(ctx context.Context, snap *Snapshot) (*SnapshotRef, error) {
	if len(snap.Clusters) > MaxClusters {
		return nil, fmt.Errorf("store: snapshot has %d clusters, max %d", len(snap.Clusters), MaxClusters)
	}

	ref := &SnapshotRef{ClusterIDs: make([]int64, len(snap.Clusters))}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO polis_content (conversation_id, raw_data) VALUES ($1, $2) RETURNING id`,
			snap.ConversationID, snap.RawData).Scan(&ref.ID); err != nil {
			return fmt.Errorf("store: insert snapshot: %w", err)
		}

		for i, cluster := range snap.Clusters {
			if cluster.Key != i {
				return fmt.Errorf("store: cluster keys must be contiguous from 0, got %d at %d", cluster.Key, i)
			}
			clusterID, err := insertCluster(ctx, tx, ref.ID, cluster)
			if err != nil {
				return err
			}
			ref.ClusterIDs[i] = clusterID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

func insertCluster(ctx context.Context, tx pgx.Tx, snapshotID int64, cluster ClusterRecord) (int64, error) {
	var clusterID int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO polis_cluster (polis_content_id, key, external_id, num_users)
		VALUES ($1, $2::text::polis_key_enum, $3, $4) RETURNING id`,
		snapshotID, strconv.Itoa(cluster.Key), cluster.ExternalID, cluster.NumUsers).Scan(&clusterID); err != nil {
		return 0, fmt.Errorf("store: insert cluster %d: %w", cluster.Key, err)
	}

	if len(cluster.UserIDs) > 0 {
		members := make([]uuid.UUID, 0, len(cluster.UserIDs))
		for _, id := range cluster.UserIDs {
			u, err := uuid.Parse(id)
			if err != nil {
				return 0, fmt.Errorf("store: member %q of cluster %d: %w", id, cluster.Key, err)
			}
			members = append(members, u)
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"polis_cluster_user"},
			[]string{"polis_content_id", "polis_cluster_id", "user_id"},
			pgx.CopyFromSlice(len(members), func(i int) ([]any, error) {
				return []any{snapshotID, clusterID, members[i]}, nil
			}))
		if err != nil {
			return 0, fmt.Errorf("store: copy members of cluster %d: %w", cluster.Key, err)
		}
	}

	if len(cluster.Opinions) > 0 {
		n := len(cluster.Opinions)
		var (
			opinionIDs = make([]int64, n)
			types      = make([]string, n)
			probs      = make([]float32, n)
			counts     = make([]int32, n)
			raws       = make([]string, n)
		)
		for i, op := range cluster.Opinions {
			opinionIDs[i] = op.OpinionID
			types[i] = op.AgreementType
			probs[i] = float32(op.ProbabilityAgreement)
			counts[i] = int32(op.NumAgreement)
			raws[i] = string(op.RawRepness)
		}
		// agreement_type is an enum, so rows go through unnest and a cast
		// rather than a binary COPY.
		_, err := tx.Exec(ctx, `
			INSERT INTO polis_cluster_opinion (polis_content_id, polis_cluster_id, opinion_id, agreement_type,
				probability_agreement, number_agreement, raw_repness)
			SELECT $1, $2, r.opinion_id, r.agreement_type::vote_enum_simple, r.probability, r.number, r.raw::jsonb
			FROM unnest($3::int8[], $4::text[], $5::real[], $6::int4[], $7::text[])
				AS r(opinion_id, agreement_type, probability, number, raw)`,
			snapshotID, clusterID, opinionIDs, types, probs, counts, raws)
		if err != nil {
			return 0, fmt.Errorf("store: insert repness of cluster %d: %w", cluster.Key, err)
		}
	}
	return clusterID, nil
}
