package update

import (
	"sort"
	"strconv"
	"time"

	"github.com/zkorum/mathupdater/engine"
	"github.com/zkorum/mathupdater/store"
)

// ClusterCounts are the cluster totals reported by each engine table.
type ClusterCounts struct {
	Repness           int
	GroupCommentStats int
	Participants      int
}

// Consistent reports whether all tables agree.
func (c ClusterCounts) Consistent() bool {
	return c.Repness == c.GroupCommentStats && c.Repness == c.Participants
}

// ClusterCount returns how many clusters to keep: the smallest count any
// table reports, capped at store.MaxClusters.
func ClusterCount(results *engine.MathResults) (int, ClusterCounts) {
	counts := ClusterCounts{
		Repness:           len(results.Repness),
		GroupCommentStats: len(results.GroupCommentStats),
		Participants:      results.ClusteredGroupCount(),
	}
	n := min(counts.Repness, counts.GroupCommentStats, counts.Participants)
	return min(n, store.MaxClusters), counts
}

// BuildRequest turns counted votes into an engine request. Every vote is
// stamped with now; datetime drops the sub-second part.
func BuildRequest(conv *store.Conversation, votes []store.VoteRow, now time.Time) *engine.MathRequest {
	now = now.UTC()
	datetime := now.Truncate(time.Second).Format("2006-01-02T15:04:05.000Z")
	modified := now.UnixMilli()

	records := make([]engine.VoteRecord, len(votes))
	for i, v := range votes {
		records[i] = engine.VoteRecord{
			ParticipantID:  v.ParticipantID,
			StatementID:    v.OpinionID,
			Vote:           v.Vote,
			ConversationID: conv.SlugID,
			Datetime:       &datetime,
			Modified:       &modified,
		}
	}
	return &engine.MathRequest{
		ConversationID:     conv.ID,
		ConversationSlugID: conv.SlugID,
		Votes:              records,
	}
}

// clusterInsight holds the representative opinion ids of a cluster.
type clusterInsight struct {
	AgreesWith    []int64
	DisagreesWith []int64
}

// snapshotPlan is phase 1's in-memory result, before it is written.
type snapshotPlan struct {
	Snapshot *store.Snapshot
	Insights []clusterInsight

	// Unmapped counts participants with no matching user.
	Unmapped int
}

// planSnapshot lays out clusters 0..n-1. Cluster k takes its repness and
// group stats from key "k", its members from participants with cluster id
// k, and its external id from the k-th group key in numeric order.
func planSnapshot(conversationID int64, results *engine.MathResults, raw []byte, n int, users map[int64]string) (*snapshotPlan, error) {
	groupIDs, err := results.GroupIDs()
	if err != nil {
		return nil, err
	}

	plan := &snapshotPlan{
		Snapshot: &store.Snapshot{
			ConversationID: conversationID,
			RawData:        raw,
			Clusters:       make([]store.ClusterRecord, 0, n),
		},
		Insights: make([]clusterInsight, 0, n),
	}

	for k := 0; k < n; k++ {
		cluster := store.ClusterRecord{Key: k}
		if k < len(groupIDs) {
			cluster.ExternalID = groupIDs[k]
		}

		for _, p := range results.Participants {
			if p.ClusterID == nil || int64(*p.ClusterID) != int64(k) {
				continue
			}
			cluster.NumUsers++
			if userID, ok := users[p.ParticipantID]; ok {
				cluster.UserIDs = append(cluster.UserIDs, userID)
			} else {
				plan.Unmapped++
			}
		}

		var insight clusterInsight
		for _, rep := range results.Repness[strconv.Itoa(k)] {
			cluster.Opinions = append(cluster.Opinions, store.ClusterOpinionRecord{
				OpinionID:            int64(rep.TID),
				AgreementType:        rep.RepfulFor,
				ProbabilityAgreement: rep.PSuccess,
				NumAgreement:         int(rep.NSuccess),
				RawRepness:           rep.Raw,
			})
			if rep.RepfulFor == "agree" {
				insight.AgreesWith = append(insight.AgreesWith, int64(rep.TID))
			} else {
				insight.DisagreesWith = append(insight.DisagreesWith, int64(rep.TID))
			}
		}

		plan.Snapshot.Clusters = append(plan.Snapshot.Clusters, cluster)
		plan.Insights = append(plan.Insights, insight)
	}
	return plan, nil
}

// participantIDs returns the distinct participant ids of the results.
func participantIDs(results *engine.MathResults) []int64 {
	seen := make(map[int64]struct{}, len(results.Participants))
	ids := make([]int64, 0, len(results.Participants))
	for _, p := range results.Participants {
		if _, ok := seen[p.ParticipantID]; ok {
			continue
		}
		seen[p.ParticipantID] = struct{}{}
		ids = append(ids, p.ParticipantID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AnalyticsBuilder projects results onto opinions. clusterIDs holds the
// inserted cluster id per key 0..n-1.
func AnalyticsBuilder(results *engine.MathResults, clusterIDs []int64) func(opinionIDs []int64) []store.OpinionAnalytics {
	type scores struct {
		priority, agree, disagree, divisiveness float64
	}
	statements := make(map[int64]scores, len(results.Statements))
	for _, s := range results.Statements {
		statements[int64(s.StatementID)] = scores{
			priority:     s.Priority,
			agree:        s.GroupAwareConsensusAgree,
			disagree:     s.GroupAwareConsensusDisagree,
			divisiveness: s.Extremity,
		}
	}

	type majority struct {
		kind string
		prob float64
	}
	majorities := make(map[int64]majority)
	if results.Consensus != nil {
		for _, c := range results.Consensus.Agree {
			majorities[int64(c.TID)] = majority{kind: "agree", prob: c.PSuccess}
		}
		for _, c := range results.Consensus.Disagree {
			majorities[int64(c.TID)] = majority{kind: "disagree", prob: c.PSuccess}
		}
	}

	stats := make([]map[int64]engine.GroupCommentStat, len(clusterIDs))
	for k := range clusterIDs {
		stats[k] = make(map[int64]engine.GroupCommentStat)
		for _, g := range results.GroupCommentStats[strconv.Itoa(k)] {
			stats[k][int64(g.StatementID)] = g
		}
	}

	return func(opinionIDs []int64) []store.OpinionAnalytics {
		rows := make([]store.OpinionAnalytics, 0, len(opinionIDs))
		for _, id := range opinionIDs {
			row := store.OpinionAnalytics{OpinionID: id}
			if s, ok := statements[id]; ok {
				row.Priority = ptr(s.priority)
				row.ConsensusAgree = ptr(s.agree)
				row.ConsensusDisagree = ptr(s.disagree)
				row.Divisiveness = ptr(s.divisiveness)
			}
			if m, ok := majorities[id]; ok {
				row.MajorityType = ptr(m.kind)
				row.MajorityProbability = ptr(m.prob)
			}
			for k, clusterID := range clusterIDs {
				if k >= store.MaxClusters {
					break
				}
				counts := store.ClusterCounts{ClusterID: ptr(clusterID)}
				if g, ok := stats[k][id]; ok {
					counts.Agrees = g.NA
					counts.Disagrees = g.ND
					counts.Passes = g.Passes()
				}
				row.Clusters[k] = counts
			}
			rows = append(rows, row)
		}
		return rows
	}
}

func ptr[T any](v T) *T {
	return &v
}
