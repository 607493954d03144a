package update

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkorum/mathupdater/core"
	"github.com/zkorum/mathupdater/engine"
	"github.com/zkorum/mathupdater/store"
)

var fixedNow = time.Date(2025, 3, 1, 12, 30, 45, 678_000_000, time.UTC)

type harness struct {
	store      *fakeStore
	engine     *fakeEngine
	labeler    *fakeLabeler
	translator *fakeTranslator
	updater    *Updater
}

func newHarness(numClusters, numOpinions, numParticipants int) *harness {
	s := newFakeStore(numOpinions, numParticipants)
	h := &harness{
		store:      s,
		engine:     &fakeEngine{results: makeResults(numClusters, s.opinionIDs, numParticipants)},
		labeler:    &fakeLabeler{},
		translator: &fakeTranslator{},
	}
	h.updater = NewUpdater(h.store, h.engine, nil,
		WithLabeler(h.labeler),
		WithTranslator(h.translator),
		WithClock(func() time.Time { return fixedNow }))
	return h
}

func TestRun_HappyPath(t *testing.T) {
	h := newHarness(3, 4, 9)

	res := h.updater.Run(context.Background(), 42)
	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 3, res.NumClusters)
	require.NotNil(t, h.store.pointer)
	assert.Equal(t, res.SnapshotID, *h.store.pointer)

	snap := h.store.snapshots[res.SnapshotID]
	require.Len(t, snap.Clusters, 3)
	assert.Equal(t, `{"raw": true}`, string(snap.RawData))
	for k, c := range snap.Clusters {
		assert.Equal(t, k, c.Key)
		assert.Equal(t, int64(k), c.ExternalID)
		assert.Equal(t, 3, c.NumUsers)
		assert.Len(t, c.UserIDs, 3)
		require.Len(t, c.Opinions, 1)
		assert.Equal(t, int64(100), c.Opinions[0].OpinionID)
		assert.Equal(t, 3, c.Opinions[0].NumAgreement)
	}

	// Phase 2: insights carry texts, keyed "0".."2".
	require.Equal(t, 1, h.labeler.calls)
	assert.Equal(t, 3, h.labeler.lastN)
	assert.Equal(t, []string{"opinion 100"}, h.labeler.insights.Clusters["0"].AgreesWith)
	assert.Equal(t, []string{"opinion 100"}, h.labeler.insights.Clusters["1"].DisagreesWith)
	assert.Equal(t, "City budget", h.labeler.insights.ConversationTitle)
	require.NotNil(t, res.Enrichment)
	assert.Len(t, res.Enrichment.Translations, 3)

	// Phase 3: labels and translations are mapped to inserted cluster ids.
	act := h.store.activations[0]
	require.Len(t, act.Labels, 3)
	assert.Equal(t, int64(11), act.Labels[1].ClusterID)
	assert.Equal(t, "Group1", *act.Labels[1].Label)
	require.Len(t, act.Translations, 3)
	assert.Equal(t, int64(12), act.Translations[2].ClusterID)
	assert.Equal(t, "es:Summary 2", *act.Translations[2].Summary)

	// Analytics: statement fields, majority and cluster slots.
	first := h.store.analytics[100]
	require.NotNil(t, first.Priority)
	assert.Equal(t, 0.5, *first.Priority)
	assert.Equal(t, 0.25, *first.Divisiveness)
	assert.Equal(t, "agree", *first.MajorityType)
	assert.Equal(t, 0.9, *first.MajorityProbability)
	assert.Equal(t, int64(10), *first.Clusters[0].ClusterID)
	assert.Equal(t, int64(3), first.Clusters[0].Agrees)
	assert.Equal(t, int64(1), first.Clusters[0].Passes)
	assert.Nil(t, first.Clusters[3].ClusterID)
	assert.Nil(t, first.Clusters[5].ClusterID)

	second := h.store.analytics[101]
	assert.Equal(t, "disagree", *second.MajorityType)
	assert.Equal(t, int64(0), second.Clusters[0].Agrees, "no stats gives zero counts")
	assert.Equal(t, int64(10), *second.Clusters[0].ClusterID)

	last := h.store.analytics[103]
	assert.Nil(t, last.Priority, "opinions without a statement keep their values")
	assert.Nil(t, last.MajorityType)
}

func TestRun_EngineRequest(t *testing.T) {
	h := newHarness(2, 2, 2)
	_ = h.updater.Run(context.Background(), 42)

	req := h.engine.lastReq
	require.NotNil(t, req)
	assert.Equal(t, "slug42", req.ConversationSlugID)
	require.Len(t, req.Votes, 4)
	v := req.Votes[0]
	assert.Equal(t, "slug42", v.ConversationID)
	assert.Equal(t, "2025-03-01T12:30:45.000Z", *v.Datetime)
	assert.Equal(t, fixedNow.UnixMilli(), *v.Modified)
	assert.Nil(t, v.WeightX32767)
}

func TestRun_EngineFailureKeepsSnapshot(t *testing.T) {
	h := newHarness(2, 3, 4)
	h.engine.err = fmt.Errorf("engine: %w", core.ErrEngineUnavailable)
	h.engine.raw = []byte(`<html>bad gateway</html>`)

	res := h.updater.Run(context.Background(), 42)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateFetching, res.FailedAt)
	assert.ErrorIs(t, res.Err, core.ErrEngineUnavailable)
	assert.Empty(t, h.store.snapshots)
	assert.Nil(t, h.store.pointer)
	assert.Zero(t, h.labeler.calls)
}

func TestRun_ConversationNotFound(t *testing.T) {
	h := newHarness(2, 3, 4)
	res := h.updater.Run(context.Background(), 7)
	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, core.ErrConversationNotFound)
	assert.Zero(t, h.engine.calls)
}

func TestRun_FewClustersSkipEnrichment(t *testing.T) {
	for _, n := range []int{0, 1} {
		t.Run(fmt.Sprintf("%d clusters", n), func(t *testing.T) {
			h := newHarness(n, 3, 4)
			res := h.updater.Run(context.Background(), 42)
			require.NoError(t, res.Err)
			assert.Equal(t, StateDone, res.State)
			assert.Equal(t, n, res.NumClusters)
			assert.Nil(t, res.Enrichment)
			assert.Zero(t, h.labeler.calls)
			assert.Zero(t, h.translator.calls)
			require.NotNil(t, h.store.pointer)
			for _, row := range h.store.analytics {
				for i := n; i < store.MaxClusters; i++ {
					assert.Nil(t, row.Clusters[i].ClusterID)
				}
			}
		})
	}
}

func TestRun_TruncatesToSixClusters(t *testing.T) {
	h := newHarness(8, 3, 16)
	res := h.updater.Run(context.Background(), 42)
	require.NoError(t, res.Err)
	assert.Equal(t, 6, res.NumClusters)
	assert.Len(t, h.store.snapshots[res.SnapshotID].Clusters, 6)
	assert.Equal(t, 6, h.labeler.lastN)
	assert.NotNil(t, h.store.analytics[100].Clusters[5].ClusterID)
}

func TestRun_InconsistentTablesUseMinimum(t *testing.T) {
	h := newHarness(4, 3, 8)
	delete(h.engine.results.Repness, "3")
	res := h.updater.Run(context.Background(), 42)
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.NumClusters)
}

func TestRun_LabelingTimeout(t *testing.T) {
	h := newHarness(3, 3, 6)
	h.labeler.err = fmt.Errorf("%w: labeling after 2m0s", core.ErrTimeout)

	res := h.updater.Run(context.Background(), 42)
	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.State)
	assert.Nil(t, res.Enrichment)
	assert.Zero(t, h.translator.calls)
	assert.Empty(t, h.store.activations[0].Labels)
	require.NotNil(t, h.store.pointer)
}

func TestRun_TranslationFailureKeepsLabels(t *testing.T) {
	h := newHarness(2, 3, 4)
	h.translator.err = errors.New("quota exceeded")

	res := h.updater.Run(context.Background(), 42)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Enrichment)
	assert.Len(t, res.Enrichment.Labels, 2)
	assert.Empty(t, res.Enrichment.Translations)
	assert.Len(t, h.store.activations[0].Labels, 2)
	assert.Empty(t, h.store.activations[0].Translations)
}

func TestRun_WithoutLabeler(t *testing.T) {
	h := newHarness(3, 3, 6)
	u := NewUpdater(h.store, h.engine, nil)
	res := u.Run(context.Background(), 42)
	require.NoError(t, res.Err)
	assert.Nil(t, res.Enrichment)
}

func TestRun_ActivationFailureLeavesOrphan(t *testing.T) {
	h := newHarness(2, 3, 4)
	h.store.activateErr = errors.New("deadlock detected")

	res := h.updater.Run(context.Background(), 42)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StatePhase3Activate, res.FailedAt)
	assert.Nil(t, h.store.pointer, "pointer keeps the previous snapshot")
	assert.Len(t, h.store.snapshots, 1, "the orphan is left for the sweep")
}

func TestRun_SnapshotFailure(t *testing.T) {
	h := newHarness(2, 3, 4)
	h.store.createErr = errors.New("connection reset")

	res := h.updater.Run(context.Background(), 42)
	assert.Equal(t, StatePhase1Snapshot, res.FailedAt)
	assert.Zero(t, h.labeler.calls)
}

func TestRun_UnmappedParticipantsSkipped(t *testing.T) {
	h := newHarness(2, 3, 4)
	delete(h.store.users, 0)

	res := h.updater.Run(context.Background(), 42)
	require.NoError(t, res.Err)
	c := h.store.snapshots[res.SnapshotID].Clusters[0]
	assert.Equal(t, 2, c.NumUsers)
	assert.Len(t, c.UserIDs, 1)
}

func TestRun_AnalyticsAreIdempotent(t *testing.T) {
	h := newHarness(3, 4, 6)
	require.NoError(t, h.updater.Run(context.Background(), 42).Err)
	first := h.store.activations[0].BuildAnalytics(h.store.opinionIDs)
	again := h.store.activations[0].BuildAnalytics(h.store.opinionIDs)
	assert.Equal(t, first, again)

	require.NoError(t, h.updater.Run(context.Background(), 42).Err)
	second := h.store.activations[1].BuildAnalytics(h.store.opinionIDs)
	for i := range first {
		assert.Equal(t, first[i].Priority, second[i].Priority)
		assert.Equal(t, first[i].MajorityType, second[i].MajorityType)
		assert.Equal(t, first[i].Clusters[0].Agrees, second[i].Clusters[0].Agrees)
	}
}

func TestClusterCount(t *testing.T) {
	r := makeResults(3, []int64{1, 2}, 6)
	n, counts := ClusterCount(r)
	assert.Equal(t, 3, n)
	assert.True(t, counts.Consistent())

	r.Participants = r.Participants[:2]
	n, counts = ClusterCount(r)
	assert.Equal(t, 2, n)
	assert.False(t, counts.Consistent())
}

func TestPlanSnapshot_ExternalIDsFollowNumericKeyOrder(t *testing.T) {
	r := makeResults(3, []int64{1, 2}, 6)
	stats := r.GroupCommentStats
	r.GroupCommentStats = map[string][]engine.GroupCommentStat{"10": stats["0"], "2": stats["1"], "7": stats["2"]}

	plan, err := planSnapshot(42, r, nil, 3, map[int64]string{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), plan.Snapshot.Clusters[0].ExternalID)
	assert.Equal(t, int64(7), plan.Snapshot.Clusters[1].ExternalID)
	assert.Equal(t, int64(10), plan.Snapshot.Clusters[2].ExternalID)
	assert.Equal(t, 6, plan.Unmapped)
}
