package update

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zkorum/mathupdater/ai"
	"github.com/zkorum/mathupdater/core"
	"github.com/zkorum/mathupdater/store"
	"github.com/zkorum/mathupdater/telemetry"
)

// maxLoggedPayload bounds the raw engine output attached to error logs.
const maxLoggedPayload = 4096

// Updater runs the recomputation protocol for one conversation at a time.
// It is safe for concurrent use on different conversations.
type Updater struct {
	store      Store
	engine     Engine
	labeler    Labeler
	translator Translator
	logger     core.Logger
	now        func() time.Time
}

// Option customizes an Updater.
type Option func(*Updater)

// WithLabeler enables phase 2 labeling. Without it phase 2 is skipped.
func WithLabeler(l Labeler) Option {
	return func(u *Updater) { u.labeler = l }
}

// WithTranslator enables translation of labels in phase 2.
func WithTranslator(t Translator) Option {
	return func(u *Updater) { u.translator = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(u *Updater) { u.now = now }
}

// NewUpdater creates an Updater.
func NewUpdater(s Store, e Engine, logger core.Logger, opts ...Option) *Updater {
	u := &Updater{
		store:  s,
		engine: e,
		logger: core.WithComponent(logger, "mathupdater/update"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Run recomputes conversationID. Readers see either the previous snapshot
// or the complete new one: nothing becomes visible before phase 3 commits.
func (u *Updater) Run(ctx context.Context, conversationID int64) Result {
	ctx, span := telemetry.StartSpan(ctx, "update.run",
		attribute.Int64("conversation.id", conversationID))
	defer span.End()

	start := time.Now()
	res := u.run(ctx, conversationID)

	telemetry.Duration("mathupdater.update.duration", start, "state", string(res.State))
	telemetry.Counter("mathupdater.update.runs", "state", string(res.State), "failed_at", string(res.FailedAt))
	if res.Err != nil {
		telemetry.RecordSpanError(ctx, res.Err)
	}
	telemetry.SetSpanAttributes(ctx,
		attribute.String("update.state", string(res.State)),
		attribute.Int("update.clusters", res.NumClusters))
	return res
}

func (u *Updater) run(ctx context.Context, conversationID int64) Result {
	res := Result{State: StateFetching}
	fail := func(err error) Result {
		res.FailedAt = res.State
		res.State = StateFailed
		res.Err = err
		return res
	}

	// fetching
	conv, err := u.store.GetConversation(ctx, conversationID)
	if err != nil {
		return fail(err)
	}
	votes, err := u.store.FetchVotes(ctx, conversationID)
	if err != nil {
		return fail(err)
	}
	req := BuildRequest(conv, votes, u.now())
	results, raw, err := u.engine.GetMath(ctx, req)
	if err != nil {
		fields := map[string]interface{}{
			"operation":       "update_fetch",
			"conversation_id": conversationID,
			"votes":           len(votes),
			"error":           err.Error(),
		}
		if len(raw) > 0 {
			fields["raw_payload"] = truncate(raw, maxLoggedPayload)
		}
		u.logger.ErrorWithContext(ctx, "Clustering engine failed, keeping current snapshot", fields)
		return fail(core.NewUpdaterError("update.fetch", "engine", err))
	}

	// phase 1
	res.State = StatePhase1Snapshot
	n, counts := ClusterCount(results)
	res.NumClusters = n
	if !counts.Consistent() {
		u.logger.WarnWithContext(ctx, "Engine tables disagree on cluster count, keeping the minimum", map[string]interface{}{
			"operation":           "update_phase1",
			"conversation_id":     conversationID,
			"repness":             counts.Repness,
			"group_comment_stats": counts.GroupCommentStats,
			"participants":        counts.Participants,
		})
	}
	if total := min(counts.Repness, counts.GroupCommentStats, counts.Participants); total > store.MaxClusters {
		u.logger.WarnWithContext(ctx, "Too many clusters, dropping the extra ones", map[string]interface{}{
			"operation":       "update_phase1",
			"conversation_id": conversationID,
			"clusters":        total,
			"kept":            store.MaxClusters,
		})
	}

	users, err := u.store.UserIDsByParticipant(ctx, participantIDs(results))
	if err != nil {
		return fail(err)
	}
	plan, err := planSnapshot(conversationID, results, raw, n, users)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", core.ErrMalformedEngineOutput, err))
	}
	if plan.Unmapped > 0 {
		u.logger.WarnWithContext(ctx, "Participants without a user skipped", map[string]interface{}{
			"operation":       "update_phase1",
			"conversation_id": conversationID,
			"unmapped":        plan.Unmapped,
		})
	}
	ref, err := u.store.CreateSnapshot(ctx, plan.Snapshot)
	if err != nil {
		return fail(core.NewUpdaterError("update.phase1", "store", err))
	}
	res.SnapshotID = ref.ID

	// phase 2
	res.State = StatePhase2Enrich
	res.Enrichment = u.enrich(ctx, conv, plan, n)

	// phase 3
	res.State = StatePhase3Activate
	act := &store.Activation{
		ConversationID: conversationID,
		SnapshotID:     ref.ID,
		BuildAnalytics: AnalyticsBuilder(results, ref.ClusterIDs),
	}
	if res.Enrichment != nil {
		act.Labels, act.Translations = enrichmentRows(res.Enrichment, ref.ClusterIDs)
	}
	stats, err := u.store.ActivateSnapshot(ctx, act)
	if err != nil {
		return fail(core.NewUpdaterError("update.phase3", "store", err))
	}

	res.State = StateDone
	u.logger.InfoWithContext(ctx, "Conversation analytics updated", map[string]interface{}{
		"operation":        "update_run",
		"conversation_id":  conversationID,
		"snapshot_id":      ref.ID,
		"clusters":         n,
		"votes":            len(votes),
		"labels":           stats.LabelsWritten,
		"translations":     stats.TranslationsInserted,
		"opinions_updated": stats.OpinionsUpdated,
	})
	return res
}

// enrich never fails the run: any error yields less enrichment.
func (u *Updater) enrich(ctx context.Context, conv *store.Conversation, plan *snapshotPlan, n int) *Enrichment {
	if u.labeler == nil {
		u.logger.DebugWithContext(ctx, "Labeling disabled, skipping enrichment", map[string]interface{}{
			"conversation_id": conv.ID,
		})
		return nil
	}
	if n < 2 {
		u.logger.InfoWithContext(ctx, "Fewer than two clusters, skipping enrichment", map[string]interface{}{
			"conversation_id": conv.ID,
			"clusters":        n,
		})
		return nil
	}

	insights, err := u.insights(ctx, conv, plan)
	if err != nil {
		u.logger.WarnWithContext(ctx, "Could not load opinion texts, continuing without labels", map[string]interface{}{
			"conversation_id": conv.ID,
			"error":           err.Error(),
		})
		return nil
	}

	labels, err := u.labeler.Label(ctx, insights, n)
	if err != nil {
		u.logger.WarnWithContext(ctx, "Labeling failed, continuing without labels", map[string]interface{}{
			"conversation_id": conv.ID,
			"error":           err.Error(),
		})
		return nil
	}
	enrichment := &Enrichment{Labels: labels}

	if u.translator == nil || len(labels) == 0 {
		return enrichment
	}
	translations, err := u.translator.TranslateLabels(ctx, labels)
	if err != nil {
		u.logger.WarnWithContext(ctx, "Translation failed, continuing without translations", map[string]interface{}{
			"conversation_id": conv.ID,
			"error":           err.Error(),
		})
		return enrichment
	}
	enrichment.Translations = translations
	return enrichment
}

func (u *Updater) insights(ctx context.Context, conv *store.Conversation, plan *snapshotPlan) (*ai.ConversationInsights, error) {
	var ids []int64
	for _, in := range plan.Insights {
		ids = append(ids, in.AgreesWith...)
		ids = append(ids, in.DisagreesWith...)
	}
	texts, err := u.store.OpinionTexts(ctx, ids)
	if err != nil {
		return nil, err
	}

	resolve := func(ids []int64) []string {
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			if t, ok := texts[id]; ok {
				out = append(out, t)
			}
		}
		return out
	}

	insights := &ai.ConversationInsights{
		ConversationTitle: conv.Title,
		ConversationBody:  conv.Body,
		Clusters:          make(map[string]ai.ClusterInsight, len(plan.Insights)),
	}
	for k, in := range plan.Insights {
		insights.Clusters[strconv.Itoa(k)] = ai.ClusterInsight{
			AgreesWith:    resolve(in.AgreesWith),
			DisagreesWith: resolve(in.DisagreesWith),
		}
	}
	return insights, nil
}

// enrichmentRows maps cluster keys to inserted cluster ids.
func enrichmentRows(e *Enrichment, clusterIDs []int64) ([]store.ClusterLabel, []store.ClusterTranslation) {
	var labels []store.ClusterLabel
	for k := 0; k < len(clusterIDs); k++ {
		l, ok := e.Labels[k]
		if !ok {
			continue
		}
		labels = append(labels, store.ClusterLabel{
			ClusterID: clusterIDs[k],
			Label:     ptr(l.Label),
			Summary:   ptr(l.Summary),
		})
	}

	var translations []store.ClusterTranslation
	for _, t := range e.Translations {
		if t.Key < 0 || t.Key >= len(clusterIDs) {
			continue
		}
		translations = append(translations, store.ClusterTranslation{
			ClusterID:    clusterIDs[t.Key],
			LanguageCode: t.LanguageCode,
			Label:        t.Label,
			Summary:      t.Summary,
		})
	}
	return labels, translations
}

func truncate(b []byte, max int) string {
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
