// Package update runs the three-phase recomputation of one conversation:
// snapshot the clustering engine output, enrich it with labels and
// translations, then activate it atomically.
package update

import (
	"context"

	"github.com/zkorum/mathupdater/ai"
	"github.com/zkorum/mathupdater/engine"
	"github.com/zkorum/mathupdater/store"
	"github.com/zkorum/mathupdater/translate"
)

// State is the protocol position of a run. Transitions only move forward.
type State string

const (
	StateFetching       State = "fetching"
	StatePhase1Snapshot State = "phase1_snapshot"
	StatePhase2Enrich   State = "phase2_enrich"
	StatePhase3Activate State = "phase3_activate"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// Result reports how far a run got. On failure State is StateFailed, Err
// is set and FailedAt names the phase that failed.
type Result struct {
	State       State
	FailedAt    State
	SnapshotID  int64
	NumClusters int
	Enrichment  *Enrichment
	Err         error
}

// Enrichment is the best-effort output of phase 2. Translations may be
// empty when labels succeeded but translation did not.
type Enrichment struct {
	Labels       map[int]ai.ClusterLabel
	Translations []translate.LabelTranslation
}

// Store is the persistence the protocol needs.
type Store interface {
	GetConversation(ctx context.Context, conversationID int64) (*store.Conversation, error)
	FetchVotes(ctx context.Context, conversationID int64) ([]store.VoteRow, error)
	UserIDsByParticipant(ctx context.Context, participantIDs []int64) (map[int64]string, error)
	OpinionTexts(ctx context.Context, opinionIDs []int64) (map[int64]string, error)
	CreateSnapshot(ctx context.Context, snap *store.Snapshot) (*store.SnapshotRef, error)
	ActivateSnapshot(ctx context.Context, act *store.Activation) (store.ActivationStats, error)
}

// MarkerStore manages the dirty marker around a run.
type MarkerStore interface {
	LockForUpdate(ctx context.Context, conversationID int64) error
	ReconcileCounters(ctx context.Context, conversationID int64) (store.Counters, bool, error)
	MarkProcessed(ctx context.Context, conversationID int64, version int64) (bool, error)
	HasNewerRequest(ctx context.Context, conversationID int64, version int64) (bool, error)
}

// Engine computes clustering results from votes.
type Engine interface {
	GetMath(ctx context.Context, req *engine.MathRequest) (*engine.MathResults, []byte, error)
}

// Labeler names and summarizes clusters.
type Labeler interface {
	Label(ctx context.Context, insights *ai.ConversationInsights, n int) (map[int]ai.ClusterLabel, error)
}

// Translator translates labels into the display languages.
type Translator interface {
	TranslateLabels(ctx context.Context, labels map[int]ai.ClusterLabel) ([]translate.LabelTranslation, error)
}
