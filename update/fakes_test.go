package update

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/zkorum/mathupdater/ai"
	"github.com/zkorum/mathupdater/core"
	"github.com/zkorum/mathupdater/engine"
	"github.com/zkorum/mathupdater/store"
	"github.com/zkorum/mathupdater/translate"
)

type fakeStore struct {
	mu sync.Mutex

	conv       *store.Conversation
	votes      []store.VoteRow
	users      map[int64]string
	texts      map[int64]string
	opinionIDs []int64

	createErr   error
	activateErr error

	snapshots   map[int64]*store.Snapshot
	nextID      int64
	pointer     *int64
	activations []*store.Activation
	analytics   map[int64]store.OpinionAnalytics
}

func newFakeStore(numOpinions, numParticipants int) *fakeStore {
	body := "What should the city do?"
	s := &fakeStore{
		conv:      &store.Conversation{ID: 42, SlugID: "slug42", Title: "City budget", Body: &body},
		users:     make(map[int64]string),
		texts:     make(map[int64]string),
		snapshots: make(map[int64]*store.Snapshot),
		analytics: make(map[int64]store.OpinionAnalytics),
	}
	for i := 0; i < numOpinions; i++ {
		id := int64(100 + i)
		s.opinionIDs = append(s.opinionIDs, id)
		s.texts[id] = fmt.Sprintf("opinion %d", id)
	}
	for p := 0; p < numParticipants; p++ {
		s.users[int64(p)] = fmt.Sprintf("00000000-0000-0000-0000-%012d", p)
		for _, id := range s.opinionIDs {
			s.votes = append(s.votes, store.VoteRow{ParticipantID: int64(p), OpinionID: id, Vote: 1})
		}
	}
	return s
}

func (s *fakeStore) GetConversation(ctx context.Context, conversationID int64) (*store.Conversation, error) {
	if s.conv == nil || s.conv.ID != conversationID {
		return nil, core.ErrConversationNotFound
	}
	return s.conv, nil
}

func (s *fakeStore) FetchVotes(ctx context.Context, conversationID int64) ([]store.VoteRow, error) {
	return s.votes, nil
}

func (s *fakeStore) UserIDsByParticipant(ctx context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string)
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (s *fakeStore) OpinionTexts(ctx context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string)
	for _, id := range ids {
		if t, ok := s.texts[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

func (s *fakeStore) CreateSnapshot(ctx context.Context, snap *store.Snapshot) (*store.SnapshotRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.nextID++
	ref := &store.SnapshotRef{ID: s.nextID}
	for i := range snap.Clusters {
		ref.ClusterIDs = append(ref.ClusterIDs, s.nextID*10+int64(i))
	}
	s.snapshots[ref.ID] = snap
	return ref, nil
}

func (s *fakeStore) ActivateSnapshot(ctx context.Context, act *store.Activation) (store.ActivationStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activateErr != nil {
		return store.ActivationStats{}, s.activateErr
	}
	rows := act.BuildAnalytics(s.opinionIDs)
	for _, r := range rows {
		s.analytics[r.OpinionID] = r
	}
	id := act.SnapshotID
	s.pointer = &id
	s.activations = append(s.activations, act)
	return store.ActivationStats{
		LabelsWritten:        len(act.Labels),
		TranslationsInserted: len(act.Translations),
		OpinionsUpdated:      len(rows),
	}, nil
}

type fakeEngine struct {
	results *engine.MathResults
	raw     []byte
	err     error
	calls   int
	lastReq *engine.MathRequest
}

func (e *fakeEngine) GetMath(ctx context.Context, req *engine.MathRequest) (*engine.MathResults, []byte, error) {
	e.calls++
	e.lastReq = req
	if e.err != nil {
		return nil, e.raw, e.err
	}
	return e.results, []byte(`{"raw": true}`), nil
}

type fakeLabeler struct {
	err      error
	calls    int
	lastN    int
	insights *ai.ConversationInsights
}

func (l *fakeLabeler) Label(ctx context.Context, insights *ai.ConversationInsights, n int) (map[int]ai.ClusterLabel, error) {
	l.calls++
	l.lastN = n
	l.insights = insights
	if l.err != nil {
		return nil, l.err
	}
	out := make(map[int]ai.ClusterLabel, n)
	for k := 0; k < n; k++ {
		out[k] = ai.ClusterLabel{Label: "Group" + strconv.Itoa(k), Summary: "Summary " + strconv.Itoa(k)}
	}
	return out, nil
}

type fakeTranslator struct {
	err   error
	calls int
}

func (t *fakeTranslator) TranslateLabels(ctx context.Context, labels map[int]ai.ClusterLabel) ([]translate.LabelTranslation, error) {
	t.calls++
	if t.err != nil {
		return nil, t.err
	}
	var out []translate.LabelTranslation
	for k := 0; k < len(labels); k++ {
		l := labels[k]
		label, summary := "es:"+l.Label, "es:"+l.Summary
		out = append(out, translate.LabelTranslation{Key: k, LanguageCode: "es", Label: &label, Summary: &summary})
	}
	return out, nil
}

type fakeMarkers struct {
	mu          sync.Mutex
	requestedAt time.Time
	version     int64
	processedAt *time.Time
	locks       int

	// bumpDuringRun simulates a vote arriving while the job runs.
	bumpDuringRun bool
}

func (m *fakeMarkers) LockForUpdate(ctx context.Context, conversationID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks++
	if m.bumpDuringRun {
		m.version++
	}
	return nil
}

func (m *fakeMarkers) ReconcileCounters(ctx context.Context, conversationID int64) (store.Counters, bool, error) {
	return store.Counters{OpinionCount: 1}, false, nil
}

func (m *fakeMarkers) MarkProcessed(ctx context.Context, conversationID int64, version int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.version != version {
		return false, nil
	}
	now := time.Now()
	m.processedAt = &now
	return true, nil
}

func (m *fakeMarkers) HasNewerRequest(ctx context.Context, conversationID int64, version int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version > version, nil
}

// makeResults builds engine output with numClusters groups keyed
// "0".."n-1" over the given opinions. Participant p belongs to cluster
// p % numClusters; opinion statements exist for all but the last opinion.
func makeResults(numClusters int, opinionIDs []int64, numParticipants int) *engine.MathResults {
	r := &engine.MathResults{
		Repness:           make(map[string][]engine.RepnessStatement),
		GroupCommentStats: make(map[string][]engine.GroupCommentStat),
		Consensus:         &engine.Consensus{},
	}
	for i, id := range opinionIDs {
		if i == len(opinionIDs)-1 {
			break
		}
		r.Statements = append(r.Statements, engine.Statement{
			StatementID:                 engine.ID(id),
			Priority:                    float64(i) + 0.5,
			Extremity:                   0.25,
			GroupAwareConsensusAgree:    0.6,
			GroupAwareConsensusDisagree: 0.3,
		})
	}
	for p := 0; p < numParticipants; p++ {
		var cid *engine.ID
		if numClusters > 0 {
			c := engine.ID(p % numClusters)
			cid = &c
		}
		r.Participants = append(r.Participants, engine.Participant{ParticipantID: int64(p), ClusterID: cid})
	}
	for k := 0; k < numClusters; k++ {
		key := strconv.Itoa(k)
		repful := "agree"
		if k%2 == 1 {
			repful = "disagree"
		}
		r.Repness[key] = []engine.RepnessStatement{{
			TID: engine.ID(opinionIDs[0]), NSuccess: 3, NTrials: 4, PSuccess: 0.7, RepfulFor: repful,
			Raw: []byte(`{"tid":` + strconv.FormatInt(opinionIDs[0], 10) + `}`),
		}}
		r.GroupCommentStats[key] = []engine.GroupCommentStat{{
			StatementID: engine.ID(opinionIDs[0]), NA: 3, ND: 1, NS: 5,
		}}
	}
	if len(opinionIDs) > 1 {
		r.Consensus.Agree = []engine.ConsensusStatement{{TID: engine.ID(opinionIDs[0]), PSuccess: 0.9}}
		r.Consensus.Disagree = []engine.ConsensusStatement{{TID: engine.ID(opinionIDs[1]), PSuccess: 0.8}}
	}
	return r
}
