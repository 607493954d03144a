package engine

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
)

// ID is an identifier the engine may send either as a JSON number or as a
// numeric string.
type ID int64

// UnmarshalJSON accepts 12, 12.0 and "12".
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("id %q is not numeric", s)
		}
		*id = ID(n)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if f != float64(int64(f)) {
		return fmt.Errorf("id %v is not an integer", f)
	}
	*id = ID(int64(f))
	return nil
}

// MathRequest is the body of POST /math.
type MathRequest struct {
	ConversationID     int64        `json:"conversation_id"`
	ConversationSlugID string       `json:"conversation_slug_id"`
	Votes              []VoteRecord `json:"votes"`
}

// VoteRecord is one vote in the engine's import format.
// Vote is 1 for agree, -1 for disagree and 0 for pass.
type VoteRecord struct {
	ParticipantID  int64    `json:"participant_id"`
	StatementID    int64    `json:"statement_id"`
	Vote           int      `json:"vote"`
	ConversationID string   `json:"conversation_id"`
	Datetime       *string  `json:"datetime"`
	Modified       *int64   `json:"modified"`
	WeightX32767   *float64 `json:"weight_x_32767"`
}

// MathResults is the engine's response. Group maps are keyed by the
// engine's group id as a decimal string.
type MathResults struct {
	Statements        []Statement                   `json:"statements_df"`
	Participants      []Participant                 `json:"participants_df"`
	Repness           map[string][]RepnessStatement `json:"repness"`
	GroupCommentStats map[string][]GroupCommentStat `json:"group_comment_stats"`
	Consensus         *Consensus                    `json:"consensus"`
}

// Statement carries per-opinion scores.
type Statement struct {
	StatementID                 ID      `json:"statement_id"`
	IsMeta                      bool    `json:"is_meta"`
	Mean                        float64 `json:"mean"`
	Extremity                   float64 `json:"extremity"`
	NAgree                      float64 `json:"n_agree"`
	NDisagree                   float64 `json:"n_disagree"`
	NTotal                      float64 `json:"n_total"`
	Priority                    float64 `json:"priority"`
	GroupAwareConsensus         float64 `json:"group-aware-consensus"`
	GroupAwareConsensusAgree    float64 `json:"group-aware-consensus-agree"`
	GroupAwareConsensusDisagree float64 `json:"group-aware-consensus-disagree"`
}

// Participant places a participant in a cluster. ClusterID is nil for
// participants the engine did not cluster.
type Participant struct {
	ParticipantID int64   `json:"participant_id"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	ToCluster     bool    `json:"to_cluster"`
	ClusterID     *ID     `json:"cluster_id"`
}

// RepnessStatement is an opinion representative of a group.
type RepnessStatement struct {
	TID         ID      `json:"tid"`
	NSuccess    float64 `json:"n-success"`
	NTrials     float64 `json:"n-trials"`
	PSuccess    float64 `json:"p-success"`
	PTest       float64 `json:"p-test"`
	Repness     float64 `json:"repness"`
	RepnessTest float64 `json:"repness-test"`
	RepfulFor   string  `json:"repful-for"`
	BestAgree   *bool   `json:"best-agree,omitempty"`
	NAgree      *int64  `json:"n-agree,omitempty"`

	// Raw is the entry exactly as received.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the raw bytes next to the decoded fields.
func (r *RepnessStatement) UnmarshalJSON(data []byte) error {
	type plain RepnessStatement
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = RepnessStatement(p)
	r.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// GroupCommentStat is the vote tally of one opinion inside one group.
type GroupCommentStat struct {
	StatementID ID      `json:"statement_id"`
	NA          int64   `json:"na"`
	ND          int64   `json:"nd"`
	NS          int64   `json:"ns"`
	PA          float64 `json:"pa"`
	PD          float64 `json:"pd"`
	PAT         float64 `json:"pat"`
	PDT         float64 `json:"pdt"`
	RA          float64 `json:"ra"`
	RD          float64 `json:"rd"`
	RAT         float64 `json:"rat"`
	RDT         float64 `json:"rdt"`
}

// Passes is the number of seen-but-neither votes.
func (g GroupCommentStat) Passes() int64 {
	return g.NS - g.NA - g.ND
}

// Consensus lists the majority opinions.
type Consensus struct {
	Agree    []ConsensusStatement `json:"agree"`
	Disagree []ConsensusStatement `json:"disagree"`
}

// ConsensusStatement is one majority opinion.
type ConsensusStatement struct {
	TID      ID      `json:"tid"`
	NSuccess float64 `json:"n-success"`
	NTrials  float64 `json:"n-trials"`
	PSuccess float64 `json:"p-success"`
	PTest    float64 `json:"p-test"`
}

// GroupIDs returns the group_comment_stats keys in ascending numeric order.
func (m *MathResults) GroupIDs() ([]int64, error) {
	ids := make([]int64, 0, len(m.GroupCommentStats))
	for key := range m.GroupCommentStats {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("group key %q is not numeric", key)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ClusteredGroupCount is the number of distinct non-null cluster ids in
// participants_df.
func (m *MathResults) ClusteredGroupCount() int {
	seen := make(map[ID]struct{})
	for _, p := range m.Participants {
		if p.ClusterID != nil {
			seen[*p.ClusterID] = struct{}{}
		}
	}
	return len(seen)
}
