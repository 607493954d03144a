package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkorum/mathupdater/core"
)

const sampleResponse = `{
  "statements_df": [
    {"statement_id": 10, "priority": 0.5, "extremity": 1.2, "group-aware-consensus-agree": 0.7, "group-aware-consensus-disagree": 0.1},
    {"statement_id": "11", "priority": 0.25, "extremity": 0.3, "group-aware-consensus-agree": 0.2, "group-aware-consensus-disagree": 0.6}
  ],
  "participants_df": [
    {"participant_id": 1, "x": 0.1, "y": 0.2, "to_cluster": true, "cluster_id": 0},
    {"participant_id": 2, "x": 0.3, "y": 0.1, "to_cluster": true, "cluster_id": "1"},
    {"participant_id": 3, "x": 0.0, "y": 0.0, "to_cluster": false, "cluster_id": null}
  ],
  "repness": {
    "0": [{"tid": 10, "n-success": 2, "n-trials": 2, "p-success": 0.75, "p-test": 1.1, "repness": 2.0, "repness-test": 1.5, "repful-for": "agree"}],
    "1": [{"tid": 11, "n-success": 1, "n-trials": 1, "p-success": 0.66, "p-test": 0.9, "repness": 1.8, "repness-test": 1.2, "repful-for": "disagree"}]
  },
  "group_comment_stats": {
    "10": [{"statement_id": 10, "na": 2, "nd": 0, "ns": 3, "pa": 0.75, "pd": 0.25, "pat": 1, "pdt": 0, "ra": 1, "rd": 0, "rat": 1, "rdt": 0}],
    "2":  [{"statement_id": 11, "na": 0, "nd": 1, "ns": 1, "pa": 0.33, "pd": 0.66, "pat": 0, "pdt": 1, "ra": 0, "rd": 1, "rat": 0, "rdt": 1}]
  },
  "consensus": {"agree": [{"tid": 10, "n-success": 2, "n-trials": 2, "p-success": 0.75, "p-test": 1.1}], "disagree": []}
}`

func newTestClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(core.EngineConfig{
		BaseURL:        url,
		Timeout:        5 * time.Second,
		RetryAttempts:  2,
		RetryDelay:     time.Millisecond,
		CircuitBreaker: false,
	}, nil, opts...)
	require.NoError(t, err)
	return c
}

func sampleRequest() *MathRequest {
	now := "2025-01-01T00:00:00.000Z"
	modified := int64(1735689600000)
	return &MathRequest{
		ConversationID:     7,
		ConversationSlugID: "abc123",
		Votes: []VoteRecord{
			{ParticipantID: 1, StatementID: 10, Vote: 1, ConversationID: "abc123", Datetime: &now, Modified: &modified},
		},
	}
}

func TestGetMath_DecodesAndValidates(t *testing.T) {
	var got MathRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/math", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"weight_x_32767":null`)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	results, raw, err := newTestClient(t, srv.URL+"/").GetMath(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.JSONEq(t, sampleResponse, string(raw))
	assert.Equal(t, "abc123", got.ConversationSlugID)
	require.Len(t, got.Votes, 1)

	assert.Len(t, results.Statements, 2)
	assert.Equal(t, ID(11), results.Statements[1].StatementID)
	require.NotNil(t, results.Participants[1].ClusterID)
	assert.Equal(t, ID(1), *results.Participants[1].ClusterID)
	assert.Nil(t, results.Participants[2].ClusterID)
	assert.Equal(t, 2, results.ClusteredGroupCount())

	ids, err := results.GroupIDs()
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 10}, ids, "numeric, not lexical, order")

	rep := results.Repness["0"][0]
	assert.Equal(t, "agree", rep.RepfulFor)
	assert.Contains(t, string(rep.Raw), "repful-for")
	assert.Equal(t, int64(1), results.GroupCommentStats["10"][0].Passes())
}

func TestGetMath_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	_, _, err := newTestClient(t, srv.URL).GetMath(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetMath_ServerErrorsExhaustRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, _, err := newTestClient(t, srv.URL).GetMath(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrEngineUnavailable))
	assert.True(t, core.IsRetryable(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetMath_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad votes", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, _, err := newTestClient(t, srv.URL).GetMath(context.Background(), sampleRequest())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnprocessableEntity, statusErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetMath_InsufficientDataIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"statements_df": [], "participants_df": [], "repness": {}, "group_comment_stats": {}, "consensus": {"agree": [], "disagree": []}}`))
	}))
	defer srv.Close()

	_, raw, err := newTestClient(t, srv.URL).GetMath(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.True(t, core.IsMalformedOutput(err))
	assert.NotEmpty(t, raw, "raw payload is returned for logging")
}

func TestGetMath_UndecodableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>oops</html>`))
	}))
	defer srv.Close()

	_, _, err := newTestClient(t, srv.URL).GetMath(context.Background(), sampleRequest())
	assert.ErrorIs(t, err, core.ErrMalformedEngineOutput)
}

type openBreaker struct{}

var _ core.CircuitBreaker = openBreaker{}

func (openBreaker) Execute(ctx context.Context, fn func() error) error {
	return core.ErrCircuitOpen
}
func (openBreaker) GetState() string { return "open" }

func TestGetMath_OpenCircuitShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	_, _, err := newTestClient(t, srv.URL, WithCircuitBreaker(openBreaker{})).GetMath(context.Background(), sampleRequest())
	assert.ErrorIs(t, err, core.ErrCircuitOpen)
	assert.Zero(t, calls.Load())
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(core.EngineConfig{}, nil)
	assert.True(t, core.IsConfigurationError(err))
}

func TestValidate(t *testing.T) {
	var base MathResults
	require.NoError(t, json.Unmarshal([]byte(sampleResponse), &base))
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(m *MathResults)
	}{
		{"missing consensus", func(m *MathResults) { m.Consensus = nil }},
		{"missing repness", func(m *MathResults) { m.Repness = nil }},
		{"empty participants", func(m *MathResults) { m.Participants = []Participant{} }},
		{"non-numeric group key", func(m *MathResults) { m.GroupCommentStats["x"] = nil }},
		{"bad repful-for", func(m *MathResults) { m.Repness["0"][0].RepfulFor = "pass" }},
		{"probability out of range", func(m *MathResults) { m.Repness["1"][0].PSuccess = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m MathResults
			require.NoError(t, json.Unmarshal([]byte(sampleResponse), &m))
			tt.mutate(&m)
			assert.ErrorIs(t, m.Validate(), core.ErrMalformedEngineOutput)
		})
	}
}

func TestIDUnmarshal(t *testing.T) {
	var ids []ID
	require.NoError(t, json.Unmarshal([]byte(`[1, "2", 3.0]`), &ids))
	assert.Equal(t, []ID{1, 2, 3}, ids)

	var bad ID
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`1.5`), &bad))
}
