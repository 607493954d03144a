package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingletonKey(t *testing.T) {
	assert.Equal(t, "update-math-42", SingletonKey(42))
	assert.NotEqual(t, SingletonKey(1), SingletonKey(11))
}

func TestJobPayload_Decode(t *testing.T) {
	requested := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := JobPayload{ConversationID: 7, ConversationSlugID: "abc", RequestedAt: requested, RequestVersion: 3}.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"conversationId":7`)

	p, err := DecodeJobPayload(data)
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.ConversationID)
	assert.True(t, p.RequestedAt.Equal(requested))
	assert.Equal(t, int64(3), p.RequestVersion)
	assert.False(t, p.IsProbe())

	_, err = DecodeJobPayload([]byte(`{"conversationSlugId":"x"}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = DecodeJobPayload([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestProbePayload(t *testing.T) {
	p := ProbePayload(time.Now())
	assert.True(t, p.IsProbe())

	data, err := p.Encode()
	require.NoError(t, err)
	decoded, err := DecodeJobPayload(data)
	require.NoError(t, err)
	assert.True(t, decoded.IsProbe())
}

func TestJobState(t *testing.T) {
	assert.True(t, JobStateCreated.IsOutstanding())
	assert.True(t, JobStateActive.IsOutstanding())
	assert.False(t, JobStateCompleted.IsOutstanding())
	assert.True(t, JobStateFailed.IsTerminal())
	assert.False(t, JobStateActive.IsTerminal())
}

func TestStuckJob_ShortID(t *testing.T) {
	assert.Equal(t, "0123abcd", StuckJob{ID: "0123abcd-ef01-2345"}.ShortID())
	assert.Equal(t, "abc", StuckJob{ID: "abc"}.ShortID())
}
