package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

func TestContentHash_IgnoresCaseAndSpacing(t *testing.T) {
	assert.Equal(t, contentHash("Likes  Green tea"), contentHash(" likes green\ttea "))
	assert.NotEqual(t, contentHash("likes green tea"), contentHash("likes black tea"))
}

func TestApplyKey(t *testing.T) {
	hash := contentHash("adopted a cat")
	assert.Equal(t, applyKey("t1", hash), applyKey("t1", hash))
	assert.NotEqual(t, applyKey("t1", hash), applyKey("t2", hash))
	assert.NotEqual(t, applyKey("t1", hash), applyKey("t1", contentHash("adopted a dog")))
}

func TestEventKey(t *testing.T) {
	hash := contentHash("adopted a cat")
	key := eventKey(hash, baseTime)
	assert.True(t, strings.HasPrefix(key, "evt_"+hash[:16]+"_"))
	assert.NotEqual(t, key, eventKey(hash, baseTime.Add(1)))
}

func TestEncodeDecodeEvent(t *testing.T) {
	reinforced := baseTime.Add(90 * time.Minute)
	mem := &types.EventMemory{
		Key:                "evt_1",
		UserID:             "u1",
		Text:               "Adopted a cat",
		ContentHash:        contentHash("Adopted a cat"),
		Tags:               []string{"pets", "cat"},
		Topic:              "home",
		Salience:           0.75,
		ReinforcementCount: 2,
		SourceThreadID:     "t1",
		SourceThreads:      []string{"t1", "t4"},
		CreatedAt:          baseTime,
		LastReinforcedAt:   &reinforced,
		AppliedKeys:        []string{applyKey("t1", contentHash("Adopted a cat"))},
	}

	md := encodeEvent(mem)
	assert.True(t, liveEvents.Matches(md))

	got, err := decodeEvent(storage.Record{Key: "evt_1", Vector: []float32{1, 0}, Metadata: md})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, got.Embedding)
	got.Embedding = nil
	assert.Equal(t, mem, got)

	mem.SupersededBy = "evt_2"
	assert.False(t, liveEvents.Matches(encodeEvent(mem)))
}

func TestDecodeEvent_Rejects(t *testing.T) {
	_, err := decodeEvent(storage.Record{Key: "k", Metadata: map[string]string{"kind": "note"}})
	assert.Error(t, err)

	md := encodeEvent(&types.EventMemory{Key: "k", CreatedAt: baseTime})
	md[metaSalience] = "high"
	_, err = decodeEvent(storage.Record{Key: "k", Metadata: md})
	assert.Error(t, err)
}

func TestUnionStrings(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, unionStrings([]string{"a", "b", "a"}, []string{"c", "b"}))
	assert.Empty(t, unionStrings(nil, nil))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{2, 0}, []float32{5, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, cosine([]float32{1}, []float32{1, 0}))
	assert.Zero(t, cosine([]float32{0, 0}, []float32{1, 0}))
}
