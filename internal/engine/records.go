package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// Metadata keys of an event memory record.
const (
	metaKind               = "kind"
	metaUserID             = "user_id"
	metaText               = "text"
	metaContentHash        = "content_hash"
	metaTags               = "tags"
	metaTopic              = "topic"
	metaSalience           = "salience"
	metaReinforcementCount = "reinforcement_count"
	metaSourceThreadID     = "source_thread_id"
	metaSourceThreads      = "source_threads"
	metaCreatedAt          = storage.MetaCreatedAt
	metaLastReinforcedAt   = "last_reinforced_at"
	metaSupersededBy       = "superseded_by"
	metaAppliedKeys        = "applied_keys"

	recordKindEvent = "event"
)

// liveEvents selects event records that have not been folded into another.
var liveEvents = storage.Filter{metaKind: recordKindEvent, metaSupersededBy: ""}

// EventNamespace is the vector store namespace holding a user's events.
func EventNamespace(userID string) string {
	return "events:" + userID
}

// contentHash identifies an event's text independent of case and spacing.
func contentHash(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// applyKey identifies one candidate text delivered from one thread.
func applyKey(threadID, hash string) string {
	sum := sha256.Sum256([]byte(threadID + "|" + hash))
	return hex.EncodeToString(sum[:8])
}

// eventKey is evt_<first 16 hex of the content hash>_<creation nanos base36>.
func eventKey(hash string, createdAt time.Time) string {
	return "evt_" + hash[:16] + "_" + strconv.FormatInt(createdAt.UnixNano(), 36)
}

func encodeEvent(e *types.EventMemory) map[string]string {
	md := map[string]string{
		metaKind:               recordKindEvent,
		metaUserID:             e.UserID,
		metaText:               e.Text,
		metaContentHash:        e.ContentHash,
		metaTags:               encodeList(e.Tags),
		metaTopic:              e.Topic,
		metaSalience:           strconv.FormatFloat(e.Salience, 'f', -1, 64),
		metaReinforcementCount: strconv.Itoa(e.ReinforcementCount),
		metaSourceThreadID:     e.SourceThreadID,
		metaSourceThreads:      encodeList(e.SourceThreads),
		metaCreatedAt:          e.CreatedAt.UTC().Format(time.RFC3339Nano),
		metaSupersededBy:       e.SupersededBy,
		metaAppliedKeys:        encodeList(e.AppliedKeys),
	}
	if e.LastReinforcedAt != nil {
		md[metaLastReinforcedAt] = e.LastReinforcedAt.UTC().Format(time.RFC3339Nano)
	}
	return md
}

func decodeEvent(rec storage.Record) (*types.EventMemory, error) {
	md := rec.Metadata
	if md[metaKind] != recordKindEvent {
		return nil, fmt.Errorf("record %s is not an event memory", rec.Key)
	}

	e := &types.EventMemory{
		Key:            rec.Key,
		UserID:         md[metaUserID],
		Text:           md[metaText],
		ContentHash:    md[metaContentHash],
		Embedding:      rec.Vector,
		Topic:          md[metaTopic],
		SourceThreadID: md[metaSourceThreadID],
		SupersededBy:   md[metaSupersededBy],
		CreatedAt:      rec.CreatedAt,
	}

	var err error
	if e.Tags, err = decodeList(md[metaTags]); err != nil {
		return nil, fmt.Errorf("record %s tags: %w", rec.Key, err)
	}
	if e.SourceThreads, err = decodeList(md[metaSourceThreads]); err != nil {
		return nil, fmt.Errorf("record %s source threads: %w", rec.Key, err)
	}
	if e.AppliedKeys, err = decodeList(md[metaAppliedKeys]); err != nil {
		return nil, fmt.Errorf("record %s applied keys: %w", rec.Key, err)
	}
	if s := md[metaSalience]; s != "" {
		if e.Salience, err = strconv.ParseFloat(s, 64); err != nil {
			return nil, fmt.Errorf("record %s salience: %w", rec.Key, err)
		}
	}
	if s := md[metaReinforcementCount]; s != "" {
		if e.ReinforcementCount, err = strconv.Atoi(s); err != nil {
			return nil, fmt.Errorf("record %s reinforcement count: %w", rec.Key, err)
		}
	}
	if s := md[metaCreatedAt]; s != "" {
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return nil, fmt.Errorf("record %s created_at: %w", rec.Key, err)
		}
	}
	if s := md[metaLastReinforcedAt]; s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("record %s last_reinforced_at: %w", rec.Key, err)
		}
		e.LastReinforcedAt = &t
	}
	return e, nil
}

func encodeList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func decodeList(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// unionStrings appends the items of add missing from base, keeping order.
func unionStrings(base, add []string) []string {
	seen := make(map[string]bool, len(base)+len(add))
	out := make([]string, 0, len(base)+len(add))
	for _, s := range base {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range add {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func containsString(items []string, s string) bool {
	for _, item := range items {
		if item == s {
			return true
		}
	}
	return false
}

// cosine returns the cosine similarity of two equal-length vectors.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
