package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mnemo/internal/schema"
	"github.com/scrypster/mnemo/pkg/types"
)

// scriptedGenerator replays answers in order and records prompts.
type scriptedGenerator struct {
	mu      sync.Mutex
	answers []string
	err     error
	prompts []string
}

func (g *scriptedGenerator) Complete(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	if len(g.answers) == 0 {
		return `{"patches":[],"events":[]}`, nil
	}
	a := g.answers[0]
	g.answers = g.answers[1:]
	return a, nil
}

func (g *scriptedGenerator) GetModel() string { return "scripted" }

func userTurn(id, text string) types.Turn {
	return types.Turn{ThreadID: "t1", UserID: "u1", TurnID: id, Role: types.RoleUser, Text: text}
}

func TestExtractionPrompt(t *testing.T) {
	prompt := ExtractionPrompt([]types.Turn{
		userTurn("1", "I moved to Portland"),
		{TurnID: "2", Role: types.RoleAssistant, Text: "Nice!"},
	}, schema.Default())

	assert.Contains(t, prompt, "user_profile@1")
	assert.Contains(t, prompt, "- location (string, hint replace)")
	assert.Contains(t, prompt, "- interests (list, hint append)")
	assert.Contains(t, prompt, "[user] I moved to Portland")
	assert.Contains(t, prompt, "[assistant] Nice!")
	assert.True(t, strings.HasSuffix(prompt, "JSON:"))
}

func TestLLMExtractor_Extract(t *testing.T) {
	gen := &scriptedGenerator{answers: []string{
		`{"patches":[{"field":"location","value":"Portland","hint":"replace"}],"events":[{"text":"User moved house","salience":0.8}]}`,
	}}
	ext := NewLLMExtractor(gen, LLMExtractorConfig{})

	result, err := ext.Extract(context.Background(), []types.Turn{userTurn("1", "I moved to Portland")}, schema.Default())
	require.NoError(t, err)
	require.Len(t, result.Patches, 1)
	assert.Equal(t, "Portland", result.Patches[0].Value)
	require.Len(t, result.Events, 1)
	assert.Equal(t, 0.8, result.Events[0].Salience)
	assert.Len(t, gen.prompts, 1)
}

func TestLLMExtractor_RetriesUnparseableAnswer(t *testing.T) {
	gen := &scriptedGenerator{answers: []string{
		"Sorry, here are the memories: none",
		`{"patches":[],"events":[{"text":"User likes tea"}]}`,
	}}
	ext := NewLLMExtractor(gen, LLMExtractorConfig{ParseRetries: 1})

	result, err := ext.Extract(context.Background(), []types.Turn{userTurn("1", "I like tea")}, schema.Default())
	require.NoError(t, err)
	assert.Len(t, result.Events, 1)
	assert.Len(t, gen.prompts, 2)
}

func TestLLMExtractor_GivesUpAfterRetries(t *testing.T) {
	gen := &scriptedGenerator{answers: []string{"nope", "still nope", "never"}}
	ext := NewLLMExtractor(gen, LLMExtractorConfig{ParseRetries: 1})

	_, err := ext.Extract(context.Background(), []types.Turn{userTurn("1", "hi")}, schema.Default())
	assert.ErrorIs(t, err, ErrExtraction)
	assert.Len(t, gen.prompts, 2)
}

func TestLLMExtractor_ProviderErrorsAreNotRetried(t *testing.T) {
	gen := &scriptedGenerator{err: context.DeadlineExceeded}
	ext := NewLLMExtractor(gen, LLMExtractorConfig{ParseRetries: 3})

	_, err := ext.Extract(context.Background(), []types.Turn{userTurn("1", "hi")}, schema.Default())
	assert.ErrorIs(t, err, ErrGatewayTimeout)
	assert.Len(t, gen.prompts, 1)

	gen = &scriptedGenerator{err: errors.New("503 from provider")}
	_, err = NewLLMExtractor(gen, LLMExtractorConfig{}).Extract(context.Background(), []types.Turn{userTurn("1", "hi")}, schema.Default())
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestLLMExtractor_MergesWindows(t *testing.T) {
	gen := &scriptedGenerator{answers: []string{
		`{"events":[{"text":"User likes tea"}]}`,
		`{"events":[{"text":"user likes tea"},{"text":"User owns a cat"}]}`,
	}}
	ext := NewLLMExtractor(gen, LLMExtractorConfig{Window: Windower{MaxTokens: 5}})

	turns := []types.Turn{
		userTurn("1", strings.Repeat("a", 16)),
		userTurn("2", strings.Repeat("b", 16)),
	}
	result, err := ext.Extract(context.Background(), turns, schema.Default())
	require.NoError(t, err)
	assert.Len(t, gen.prompts, 2)
	require.Len(t, result.Events, 2)
	assert.Equal(t, "User owns a cat", result.Events[1].Text)
}

func TestStaticExtractor(t *testing.T) {
	turns := []types.Turn{
		userTurn("1", "Hi, my name is Ada. I live in Seattle!"),
		{TurnID: "2", Role: types.RoleAssistant, Text: "I like Seattle too"},
		userTurn("3", "I work as an engineer and I really enjoy Hiking."),
	}

	result, err := StaticExtractor{}.Extract(context.Background(), turns, schema.Default())
	require.NoError(t, err)

	assert.Equal(t, []types.SchemaPatch{
		{Field: "name", Value: "Ada", Hint: types.HintReplace},
		{Field: "location", Value: "Seattle", Hint: types.HintReplace},
		{Field: "occupation", Value: "engineer", Hint: types.HintReplace},
		{Field: "interests", Value: "hiking", Hint: types.HintAppend},
	}, result.Patches)

	require.Len(t, result.Events, 1)
	assert.Equal(t, "User likes hiking", result.Events[0].Text)
	assert.Equal(t, []string{"hiking"}, result.Events[0].Tags)
}

func TestStaticExtractor_MovedTo(t *testing.T) {
	result, err := StaticExtractor{}.Extract(context.Background(), []types.Turn{userTurn("1", "Guess what, I moved to Portland")}, schema.Default())
	require.NoError(t, err)
	require.Len(t, result.Patches, 1)
	assert.Equal(t, "location", result.Patches[0].Field)
	assert.Equal(t, "Portland", result.Patches[0].Value)
}
