package llm

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/scrypster/mnemo/internal/schema"
	"github.com/scrypster/mnemo/pkg/types"
)

// LLMExtractor implements Extractor by prompting a TextGenerator with
// ExtractionPrompt and parsing its JSON answer. Long batches are split into
// windows and extracted window by window.
type LLMExtractor struct {
	gen          TextGenerator
	windower     Windower
	parseRetries int
	logger       *zap.Logger
}

// LLMExtractorConfig tunes an LLMExtractor.
type LLMExtractorConfig struct {
	Window       Windower
	ParseRetries int // Extra attempts when the answer is not valid JSON (default: 1)
	Logger       *zap.Logger
}

// NewLLMExtractor creates an extractor backed by gen.
func NewLLMExtractor(gen TextGenerator, cfg LLMExtractorConfig) *LLMExtractor {
	if cfg.ParseRetries < 0 {
		cfg.ParseRetries = 0
	} else if cfg.ParseRetries == 0 {
		cfg.ParseRetries = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &LLMExtractor{gen: gen, windower: cfg.Window, parseRetries: cfg.ParseRetries, logger: cfg.Logger}
}

// Extract implements Extractor. Provider failures are returned at once so
// the caller's retry policy stays in charge; only unparseable answers are
// retried here.
func (e *LLMExtractor) Extract(ctx context.Context, turns []types.Turn, descriptor *schema.Descriptor) (*types.ExtractionResult, error) {
	merged := &types.ExtractionResult{}
	seenEvents := make(map[string]bool)

	for i, window := range e.windower.Split(turns) {
		result, err := e.extractWindow(ctx, window, descriptor)
		if err != nil {
			return nil, err
		}
		e.logger.Debug("extracted window",
			zap.Int("window", i),
			zap.Int("turns", len(window)),
			zap.Int("patches", len(result.Patches)),
			zap.Int("events", len(result.Events)))

		merged.Patches = append(merged.Patches, result.Patches...)
		for _, ev := range result.Events {
			// Overlapping windows restate the same event.
			key := strings.ToLower(ev.Text)
			if seenEvents[key] {
				continue
			}
			seenEvents[key] = true
			merged.Events = append(merged.Events, ev)
		}
	}
	return merged, nil
}

func (e *LLMExtractor) extractWindow(ctx context.Context, window []types.Turn, descriptor *schema.Descriptor) (*types.ExtractionResult, error) {
	prompt := ExtractionPrompt(window, descriptor)

	var lastErr error
	for attempt := 0; attempt <= e.parseRetries; attempt++ {
		raw, err := e.gen.Complete(ctx, prompt)
		if err != nil {
			return nil, classify(ErrExtraction, "extract", err)
		}
		result, err := ParseExtractionResponse(raw)
		if err == nil {
			return result, nil
		}
		lastErr = err
		e.logger.Warn("unparseable extraction response",
			zap.String("model", e.gen.GetModel()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, lastErr
}

// StaticExtractor is a rule-based Extractor that recognizes a handful of
// first-person statements ("my name is", "I live in", "I like"). It needs no
// provider and backs offline mode and tests.
type StaticExtractor struct{}

// phraseEnd stops a captured phrase at punctuation or a joining word.
const phraseEnd = `(?:\s+(?:and|but|so)\s|[.,!?;]|$)`

var staticRules = []struct {
	pattern *regexp.Regexp
	field   string
	hint    types.MergeHint
}{
	{regexp.MustCompile(`(?i)\bmy name is ([^.,!?;]+?)` + phraseEnd), "name", types.HintReplace},
	{regexp.MustCompile(`(?i)\bi (?:live|am living) in ([^.,!?;]+?)` + phraseEnd), "location", types.HintReplace},
	{regexp.MustCompile(`(?i)\bi(?:'ve| have)? moved to ([^.,!?;]+?)` + phraseEnd), "location", types.HintReplace},
	{regexp.MustCompile(`(?i)\bi work as (?:an? )?([^.,!?;]+?)` + phraseEnd), "occupation", types.HintReplace},
}

var likeRule = regexp.MustCompile(`(?i)\bi (?:really )?(like|love|enjoy) ([^.,!?;]+?)` + phraseEnd)

// Extract implements Extractor. Assistant turns are ignored.
func (StaticExtractor) Extract(ctx context.Context, turns []types.Turn, descriptor *schema.Descriptor) (*types.ExtractionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(ErrExtraction, "static extract", err)
	}
	if descriptor == nil {
		return nil, fmt.Errorf("%w: nil schema descriptor", ErrExtraction)
	}

	result := &types.ExtractionResult{}
	for _, t := range turns {
		if t.Role != types.RoleUser {
			continue
		}
		for _, rule := range staticRules {
			if _, ok := descriptor.Field(rule.field); !ok {
				continue
			}
			if m := rule.pattern.FindStringSubmatch(t.Text); m != nil {
				result.Patches = append(result.Patches, types.SchemaPatch{
					Field: rule.field,
					Value: strings.TrimSpace(m[1]),
					Hint:  rule.hint,
				})
			}
		}
		for _, m := range likeRule.FindAllStringSubmatch(t.Text, -1) {
			thing := strings.ToLower(strings.TrimSpace(m[2]))
			if thing == "" {
				continue
			}
			if _, ok := descriptor.Field("interests"); ok {
				result.Patches = append(result.Patches, types.SchemaPatch{
					Field: "interests",
					Value: thing,
					Hint:  types.HintAppend,
				})
			}
			result.Events = append(result.Events, types.EventCandidate{
				Text:     "User likes " + thing,
				Topic:    "preferences",
				Tags:     []string{thing},
				Salience: defaultSalience,
			})
		}
	}
	return result, nil
}

// Compile-time assertions.
var (
	_ Extractor = (*LLMExtractor)(nil)
	_ Extractor = StaticExtractor{}
)
