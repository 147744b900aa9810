package llm

import (
	"github.com/scrypster/mnemo/pkg/types"
)

// EstimateTokens approximates the token count of text at four bytes per
// token, which is close enough for window sizing across providers.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// Windower splits a batch of turns into windows that fit the extraction
// model's context. Consecutive windows share Overlap tokens of trailing
// turns so a fact spanning a boundary is still seen whole.
type Windower struct {
	MaxTokens int // Maximum window size in tokens (default: 3000)
	Overlap   int // Overlap size in tokens (default: 200)
}

// Split returns the windows in turn order. A single turn larger than
// MaxTokens becomes its own window.
func (w Windower) Split(turns []types.Turn) [][]types.Turn {
	if len(turns) == 0 {
		return nil
	}
	maxTokens := w.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 3000
	}
	overlap := w.Overlap
	if overlap < 0 {
		overlap = 0
	}

	var (
		windows [][]types.Turn
		current []types.Turn
		tokens  int
	)
	for _, t := range turns {
		n := EstimateTokens(t.Text)
		if tokens+n > maxTokens && len(current) > 0 {
			windows = append(windows, current)

			// Carry trailing turns into the next window.
			start := len(current)
			carried := 0
			for i := len(current) - 1; i > 0; i-- {
				c := EstimateTokens(current[i].Text)
				if carried+c > overlap || carried+c+n > maxTokens {
					break
				}
				carried += c
				start = i
			}
			current = append([]types.Turn(nil), current[start:]...)
			tokens = carried
		}
		current = append(current, t)
		tokens += n
	}
	if len(current) > 0 {
		windows = append(windows, current)
	}
	return windows
}
