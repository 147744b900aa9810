package llm

import (
	"fmt"
	"strings"

	"github.com/scrypster/mnemo/internal/schema"
	"github.com/scrypster/mnemo/pkg/types"
)

// ExtractionPrompt builds a strict JSON-only prompt asking the model to read
// a window of turns and propose schema patches for the fields of descriptor
// and free-text event memories for everything else worth remembering.
func ExtractionPrompt(turns []types.Turn, descriptor *schema.Descriptor) string {
	var fields strings.Builder
	for _, f := range descriptor.Fields {
		fmt.Fprintf(&fields, "- %s (%s, hint %s)", f.Name, f.Kind, descriptor.DefaultHint(f.Name))
		if f.Description != "" {
			fmt.Fprintf(&fields, ": %s", f.Description)
		}
		fields.WriteString("\n")
	}

	var convo strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&convo, "[%s] %s\n", t.Role, strings.TrimSpace(t.Text))
	}

	return fmt.Sprintf(`TASK: Extract long-term memories about the user from a conversation.
OUTPUT: ONLY valid JSON. NO markdown. NO code blocks. NO backticks.

PROFILE FIELDS (schema %s):
%s
RULES:
1. Only record facts the USER states about themselves. Ignore the assistant's suggestions.
2. Use a patch for a profile field. Use hint "replace" when a value changed (e.g. the user moved) and "append" to add to a list.
3. Use an event for anything else worth remembering: experiences, plans, opinions.
4. Events are short third-person sentences ("User went hiking at Mount Rainier").
5. salience is 0.0-1.0: how important the memory is for future conversations.
6. If nothing is worth remembering return {"patches":[],"events":[]}.

REQUIRED JSON STRUCTURE:
{"patches":[{"field":"location","value":"Portland","hint":"replace"}],"events":[{"text":"User enjoys hiking","topic":"hobbies","tags":["hiking"],"salience":0.6}]}

CONVERSATION:
%s
JSON:`, descriptor.ID(), fields.String(), convo.String())
}
