// Package generate turns an edit request into proposed replacement text.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrEmptyResponse = errors.New("generator returned no text")

// Prompt is the input for one generation call.
type Prompt struct {
	Instruction string
	QuotedText  string
	Context     string
}

// Generator produces replacement text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt Prompt) (string, error)
}

// Func adapts a plain function to Generator.
type Func func(ctx context.Context, prompt Prompt) (string, error)

func (f Func) Generate(ctx context.Context, prompt Prompt) (string, error) {
	return f(ctx, prompt)
}

const systemPrompt = "You rewrite a quoted passage of a document according to an instruction. " +
	"Reply with the rewritten passage only, without quotes or commentary."

// Render formats the user message sent to the model.
func (p Prompt) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instruction: %s\n\n", strings.TrimSpace(p.Instruction))
	fmt.Fprintf(&b, "Passage:\n%s\n", p.QuotedText)
	if ctx := strings.TrimSpace(p.Context); ctx != "" && ctx != strings.TrimSpace(p.QuotedText) {
		fmt.Fprintf(&b, "\nSurrounding text:\n%s\n", ctx)
	}
	return b.String()
}

// Clean strips wrapping quotes or code fences models tend to add.
func Clean(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") && strings.HasSuffix(text, "```") && len(text) >= 6 {
		inner := text[3 : len(text)-3]
		if nl := strings.IndexByte(inner, '\n'); nl > 0 && !strings.ContainsAny(inner[:nl], " \t") {
			inner = inner[nl+1:]
		}
		text = strings.TrimSpace(inner)
	}
	for _, pair := range [][2]string{{`"`, `"`}, {"“", "”"}} {
		if len(text) >= len(pair[0])+len(pair[1]) && strings.HasPrefix(text, pair[0]) && strings.HasSuffix(text, pair[1]) {
			text = strings.TrimSpace(text[len(pair[0]) : len(text)-len(pair[1])])
		}
	}
	return text
}
