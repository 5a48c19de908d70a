// Package modeladapter abstracts the large-language-model collaborator
// the session engine drives for dialogue turns, spec generation, and
// ticket drafting. It never appears in the persistence or HTTP layers;
// only the session engine calls it.
package modeladapter

import "context"

// Prompt is one request to the model: a system prompt plus the full
// message history the caller wants considered.
type Prompt struct {
	System      string
	Messages    []PromptMessage
	MaxTokens   int
	Temperature float64
}

// PromptMessage is one turn fed into a Prompt.
type PromptMessage struct {
	Role    string
	Content string
}

// Response is the model's raw answer plus whatever structured envelope
// the caller asked it to emit.
type Response struct {
	Text string
}

// Adapter is the single point of contact with the model collaborator.
type Adapter interface {
	Complete(ctx context.Context, prompt Prompt) (Response, error)
}

// AdapterFunc adapts a plain function to the Adapter interface.
type AdapterFunc func(ctx context.Context, prompt Prompt) (Response, error)

func (f AdapterFunc) Complete(ctx context.Context, prompt Prompt) (Response, error) {
	return f(ctx, prompt)
}

// Classify reports whether err is worth retrying: timeouts, 5xx, and
// rate-limiting are transient; authorization and bad-request failures are
// permanent per the session engine's failure semantics.
func Classify(err error) bool {
	if err == nil {
		return false
	}
	if te, ok := err.(interface{ Transient() bool }); ok {
		return te.Transient()
	}
	return true
}
