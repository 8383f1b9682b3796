// Package completion wraps the language-model call behind the one contract
// the orchestrator needs: text in, text out, plus an opaque handle for
// stateful follow-ups.
package completion

import "context"

// Result is one completion outcome. ContextHandle identifies the stateful
// conversation context and is persisted on the session for reuse; a fresh
// handle is minted when the caller passes none.
type Result struct {
	Text          string
	ContextHandle string
}

// Service is the external completion collaborator.
type Service interface {
	Complete(ctx context.Context, input, contextHandle, systemContext string) (Result, error)
}
