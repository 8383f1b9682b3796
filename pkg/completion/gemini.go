package completion

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/brandon120/omi-realtime-aichat-dev-sub000/pkg/assist"
)

// maxHistoryContents bounds the per-handle context window kept in memory
// (user/model pairs, so 10 turns).
const maxHistoryContents = 20

// Handle eviction bounds. Handles idle past the TTL go first once the map
// crosses the cap.
const (
	maxHistories   = 1024
	historyIdleTTL = time.Hour
)

type history struct {
	contents []*genai.Content
	touched  time.Time
}

// Gemini implements Service against the Gemini API. Gemini has no
// server-side conversation sessions, so the handle maps to a bounded local
// history replayed on each call; losing it (restart, eviction) degrades to
// a fresh conversation, which the caller tolerates by design.
type Gemini struct {
	client         *genai.Client
	model          string
	embeddingModel string

	mu        sync.Mutex
	histories map[string]history
	now       func() time.Time
}

func NewGemini(ctx context.Context, apiKey, model, embeddingModel string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &Gemini{
		client:         client,
		model:          model,
		embeddingModel: embeddingModel,
		histories:      make(map[string]history),
		now:            time.Now,
	}, nil
}

func (g *Gemini) Complete(ctx context.Context, input, contextHandle, systemContext string) (Result, error) {
	if contextHandle == "" {
		contextHandle = "conv_" + uuid.NewString()
	}

	g.mu.Lock()
	prior := g.histories[contextHandle].contents
	g.mu.Unlock()

	contents := make([]*genai.Content, 0, len(prior)+1)
	contents = append(contents, prior...)
	contents = append(contents, genai.NewContentFromText(input, genai.RoleUser))

	var cfg *genai.GenerateContentConfig
	if systemContext != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemContext, genai.RoleUser),
		}
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return Result{}, assist.NewUpstreamError("completion", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Result{}, assist.NewUpstreamError("completion", errEmptyResponse)
	}

	updated := append(prior,
		genai.NewContentFromText(input, genai.RoleUser),
		genai.NewContentFromText(text, genai.RoleModel),
	)
	if len(updated) > maxHistoryContents {
		updated = updated[len(updated)-maxHistoryContents:]
	}
	g.storeHistory(contextHandle, updated)

	return Result{Text: text, ContextHandle: contextHandle}, nil
}

// storeHistory saves the handle's context window and keeps the handle map
// bounded: once past the cap it drops idle handles first, then arbitrary
// ones. An evicted handle restarts as a fresh conversation.
func (g *Gemini) storeHistory(handle string, contents []*genai.Content) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.histories[handle] = history{contents: contents, touched: now}
	if len(g.histories) <= maxHistories {
		return
	}
	for h, e := range g.histories {
		if now.Sub(e.touched) > historyIdleTTL {
			delete(g.histories, h)
		}
	}
	for h := range g.histories {
		if len(g.histories) <= maxHistories {
			return
		}
		if h != handle {
			delete(g.histories, h)
		}
	}
}

// Embed returns the embedding vector for text, used by the memory index.
func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}, nil)
	if err != nil {
		return nil, assist.NewUpstreamError("embedding", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, assist.NewUpstreamError("embedding", errEmptyResponse)
	}
	return resp.Embeddings[0].Values, nil
}
