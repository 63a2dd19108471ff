package agent

import (
	"context"

	"github.com/cloudwego/eino/schema"
	"github.com/tbxark/triage/cache"
)

type Trimmer interface {
	Trim(history []*schema.Message) []*schema.Message
}

// LastNTrimmer keeps the last N messages. The agent only reads the final
// doctor and patient pair, so N >= 2 never changes a turn. N <= 0 keeps all.
type LastNTrimmer struct {
	N int
}

func (t LastNTrimmer) Trim(history []*schema.Message) []*schema.Message {
	if t.N <= 0 || len(history) <= t.N {
		return history
	}
	return append([]*schema.Message(nil), history[len(history)-t.N:]...)
}

// HistoryStore keeps the chat transcript of each route key.
type HistoryStore struct {
	store   cache.Store[[]*schema.Message]
	trimmer Trimmer
}

func NewHistoryStore(core cache.Cache[[]*schema.Message], trimmer Trimmer) *HistoryStore {
	return &HistoryStore{
		store:   cache.NewStore(core, "triage:history", RouteKeyFromContext),
		trimmer: trimmer,
	}
}

func NewMemoryHistoryStore(trimmer Trimmer) *HistoryStore {
	return NewHistoryStore(cache.NewMemoryCache[[]*schema.Message](), trimmer)
}

func (s *HistoryStore) Load(ctx context.Context) ([]*schema.Message, error) {
	hist, ok, err := s.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return hist, nil
}

func (s *HistoryStore) Clear(ctx context.Context) error {
	return s.store.Del(ctx)
}

// Append adds msgs to the transcript, skipping nil messages and exact
// repeats of the previous message, and returns the saved transcript.
func (s *HistoryStore) Append(ctx context.Context, msgs ...*schema.Message) ([]*schema.Message, error) {
	hist, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := append([]*schema.Message(nil), hist...)
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == msg.Role && out[n-1].Content == msg.Content {
			continue
		}
		out = append(out, msg)
	}
	if s.trimmer != nil {
		out = s.trimmer.Trim(out)
	}
	if err := s.store.Set(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}
