package triage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tbxark/triage/cache"
)

type entry struct {
	mu       sync.Mutex
	session  *Session
	closed   atomic.Bool
	lastSeen atomic.Int64
}

func (en *entry) touch(now time.Time) {
	en.lastSeen.Store(now.UnixNano())
}

// Registry maps conversation ids to live sessions. Its own lock only covers
// lookup, creation and removal; turns of one conversation are serialized by
// a per-session lock so different conversations run in parallel.
type Registry struct {
	engine *Engine
	logger *slog.Logger
	newID  func() string
	now    func() time.Time

	mu       sync.Mutex
	sessions *cache.MemoryCache[*entry]
}

type RegistryOption func(*Registry)

func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithIDGenerator(fn func() string) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.newID = fn
		}
	}
}

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRegistry(engine *Engine, opts ...RegistryOption) *Registry {
	r := &Registry{
		engine:   engine,
		logger:   slog.Default(),
		newID:    newConversationID,
		now:      time.Now,
		sessions: cache.NewMemoryCache[*entry](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// newConversationID returns a time based UUID.
func newConversationID() string {
	id, err := uuid.NewUUID()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

type AskRequest struct {
	ConversationID string
	DoctorMessage  string
	PatientMessage string
}

// Ask runs one turn. An empty or unknown conversation id starts a new
// conversation under a fresh id. A concluded conversation is removed before
// Ask returns.
func (r *Registry) Ask(ctx context.Context, req AskRequest) (*TurnResult, error) {
	en, id := r.acquire(ctx, req.ConversationID)
	defer en.mu.Unlock()

	if err := r.engine.RefreshInstructions(); err != nil {
		r.logger.Warn("Prompt instructions reload failed", "err", err)
	}
	next, result, err := r.engine.Turn(ctx, en.session, Input{
		DoctorMessage:  req.DoctorMessage,
		PatientMessage: req.PatientMessage,
	})
	en.touch(r.now())
	if err != nil {
		r.logger.Error("Triage turn failed", "conversation_id", id, "err", err)
		if id != req.ConversationID && len(en.session.History) == 0 {
			r.remove(ctx, id, en)
		}
		return nil, err
	}
	en.session = next
	if result.Terminated {
		r.remove(ctx, id, en)
	}
	return result, nil
}

// acquire returns the locked entry serving id, creating one when id is empty,
// unknown or was retired while waiting for the lock.
func (r *Registry) acquire(ctx context.Context, id string) (*entry, string) {
	for {
		en, key := r.getOrCreate(ctx, id)
		en.mu.Lock()
		if !en.closed.Load() {
			en.touch(r.now())
			return en, key
		}
		en.mu.Unlock()
		id = ""
	}
}

func (r *Registry) getOrCreate(ctx context.Context, id string) (*entry, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != "" {
		if en, ok, _ := r.sessions.Get(ctx, id); ok {
			return en, id
		}
	}
	key := r.newID()
	en := &entry{session: r.engine.Start(key)}
	en.touch(r.now())
	_ = r.sessions.Set(ctx, key, en)
	if id != "" {
		r.logger.Info("Unknown conversation, starting a new one", "requested_id", id, "conversation_id", key)
	} else {
		r.logger.Debug("Conversation started", "conversation_id", key)
	}
	return en, key
}

// GetOrCreate returns the session for id, starting a new one when needed.
// The bool reports whether a session was created.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (Snapshot, bool, error) {
	en, key := r.acquire(ctx, id)
	defer en.mu.Unlock()
	return en.session.Snapshot(), key != id, nil
}

// Lookup returns a snapshot of a live conversation.
func (r *Registry) Lookup(ctx context.Context, id string) (Snapshot, error) {
	r.mu.Lock()
	en, ok, _ := r.sessions.Get(ctx, id)
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.closed.Load() {
		return Snapshot{}, ErrSessionNotFound
	}
	return en.session.Snapshot(), nil
}

// Close retires a conversation, waiting for a running turn to finish.
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	en, ok, _ := r.sessions.Get(ctx, id)
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.closed.Load() {
		return ErrSessionNotFound
	}
	r.remove(ctx, id, en)
	return nil
}

func (r *Registry) remove(ctx context.Context, id string, en *entry) {
	en.closed.Store(true)
	r.mu.Lock()
	if cur, ok, _ := r.sessions.Get(ctx, id); ok && cur == en {
		_ = r.sessions.Del(ctx, id)
	}
	r.mu.Unlock()
	r.logger.Debug("Conversation retired", "conversation_id", id)
}

// EvictIdle retires conversations untouched for longer than maxIdle and
// returns how many were removed. Conversations in the middle of a turn are
// skipped.
func (r *Registry) EvictIdle(ctx context.Context, maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := r.now().Add(-maxIdle).UnixNano()
	r.mu.Lock()
	defer r.mu.Unlock()
	keys, _ := r.sessions.Keys(ctx)
	evicted := 0
	for _, key := range keys {
		en, ok, _ := r.sessions.Get(ctx, key)
		if !ok || en.lastSeen.Load() > cutoff {
			continue
		}
		if !en.mu.TryLock() {
			continue
		}
		en.closed.Store(true)
		en.mu.Unlock()
		_ = r.sessions.Del(ctx, key)
		evicted++
	}
	if evicted > 0 {
		r.logger.Info("Evicted idle conversations", "count", evicted)
	}
	return evicted
}

func (r *Registry) Len() int {
	return r.sessions.Len()
}
