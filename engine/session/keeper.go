// Package session keeps the bounded per-conversation memory the query
// analyzer and response orchestrator read: recent exchanges and the last
// entity the user mentioned.
package session

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/WessleyAI/shopbot/engine/domain"
)

// DefaultWindow is the number of exchanges kept per conversation.
const DefaultWindow = 5

// Key names one conversation of one tenant. Conversation ids are only unique
// within a tenant.
type Key struct {
	Tenant       string
	Conversation string
}

func (k Key) String() string { return k.Tenant + "/" + k.Conversation }

// Mirror persists conversation contexts outside the process so they survive
// restarts. Keeper treats mirror failures as non-fatal.
type Mirror interface {
	// Load returns the stored context; ok is false when none is stored.
	Load(ctx context.Context, k Key) (cc domain.ConversationContext, ok bool, err error)
	// Append adds ex, keeps the newest window exchanges and records entity
	// when it is non-empty.
	Append(ctx context.Context, k Key, ex domain.Exchange, entity string, window int) error
	// Save replaces the stored context.
	Save(ctx context.Context, k Key, cc domain.ConversationContext) error
	Delete(ctx context.Context, k Key) error
}

// Options configures a Keeper.
type Options struct {
	Window int
	Mirror Mirror
	Logger *slog.Logger
}

type conversation struct {
	// turn serializes whole requests within one conversation.
	turn sync.Mutex

	mu      sync.Mutex
	loaded  bool
	history []domain.Exchange
	entity  string
}

// Keeper owns every conversation's context. Contexts are created on first
// access and never hold more than the window of exchanges.
type Keeper struct {
	window int
	mirror Mirror
	log    *slog.Logger

	mu    sync.Mutex
	convs map[Key]*conversation
}

// New creates a Keeper.
func New(opts Options) *Keeper {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Keeper{
		window: opts.Window,
		mirror: opts.Mirror,
		log:    opts.Logger,
		convs:  make(map[Key]*conversation),
	}
}

// Window returns the configured history window.
func (k *Keeper) Window() int { return k.window }

func (k *Keeper) entry(key Key) *conversation {
	k.mu.Lock()
	defer k.mu.Unlock()
	c, ok := k.convs[key]
	if !ok {
		c = &conversation{}
		k.convs[key] = c
	}
	return c
}

// Lock serializes requests of one conversation so exchanges are recorded in
// request order. The returned func releases it.
func (k *Keeper) Lock(key Key) func() {
	c := k.entry(key)
	c.turn.Lock()
	return c.turn.Unlock
}

// Get returns a snapshot of the conversation's context, creating an empty
// one on first access.
func (k *Keeper) Get(ctx context.Context, key Key) domain.ConversationContext {
	c := k.entry(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	k.hydrate(ctx, key, c)
	return c.snapshot(key)
}

// Update appends ex, evicting the oldest exchanges beyond the window, and
// replaces the current entity when ex's analysis names one.
func (k *Keeper) Update(ctx context.Context, key Key, ex domain.Exchange) domain.ConversationContext {
	c := k.entry(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	k.hydrate(ctx, key, c)

	c.history = k.trim(append(c.history, ex))
	var entity string
	if ex.Analysis != nil && ex.Analysis.Entity != "" {
		entity = ex.Analysis.Entity
		c.entity = entity
	}
	if k.mirror != nil {
		if err := k.mirror.Append(ctx, key, ex, entity, k.window); err != nil {
			k.log.Warn("session: mirror append failed", "tenant", key.Tenant, "conversation", key.Conversation, "err", err)
		}
	}
	return c.snapshot(key)
}

// Replace sets the conversation's history wholesale, as when a caller
// supplies its own. The entity is taken from the newest exchange naming one.
func (k *Keeper) Replace(ctx context.Context, key Key, history []domain.Exchange) domain.ConversationContext {
	c := k.entry(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loaded = true
	c.history = k.trim(slices.Clone(history))
	c.entity = ""
	for i := len(c.history) - 1; i >= 0; i-- {
		if a := c.history[i].Analysis; a != nil && a.Entity != "" {
			c.entity = a.Entity
			break
		}
	}
	cc := c.snapshot(key)
	if k.mirror != nil {
		if err := k.mirror.Save(ctx, key, cc); err != nil {
			k.log.Warn("session: mirror save failed", "tenant", key.Tenant, "conversation", key.Conversation, "err", err)
		}
	}
	return cc
}

// Forget drops the conversation's context.
func (k *Keeper) Forget(ctx context.Context, key Key) {
	k.mu.Lock()
	delete(k.convs, key)
	k.mu.Unlock()
	k.forgetMirrored(ctx, key)
}

// ForgetTenant drops every conversation of tenant held in memory, as when
// the tenant's chatbot is deleted. Mirrored contexts this process never
// loaded are left to expire.
func (k *Keeper) ForgetTenant(ctx context.Context, tenant string) {
	var keys []Key
	k.mu.Lock()
	for key := range k.convs {
		if key.Tenant == tenant {
			keys = append(keys, key)
			delete(k.convs, key)
		}
	}
	k.mu.Unlock()
	for _, key := range keys {
		k.forgetMirrored(ctx, key)
	}
}

func (k *Keeper) forgetMirrored(ctx context.Context, key Key) {
	if k.mirror == nil {
		return
	}
	if err := k.mirror.Delete(ctx, key); err != nil {
		k.log.Warn("session: mirror delete failed", "tenant", key.Tenant, "conversation", key.Conversation, "err", err)
	}
}

// hydrate loads the mirrored context once. Caller holds c.mu.
func (k *Keeper) hydrate(ctx context.Context, key Key, c *conversation) {
	if c.loaded {
		return
	}
	c.loaded = true
	if k.mirror == nil {
		return
	}
	cc, ok, err := k.mirror.Load(ctx, key)
	if err != nil {
		k.log.Warn("session: mirror load failed", "tenant", key.Tenant, "conversation", key.Conversation, "err", err)
		return
	}
	if ok {
		c.history = k.trim(cc.History)
		c.entity = cc.Entity
	}
}

func (k *Keeper) trim(h []domain.Exchange) []domain.Exchange {
	if len(h) > k.window {
		return slices.Clone(h[len(h)-k.window:])
	}
	return h
}

func (c *conversation) snapshot(key Key) domain.ConversationContext {
	return domain.ConversationContext{
		ConversationID: key.Conversation,
		History:        slices.Clone(c.history),
		Entity:         c.entity,
	}
}
