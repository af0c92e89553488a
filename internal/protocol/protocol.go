// Package protocol manages the per-deployment configuration: the authority
// identity and the bounded set of admins allowed to arbitrate disputes.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrTooManyAdmins      = errors.New("too many admins")
	ErrAdminAlreadyExists = errors.New("admin already exists")
	ErrUnauthorizedAdmin  = errors.New("unauthorized admin")
	ErrNotInitialized     = errors.New("protocol config not initialized")
	ErrAlreadyInitialized = errors.New("protocol config already initialized")
	ErrInvalidIdentity    = errors.New("invalid identity")
)

// MaxAdmins bounds the admin set.
const MaxAdmins = 5

// Config is the singleton deployment configuration.
type Config struct {
	Authority solana.PublicKey   `json:"authority"`
	Admins    []solana.PublicKey `json:"admins"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// IsAdmin reports whether id is in the admin set.
func (c *Config) IsAdmin(id solana.PublicKey) bool {
	for _, a := range c.Admins {
		if a.Equals(id) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Admins = append([]solana.PublicKey(nil), c.Admins...)
	return &cp
}

// addAdmin checks the cap before membership, so a full set reports
// ErrTooManyAdmins even for an admin already in it.
func (c *Config) addAdmin(admin solana.PublicKey) error {
	if len(c.Admins) >= MaxAdmins {
		return ErrTooManyAdmins
	}
	if c.IsAdmin(admin) {
		return fmt.Errorf("%w: %s", ErrAdminAlreadyExists, admin)
	}
	c.Admins = append(c.Admins, admin)
	return nil
}

// removeAdmin reports whether admin was present.
func (c *Config) removeAdmin(admin solana.PublicKey) bool {
	for i, a := range c.Admins {
		if a.Equals(admin) {
			c.Admins = append(c.Admins[:i], c.Admins[i+1:]...)
			return true
		}
	}
	return false
}

// Store persists the protocol config.
type Store interface {
	// Get returns ErrNotInitialized when no config has been written.
	Get(ctx context.Context) (*Config, error)
	// Create returns ErrAlreadyInitialized if a config exists.
	Create(ctx context.Context, cfg *Config) error
	Update(ctx context.Context, cfg *Config) error
}

// Registry implements the config operations. Mutations are serialized.
type Registry struct {
	store Store
	mu    sync.Mutex
	nowFn func() time.Time
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store, nowFn: time.Now}
}

// WithClock overrides the time source.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.nowFn = now
	return r
}

// Init writes the initial config. The caller becomes the authority.
func (r *Registry) Init(ctx context.Context, authority solana.PublicKey, admins []solana.PublicKey) (*Config, error) {
	if authority.IsZero() {
		return nil, fmt.Errorf("%w: authority is required", ErrInvalidIdentity)
	}
	if len(admins) > MaxAdmins {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyAdmins, len(admins), MaxAdmins)
	}

	now := r.nowFn()
	cfg := &Config{Authority: authority, CreatedAt: now, UpdatedAt: now}
	for _, a := range admins {
		if a.IsZero() {
			return nil, fmt.Errorf("%w: zero admin key", ErrInvalidIdentity)
		}
		if err := cfg.addAdmin(a); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Create(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg.Clone(), nil
}

// AddAdmin adds admin to the set. Only the authority may call it.
func (r *Registry) AddAdmin(ctx context.Context, caller, admin solana.PublicKey) (*Config, error) {
	if admin.IsZero() {
		return nil, fmt.Errorf("%w: zero admin key", ErrInvalidIdentity)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, err := r.loadAuthorized(ctx, caller)
	if err != nil {
		return nil, err
	}
	if err := cfg.addAdmin(admin); err != nil {
		return nil, err
	}
	cfg.UpdatedAt = r.nowFn()
	if err := r.store.Update(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RemoveAdmin removes admin from the set. Removing a non-member succeeds
// without writing.
func (r *Registry) RemoveAdmin(ctx context.Context, caller, admin solana.PublicKey) (*Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, err := r.loadAuthorized(ctx, caller)
	if err != nil {
		return nil, err
	}
	if !cfg.removeAdmin(admin) {
		return cfg, nil
	}
	cfg.UpdatedAt = r.nowFn()
	if err := r.store.Update(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsAdmin reports whether id is a current admin.
func (r *Registry) IsAdmin(ctx context.Context, id solana.PublicKey) (bool, error) {
	cfg, err := r.store.Get(ctx)
	if err != nil {
		return false, err
	}
	return cfg.IsAdmin(id), nil
}

// Get returns the current config.
func (r *Registry) Get(ctx context.Context) (*Config, error) {
	return r.store.Get(ctx)
}

func (r *Registry) loadAuthorized(ctx context.Context, caller solana.PublicKey) (*Config, error) {
	cfg, err := r.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	if !cfg.Authority.Equals(caller) {
		return nil, ErrUnauthorizedAdmin
	}
	return cfg, nil
}
