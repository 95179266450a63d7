package recharge

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Claim is a recharge intent the user must complete within the window.
type Claim struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Method    string          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Phone     string          `json:"phone"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// ClaimStore keeps open claims until they expire.
type ClaimStore interface {
	Put(ctx context.Context, c Claim, ttl time.Duration) error
	// Get returns the claim without consuming it.
	Get(ctx context.Context, id string) (*Claim, error)
	// Take removes and returns the claim, or nil when it is unknown or expired.
	Take(ctx context.Context, id string) (*Claim, error)
}

// JSONStore is the subset of cache.Redis backing RedisClaims.
type JSONStore interface {
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	GetDelJSON(ctx context.Context, key string, dest any) (bool, error)
}

// RedisClaims stores claims as expiring Redis keys.
type RedisClaims struct {
	store JSONStore
}

func NewRedisClaims(store JSONStore) *RedisClaims {
	return &RedisClaims{store: store}
}

func claimKey(id string) string {
	return "recharge:claim:" + id
}

func (r *RedisClaims) Put(ctx context.Context, c Claim, ttl time.Duration) error {
	return r.store.SetJSON(ctx, claimKey(c.ID), c, ttl)
}

func (r *RedisClaims) Get(ctx context.Context, id string) (*Claim, error) {
	var c Claim
	ok, err := r.store.GetJSON(ctx, claimKey(id), &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

func (r *RedisClaims) Take(ctx context.Context, id string) (*Claim, error) {
	var c Claim
	ok, err := r.store.GetDelJSON(ctx, claimKey(id), &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

// MemoryClaims is the in-process ClaimStore used without Redis.
type MemoryClaims struct {
	mu     sync.Mutex
	claims map[string]Claim
	now    func() time.Time
}

func NewMemoryClaims() *MemoryClaims {
	return &MemoryClaims{claims: map[string]Claim{}, now: time.Now}
}

func (m *MemoryClaims) Put(_ context.Context, c Claim, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep()
	m.claims[c.ID] = c
	return nil
}

func (m *MemoryClaims) Get(_ context.Context, id string) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok || !m.now().Before(c.ExpiresAt) {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryClaims) Take(_ context.Context, id string) (*Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, nil
	}
	delete(m.claims, id)
	if !m.now().Before(c.ExpiresAt) {
		return nil, nil
	}
	return &c, nil
}

// sweep drops expired claims. Callers hold mu.
func (m *MemoryClaims) sweep() {
	now := m.now()
	for id, c := range m.claims {
		if !now.Before(c.ExpiresAt) {
			delete(m.claims, id)
		}
	}
}
