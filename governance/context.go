// Package governance exposes a read-only GovernanceContext to the core.
// Raw governance entities (hypotheses, constraint YAML) never cross into
// this package per the Non-goals; only the derived scalar view does.
package governance

import (
	"sync"

	"github.com/shopspring/decimal"
	"github.com/web3guy0/ordercore/types"
)

// Provider supplies the current GovernanceContext. A single process-wide
// value is normal; Store implements it with a swappable snapshot so an
// external governance sync job can update it without locking out readers.
type Provider interface {
	Context() types.GovernanceContext
}

// Store holds the latest GovernanceContext, defaulting to an unrestricted
// baseline until the first sync populates it.
type Store struct {
	mu  sync.RWMutex
	ctx types.GovernanceContext
}

// NewStore constructs a Store with an unrestricted default context.
func NewStore() *Store {
	return &Store{ctx: types.GovernanceContext{
		PacingMultiplier:     decimal.NewFromInt(1),
		RiskBudgetMultiplier: decimal.NewFromInt(1),
		RegimeState:          "unknown",
	}}
}

// Context implements Provider.
func (s *Store) Context() types.GovernanceContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// Set replaces the current context, e.g. from a periodic governance sync.
func (s *Store) Set(ctx types.GovernanceContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
}
