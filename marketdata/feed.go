// Package marketdata defines the quote interface the simulated broker's
// close-order pricing consults, plus a minimal simulated feed; real feed
// adapters are out of scope.
package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a point-in-time price reading.
type Quote struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// Feed supplies the latest known quote for a symbol.
type Feed interface {
	Latest(symbol string) (Quote, bool)
}

// Simulated is an in-memory feed seeded by SetPrice, standing in for a real
// market data adapter so close-order pricing can be exercised without an
// external connection.
type Simulated struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewSimulated constructs an empty Simulated feed.
func NewSimulated() *Simulated {
	return &Simulated{quotes: make(map[string]Quote)}
}

// SetPrice seeds or updates a symbol's latest quote.
func (s *Simulated) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[symbol] = Quote{Symbol: symbol, Price: price, Timestamp: time.Now()}
}

// Latest implements Feed.
func (s *Simulated) Latest(symbol string) (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	return q, ok
}

// Run is a no-op tick loop kept for symmetry with a real feed's
// reconnect/heartbeat goroutine; Simulated has nothing to reconnect.
func (s *Simulated) Run(ctx context.Context) {
	<-ctx.Done()
}
