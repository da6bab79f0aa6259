package delivery

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// SimulatedClient fakes a relay: random latency plus configurable failure
// rates. Used by the demo and by local runs without a real relay.
type SimulatedClient struct {
	MaxLatency    time.Duration
	TransientRate float64 // probability in [0,1]
	PermanentRate float64 // probability in [0,1], checked before TransientRate

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedClient creates a simulated client with its own random source.
func NewSimulatedClient(maxLatency time.Duration, transientRate, permanentRate float64) *SimulatedClient {
	return &SimulatedClient{
		MaxLatency:    maxLatency,
		TransientRate: transientRate,
		PermanentRate: permanentRate,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Deliver implements Client.
func (s *SimulatedClient) Deliver(ctx context.Context, destination string, payload []byte) error {
	s.mu.Lock()
	var work time.Duration
	if s.MaxLatency > 0 {
		work = time.Duration(s.rng.Int63n(int64(s.MaxLatency)))
	}
	roll := s.rng.Float64()
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return Transient(ctx.Err())
	case <-time.After(work):
	}

	switch {
	case roll < s.PermanentRate:
		return Permanent(errors.New("simulated permanent rejection"))
	case roll < s.PermanentRate+s.TransientRate:
		return Transient(errors.New("simulated relay unavailable"))
	default:
		return nil
	}
}
