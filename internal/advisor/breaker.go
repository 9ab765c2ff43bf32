package advisor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perpcore/internal/metrics"
)

// CircuitState represents the state of one model's circuit.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// Breaker thresholds. Two straight failures open a circuit; a probe is
// allowed after the open timeout; two straight successes close it again.
// Failback to a higher-priority model waits out a cooldown so the chain
// does not flap between models.
const (
	breakerFailureThreshold = 2
	breakerSuccessThreshold = 2
	breakerOpenTimeout      = 10 * time.Minute
	failbackCooldown        = 10 * time.Minute
)

type modelCircuit struct {
	state                CircuitState
	consecutiveFails     int
	consecutiveSuccesses int
	openedAt             time.Time
	lastFailure          time.Time
}

// ModelBreaker tracks circuit state per model in a failover chain,
// ordered highest priority first.
type ModelBreaker struct {
	mu       sync.Mutex
	models   []string
	circuits map[string]*modelCircuit

	// lastFailover is when a lower-priority model last had to serve;
	// failback above that model's priority is gated until the cooldown
	// passes.
	lastFailover       time.Time
	lastServedPriority int

	log zerolog.Logger
}

// NewModelBreaker creates a breaker for the given model chain.
func NewModelBreaker(models []string, log zerolog.Logger) *ModelBreaker {
	circuits := make(map[string]*modelCircuit, len(models))
	for _, m := range models {
		circuits[m] = &modelCircuit{state: CircuitClosed}
		metrics.SetModelCircuitState(m, 0)
	}
	return &ModelBreaker{
		models:   models,
		circuits: circuits,
		log:      log,
	}
}

// Available returns the models eligible for a call this cycle, in
// priority order. OPEN circuits past their timeout move to HALF_OPEN and
// become eligible as probes. Higher-priority models are withheld during
// the failback cooldown after a failover.
func (b *ModelBreaker) Available() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var available []string
	for i, name := range b.models {
		c := b.circuits[name]

		if c.state == CircuitOpen && now.Sub(c.openedAt) >= breakerOpenTimeout {
			c.state = CircuitHalfOpen
			c.consecutiveSuccesses = 0
			b.setGauge(name, c.state)
			b.log.Info().Str("model", name).Msg("Model circuit half-open, allowing probe")
		}
		if c.state == CircuitOpen {
			continue
		}

		// Failback gate: once a lower-priority model served, models above
		// it stay withheld until the cooldown expires.
		if i < b.lastServedPriority && now.Sub(b.lastFailover) < failbackCooldown {
			continue
		}

		available = append(available, name)
	}

	// If the gate filtered everything (e.g. the serving model just
	// opened), ignore the cooldown rather than going silent.
	if len(available) == 0 {
		for _, name := range b.models {
			if b.circuits[name].state != CircuitOpen {
				available = append(available, name)
			}
		}
	}
	return available
}

// AllOpen reports whether every model circuit is open.
func (b *ModelBreaker) AllOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, name := range b.models {
		c := b.circuits[name]
		if c.state != CircuitOpen {
			return false
		}
		if time.Since(c.openedAt) >= breakerOpenTimeout {
			return false // due for a half-open probe
		}
	}
	return true
}

// RecordSuccess marks a successful call on a model and notes which
// priority level served, arming the failback gate when it was not the
// primary.
func (b *ModelBreaker) RecordSuccess(model string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[model]
	if !ok {
		return
	}

	c.consecutiveFails = 0
	c.consecutiveSuccesses++
	if c.state == CircuitHalfOpen && c.consecutiveSuccesses >= breakerSuccessThreshold {
		c.state = CircuitClosed
		c.consecutiveSuccesses = 0
		b.setGauge(model, c.state)
		b.log.Info().Str("model", model).Msg("Model circuit closed after recovery")
	}

	priority := b.priorityOf(model)
	if priority > 0 {
		b.lastFailover = time.Now()
		b.lastServedPriority = priority
	} else if priority == 0 {
		b.lastServedPriority = 0
	}
}

// RecordFailure marks a failed call on a model, opening its circuit at
// the failure threshold or on any half-open failure.
func (b *ModelBreaker) RecordFailure(model string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[model]
	if !ok {
		return
	}

	now := time.Now()
	c.consecutiveSuccesses = 0
	c.consecutiveFails++
	c.lastFailure = now

	switch c.state {
	case CircuitClosed:
		if c.consecutiveFails >= breakerFailureThreshold {
			c.state = CircuitOpen
			c.openedAt = now
			b.setGauge(model, c.state)
			b.log.Warn().
				Str("model", model).
				Int("consecutive_failures", c.consecutiveFails).
				Msg("Model circuit opened")
		}
	case CircuitHalfOpen:
		c.state = CircuitOpen
		c.openedAt = now
		b.setGauge(model, c.state)
		b.log.Warn().Str("model", model).Msg("Model circuit re-opened after failed probe")
	}
}

// State returns the circuit state of one model.
func (b *ModelBreaker) State(model string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[model]; ok {
		return c.state
	}
	return CircuitOpen
}

// Reset closes the circuit for one model, for operator use.
func (b *ModelBreaker) Reset(model string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[model]; ok {
		c.state = CircuitClosed
		c.consecutiveFails = 0
		c.consecutiveSuccesses = 0
		b.setGauge(model, c.state)
	}
}

func (b *ModelBreaker) priorityOf(model string) int {
	for i, name := range b.models {
		if name == model {
			return i
		}
	}
	return -1
}

func (b *ModelBreaker) setGauge(model string, state CircuitState) {
	var v float64
	switch state {
	case CircuitHalfOpen:
		v = 1
	case CircuitOpen:
		v = 2
	}
	metrics.SetModelCircuitState(model, v)
}
