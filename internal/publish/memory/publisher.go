// Package memory records run events in process, for tests and the
// development loop where no Pub/Sub project is configured.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/torrhive/harvester/internal/harvest"
)

// Event is one recorded run notification.
type Event struct {
	Topic   string
	Summary harvest.RunSummary
}

// Publisher keeps published run events in memory for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []Event
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the run summary and returns a pseudo message ID. Only
// run summaries are ever published; anything else is a programming error.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	summary, ok := payload.(harvest.RunSummary)
	if !ok {
		return "", fmt.Errorf("unsupported payload type %T", payload)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Event{Topic: topic, Summary: summary})
	return fmt.Sprintf("run-event-%d", len(p.events)), nil
}

// Events returns a copy of the recorded run events.
func (p *Publisher) Events() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}
