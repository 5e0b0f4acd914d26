package service

import (
	"context"
	"sync"

	dom "listshare/internal/domain"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []dom.ListEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev dom.ListEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) last() dom.ListEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}
