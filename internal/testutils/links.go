package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/usenocturne/panlink/ws"
)

// FakeLinks is an in-memory bluetooth.Links.
type FakeLinks struct {
	mu      sync.Mutex
	up      map[string]bool
	queried []string
	removed chan string
}

func NewFakeLinks() *FakeLinks {
	return &FakeLinks{
		up:      make(map[string]bool),
		removed: make(chan string, 4),
	}
}

func (l *FakeLinks) SetUp(name string, up bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.up[name] = up
}

func (l *FakeLinks) Queried() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.queried...)
}

// Remove reports name as deleted to Removed subscribers.
func (l *FakeLinks) Remove(name string) {
	l.removed <- name
}

func (l *FakeLinks) InterfaceUp(name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queried = append(l.queried, name)
	up, ok := l.up[name]
	if !ok {
		return false, fmt.Errorf("link %s not found", name)
	}
	return up, nil
}

func (l *FakeLinks) Removed(ctx context.Context) (<-chan string, error) {
	return l.removed, nil
}

// EventRecorder collects broadcast events.
type EventRecorder struct {
	mu     sync.Mutex
	events []ws.Event
}

func (r *EventRecorder) Broadcast(event ws.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *EventRecorder) Events() []ws.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ws.Event(nil), r.events...)
}

// Types returns the event types in broadcast order.
func (r *EventRecorder) Types() []string {
	var types []string
	for _, e := range r.Events() {
		types = append(types, e.Type)
	}
	return types
}
