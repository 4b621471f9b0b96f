package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"questduel/internal/model"
)

// LocalChannel is an in-process Channel for single-node deployments and tests
type LocalChannel struct {
	mu      sync.Mutex
	members map[string]model.QueueEntry
	closed  bool
	d       *dispatcher
}

// NewLocalChannel creates an empty in-process channel
func NewLocalChannel() *LocalChannel {
	return &LocalChannel{
		members: make(map[string]model.QueueEntry),
		d:       newDispatcher(),
	}
}

func (c *LocalChannel) Track(_ context.Context, entry model.QueueEntry) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.members[entry.PlayerID] = entry
	c.d.enqueue(0, Event{Kind: EventJoin, Members: []model.QueueEntry{entry}})
	c.mu.Unlock()

	c.d.drain()
	return nil
}

func (c *LocalChannel) Untrack(_ context.Context, playerID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	entry, ok := c.members[playerID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.members, playerID)
	c.d.enqueue(0, Event{Kind: EventLeave, Members: []model.QueueEntry{entry}})
	c.mu.Unlock()

	c.d.drain()
	return nil
}

func (c *LocalChannel) Publish(_ context.Context, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", name, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.d.enqueue(0, Event{Kind: EventBroadcast, Name: name, Payload: data})
	c.mu.Unlock()

	c.d.drain()
	return nil
}

func (c *LocalChannel) Subscribe(_ context.Context, handler func(Event)) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	id := c.d.add(handler)
	c.d.enqueue(id, Event{Kind: EventSync, Members: c.snapshotLocked()})
	c.mu.Unlock()

	c.d.drain()
	return func() { c.d.remove(id) }, nil
}

func (c *LocalChannel) Snapshot(_ context.Context) ([]model.QueueEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.snapshotLocked(), nil
}

func (c *LocalChannel) Members(_ context.Context, playerIDs ...string) (map[string]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	out := make(map[string]bool, len(playerIDs))
	for _, id := range playerIDs {
		_, ok := c.members[id]
		out[id] = ok
	}
	return out, nil
}

func (c *LocalChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *LocalChannel) snapshotLocked() []model.QueueEntry {
	out := make([]model.QueueEntry, 0, len(c.members))
	for _, e := range c.members {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}
