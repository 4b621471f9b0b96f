package presence

import (
	"context"
	"encoding/json"
	"errors"

	"questduel/internal/model"
)

// ErrClosed is returned by operations on a closed channel
var ErrClosed = errors.New("presence channel closed")

// EventKind identifies what changed on the channel
type EventKind string

const (
	EventSync      EventKind = "sync"      // full membership snapshot
	EventJoin      EventKind = "join"      // members added or updated
	EventLeave     EventKind = "leave"     // members removed
	EventBroadcast EventKind = "broadcast" // named message for every subscriber
)

// Event is delivered to every subscriber of a channel
type Event struct {
	Kind    EventKind          `json:"kind"`
	Members []model.QueueEntry `json:"members,omitempty"`
	Name    string             `json:"name,omitempty"`
	Payload json.RawMessage    `json:"payload,omitempty"`
}

// Channel is a shared presence set of queued players with a broadcast bus.
// A new subscriber immediately receives a sync event. Handlers may call back
// into the channel.
type Channel interface {
	Track(ctx context.Context, entry model.QueueEntry) error
	Untrack(ctx context.Context, playerID string) error
	Publish(ctx context.Context, name string, payload any) error
	Subscribe(ctx context.Context, handler func(Event)) (unsubscribe func(), err error)
	Snapshot(ctx context.Context) ([]model.QueueEntry, error)
	// Members reports which of playerIDs are currently tracked
	Members(ctx context.Context, playerIDs ...string) (map[string]bool, error)
	Close() error
}
