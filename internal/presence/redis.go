package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"questduel/internal/logger"
	"questduel/internal/model"
)

const (
	defaultMembersKey    = "questduel:queue:members"
	defaultEventsChannel = "questduel:queue:events"
)

// RedisChannel shares the queue across instances: members live in a hash
// keyed by player id and events travel over Redis pub/sub.
type RedisChannel struct {
	client        *redis.Client
	membersKey    string
	eventsChannel string
	log           *logger.Logger
	d             *dispatcher

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
	closed bool
}

// NewRedisChannel creates a channel on the default keys
func NewRedisChannel(client *redis.Client, log *logger.Logger) *RedisChannel {
	return NewRedisChannelWithKeys(client, log, defaultMembersKey, defaultEventsChannel)
}

// NewRedisChannelWithKeys creates a channel on explicit keys, for isolated queues
func NewRedisChannelWithKeys(client *redis.Client, log *logger.Logger, membersKey, eventsChannel string) *RedisChannel {
	return &RedisChannel{
		client:        client,
		membersKey:    membersKey,
		eventsChannel: eventsChannel,
		log:           log,
		d:             newDispatcher(),
	}
}

func (c *RedisChannel) Track(ctx context.Context, entry model.QueueEntry) error {
	if c.isClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := c.client.HSet(ctx, c.membersKey, entry.PlayerID, data).Err(); err != nil {
		return fmt.Errorf("failed to track %s: %w", entry.PlayerID, err)
	}
	return c.publishEvent(ctx, Event{Kind: EventJoin, Members: []model.QueueEntry{entry}})
}

func (c *RedisChannel) Untrack(ctx context.Context, playerID string) error {
	if c.isClosed() {
		return ErrClosed
	}
	data, err := c.client.HGet(ctx, c.membersKey, playerID).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}

	removed, err := c.client.HDel(ctx, c.membersKey, playerID).Result()
	if err != nil {
		return fmt.Errorf("failed to untrack %s: %w", playerID, err)
	}
	if removed == 0 {
		return nil
	}

	var entry model.QueueEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		entry = model.QueueEntry{PlayerID: playerID}
	}
	return c.publishEvent(ctx, Event{Kind: EventLeave, Members: []model.QueueEntry{entry}})
}

func (c *RedisChannel) Publish(ctx context.Context, name string, payload any) error {
	if c.isClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", name, err)
	}
	return c.publishEvent(ctx, Event{Kind: EventBroadcast, Name: name, Payload: data})
}

func (c *RedisChannel) publishEvent(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, c.eventsChannel, data).Err()
}

// Subscribe starts the pub/sub listener on first use, then delivers a sync
// built from the member hash
func (c *RedisChannel) Subscribe(ctx context.Context, handler func(Event)) (func(), error) {
	if err := c.listen(ctx); err != nil {
		return nil, err
	}

	members, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	id := c.d.add(handler)
	c.d.enqueue(id, Event{Kind: EventSync, Members: members})
	c.d.drain()

	return func() { c.d.remove(id) }, nil
}

func (c *RedisChannel) listen(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.pubsub != nil {
		return nil
	}

	pubsub := c.client.Subscribe(ctx, c.eventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", c.eventsChannel, err)
	}
	c.pubsub = pubsub
	c.done = make(chan struct{})

	go c.readLoop(pubsub.Channel(), c.done)
	return nil
}

func (c *RedisChannel) readLoop(messages <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range messages {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			c.log.WithError(err).Warn("Dropping malformed presence event")
			continue
		}
		c.d.enqueue(0, ev)
		c.d.drain()
	}
}

func (c *RedisChannel) Snapshot(ctx context.Context) ([]model.QueueEntry, error) {
	raw, err := c.client.HGetAll(ctx, c.membersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue members: %w", err)
	}
	out := make([]model.QueueEntry, 0, len(raw))
	for id, data := range raw {
		var entry model.QueueEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			c.log.WithPlayer(id).WithError(err).Warn("Skipping malformed queue member")
			continue
		}
		out = append(out, entry)
	}
	sortEntries(out)
	return out, nil
}

func (c *RedisChannel) Members(ctx context.Context, playerIDs ...string) (map[string]bool, error) {
	out := make(map[string]bool, len(playerIDs))
	if len(playerIDs) == 0 {
		return out, nil
	}
	vals, err := c.client.HMGet(ctx, c.membersKey, playerIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue members: %w", err)
	}
	for i, id := range playerIDs {
		out[id] = vals[i] != nil
	}
	return out, nil
}

// Close stops the listener. Members tracked by this instance stay in the hash
// until untracked.
func (c *RedisChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pubsub, done := c.pubsub, c.done
	c.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}

func (c *RedisChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
