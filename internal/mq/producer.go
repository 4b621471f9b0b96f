package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"questduel/internal/model"
)

// RewardPublisher sends battle rewards to the progression system's queue
type RewardPublisher struct {
	conn  *amqp.Connection
	queue string

	mu      sync.Mutex
	channel *amqp.Channel
}

// NewRewardPublisher dials the broker and declares a durable queue
func NewRewardPublisher(url, queue string) (*RewardPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("MQ connect failed: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("MQ channel failed: %w", err)
	}

	_, err = channel.QueueDeclare(
		queue,
		true, false, false, false, nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("MQ queue declare failed: %w", err)
	}

	return &RewardPublisher{conn: conn, queue: queue, channel: channel}, nil
}

// PublishReward sends one persistent JSON message
func (p *RewardPublisher) PublishReward(ctx context.Context, event model.RewardEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.Publish(
		"",
		p.queue,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    model.RecordID(event.MatchID, event.UserID),
			Timestamp:    event.EmittedAt,
			Body:         body,
		},
	)
}

func (p *RewardPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.Close(); err != nil {
		_ = p.conn.Close()
		return err
	}
	return p.conn.Close()
}
