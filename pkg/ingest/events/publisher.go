// Package events publishes sync lifecycle events to Redis and provides the Redis lock
// that keeps sync runs from overlapping across instances.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/fathom-transcripts/pkg/logging"
)

// Redis channels for sync events
const (
	ChannelMeetingSynced     = "events.meeting.synced"
	ChannelSyncProgress      = "events.sync.progress"
	ChannelSyncCompleted     = "events.sync.completed"
	ChannelDurationsRepaired = "events.durations.repaired"
)

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventType     string    `json:"event_type"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Source        string    `json:"source"`
	Version       string    `json:"version"`
}

// NewBaseEvent creates a BaseEvent with sensible defaults.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Source:    "fathom-transcripts",
		Version:   "1.0",
	}
}

// MeetingSyncedEvent is published when a meeting is created or updated by a sync.
type MeetingSyncedEvent struct {
	BaseEvent

	SyncRunID string `json:"sync_run_id"`
	MeetingID int64  `json:"meeting_id"`
	FathomID  string `json:"fathom_id"`
	Title     string `json:"title"`
	Created   bool   `json:"created"`

	StartTime       *time.Time `json:"start_time,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
	DurationMethod  string     `json:"duration_method"`
	Domains         []string   `json:"domains"`
}

// SyncProgressEvent is published as pages are processed.
type SyncProgressEvent struct {
	BaseEvent

	SyncRunID      string  `json:"sync_run_id"`
	Mode           string  `json:"mode"`
	PagesFetched   int     `json:"pages_fetched"`
	MeetingsSeen   int     `json:"meetings_seen"`
	Created        int     `json:"created"`
	Updated        int     `json:"updated"`
	Failed         int     `json:"failed"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Status         string  `json:"status"`
}

// SyncCompletedEvent is published when a sync run finishes.
type SyncCompletedEvent struct {
	BaseEvent

	SyncRunID string `json:"sync_run_id"`
	Mode      string `json:"mode"`
	DryRun    bool   `json:"dry_run"`

	PagesFetched int `json:"pages_fetched"`
	MeetingsSeen int `json:"meetings_seen"`
	Created      int `json:"created"`
	Updated      int `json:"updated"`
	Failed       int `json:"failed"`

	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	DurationSeconds float64   `json:"duration_seconds"`

	Success     bool   `json:"success"`
	FinalStatus string `json:"final_status"`
}

// DurationsRepairedEvent is published after a duration repair pass.
type DurationsRepairedEvent struct {
	BaseEvent

	Examined          int  `json:"examined"`
	Updated           int  `json:"updated"`
	Unchanged         int  `json:"unchanged"`
	Unresolved        int  `json:"unresolved"`
	IncludeSuspicious bool `json:"include_suspicious"`
	DryRun            bool `json:"dry_run"`
}

// Publisher publishes sync events to Redis.
type Publisher struct {
	client *redis.Client
	logger logging.Logger
}

// NewPublisher creates a new event publisher.
func NewPublisher(client *redis.Client, logger logging.Logger) *Publisher {
	return &Publisher{
		client: client,
		logger: logger.With(logging.F("component", "event_publisher")),
	}
}

// Connect opens a Redis client from a redis:// URL and verifies it with a ping.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// PublishMeetingSynced publishes an event for a stored meeting.
func (p *Publisher) PublishMeetingSynced(ctx context.Context, event MeetingSyncedEvent) error {
	event.BaseEvent = NewBaseEvent("meeting.synced")
	if event.Domains == nil {
		event.Domains = []string{}
	}
	return p.publish(ctx, ChannelMeetingSynced, event)
}

// PublishSyncProgress publishes a progress update for a running sync.
func (p *Publisher) PublishSyncProgress(ctx context.Context, event SyncProgressEvent) error {
	event.BaseEvent = NewBaseEvent("sync.progress")
	return p.publish(ctx, ChannelSyncProgress, event)
}

// PublishSyncCompleted publishes the outcome of a sync run.
func (p *Publisher) PublishSyncCompleted(ctx context.Context, event SyncCompletedEvent) error {
	event.BaseEvent = NewBaseEvent("sync.completed")
	event.DurationSeconds = event.CompletedAt.Sub(event.StartedAt).Seconds()
	return p.publish(ctx, ChannelSyncCompleted, event)
}

// PublishDurationsRepaired publishes the outcome of a repair pass.
func (p *Publisher) PublishDurationsRepaired(ctx context.Context, event DurationsRepairedEvent) error {
	event.BaseEvent = NewBaseEvent("durations.repaired")
	return p.publish(ctx, ChannelDurationsRepaired, event)
}

// publish serializes and publishes an event to Redis.
func (p *Publisher) publish(ctx context.Context, channel string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		p.logger.Error("Failed to publish event",
			logging.Err(err),
			logging.F("channel", channel))
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	p.logger.Debug("Event published",
		logging.F("channel", channel),
		logging.F("payload_size", len(data)))

	return nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
