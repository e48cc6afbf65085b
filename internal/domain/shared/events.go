// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"encoding/json"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. Each event represents something significant that
// happened to a user's progress or to the storage that backs it.
const (
	// Progress events
	EventStateChanged        EventType = "progress.state_changed"
	EventMilestoneCompleted  EventType = "progress.milestone_completed"
	EventAchievementUnlocked EventType = "progress.achievement_unlocked"
	EventProgressCleared     EventType = "progress.cleared"

	// Persistence events
	EventStorageDegraded EventType = "persistence.degraded"
	EventExternalChange  EventType = "persistence.external_change"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Progress Events
// ═══════════════════════════════════════════════════════════════════════════

// StateChangedEvent is emitted after every effective transition of a user's
// progress aggregate. The aggregate ID is the user ID.
type StateChangedEvent struct {
	BaseEvent
	Revision uint64 `json:"revision"`
	Action   string `json:"action"`
	Remote   bool   `json:"remote"` // applied from another instance
}

// Payload implements Event interface.
func (e StateChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"revision": e.Revision,
		"action":   e.Action,
		"remote":   e.Remote,
	}
}

// NewStateChangedEvent creates a new StateChangedEvent.
func NewStateChangedEvent(userID string, revision uint64, action string, remote bool) StateChangedEvent {
	return StateChangedEvent{
		BaseEvent: NewBaseEvent(EventStateChanged, userID),
		Revision:  revision,
		Action:    action,
		Remote:    remote,
	}
}

// MilestoneCompletedEvent is emitted when a path milestone is marked complete.
type MilestoneCompletedEvent struct {
	BaseEvent
	PathID      string `json:"path_id"`
	MilestoneID string `json:"milestone_id"`
	TimeSpent   int    `json:"time_spent"`
}

// Payload implements Event interface.
func (e MilestoneCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"path_id":      e.PathID,
		"milestone_id": e.MilestoneID,
		"time_spent":   e.TimeSpent,
	}
}

// NewMilestoneCompletedEvent creates a new MilestoneCompletedEvent.
func NewMilestoneCompletedEvent(userID, pathID, milestoneID string, timeSpent int) MilestoneCompletedEvent {
	return MilestoneCompletedEvent{
		BaseEvent:   NewBaseEvent(EventMilestoneCompleted, userID),
		PathID:      pathID,
		MilestoneID: milestoneID,
		TimeSpent:   timeSpent,
	}
}

// AchievementUnlockedEvent is emitted once per achievement, when it unlocks.
type AchievementUnlockedEvent struct {
	BaseEvent
	AchievementID string    `json:"achievement_id"`
	Title         string    `json:"title"`
	UnlockedAt    time.Time `json:"unlocked_at"`
}

// Payload implements Event interface.
func (e AchievementUnlockedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"achievement_id": e.AchievementID,
		"title":          e.Title,
		"unlocked_at":    e.UnlockedAt,
	}
}

// NewAchievementUnlockedEvent creates a new AchievementUnlockedEvent.
func NewAchievementUnlockedEvent(userID, achievementID, title string, unlockedAt time.Time) AchievementUnlockedEvent {
	return AchievementUnlockedEvent{
		BaseEvent:     NewBaseEvent(EventAchievementUnlocked, userID),
		AchievementID: achievementID,
		Title:         title,
		UnlockedAt:    unlockedAt,
	}
}

// ProgressClearedEvent is emitted when a path, a skill, or everything is cleared.
type ProgressClearedEvent struct {
	BaseEvent
	PathID  string `json:"path_id,omitempty"`
	SkillID string `json:"skill_id,omitempty"`
}

// Scope returns "path", "skill" or "all".
func (e ProgressClearedEvent) Scope() string {
	switch {
	case e.PathID != "":
		return "path"
	case e.SkillID != "":
		return "skill"
	default:
		return "all"
	}
}

// Payload implements Event interface.
func (e ProgressClearedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"path_id":  e.PathID,
		"skill_id": e.SkillID,
		"scope":    e.Scope(),
	}
}

// NewProgressClearedEvent creates a new ProgressClearedEvent.
func NewProgressClearedEvent(userID, pathID, skillID string) ProgressClearedEvent {
	return ProgressClearedEvent{
		BaseEvent: NewBaseEvent(EventProgressCleared, userID),
		PathID:    pathID,
		SkillID:   skillID,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Persistence Events
// ═══════════════════════════════════════════════════════════════════════════

// StorageDegradedEvent is emitted when the persistence layer permanently
// demotes from one tier to another.
type StorageDegradedEvent struct {
	BaseEvent
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// Payload implements Event interface.
func (e StorageDegradedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"from":   e.From,
		"to":     e.To,
		"reason": e.Reason,
	}
}

// NewStorageDegradedEvent creates a new StorageDegradedEvent. The aggregate
// ID is the storage namespace.
func NewStorageDegradedEvent(namespace, from, to, reason string) StorageDegradedEvent {
	return StorageDegradedEvent{
		BaseEvent: NewBaseEvent(EventStorageDegraded, namespace),
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// ExternalChangeEvent carries a value that another process wrote under one of
// our keys. Data is the decoded JSON payload.
type ExternalChangeEvent struct {
	BaseEvent
	Key        string          `json:"key"`
	Data       json.RawMessage `json:"data"`
	DataVer    int             `json:"data_version"`
	WrittenAt  time.Time       `json:"written_at"`
	SourceTier string          `json:"source_tier"`
}

// Payload implements Event interface.
func (e ExternalChangeEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"key":          e.Key,
		"data_version": e.DataVer,
		"written_at":   e.WrittenAt,
		"source_tier":  e.SourceTier,
		"size":         len(e.Data),
	}
}

// NewExternalChangeEvent creates a new ExternalChangeEvent.
func NewExternalChangeEvent(namespace, key string, data []byte, version int, writtenAt time.Time, tier string) ExternalChangeEvent {
	return ExternalChangeEvent{
		BaseEvent:  NewBaseEvent(EventExternalChange, namespace),
		Key:        key,
		Data:       data,
		DataVer:    version,
		WrittenAt:  writtenAt,
		SourceTier: tier,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Bus Contracts
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
