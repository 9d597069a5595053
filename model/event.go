// Package model holds the entity structs and tagged variants shared by
// every stage of the integrity and allocation pipeline.
package model

import "time"

// EventType is a closed enum of the raw viewer actions the core ingests.
// No inheritance hierarchy -- a flat tagged variant, per design note on
// dataclass hierarchies.
type EventType string

const (
	EventView    EventType = "view"
	EventLike    EventType = "like"
	EventComment EventType = "comment"
	EventShare   EventType = "share"
	EventReport  EventType = "report"
	EventFollow  EventType = "follow"
	EventPause   EventType = "pause"
)

// Event is a single append-only row from the raw viewer event log.
type Event struct {
	EventID   string
	VideoID   string
	UserID    string
	Type      EventType
	TS        time.Time
	DeviceID  *string
	IPHash    *string
}
