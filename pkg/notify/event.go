// Package notify fans events out to live listeners and configured
// destinations (webhook, Slack, Discord).
package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/elonfeng/newsradar/pkg/source"
)

// EventType names the kind of update an event carries.
type EventType string

const (
	EventNewItem     EventType = "new_item"
	EventTopicUpdate EventType = "topic_update"
)

// Event is the envelope delivered to every listener:
// {"type": "new_item", "data": {...}}.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`
	Data any       `json:"data"`
	Time time.Time `json:"time"`
}

// TopicUpdate is the payload of a topic_update event.
type TopicUpdate struct {
	ItemID     int64  `json:"item_id"`
	Category   string `json:"category"`
	Title      string `json:"title"`
	Link       string `json:"link"`
	TopicID    string `json:"topic_id"`
	TopicLabel string `json:"topic_label"`
	Existing   bool   `json:"existing"`
}

// NewItemEvent announces a freshly persisted item.
func NewItemEvent(item source.Item) Event {
	return Event{ID: uuid.NewString(), Type: EventNewItem, Data: item, Time: time.Now().UTC()}
}

// TopicUpdateEvent announces that an item joined a topic thread.
func TopicUpdateEvent(u TopicUpdate) Event {
	return Event{ID: uuid.NewString(), Type: EventTopicUpdate, Data: u, Time: time.Now().UTC()}
}

// digest is the human-readable form used by chat notifiers.
type digest struct {
	Heading string
	Body    string
	Link    string
	Source  string
}

func describe(ev Event) digest {
	switch d := ev.Data.(type) {
	case source.Item:
		return digest{Heading: d.Title, Body: d.Summary, Link: d.Link, Source: d.Source}
	case *source.Item:
		return digest{Heading: d.Title, Body: d.Summary, Link: d.Link, Source: d.Source}
	case TopicUpdate:
		verb := "New thread"
		if d.Existing {
			verb = "Thread update"
		}
		return digest{
			Heading: fmt.Sprintf("%s: %s", verb, d.TopicLabel),
			Body:    d.Title,
			Link:    d.Link,
			Source:  d.Category,
		}
	default:
		return digest{Heading: string(ev.Type)}
	}
}
