// Package events is the outbound boundary to the accounting and activity
// collaborators. The core only publishes; billing and history are consumed
// elsewhere.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	SubjectTaskCompleted = "superagent.task.completed"
	SubjectTaskActivity  = "superagent.task.activity"
)

// TaskEvent is the envelope both collaborator subjects carry. The accounting
// service reads CostUnits; the activity logger reads the metadata.
type TaskEvent struct {
	EventID     string    `json:"event_id"`
	TaskID      string    `json:"task_id"`
	Class       string    `json:"class"`
	Status      string    `json:"status"`
	CostUnits   int       `json:"cost_units"`
	Summary     string    `json:"summary,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	PublishedAt time.Time `json:"published_at"`
}

// Validate checks required fields before publish.
func (e *TaskEvent) Validate() error {
	if e.TaskID == "" || e.Status == "" {
		return fmt.Errorf("task event missing required fields")
	}
	return nil
}

// Bus publishes task events over NATS core subjects.
type Bus struct {
	nc *nats.Conn
}

func Connect(url string) (*Bus, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("superagent-core"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Bus{nc: nc}, nil
}

// PublishCompleted emits the billing event consumed by the credit service.
func (b *Bus) PublishCompleted(evt TaskEvent) error {
	return b.publish(SubjectTaskCompleted, evt)
}

// PublishActivity emits the task-history event.
func (b *Bus) PublishActivity(evt TaskEvent) error {
	return b.publish(SubjectTaskActivity, evt)
}

func (b *Bus) publish(subject string, evt TaskEvent) error {
	if evt.EventID == "" {
		evt.EventID = uuid.New().String()
	}
	if evt.PublishedAt.IsZero() {
		evt.PublishedAt = time.Now().UTC()
	}
	if err := evt.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.nc.Publish(subject, data)
}

// Close drains the connection.
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}
