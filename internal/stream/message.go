package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fentz26/schedwatch/internal/models"
)

// EventType names an inbound push event.
type EventType string

const (
	EventExecutionUpdate EventType = "task_execution_update"
	EventLeaderChange    EventType = "leader_election_change"
	EventMetrics         EventType = "system_metrics_update"
	EventTaskStatus      EventType = "task_status_change"
	EventAlert           EventType = "alert"
)

// EventTypes lists every event type the manager dispatches.
var EventTypes = []EventType{
	EventExecutionUpdate,
	EventLeaderChange,
	EventMetrics,
	EventTaskStatus,
	EventAlert,
}

// Known reports whether t is one of EventTypes.
func (t EventType) Known() bool {
	for _, k := range EventTypes {
		if t == k {
			return true
		}
	}
	return false
}

// ErrUnknownEvent is returned by ParseMessage for a type outside EventTypes.
var ErrUnknownEvent = errors.New("unknown event type")

// Message is the {type, payload} envelope of every inbound push frame.
type Message struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ParseMessage decodes a frame and checks that its payload matches its type.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("malformed message: %w", err)
	}
	if !msg.Type.Known() {
		return Message{}, fmt.Errorf("%w %q", ErrUnknownEvent, msg.Type)
	}

	var err error
	switch msg.Type {
	case EventExecutionUpdate:
		_, err = DecodeExecutionUpdate(msg)
	case EventTaskStatus:
		_, err = DecodeTaskStatusChange(msg)
	case EventLeaderChange:
		_, err = DecodeLeaderChange(msg)
	case EventMetrics:
		_, err = DecodeMetrics(msg)
	case EventAlert:
		_, err = DecodeAlert(msg)
	}
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

func decodePayload(msg Message, want EventType, out interface{}) error {
	if msg.Type != want {
		return fmt.Errorf("expected %s payload, got %s", want, msg.Type)
	}
	if len(msg.Payload) == 0 || string(msg.Payload) == "null" {
		return fmt.Errorf("%s: missing payload", want)
	}
	if err := json.Unmarshal(msg.Payload, out); err != nil {
		return fmt.Errorf("%s: %w", want, err)
	}
	return nil
}

// DecodeExecutionUpdate decodes a task_execution_update payload.
func DecodeExecutionUpdate(msg Message) (models.ExecutionUpdate, error) {
	var u models.ExecutionUpdate
	if err := decodePayload(msg, EventExecutionUpdate, &u); err != nil {
		return models.ExecutionUpdate{}, err
	}
	if u.ExecutionID == "" {
		return models.ExecutionUpdate{}, fmt.Errorf("%s: execution_id is required", msg.Type)
	}
	if !u.Status.Valid() {
		return models.ExecutionUpdate{}, fmt.Errorf("%s: invalid status %q", msg.Type, u.Status)
	}
	return u, nil
}

// DecodeTaskStatusChange decodes a task_status_change payload.
func DecodeTaskStatusChange(msg Message) (models.TaskStatusChange, error) {
	var c models.TaskStatusChange
	if err := decodePayload(msg, EventTaskStatus, &c); err != nil {
		return models.TaskStatusChange{}, err
	}
	if c.TaskName == "" {
		return models.TaskStatusChange{}, fmt.Errorf("%s: task_name is required", msg.Type)
	}
	switch c.Status {
	case models.TaskStatusActive, models.TaskStatusPaused, models.TaskStatusDisabled:
	default:
		return models.TaskStatusChange{}, fmt.Errorf("%s: invalid status %q", msg.Type, c.Status)
	}
	return c, nil
}

// DecodeLeaderChange decodes a leader_election_change payload.
func DecodeLeaderChange(msg Message) (models.LeaderElectionStatus, error) {
	var l models.LeaderElectionStatus
	if err := decodePayload(msg, EventLeaderChange, &l); err != nil {
		return models.LeaderElectionStatus{}, err
	}
	if l.Instances == nil {
		l.Instances = []models.InstanceStatus{}
	}
	return l, nil
}

// DecodeMetrics decodes a system_metrics_update payload.
func DecodeMetrics(msg Message) (models.SystemMetrics, error) {
	var m models.SystemMetrics
	if err := decodePayload(msg, EventMetrics, &m); err != nil {
		return models.SystemMetrics{}, err
	}
	return m, nil
}

// DecodeAlert decodes an alert payload.
func DecodeAlert(msg Message) (models.Alert, error) {
	var a models.Alert
	if err := decodePayload(msg, EventAlert, &a); err != nil {
		return models.Alert{}, err
	}
	if a.ID == "" {
		return models.Alert{}, fmt.Errorf("%s: id is required", msg.Type)
	}
	return a, nil
}
