package heartbeat

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/vinayprograms/taskdispatch/bus"
	"github.com/vinayprograms/taskdispatch/logging"
	"github.com/vinayprograms/taskdispatch/metrics"
	"github.com/vinayprograms/taskdispatch/registry"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// SubjectPrefix is the subject prefix for heartbeat messages.
const SubjectPrefix = "heartbeat."

// SubjectAll matches every agent's heartbeat subject.
const SubjectAll = SubjectPrefix + ">"

// Heartbeat is one liveness signal from an agent.
type Heartbeat struct {
	// AgentID identifies the sending agent.
	AgentID string `json:"agent_id"`

	// Timestamp when the heartbeat was generated.
	Timestamp time.Time `json:"timestamp"`

	// Status is the agent's operational state.
	Status registry.Status `json:"status"`

	// Load is the normalized load (0.0 to 1.0).
	Load float64 `json:"load"`

	// InFlight is the number of tasks the agent is executing.
	InFlight int `json:"in_flight"`
}

// Marshal serializes a heartbeat to JSON.
func (h *Heartbeat) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// Unmarshal deserializes a heartbeat from JSON.
func Unmarshal(data []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Subject returns the subject for this heartbeat.
func (h *Heartbeat) Subject() string {
	return Subject(h.AgentID)
}

// Subject returns the heartbeat subject of agentID.
func Subject(agentID string) string {
	return SubjectPrefix + agentID
}

func agentFromSubject(subject string) string {
	return strings.TrimPrefix(subject, SubjectPrefix)
}

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Bus is the message bus for publishing heartbeats.
	Bus bus.MessageBus

	// AgentID is the unique identifier for this agent.
	AgentID string

	// Interval between heartbeats.
	// Default: 5 seconds
	Interval time.Duration

	// Capacity is the number of concurrent tasks that counts as full load.
	// Default: 1
	Capacity int
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil || c.AgentID == "" || c.Capacity < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval: 5 * time.Second,
		Capacity: 1,
	}
}

// MonitorConfig configures a heartbeat monitor.
type MonitorConfig struct {
	// Bus is the message bus for subscribing to heartbeats.
	Bus bus.MessageBus

	// Timeout after the last heartbeat before an agent is presumed dead.
	// Should be 2-3x the sender interval.
	// Default: 15 seconds
	Timeout time.Duration

	// CheckInterval for the dead agent checker.
	// Default: 1 second
	CheckInterval time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Metrics

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Validate checks the configuration.
func (c *MonitorConfig) Validate() error {
	if c.Bus == nil || c.Timeout < 0 || c.CheckInterval < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Timeout:       15 * time.Second,
		CheckInterval: time.Second,
	}
}
