package registry

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound  = errors.New("agent not found")
	ErrClosed    = errors.New("registry closed")
	ErrInvalidID = errors.New("invalid agent ID")
)

// Status represents an agent's operational state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusBusy     Status = "busy"
	StatusStopping Status = "stopping"
)

// AgentInfo is the directory descriptor for one remote agent.
type AgentInfo struct {
	// ID uniquely identifies the agent.
	ID string `json:"id"`

	// Name is a human-readable name for the agent.
	Name string `json:"name,omitempty"`

	// Type is the agent category used for routing (e.g., "cost", "security").
	Type string `json:"type"`

	// Capabilities lists the task types the agent accepts.
	Capabilities []string `json:"capabilities"`

	// Address is the agent's base URL for HTTP delivery.
	Address string `json:"address,omitempty"`

	// Healthy reports whether the agent may receive tasks.
	Healthy bool `json:"healthy"`

	// Status is the agent's current operational state.
	Status Status `json:"status,omitempty"`

	// Load is the agent's current load (0.0-1.0).
	Load float64 `json:"load"`

	// Weight is the relative share used by weighted selection. Zero counts as 1.
	Weight int `json:"weight,omitempty"`

	// Metadata contains additional key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`

	// LastSeen is when the agent last updated its registration.
	LastSeen time.Time `json:"last_seen"`
}

// Filter specifies criteria for listing agents.
type Filter struct {
	// Type filters by agent category. Empty means all.
	Type string

	// Status filters by operational state. Empty means all.
	Status Status

	// Capability filters to agents with this capability.
	Capability string

	// HealthyOnly drops agents not marked healthy.
	HealthyOnly bool

	// MaxLoad filters to agents with load at or below this value.
	// Zero means no filter.
	MaxLoad float64
}

// EventType represents the type of registry event.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event represents a change in the registry.
type Event struct {
	// Type indicates what happened.
	Type EventType

	// Agent contains the agent information.
	// For removal events, this contains the last known state.
	Agent AgentInfo
}

// Directory is the read-only view of the agent registry used for routing.
type Directory interface {
	// Get retrieves a specific agent by ID.
	// Returns nil, ErrNotFound if not found.
	Get(ctx context.Context, id string) (*AgentInfo, error)

	// List returns all agents matching the optional filter, sorted by ID.
	// Pass nil for no filtering.
	List(ctx context.Context, filter *Filter) ([]AgentInfo, error)
}

// Registry provides agent registration on top of the Directory view.
type Registry interface {
	Directory

	// Register adds or updates an agent in the registry.
	// If an agent with the same ID exists, it updates the entry.
	Register(ctx context.Context, info AgentInfo) error

	// Deregister removes an agent from the registry.
	// Returns ErrNotFound if the agent doesn't exist.
	Deregister(ctx context.Context, id string) error

	// Watch returns a channel of registry events.
	// The channel is closed when the registry is closed.
	Watch() (<-chan Event, error)

	// Close shuts down the registry client.
	Close() error
}

// ValidateAgentInfo checks if agent info is valid.
func ValidateAgentInfo(info AgentInfo) error {
	if info.ID == "" {
		return ErrInvalidID
	}
	if info.Load < 0 || info.Load > 1 {
		return errors.New("load must be between 0.0 and 1.0")
	}
	if info.Weight < 0 {
		return errors.New("weight must not be negative")
	}
	return nil
}

// HasCapability checks if an agent has a specific capability.
func HasCapability(info AgentInfo, capability string) bool {
	for _, c := range info.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// MatchesFilter checks if an agent matches the filter criteria.
func MatchesFilter(info AgentInfo, filter *Filter) bool {
	if filter == nil {
		return true
	}
	if filter.Type != "" && info.Type != filter.Type {
		return false
	}
	if filter.Status != "" && info.Status != filter.Status {
		return false
	}
	if filter.Capability != "" && !HasCapability(info, filter.Capability) {
		return false
	}
	if filter.HealthyOnly && !info.Healthy {
		return false
	}
	if filter.MaxLoad > 0 && info.Load > filter.MaxLoad {
		return false
	}
	return true
}

// EffectiveWeight returns the agent's selection weight, treating zero as 1.
func (a AgentInfo) EffectiveWeight() int {
	if a.Weight <= 0 {
		return 1
	}
	return a.Weight
}
