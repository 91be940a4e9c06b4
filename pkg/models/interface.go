package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// InterfaceStatus is the publication state of a shared interface.
type InterfaceStatus string

const (
	// InterfaceDraft means the producer is still working on it.
	InterfaceDraft InterfaceStatus = "draft"
	// InterfaceReady means consumers may depend on it. Ready is final.
	InterfaceReady InterfaceStatus = "ready"
)

// Valid returns true if the status is a known value.
func (s InterfaceStatus) Valid() bool {
	return s == InterfaceDraft || s == InterfaceReady
}

// SharedInterface is a named output published by one agent and consumed by others.
type SharedInterface struct {
	// Name is the unique key.
	Name string `json:"name"`
	// Type classifies the interface, e.g. "api" or "schema".
	Type string `json:"type"`
	// Owner is the producing agent id.
	Owner string `json:"owner"`
	// Spec is an opaque structured payload.
	Spec json.RawMessage `json:"spec,omitempty"`
	// Status is draft or ready.
	Status InterfaceStatus `json:"status"`
	// Consumers lists agent ids that declared a dependency on it.
	Consumers []string `json:"consumers,omitempty"`
	// Version increments on every accepted change.
	Version int `json:"version"`
	// UpdatedAt is when the interface last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// SameContent reports whether two registrations carry byte-identical content.
func (i SharedInterface) SameContent(o SharedInterface) bool {
	return i.Type == o.Type && i.Owner == o.Owner && i.Status == o.Status && bytes.Equal(i.Spec, o.Spec)
}

// Clone returns a deep copy.
func (i SharedInterface) Clone() SharedInterface {
	i.Spec = append(json.RawMessage(nil), i.Spec...)
	i.Consumers = append([]string(nil), i.Consumers...)
	return i
}
