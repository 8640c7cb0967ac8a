package registry

import (
	"encoding/json"
	"strconv"
	"time"
)

// Agent statuses. An active agent has answered its most recent probe;
// an inactive agent was unreachable during startup restoration but has
// not yet been evicted by the live probe loop.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Agent is one registered agent record. AgentName is the primary key:
// unique across the registry, non-empty, and stable for the lifetime of
// the registration.
type Agent struct {
	AgentName string `json:"agent_name"`
	AgentType string `json:"agent_type"`
	Version   string `json:"version,omitempty"`

	BaseURL   string `json:"base_url"`
	AuthToken string `json:"auth_token"`
	Port      int    `json:"port,omitempty"`

	Capabilities       []string          `json:"capabilities"`
	Tags               []string          `json:"tags,omitempty"`
	Description        string            `json:"description,omitempty"`
	Contact            string            `json:"contact,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	InputContentTypes  []string          `json:"input_content_types,omitempty"`
	OutputContentTypes []string          `json:"output_content_types,omitempty"`

	Status       string `json:"status"`
	RegisteredAt string `json:"registered_at"`
	LastVerified string `json:"last_verified"`
}

// toHash flattens the record into a Redis hash. Slice and map fields
// are stored as JSON strings, matching the layout fromHash expects.
func (a *Agent) toHash() map[string]string {
	h := map[string]string{
		"agent_name":    a.AgentName,
		"agent_type":    a.AgentType,
		"version":       a.Version,
		"base_url":      a.BaseURL,
		"auth_token":    a.AuthToken,
		"port":          strconv.Itoa(a.Port),
		"description":   a.Description,
		"contact":       a.Contact,
		"status":        a.Status,
		"registered_at": a.RegisteredAt,
		"last_verified": a.LastVerified,
	}
	h["capabilities"] = mustJSON(a.Capabilities)
	h["tags"] = mustJSON(a.Tags)
	h["metadata"] = mustJSON(a.Metadata)
	h["input_content_types"] = mustJSON(a.InputContentTypes)
	h["output_content_types"] = mustJSON(a.OutputContentTypes)
	return h
}

// fromHash rebuilds a record from its Redis hash. Unparseable JSON
// fields degrade to zero values rather than failing the whole read.
func fromHash(h map[string]string) *Agent {
	a := &Agent{
		AgentName:    h["agent_name"],
		AgentType:    h["agent_type"],
		Version:      h["version"],
		BaseURL:      h["base_url"],
		AuthToken:    h["auth_token"],
		Description:  h["description"],
		Contact:      h["contact"],
		Status:       h["status"],
		RegisteredAt: h["registered_at"],
		LastVerified: h["last_verified"],
	}
	if p, err := strconv.Atoi(h["port"]); err == nil {
		a.Port = p
	}
	json.Unmarshal([]byte(h["capabilities"]), &a.Capabilities)               //nolint:errcheck
	json.Unmarshal([]byte(h["tags"]), &a.Tags)                               //nolint:errcheck
	json.Unmarshal([]byte(h["metadata"]), &a.Metadata)                       //nolint:errcheck
	json.Unmarshal([]byte(h["input_content_types"]), &a.InputContentTypes)   //nolint:errcheck
	json.Unmarshal([]byte(h["output_content_types"]), &a.OutputContentTypes) //nolint:errcheck
	return a
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// nowISO returns the current time as ISO-8601 UTC, the timestamp format
// used for registered_at and last_verified.
func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
