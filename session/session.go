// Package session tracks bounded conversation history for model calls.
//
// The registry is an explicit object handed to whoever needs continuity
// context, never a package-level singleton, so tests get isolated registries.
// It exclusively owns its message log: readers receive independent deep
// copies and can never mutate tracked history through a returned value, even
// while a request built from an earlier snapshot is still in flight.
package session

import (
	"sync"
)

// Role tags a message with its author.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Part is one unit of message content: either text or an inline image.
type Part struct {
	Text      string `json:"text,omitempty"`
	ImageData string `json:"imageData,omitempty"` // base64, no data-URL wrapper
	MIMEType  string `json:"mimeType,omitempty"`
}

// TextPart builds a text-only part.
func TextPart(text string) Part { return Part{Text: text} }

// ImagePart builds an inline image part.
func ImagePart(data, mimeType string) Part {
	return Part{ImageData: data, MIMEType: mimeType}
}

// Message is one role-tagged history record.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// DefaultMaxHistory bounds per-session history length.
const DefaultMaxHistory = 20

// Registry keys sessions by caller-supplied opaque identifiers. Sessions
// never expire within process lifetime; they vanish only on explicit Delete
// or process restart.
type Registry struct {
	mu         sync.Mutex
	maxHistory int
	sessions   map[string][]Message
}

// NewRegistry creates a registry. maxHistory <= 0 selects DefaultMaxHistory.
func NewRegistry(maxHistory int) *Registry {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Registry{
		maxHistory: maxHistory,
		sessions:   make(map[string][]Message),
	}
}

// GetOrCreate ensures a session exists. Idempotent.
func (r *Registry) GetOrCreate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		r.sessions[id] = nil
	}
}

// AddMessage appends a message, creating the session if needed. When the
// history exceeds the bound, the oldest entries are evicted FIFO.
func (r *Registry) AddMessage(id string, role Role, parts []Part) {
	msg := Message{Role: role, Parts: copyParts(parts)}

	r.mu.Lock()
	defer r.mu.Unlock()
	log := append(r.sessions[id], msg)
	if excess := len(log) - r.maxHistory; excess > 0 {
		log = log[excess:]
	}
	r.sessions[id] = log
}

// Messages returns a deep, independent copy of the session's history, most
// recent last. Unknown sessions yield an empty slice.
func (r *Registry) Messages(id string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	log := r.sessions[id]
	out := make([]Message, len(log))
	for i, m := range log {
		out[i] = Message{Role: m.Role, Parts: copyParts(m.Parts)}
	}
	return out
}

// Len reports the current history length of a session.
func (r *Registry) Len(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[id])
}

// Delete removes a session and its history.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func copyParts(parts []Part) []Part {
	if parts == nil {
		return nil
	}
	out := make([]Part, len(parts))
	copy(out, parts)
	return out
}
