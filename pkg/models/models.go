package models

import (
	"fmt"
	"strings"
)

// Kind is the label of a graph entity
type Kind string

const (
	KindIdentity Kind = "Identity"
	KindPage     Kind = "Page"
)

// Valid reports whether k is a known entity kind
func (k Kind) Valid() bool {
	return k == KindIdentity || k == KindPage
}

// KeyProperty returns the name of the unique key property for the kind
func (k Kind) KeyProperty() string {
	switch k {
	case KindIdentity:
		return "identity"
	case KindPage:
		return "url"
	}
	return ""
}

// RelType is the type of a directed relationship
type RelType string

const (
	RelLikes RelType = "LIKES"
	RelHates RelType = "HATES"
	RelKnows RelType = "KNOWS"
)

// Valid reports whether r is a known relationship type
func (r RelType) Valid() bool {
	return r == RelLikes || r == RelHates || r == RelKnows
}

// ParseRelType parses a relationship type case-insensitively ("likes" -> LIKES)
func ParseRelType(s string) (RelType, error) {
	r := RelType(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown relationship type %q", s)
	}
	return r, nil
}

// Well-known attribute names
const (
	AttrTitle              = "title"
	AttrGeneratedToken     = "generatedToken"
	AttrAuthenticatedToken = "authenticatedToken"
	AttrEncryptedIdentity  = "encryptedIdentity"
)

// Handle is an opaque, store-assigned entity reference
type Handle int64

// Valid reports whether the handle could have been assigned by a store
func (h Handle) Valid() bool {
	return h > 0
}

// Entity is a node in the graph
type Entity struct {
	Handle Handle            `json:"handle"`
	Kind   Kind              `json:"kind"`
	Key    string            `json:"key"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}

// Attr returns an attribute value or "" when unset
func (e *Entity) Attr(name string) string {
	if e.Attrs == nil {
		return ""
	}
	return e.Attrs[name]
}

// Clone returns a deep copy of the entity
func (e *Entity) Clone() *Entity {
	c := *e
	c.Attrs = CopyAttrs(e.Attrs)
	return &c
}

// Edge is a directed, typed relationship between two entities
type Edge struct {
	ID     int64             `json:"id"`
	Source Handle            `json:"source"`
	Target Handle            `json:"target"`
	Type   RelType           `json:"type"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}

// Related pairs an outgoing edge with the entity at its far end
type Related struct {
	Edge   Edge   `json:"edge"`
	Entity Entity `json:"entity"`
}

// CopyAttrs copies an attribute map, returning nil for empty input
func CopyAttrs(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details
type ErrorDetail struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// IdentityRequest is the body of identity-shaped requests
type IdentityRequest struct {
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
	Region string `json:"region,omitempty"`
}

// PageRequest is the body of page-shaped requests
type PageRequest struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// IdentityResponse echoes a normalized identity
type IdentityResponse struct {
	Identity string `json:"identity"`
}

// PageResponse describes a page
type PageResponse struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// RelationshipResponse echoes an accepted relationship write
type RelationshipResponse struct {
	Identity         string  `json:"identity"`
	Identity2        string  `json:"identity2,omitempty"`
	URL              string  `json:"url,omitempty"`
	Title            string  `json:"title,omitempty"`
	RelationshipType RelType `json:"relationship_type"`
}

// MessageResponse carries a plain status message
type MessageResponse struct {
	Message string `json:"message"`
}
