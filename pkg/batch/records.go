package batch

import (
	"errors"
	"fmt"

	"github.com/ha1tch/archety/pkg/models"
)

// ErrMalformedRecord is returned by Validate for records missing required fields
var ErrMalformedRecord = errors.New("malformed record")

// Action names a record variant
type Action string

const (
	ActionCreateEntity            Action = "create_entity"
	ActionCreateRelationship      Action = "create_relationship"
	ActionCreateSourceAndRelate   Action = "create_source_and_relate"
	ActionCreateTargetAndRelate   Action = "create_target_and_relate"
	ActionCreateBothAndRelate     Action = "create_both_and_relate"
	ActionCreateIdentityWithToken Action = "create_identity_with_token"
	ActionCreateToken             Action = "create_token"
	ActionAuthenticateToken       Action = "authenticate_token"
)

// Record is a deferred mutation. The set of implementations is closed.
type Record interface {
	Action() Action
	Validate() error
	record()
}

// EntitySpec names an entity to get-or-create
type EntitySpec struct {
	Kind  models.Kind `json:"kind"`
	Key   string      `json:"key"`
	Title string      `json:"title,omitempty"` // pages only
}

// Identity returns the spec of an identity entity
func Identity(key string) EntitySpec {
	return EntitySpec{Kind: models.KindIdentity, Key: key}
}

// Page returns the spec of a page entity
func Page(url, title string) EntitySpec {
	return EntitySpec{Kind: models.KindPage, Key: url, Title: title}
}

func (s EntitySpec) validate(role string) error {
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: %s has unknown kind %q", ErrMalformedRecord, role, s.Kind)
	}
	if s.Key == "" {
		return fmt.Errorf("%w: %s has no key", ErrMalformedRecord, role)
	}
	if s.Kind == models.KindPage && s.Title == "" {
		return fmt.Errorf("%w: %s page %q has no title", ErrMalformedRecord, role, s.Key)
	}
	return nil
}

func (s EntitySpec) attrs() map[string]string {
	if s.Kind == models.KindPage && s.Title != "" {
		return map[string]string{models.AttrTitle: s.Title}
	}
	return nil
}

// Relation describes the relationship to write
type Relation struct {
	Type models.RelType `json:"type"`
	// Payload is the encrypted known identity carried by KNOWS
	Payload string `json:"payload,omitempty"`
}

// Likes returns a LIKES relation
func Likes() Relation { return Relation{Type: models.RelLikes} }

// Hates returns a HATES relation
func Hates() Relation { return Relation{Type: models.RelHates} }

// Knows returns a KNOWS relation carrying an encrypted payload
func Knows(payload string) Relation { return Relation{Type: models.RelKnows, Payload: payload} }

func (r Relation) attrs() map[string]string {
	if r.Payload == "" {
		return nil
	}
	return map[string]string{models.AttrEncryptedIdentity: r.Payload}
}

// validate checks the relation type and, where known, the endpoint kinds
func (r Relation) validate(src, dst models.Kind) error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown relationship type %q", ErrMalformedRecord, r.Type)
	}
	want := models.KindPage
	if r.Type == models.RelKnows {
		want = models.KindIdentity
		if r.Payload == "" {
			return fmt.Errorf("%w: KNOWS requires a payload", ErrMalformedRecord)
		}
	}
	if src != "" && src != models.KindIdentity {
		return fmt.Errorf("%w: %s source must be an Identity, got %s", ErrMalformedRecord, r.Type, src)
	}
	if dst != "" && dst != want {
		return fmt.Errorf("%w: %s target must be a %s, got %s", ErrMalformedRecord, r.Type, want, dst)
	}
	return nil
}

func validHandle(role string, h models.Handle) error {
	if !h.Valid() {
		return fmt.Errorf("%w: %s handle %d", ErrMalformedRecord, role, h)
	}
	return nil
}

// CreateEntity gets or creates one entity
type CreateEntity struct {
	Entity EntitySpec `json:"entity"`
}

func (CreateEntity) Action() Action { return ActionCreateEntity }
func (CreateEntity) record()        {}

func (r CreateEntity) Validate() error {
	return r.Entity.validate("entity")
}

// CreateRelationship relates two entities that already exist
type CreateRelationship struct {
	Source   models.Handle `json:"source"`
	Target   models.Handle `json:"target"`
	Relation Relation      `json:"relation"`
}

func (CreateRelationship) Action() Action { return ActionCreateRelationship }
func (CreateRelationship) record()        {}

func (r CreateRelationship) Validate() error {
	if err := validHandle("source", r.Source); err != nil {
		return err
	}
	if err := validHandle("target", r.Target); err != nil {
		return err
	}
	return r.Relation.validate("", "")
}

// CreateSourceAndRelate creates the source and relates it to an existing target
type CreateSourceAndRelate struct {
	Source   EntitySpec    `json:"source"`
	Target   models.Handle `json:"target"`
	Relation Relation      `json:"relation"`
}

func (CreateSourceAndRelate) Action() Action { return ActionCreateSourceAndRelate }
func (CreateSourceAndRelate) record()        {}

func (r CreateSourceAndRelate) Validate() error {
	if err := r.Source.validate("source"); err != nil {
		return err
	}
	if err := validHandle("target", r.Target); err != nil {
		return err
	}
	return r.Relation.validate(r.Source.Kind, "")
}

// CreateTargetAndRelate creates the target and relates an existing source to it
type CreateTargetAndRelate struct {
	Source   models.Handle `json:"source"`
	Target   EntitySpec    `json:"target"`
	Relation Relation      `json:"relation"`
}

func (CreateTargetAndRelate) Action() Action { return ActionCreateTargetAndRelate }
func (CreateTargetAndRelate) record()        {}

func (r CreateTargetAndRelate) Validate() error {
	if err := validHandle("source", r.Source); err != nil {
		return err
	}
	if err := r.Target.validate("target"); err != nil {
		return err
	}
	return r.Relation.validate("", r.Target.Kind)
}

// CreateBothAndRelate creates both endpoints, then relates them
type CreateBothAndRelate struct {
	Source   EntitySpec `json:"source"`
	Target   EntitySpec `json:"target"`
	Relation Relation   `json:"relation"`
}

func (CreateBothAndRelate) Action() Action { return ActionCreateBothAndRelate }
func (CreateBothAndRelate) record()        {}

func (r CreateBothAndRelate) Validate() error {
	if err := r.Source.validate("source"); err != nil {
		return err
	}
	if err := r.Target.validate("target"); err != nil {
		return err
	}
	return r.Relation.validate(r.Source.Kind, r.Target.Kind)
}

// CreateIdentityWithToken creates an identity and issues it a token
type CreateIdentityWithToken struct {
	Identity EntitySpec `json:"identity"`
	Address  string     `json:"address"`
}

func (CreateIdentityWithToken) Action() Action { return ActionCreateIdentityWithToken }
func (CreateIdentityWithToken) record()        {}

func (r CreateIdentityWithToken) Validate() error {
	if err := r.Identity.validate("identity"); err != nil {
		return err
	}
	if r.Identity.Kind != models.KindIdentity {
		return fmt.Errorf("%w: tokens are issued to identities only", ErrMalformedRecord)
	}
	if r.Address == "" {
		return fmt.Errorf("%w: token has no delivery address", ErrMalformedRecord)
	}
	return nil
}

// CreateToken issues a new token to an existing identity
type CreateToken struct {
	Identity models.Handle `json:"identity"`
	Address  string        `json:"address"`
}

func (CreateToken) Action() Action { return ActionCreateToken }
func (CreateToken) record()        {}

func (r CreateToken) Validate() error {
	if err := validHandle("identity", r.Identity); err != nil {
		return err
	}
	if r.Address == "" {
		return fmt.Errorf("%w: token has no delivery address", ErrMalformedRecord)
	}
	return nil
}

// AuthenticateToken marks a generated token as confirmed
type AuthenticateToken struct {
	Identity models.Handle `json:"identity"`
	Token    string        `json:"token"`
}

func (AuthenticateToken) Action() Action { return ActionAuthenticateToken }
func (AuthenticateToken) record()        {}

func (r AuthenticateToken) Validate() error {
	if err := validHandle("identity", r.Identity); err != nil {
		return err
	}
	if r.Token == "" {
		return fmt.Errorf("%w: empty token", ErrMalformedRecord)
	}
	return nil
}

// Ref is either an existing handle or an entity to create
type Ref struct {
	Handle models.Handle
	Spec   EntitySpec
}

// Existing wraps a resolved handle
func Existing(h models.Handle) Ref { return Ref{Handle: h} }

// Absent wraps an entity that was not found
func Absent(spec EntitySpec) Ref { return Ref{Spec: spec} }

// Relate picks the record variant for a relationship from what the
// resolver found for each endpoint.
func Relate(source, target Ref, rel Relation) Record {
	switch {
	case source.Handle.Valid() && target.Handle.Valid():
		return CreateRelationship{Source: source.Handle, Target: target.Handle, Relation: rel}
	case source.Handle.Valid():
		return CreateTargetAndRelate{Source: source.Handle, Target: target.Spec, Relation: rel}
	case target.Handle.Valid():
		return CreateSourceAndRelate{Source: source.Spec, Target: target.Handle, Relation: rel}
	default:
		return CreateBothAndRelate{Source: source.Spec, Target: target.Spec, Relation: rel}
	}
}
