package batch

import (
	"context"
	"fmt"

	"github.com/ha1tch/archety/pkg/models"
	"github.com/ha1tch/archety/pkg/storage"
)

// TokenSource generates verification tokens
type TokenSource func() (string, error)

// CacheEntry is a resolved key waiting for its chunk to commit
type CacheEntry struct {
	Kind   models.Kind
	Key    string
	Handle models.Handle
}

// Delivery is a generated token waiting for its chunk to commit
type Delivery struct {
	Identity models.Handle
	Address  string
	Token    string
}

// Effects are the side effects of applied records. They are only
// published once the transaction that produced them has committed.
type Effects struct {
	Entries         []CacheEntry
	Deliveries      []Delivery
	EntitiesCreated int
	EdgesCreated    int
}

func (e *Effects) merge(o Effects) {
	e.Entries = append(e.Entries, o.Entries...)
	e.Deliveries = append(e.Deliveries, o.Deliveries...)
	e.EntitiesCreated += o.EntitiesCreated
	e.EdgesCreated += o.EdgesCreated
}

// RecordError reports a record that could not be applied
type RecordError struct {
	Index  int
	Action Action
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d (%s): %v", e.Index, e.Action, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// Interpreter applies records to an open transaction
type Interpreter struct {
	tokens TokenSource
}

// NewInterpreter creates an interpreter issuing tokens from src
func NewInterpreter(src TokenSource) *Interpreter {
	return &Interpreter{tokens: src}
}

// Apply dispatches one record. Entities are created before the
// relationship that references them.
func (in *Interpreter) Apply(ctx context.Context, tx storage.Tx, rec Record) (Effects, error) {
	var fx Effects
	if rec == nil {
		return fx, fmt.Errorf("%w: nil record", ErrMalformedRecord)
	}
	if err := rec.Validate(); err != nil {
		return fx, err
	}

	switch r := rec.(type) {
	case CreateEntity:
		_, err := in.entity(ctx, tx, r.Entity, &fx)
		return fx, err

	case CreateRelationship:
		return fx, in.relate(ctx, tx, r.Source, r.Target, r.Relation, &fx)

	case CreateSourceAndRelate:
		src, err := in.entity(ctx, tx, r.Source, &fx)
		if err != nil {
			return fx, err
		}
		return fx, in.relate(ctx, tx, src, r.Target, r.Relation, &fx)

	case CreateTargetAndRelate:
		dst, err := in.entity(ctx, tx, r.Target, &fx)
		if err != nil {
			return fx, err
		}
		return fx, in.relate(ctx, tx, r.Source, dst, r.Relation, &fx)

	case CreateBothAndRelate:
		src, err := in.entity(ctx, tx, r.Source, &fx)
		if err != nil {
			return fx, err
		}
		dst, err := in.entity(ctx, tx, r.Target, &fx)
		if err != nil {
			return fx, err
		}
		return fx, in.relate(ctx, tx, src, dst, r.Relation, &fx)

	case CreateIdentityWithToken:
		h, err := in.entity(ctx, tx, r.Identity, &fx)
		if err != nil {
			return fx, err
		}
		return fx, in.issue(ctx, tx, h, r.Address, &fx)

	case CreateToken:
		return fx, in.issue(ctx, tx, r.Identity, r.Address, &fx)

	case AuthenticateToken:
		if err := tx.SetAttr(ctx, r.Identity, models.AttrAuthenticatedToken, r.Token); err != nil {
			return fx, fmt.Errorf("authenticate token: %w", err)
		}
		return fx, nil
	}

	return fx, fmt.Errorf("%w: unsupported record %T", ErrMalformedRecord, rec)
}

func (in *Interpreter) entity(ctx context.Context, tx storage.Tx, spec EntitySpec, fx *Effects) (models.Handle, error) {
	h, created, err := tx.GetOrCreateEntity(ctx, spec.Kind, spec.Key, spec.attrs())
	if err != nil {
		return 0, fmt.Errorf("get or create %s %q: %w", spec.Kind, spec.Key, err)
	}
	if created {
		fx.EntitiesCreated++
	}
	fx.Entries = append(fx.Entries, CacheEntry{Kind: spec.Kind, Key: spec.Key, Handle: h})
	return h, nil
}

func (in *Interpreter) relate(ctx context.Context, tx storage.Tx, src, dst models.Handle, rel Relation, fx *Effects) error {
	_, created, err := EnsureEdge(ctx, tx, src, dst, rel.Type, rel.attrs())
	if err != nil {
		return err
	}
	if created {
		fx.EdgesCreated++
	}
	return nil
}

func (in *Interpreter) issue(ctx context.Context, tx storage.Tx, h models.Handle, address string, fx *Effects) error {
	token, err := in.tokens()
	if err != nil {
		return err
	}
	if err := tx.SetAttr(ctx, h, models.AttrGeneratedToken, token); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	fx.Deliveries = append(fx.Deliveries, Delivery{Identity: h, Address: address, Token: token})
	return nil
}
