package repository

import (
	"context"
	"errors"

	"ctfgate/internal/instance/model"
)

var (
	ErrInstanceNotFound  = errors.New("instance not found")
	ErrPortConflict      = errors.New("host port already registered")
	ErrChallengeNotFound = errors.New("challenge not found")
)

// Registry is the durable mapping of (principal, challenge) to a running instance.
// Writers never update a record in place; replacement is delete then insert.
type Registry interface {
	// FindByKey returns ErrInstanceNotFound when no record exists for key.
	FindByKey(ctx context.Context, key model.InstanceKey) (*model.InstanceRecord, error)

	// FindByPort returns ErrInstanceNotFound when no record holds hostPort.
	FindByPort(ctx context.Context, hostPort int) (*model.InstanceRecord, error)

	// InsertIfAbsent stores record unless its key is already taken.
	// When the key is taken it returns the existing record and inserted=false.
	// When only the host port is taken it returns ErrPortConflict.
	InsertIfAbsent(ctx context.Context, record *model.InstanceRecord) (existing *model.InstanceRecord, inserted bool, err error)

	// DeleteIfMatches removes the record for key only if it still points at containerRef.
	DeleteIfMatches(ctx context.Context, key model.InstanceKey, containerRef string) (bool, error)

	// ReplaceIfMatches atomically deletes stale, if it still points at the same
	// container, and inserts record in its place. Nothing changes unless both happen:
	// a taken key returns the existing record, a port held by another record
	// returns ErrPortConflict, and a stale record that is already gone returns
	// replaced=false with a nil error.
	ReplaceIfMatches(ctx context.Context, stale, record *model.InstanceRecord) (existing *model.InstanceRecord, replaced bool, err error)

	// CountByPrincipal returns the number of records owned by principalID.
	CountByPrincipal(ctx context.Context, principalID string) (int, error)

	// List returns every record, used by the reconciler.
	List(ctx context.Context) ([]*model.InstanceRecord, error)
}
