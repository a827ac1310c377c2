package guidesync

import (
	"context"
)

// identity for store access. Anonymous identities are created on demand by
// the api when the client has never authenticated.
type Identity struct {
	ByJwt      string
	InstanceId Id
	Anonymous  bool
}

// a live subscription handle. Unsubscribe is idempotent; releasing a
// released handle is a no-op, not an error. A handle is single-shot: after
// it reports an error it is dead, and reconnecting is the caller's job.
type StoreSubscription interface {
	Unsubscribe()
}

// push delivers the current (partial or full) document.
// empty or nil means the document does not exist or has no fields.
type PushFunction func(doc Document)

type StoreErrorFunction func(code StoreErrorCode)

// the remote document store consumed by the sync controller.
// One logical document per guide at a fixed path.
type Store interface {
	AcquireIdentity(ctx context.Context) (*Identity, error)
	Subscribe(path string, onPush PushFunction, onError StoreErrorFunction) (StoreSubscription, error)
	WriteFields(ctx context.Context, path string, partial Document) error
}
