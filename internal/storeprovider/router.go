package storeprovider

import (
	"context"
	"fmt"
	"sync"
)

// Router resolves a routing key to the primitive instance bound to the
// store that owns it — the write-side counterpart to the dispatcher's
// read-side store enumeration. An application enqueuing work for tenant key
// K calls Router.Get(ctx, K) to get back the *outbox.Outbox or *inbox.Inbox
// already bound to K's store, instead of threading a raw Store through its
// own lookup. Unknown keys return an error; callers that want "throw" need
// only not check it.
//
// Built instances are cached per store id so repeated lookups for keys
// owned by the same store return the same bound primitive.
type Router[P any] struct {
	provider Provider
	build    func(Store) (P, error)

	mu    sync.Mutex
	bound map[string]P
}

// NewRouter builds a Router over provider, constructing a new P the first
// time a store id is seen and caching it for subsequent lookups. build
// typically closes over the schema/table/options needed to turn a Store's
// raw Conn into a wqueue.Store[R] and then into the bound primitive.
func NewRouter[P any](provider Provider, build func(Store) (P, error)) *Router[P] {
	return &Router[P]{provider: provider, build: build, bound: make(map[string]P)}
}

// Get routes key to the primitive bound to the store that owns it,
// constructing and caching it on first use. Returns an error for a key no
// registered store owns.
func (r *Router[P]) Get(ctx context.Context, key string) (P, error) {
	var zero P
	store, err := r.provider.GetStoreByKey(ctx, key)
	if err != nil {
		return zero, fmt.Errorf("router: no store for key %q: %w", key, err)
	}
	id := r.provider.GetStoreIdentifier(store)

	r.mu.Lock()
	defer r.mu.Unlock()
	if bound, ok := r.bound[id]; ok {
		return bound, nil
	}
	bound, err := r.build(store)
	if err != nil {
		return zero, fmt.Errorf("router: bind store %q: %w", id, err)
	}
	r.bound[id] = bound
	return bound, nil
}
