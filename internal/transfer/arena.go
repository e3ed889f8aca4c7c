// Package transfer tracks in-flight fetch and store transfers: their 16-bit
// ids, the connection that owns them, and segmented fetch serving.
package transfer

import (
	"sync"

	"github.com/casmesh/casmesh/pkg/cas"
	"github.com/casmesh/casmesh/pkg/proto"
)

// MaxIDs is the number of usable transfer ids, 1..0xFFFE.
const MaxIDs = int(proto.TransferComplete) - 1

// Arena hands out small integer ids for live values. Freed ids are reused
// oldest first.
type Arena[T any] struct {
	mu    sync.Mutex
	items map[uint16]T
	free  []uint16
	next  uint16
	limit int
}

// NewArena returns an arena holding at most limit values. limit <= 0 or above
// MaxIDs means MaxIDs.
func NewArena[T any](limit int) *Arena[T] {
	if limit <= 0 || limit > MaxIDs {
		limit = MaxIDs
	}
	return &Arena[T]{
		items: make(map[uint16]T),
		next:  1,
		limit: limit,
	}
}

// Alloc stores v and returns its id.
func (a *Arena[T]) Alloc(v T) (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.items) >= a.limit {
		return proto.TransferFailed, cas.Errorf(cas.ErrStorageIO, "transfer", cas.ZeroKey, "all %d transfer ids in use", a.limit)
	}
	var id uint16
	if len(a.free) > 0 {
		id = a.free[0]
		a.free = a.free[1:]
	} else {
		id = a.next
		a.next++
	}
	a.items[id] = v
	return id, nil
}

// Get returns the value for id.
func (a *Arena[T]) Get(id uint16) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.items[id]
	return v, ok
}

// Free removes id and returns its value. Freeing an unknown id returns false.
func (a *Arena[T]) Free(id uint16) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.items[id]
	if !ok {
		return v, false
	}
	delete(a.items, id)
	a.free = append(a.free, id)
	return v, true
}

// Len returns the number of live ids.
func (a *Arena[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}
