package transfer

import "sync"

// Resource is something a connection owns that must be released when the
// connection goes away.
type Resource interface {
	Release(reason error)
}

// Registry records the resources each connection owns so disconnect cleanup
// touches exactly what that connection held.
type Registry struct {
	mu     sync.Mutex
	owners map[uint64]map[Resource]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{owners: make(map[uint64]map[Resource]struct{})}
}

// Track records that owner holds r.
func (r *Registry) Track(owner uint64, res Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.owners[owner]
	if set == nil {
		set = make(map[Resource]struct{})
		r.owners[owner] = set
	}
	set[res] = struct{}{}
}

// Untrack forgets r without releasing it.
func (r *Registry) Untrack(owner uint64, res Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.owners[owner]
	if set == nil {
		return
	}
	delete(set, res)
	if len(set) == 0 {
		delete(r.owners, owner)
	}
}

// Owned returns the resources owner holds that match keep. A nil keep
// matches everything.
func (r *Registry) Owned(owner uint64, keep func(Resource) bool) []Resource {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Resource
	for res := range r.owners[owner] {
		if keep == nil || keep(res) {
			out = append(out, res)
		}
	}
	return out
}

// ReleaseAll releases everything owner holds and returns how many resources
// that was. Release runs outside the registry lock, so resources may Untrack
// themselves.
func (r *Registry) ReleaseAll(owner uint64, reason error) int {
	r.mu.Lock()
	set := r.owners[owner]
	delete(r.owners, owner)
	r.mu.Unlock()

	for res := range set {
		res.Release(reason)
	}
	return len(set)
}

// Len returns the total number of tracked resources.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.owners {
		n += len(set)
	}
	return n
}
