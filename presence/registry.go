// Package presence tracks which identities are currently reachable and
// through which connection.
//
// A Registry is owned by a single goroutine (the relay hub) and is not safe
// for concurrent use.
package presence

import "sort"

// Handle identifies one live connection.
type Handle string

// Registry maps identities to their most recent connection. A reverse index
// from handle to identity keeps removal O(1).
type Registry struct {
	byIdentity map[string]Handle
	byHandle   map[Handle]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byIdentity: make(map[string]Handle),
		byHandle:   make(map[Handle]string),
	}
}

// Join records h as the connection for identity. A previous connection for
// the same identity is replaced and returned. If h was joined under another
// identity, that entry is dropped so a handle never serves two identities.
func (r *Registry) Join(identity string, h Handle) (replaced Handle, ok bool) {
	if prev, found := r.byHandle[h]; found && prev != identity {
		delete(r.byIdentity, prev)
	}
	replaced, ok = r.byIdentity[identity]
	if ok {
		if replaced == h {
			ok = false
		} else {
			delete(r.byHandle, replaced)
		}
	}
	r.byIdentity[identity] = h
	r.byHandle[h] = identity
	return replaced, ok
}

// Lookup returns the connection currently registered for identity.
func (r *Registry) Lookup(identity string) (Handle, bool) {
	h, ok := r.byIdentity[identity]
	return h, ok
}

// IdentityOf returns the identity h is joined under.
func (r *Registry) IdentityOf(h Handle) (string, bool) {
	id, ok := r.byHandle[h]
	return id, ok
}

// Remove deletes the entry whose connection is h and returns its identity.
// Removing an unknown or already replaced handle is a no-op.
func (r *Registry) Remove(h Handle) (string, bool) {
	identity, ok := r.byHandle[h]
	if !ok {
		return "", false
	}
	delete(r.byHandle, h)
	if r.byIdentity[identity] == h {
		delete(r.byIdentity, identity)
	}
	return identity, true
}

// Identities returns the online identities in ascending order.
func (r *Registry) Identities() []string {
	out := make([]string, 0, len(r.byIdentity))
	for id := range r.byIdentity {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of online identities.
func (r *Registry) Len() int {
	return len(r.byIdentity)
}
