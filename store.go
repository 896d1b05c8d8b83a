package rls

import (
	"errors"
	"fmt"
	"sort"
)

// PolicyStore resolves an identity to its access policy. Implementations must
// be safe for concurrent reads and must not block.
type PolicyStore interface {
	Lookup(id Identity) (AccessPolicy, bool)
}

// PolicyStoreFunc adapts a function to PolicyStore.
type PolicyStoreFunc func(id Identity) (AccessPolicy, bool)

func (f PolicyStoreFunc) Lookup(id Identity) (AccessPolicy, bool) { return f(id) }

// StaticPolicyStore is an immutable identity -> policy map. It is built once
// from a validated policy list and shared by all requests without locking.
type StaticPolicyStore struct {
	policies map[Identity]AccessPolicy
}

// NewStaticPolicyStore validates and normalizes policies and returns the
// store. All validation failures are reported together.
func NewStaticPolicyStore(policies ...*AccessPolicy) (*StaticPolicyStore, error) {
	s := &StaticPolicyStore{policies: make(map[Identity]AccessPolicy, len(policies))}
	var errs []error
	for i, p := range policies {
		if p == nil {
			errs = append(errs, fmt.Errorf("%w: entry %d is empty", ErrInvalidPolicy, i))
			continue
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := s.policies[p.Identity]; dup {
			errs = append(errs, fmt.Errorf("%w: %q", ErrDuplicateIdentity, p.Identity))
			continue
		}
		s.policies[p.Identity] = *p.Normalized()
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s, nil
}

// Lookup returns the policy of id. The returned CustomerKeys slice is shared
// with the store and must not be modified.
func (s *StaticPolicyStore) Lookup(id Identity) (AccessPolicy, bool) {
	if s == nil || id == "" {
		return AccessPolicy{}, false
	}
	p, ok := s.policies[id]
	return p, ok
}

// Len returns the number of identities with a policy.
func (s *StaticPolicyStore) Len() int {
	if s == nil {
		return 0
	}
	return len(s.policies)
}

// Policies returns copies of all policies ordered by identity.
func (s *StaticPolicyStore) Policies() []*AccessPolicy {
	if s == nil {
		return nil
	}
	out := make([]*AccessPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p.Normalized())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}
