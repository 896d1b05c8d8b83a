package rls

// PolicyBuilder builds an AccessPolicy. Each filter method replaces the
// strategy chosen before it.
type PolicyBuilder struct {
	p *AccessPolicy
}

func NewPolicyBuilder(id Identity) *PolicyBuilder {
	return &PolicyBuilder{p: &AccessPolicy{Identity: id, Role: RoleViewer, ShowPII: PIIHidden}}
}

func (b *PolicyBuilder) Role(r Role) *PolicyBuilder { b.p.Role = r; return b }

func (b *PolicyBuilder) FullAccess() *PolicyBuilder {
	b.p.FilterType, b.p.RegionKey, b.p.CustomerKeys = FilterNone, nil, nil
	return b
}

func (b *PolicyBuilder) Region(key int64) *PolicyBuilder {
	b.p.FilterType, b.p.RegionKey, b.p.CustomerKeys = FilterRegion, &key, nil
	return b
}

func (b *PolicyBuilder) Customers(keys ...int64) *PolicyBuilder {
	b.p.FilterType, b.p.RegionKey = FilterCustomers, nil
	b.p.CustomerKeys = append([]int64(nil), keys...)
	return b
}

func (b *PolicyBuilder) ShowPII(show bool) *PolicyBuilder {
	b.p.ShowPII = PIIHidden
	if show {
		b.p.ShowPII = PIIShown
	}
	return b
}

func (b *PolicyBuilder) Build() *AccessPolicy { return b.p }
