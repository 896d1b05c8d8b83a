package rls

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// ACCESS POLICY
// ============================================================================

var (
	// ErrInvalidPolicy is wrapped by every ValidationError.
	ErrInvalidPolicy = errors.New("rls: invalid access policy")
	// ErrDuplicateIdentity reports two policies for the same identity.
	ErrDuplicateIdentity = errors.New("rls: duplicate identity")
	// ErrUnknownFilterType is reported when a store hands out a policy whose
	// filter type has no strategy. The row filter denies all rows for it.
	ErrUnknownFilterType = errors.New("rls: unknown filter type")
)

// ValidationError describes one rejected field of one policy.
type ValidationError struct {
	Identity Identity
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("policy %q: %s: %s", e.Identity, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPolicy }

// PIIFlag is the boolean-valued string show_pii of a policy. Config files may
// spell it as a string or as a bare boolean.
type PIIFlag string

// Enabled reports whether the flag reads "true", ignoring case.
func (f PIIFlag) Enabled() bool { return strings.EqualFold(string(f), PIIShown) }

func (f *PIIFlag) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = PIIFlag(strconv.FormatBool(b))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("show_pii: expected string or boolean: %w", err)
	}
	*f = PIIFlag(s)
	return nil
}

func (f *PIIFlag) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("show_pii: expected scalar at line %d", value.Line)
	}
	*f = PIIFlag(value.Value)
	return nil
}

// AccessPolicy is the record the Policy Store keeps per identity.
type AccessPolicy struct {
	Identity     Identity   `json:"identity" yaml:"identity" msgpack:"identity"`
	Role         Role       `json:"role" yaml:"role" msgpack:"role"`
	FilterType   FilterType `json:"filter_type" yaml:"filter_type" msgpack:"filter_type"`
	RegionKey    *int64     `json:"region_key,omitempty" yaml:"region_key,omitempty" msgpack:"region_key,omitempty"`
	CustomerKeys []int64    `json:"customer_keys,omitempty" yaml:"customer_keys,omitempty" msgpack:"customer_keys,omitempty"`
	ShowPII      PIIFlag    `json:"show_pii,omitempty" yaml:"show_pii,omitempty" msgpack:"show_pii,omitempty"`
}

// DefaultPolicy is what every identity without a policy resolves to. It has
// no filter type, so the row filter denies all rows.
func DefaultPolicy() AccessPolicy {
	return AccessPolicy{Role: RoleViewer, ShowPII: PIIHidden}
}

// Validate checks the policy against the store schema and returns every
// problem found, joined.
func (p *AccessPolicy) Validate() error {
	var errs []error
	fail := func(field, reason string) {
		errs = append(errs, &ValidationError{Identity: p.Identity, Field: field, Reason: reason})
	}

	switch {
	case strings.TrimSpace(string(p.Identity)) == "":
		fail("identity", "must not be empty")
	case p.Identity == Anonymous:
		fail("identity", "\"anonymous\" is reserved for unresolved callers")
	}
	if !p.Role.Valid() {
		fail("role", fmt.Sprintf("unknown role %q", p.Role))
	}
	switch p.FilterType {
	case FilterNone:
		if p.RegionKey != nil {
			fail("region_key", "only allowed with filter_type region")
		}
		if len(p.CustomerKeys) > 0 {
			fail("customer_keys", "only allowed with filter_type customers")
		}
	case FilterRegion:
		if p.RegionKey == nil {
			fail("region_key", "required with filter_type region")
		}
		if len(p.CustomerKeys) > 0 {
			fail("customer_keys", "only allowed with filter_type customers")
		}
	case FilterCustomers:
		if len(p.CustomerKeys) == 0 {
			fail("customer_keys", "required with filter_type customers")
		}
		if p.RegionKey != nil {
			fail("region_key", "only allowed with filter_type region")
		}
	case "":
		fail("filter_type", "must be set")
	default:
		fail("filter_type", fmt.Sprintf("unknown filter type %q", p.FilterType))
	}
	switch strings.ToLower(string(p.ShowPII)) {
	case "", PIIShown, PIIHidden:
	default:
		fail("show_pii", fmt.Sprintf("expected \"true\" or \"false\", got %q", p.ShowPII))
	}
	return errors.Join(errs...)
}

// Normalized returns a copy with show_pii lower-cased and defaulted to
// "false". The copy does not share CustomerKeys with p.
func (p *AccessPolicy) Normalized() *AccessPolicy {
	n := *p
	n.ShowPII = PIIFlag(strings.ToLower(string(p.ShowPII)))
	if n.ShowPII == "" {
		n.ShowPII = PIIHidden
	}
	if p.RegionKey != nil {
		k := *p.RegionKey
		n.RegionKey = &k
	}
	n.CustomerKeys = slices.Clone(p.CustomerKeys)
	return &n
}

// ============================================================================
// ROW FILTERS
// ============================================================================

// Members targeted by the row filter strategies.
const (
	MemberCustomerKey = "customers.customer_key"
	MemberRegionKey   = "customer_regions.region_key"
)

// denyAllValue matches no customer row.
const denyAllValue = "-1"

// DenyAllFilter returns the filter appended for callers without a policy.
func DenyAllFilter() Filter {
	return Filter{Member: MemberCustomerKey, Operator: OpEquals, Values: []string{denyAllValue}}
}

// IsDenyAll reports whether f is the deny-all filter.
func (f Filter) IsDenyAll() bool {
	return f.Member == MemberCustomerKey && f.Operator == OpEquals && len(f.Values) == 1 && f.Values[0] == denyAllValue
}

// RowFilter computes the filter to append for a policy lookup result. A nil
// filter means full access. A policy with an unknown filter type yields the
// deny-all filter together with ErrUnknownFilterType.
func RowFilter(p AccessPolicy, found bool) (*Filter, error) {
	if !found {
		f := DenyAllFilter()
		return &f, nil
	}
	switch p.FilterType {
	case FilterNone:
		return nil, nil
	case FilterRegion:
		if p.RegionKey == nil {
			f := DenyAllFilter()
			return &f, fmt.Errorf("%w: region policy for %q has no region_key", ErrInvalidPolicy, p.Identity)
		}
		return &Filter{
			Member:   MemberRegionKey,
			Operator: OpEquals,
			Values:   []string{strconv.FormatInt(*p.RegionKey, 10)},
		}, nil
	case FilterCustomers:
		values := make([]string, len(p.CustomerKeys))
		for i, k := range p.CustomerKeys {
			values[i] = strconv.FormatInt(k, 10)
		}
		return &Filter{Member: MemberCustomerKey, Operator: OpIn, Values: values}, nil
	default:
		f := DenyAllFilter()
		return &f, fmt.Errorf("%w %q for %q", ErrUnknownFilterType, p.FilterType, p.Identity)
	}
}
