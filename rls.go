// Package rls is a row-level security and PII masking policy engine for
// semantic-layer hosts. A host calls four hooks per request:
//
//	ExtendContext   annotate the security context with role and show_pii
//	RewriteQuery    append the caller's row filter to an outgoing query
//	ContextToAppID  derive the cache partition key for the caller
//	Masked          replace a SQL expression with a literal unless PII is visible
//
// Every hook fails closed: missing or unknown identities see no rows and no PII.
package rls

import (
	"encoding/json"
)

// ============================================================================
// IDENTITY & ROLES
// ============================================================================

// Identity is the authenticated principal's identifier as delivered by the host.
type Identity string

// Anonymous is used when a request carries a security context but no user.
const Anonymous Identity = "anonymous"

// Role names the access tier of a principal.
type Role string

const (
	RoleGlobalAdmin      Role = "global_admin"
	RoleRegionalDirector Role = "regional_director"
	RoleSalesRep         Role = "sales_rep"
	// RoleViewer is assigned to every identity without a policy.
	RoleViewer Role = "viewer"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleGlobalAdmin, RoleRegionalDirector, RoleSalesRep, RoleViewer:
		return true
	}
	return false
}

// FilterType selects the row filter strategy of a policy.
type FilterType string

const (
	FilterNone      FilterType = "none"
	FilterRegion    FilterType = "region"
	FilterCustomers FilterType = "customers"
)

// Valid reports whether t is a supported strategy.
func (t FilterType) Valid() bool {
	switch t {
	case FilterNone, FilterRegion, FilterCustomers:
		return true
	}
	return false
}

// show_pii values written into a security context.
const (
	PIIShown  = "true"
	PIIHidden = "false"
)

// ============================================================================
// HOST STRUCTURES
// ============================================================================

// CloudIdentity is the nested identity blob supplied by the hosted calling
// convention under "cubeCloud".
type CloudIdentity struct {
	Username string `json:"username,omitempty"`
}

// SecurityContext is the per-request context the host hands to every hook.
// Keys the engine does not know about are kept in Extra and written back
// unchanged.
type SecurityContext struct {
	UserID    Identity       `json:"user_id,omitempty"`
	Role      Role           `json:"role,omitempty"`
	ShowPII   string         `json:"show_pii,omitempty"`
	CubeCloud *CloudIdentity `json:"cubeCloud,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// IsZero reports whether the context carries nothing at all.
func (sc *SecurityContext) IsZero() bool {
	return sc == nil || (sc.UserID == "" && sc.Role == "" && sc.ShowPII == "" && sc.CubeCloud == nil && len(sc.Extra) == 0)
}

// UnmarshalJSON is lenient about the known keys: a value of the wrong type
// reads as blank and stays in Extra, so the caller resolves as a viewer
// instead of failing the request.
func (sc *SecurityContext) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p := SecurityContext{
		UserID:    Identity(takeString(raw, "user_id")),
		Role:      Role(takeString(raw, "role")),
		ShowPII:   takeString(raw, "show_pii"),
		CubeCloud: takeCloudIdentity(raw),
	}
	if len(raw) > 0 {
		p.Extra = raw
	}
	*sc = p
	return nil
}

// takeString removes key from raw when it holds a string or null.
func takeString(raw map[string]json.RawMessage, key string) string {
	v, ok := raw[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	delete(raw, key)
	return s
}

// takeCloudIdentity removes the cloud blob from raw. A blob that is not an
// object, or whose username is not a string, yields a blank identity.
func takeCloudIdentity(raw map[string]json.RawMessage) *CloudIdentity {
	v, ok := raw["cubeCloud"]
	if !ok {
		return nil
	}
	delete(raw, "cubeCloud")
	if string(v) == "null" {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(v, &obj); err != nil {
		return &CloudIdentity{}
	}
	return &CloudIdentity{Username: takeString(obj, "username")}
}

func (sc SecurityContext) MarshalJSON() ([]byte, error) {
	fields := map[string]any{}
	if sc.UserID != "" {
		fields["user_id"] = sc.UserID
	}
	if sc.Role != "" {
		fields["role"] = sc.Role
	}
	if sc.ShowPII != "" {
		fields["show_pii"] = sc.ShowPII
	}
	if sc.CubeCloud != nil {
		fields["cubeCloud"] = sc.CubeCloud
	}
	return encodeObject(sc.Extra, fields)
}

// Request is the inbound request as seen by ExtendContext. A nil
// SecurityContext marks an unauthenticated or system request.
type Request struct {
	SecurityContext *SecurityContext `json:"securityContext,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var sc *SecurityContext
	extra, err := decodeObject(data, map[string]any{"securityContext": &sc})
	if err != nil {
		return err
	}
	r.SecurityContext = sc
	r.Extra = extra
	return nil
}

func (r Request) MarshalJSON() ([]byte, error) {
	fields := map[string]any{}
	if r.SecurityContext != nil {
		fields["securityContext"] = r.SecurityContext
	}
	return encodeObject(r.Extra, fields)
}

// Operator is a filter comparison understood by the host.
type Operator string

const (
	OpEquals Operator = "equals"
	OpIn     Operator = "in"
)

// Filter is one entry of a query's filter list. Logical groups use Or/And.
type Filter struct {
	Member   string   `json:"member,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Values   []string `json:"values,omitempty"`
	Or       []Filter `json:"or,omitempty"`
	And      []Filter `json:"and,omitempty"`
}

// Query is the host's outgoing data query. Only Filters is interpreted; the
// remaining keys (measures, dimensions, limit, ...) round-trip through Extra.
type Query struct {
	Filters []Filter `json:"filters"`

	Extra map[string]json.RawMessage `json:"-"`
}

func (q *Query) UnmarshalJSON(data []byte) error {
	var filters []Filter
	extra, err := decodeObject(data, map[string]any{"filters": &filters})
	if err != nil {
		return err
	}
	q.Filters = filters
	q.Extra = extra
	return nil
}

func (q Query) MarshalJSON() ([]byte, error) {
	filters := q.Filters
	if filters == nil {
		filters = []Filter{}
	}
	return encodeObject(q.Extra, map[string]any{"filters": filters})
}

// decodeObject unmarshals the keys listed in known into their targets and
// returns everything else untouched.
func decodeObject(data []byte, known map[string]any) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	for key, target := range known {
		v, ok := raw[key]
		if !ok {
			continue
		}
		delete(raw, key)
		if err := json.Unmarshal(v, target); err != nil {
			return nil, err
		}
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}

func encodeObject(extra map[string]json.RawMessage, fields map[string]any) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(extra)+len(fields))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[k] = b
	}
	return json.Marshal(out)
}
