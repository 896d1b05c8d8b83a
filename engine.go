package rls

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/rls/logger"
)

// ============================================================================
// ENGINE
// ============================================================================

const (
	// DefaultAppIDPrefix prefixes every cache partition key.
	DefaultAppIDPrefix = "CUBE_APP"
	// DefaultMaskText is the redacted value shown in place of PII.
	DefaultMaskText = "--- masked ---"
	// DefaultAuditBuffer is the audit channel capacity.
	DefaultAuditBuffer = 1024
)

// EngineOption configures an Engine.
type EngineOption func(e *Engine) error

// WithAppIDPrefix replaces the cache partition key prefix.
func WithAppIDPrefix(prefix string) EngineOption {
	return func(e *Engine) error {
		if strings.TrimSpace(prefix) == "" {
			return errors.New("rls: app id prefix must not be empty")
		}
		e.appIDPrefix = prefix
		return nil
	}
}

// WithMaskText sets the redacted value. It is emitted as a quoted SQL string
// literal, so any text yields a valid expression.
func WithMaskText(text string) EngineOption {
	return func(e *Engine) error {
		e.maskLiteral = QuoteLiteral(text)
		return nil
	}
}

// WithAuditStore records every RewriteQuery decision into store. Entries are
// queued on a channel of the given capacity and dropped when it is full.
func WithAuditStore(store AuditStore, buffer int) EngineOption {
	return func(e *Engine) error {
		if store == nil {
			return errors.New("rls: audit store is nil")
		}
		if buffer <= 0 {
			buffer = DefaultAuditBuffer
		}
		e.auditStore = store
		e.auditBuffer = buffer
		return nil
	}
}

// Engine applies access policies to host requests. All hook methods are safe
// for concurrent use and never fail.
type Engine struct {
	store       PolicyStore
	logger      logger.Logger
	traceIDFunc logger.TraceIDFunc
	appIDPrefix string
	maskLiteral string

	auditStore  AuditStore
	auditBuffer int
	auditCh     chan AuditEntry
	auditMu     sync.RWMutex
	auditClosed bool
	auditWG     sync.WaitGroup
	closeOnce   sync.Once
}

// NewEngine builds an engine over store. A nil store denies everyone.
func NewEngine(store PolicyStore, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		store = PolicyStoreFunc(func(Identity) (AccessPolicy, bool) { return AccessPolicy{}, false })
	}
	e := &Engine{
		store:       store,
		logger:      logger.NewNullLogger(),
		traceIDFunc: uuid.NewString,
		appIDPrefix: DefaultAppIDPrefix,
		maskLiteral: QuoteLiteral(DefaultMaskText),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.auditStore != nil {
		e.auditCh = make(chan AuditEntry, e.auditBuffer)
		e.auditWG.Add(1)
		go e.drainAudit()
	}
	attrs := []any{"app_id_prefix", e.appIDPrefix, "audit", e.auditStore != nil}
	if s, ok := store.(*StaticPolicyStore); ok {
		attrs = append(attrs, "policies", s.Len())
	}
	e.logger.Info("policy engine ready", attrs...)
	return e, nil
}

// Close stops the audit worker after flushing queued entries.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.auditCh == nil {
			return
		}
		e.auditMu.Lock()
		e.auditClosed = true
		close(e.auditCh)
		e.auditMu.Unlock()
		e.auditWG.Wait()
	})
	return nil
}

// lookup treats an empty identity as unknown.
func (e *Engine) lookup(id Identity) (AccessPolicy, bool) {
	if id == "" {
		return AccessPolicy{}, false
	}
	return e.store.Lookup(id)
}

// ============================================================================
// HOOKS
// ============================================================================

// ExtendContext resolves the request identity and writes role and show_pii
// into its security context. Requests without a security context are
// returned unchanged. The cloud blob, when present, overwrites user_id.
func (e *Engine) ExtendContext(req *Request) *Request {
	if req == nil || req.SecurityContext == nil {
		return req
	}
	sc := req.SecurityContext

	id := sc.UserID
	if sc.CubeCloud != nil {
		id = Identity(sc.CubeCloud.Username)
		sc.UserID = id
	} else if id == "" {
		id = Anonymous
	}

	p, ok := e.lookup(id)
	if !ok {
		p = DefaultPolicy()
	}
	sc.Role = p.Role
	sc.ShowPII = string(p.ShowPII)
	if sc.ShowPII == "" {
		sc.ShowPII = PIIHidden
	}

	e.logger.Debug("security context extended",
		"trace_id", e.traceIDFunc(),
		"user_id", string(id),
		"role", string(sc.Role),
		"show_pii", sc.ShowPII,
		"policy_found", ok,
	)
	return req
}

// RewriteQuery appends the row filter of the context's user to q. Callers
// without a policy get a filter that matches no rows. Existing filters are
// never touched and at most one filter is appended.
func (e *Engine) RewriteQuery(q *Query, sc *SecurityContext) *Query {
	if q == nil {
		q = &Query{}
	}
	var id Identity
	if sc != nil {
		id = sc.UserID
	}

	p, found := e.lookup(id)
	f, err := RowFilter(p, found)
	if err != nil {
		e.logger.Error("policy has no usable row filter, denying all rows", "user_id", string(id), "error", err)
	}
	if f != nil {
		q.Filters = append(q.Filters, *f)
	}

	if e.auditCh != nil {
		e.audit(id, p, found, f, err)
	}
	return q
}

// ContextToAppID returns the cache partition key for an extended context.
// It does not resolve the identity again.
func (e *Engine) ContextToAppID(sc *SecurityContext) string {
	role, showPII := RoleViewer, PIIHidden
	if sc != nil {
		if sc.Role != "" {
			role = sc.Role
		}
		if sc.ShowPII != "" {
			showPII = sc.ShowPII
		}
	}
	return e.appIDPrefix + "_" + string(role) + "_" + showPII
}

// Masked returns sql when the context allows PII and the mask literal
// otherwise. An empty context is always masked.
func (e *Engine) Masked(sql string, sc *SecurityContext) string {
	if sc.IsZero() {
		return e.maskLiteral
	}
	if strings.EqualFold(sc.ShowPII, PIIShown) {
		return sql
	}
	return e.maskLiteral
}

// MaskLiteral returns the SQL literal substituted for masked fields.
func (e *Engine) MaskLiteral() string { return e.maskLiteral }

// QuoteLiteral renders text as a single-quoted SQL string literal.
func QuoteLiteral(text string) string {
	return "'" + strings.ReplaceAll(text, "'", "''") + "'"
}

// ============================================================================
// EXPLAIN
// ============================================================================

// Decision summarizes what the hooks do for one identity.
type Decision struct {
	Identity    Identity `json:"identity"`
	PolicyFound bool     `json:"policy_found"`
	Role        Role     `json:"role"`
	ShowPII     string   `json:"show_pii"`
	Filter      *Filter  `json:"filter,omitempty"`
	DenyAll     bool     `json:"deny_all"`
	AppID       string   `json:"app_id"`
	Reason      string   `json:"reason"`
}

// Explain runs the hooks for a bare user_id request and reports the outcome.
func (e *Engine) Explain(id Identity) *Decision {
	req := e.ExtendContext(&Request{SecurityContext: &SecurityContext{UserID: id}})
	sc := req.SecurityContext

	if id == "" {
		id = Anonymous
	}
	p, found := e.lookup(sc.UserID)
	f, err := RowFilter(p, found)
	d := &Decision{
		Identity:    id,
		PolicyFound: found,
		Role:        sc.Role,
		ShowPII:     sc.ShowPII,
		Filter:      f,
		DenyAll:     f != nil && f.IsDenyAll(),
		AppID:       e.ContextToAppID(sc),
	}
	d.Reason = reason(p, found, err)
	return d
}

func reason(p AccessPolicy, found bool, err error) string {
	switch {
	case !found:
		return "no policy for identity"
	case err != nil:
		return err.Error()
	case p.FilterType == FilterNone:
		return "full access"
	default:
		return fmt.Sprintf("filtered by %s", p.FilterType)
	}
}

// ============================================================================
// AUDIT
// ============================================================================

func (e *Engine) audit(id Identity, p AccessPolicy, found bool, f *Filter, err error) {
	// The caller's query keeps f; the entry gets its own copy.
	if f != nil {
		fc := *f
		fc.Values = slices.Clone(f.Values)
		f = &fc
	}
	entry := AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		TraceID:    e.traceIDFunc(),
		UserID:     id,
		Role:       RoleViewer,
		FilterType: p.FilterType,
		Filter:     f,
		Denied:     f != nil && f.IsDenyAll(),
		Reason:     reason(p, found, err),
	}
	if found {
		entry.Role = p.Role
	}
	e.auditMu.RLock()
	defer e.auditMu.RUnlock()
	if e.auditClosed {
		return
	}
	select {
	case e.auditCh <- entry:
	default:
		e.logger.Debug("audit buffer full, entry dropped", "user_id", string(id))
	}
}

func (e *Engine) drainAudit() {
	defer e.auditWG.Done()
	ctx := context.Background()
	for entry := range e.auditCh {
		if err := e.auditStore.LogDecision(ctx, &entry); err != nil {
			e.logger.Error("audit write failed", "id", entry.ID, "error", err)
		}
	}
}

// GetAccessLog reads recorded decisions. It returns nil when auditing is off.
func (e *Engine) GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	if e.auditStore == nil {
		return nil, nil
	}
	return e.auditStore.GetAccessLog(ctx, filter)
}
