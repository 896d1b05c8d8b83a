package stores

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/oarkflow/rls"
)

func TestSQLAuditStoreRoundtrip(t *testing.T) {
	db := openTestDB(t)
	store, err := NewSQLAuditStore(db)
	if err != nil {
		t.Fatalf("new audit store: %v", err)
	}
	ctx := context.Background()

	deny := rls.DenyAllFilter()
	entries := []*rls.AuditEntry{
		{
			ID:         "evt-1",
			Timestamp:  time.Now().UTC(),
			TraceID:    "trace-abc-123",
			UserID:     "director_na@tpch.com",
			Role:       rls.RoleRegionalDirector,
			FilterType: rls.FilterRegion,
			Filter:     &rls.Filter{Member: rls.MemberRegionKey, Operator: rls.OpEquals, Values: []string{"1"}},
			Reason:     "filtered by region",
		},
		{
			ID:        "evt-2",
			Timestamp: time.Now().UTC().Add(time.Second),
			TraceID:   "trace-def-456",
			UserID:    "nobody",
			Role:      rls.RoleViewer,
			Filter:    &deny,
			Denied:    true,
			Reason:    "no policy for identity",
		},
		{
			ID:         "evt-3",
			Timestamp:  time.Now().UTC().Add(2 * time.Second),
			UserID:     "admin@tpch.com",
			Role:       rls.RoleGlobalAdmin,
			FilterType: rls.FilterNone,
			Reason:     "full access",
		},
	}
	for _, e := range entries {
		if err := store.LogDecision(ctx, e); err != nil {
			t.Fatalf("log %s: %v", e.ID, err)
		}
	}

	logs, err := store.GetAccessLog(ctx, rls.AuditFilter{UserID: "director_na@tpch.com", Limit: 10})
	if err != nil {
		t.Fatalf("get log: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(logs))
	}
	got := logs[0]
	if got.TraceID != "trace-abc-123" || got.FilterType != rls.FilterRegion || got.Denied || got.Timestamp.IsZero() {
		t.Fatalf("unexpected entry %+v", got)
	}
	if got.Filter == nil || !slices.Equal(got.Filter.Values, []string{"1"}) {
		t.Fatalf("filter not restored: %+v", got.Filter)
	}

	denied, err := store.GetAccessLog(ctx, rls.AuditFilter{DeniedOnly: true})
	if err != nil {
		t.Fatalf("get denied: %v", err)
	}
	if len(denied) != 1 || !denied[0].Filter.IsDenyAll() {
		t.Fatalf("expected one deny-all entry, got %+v", denied)
	}

	admins, err := store.GetAccessLog(ctx, rls.AuditFilter{Role: rls.RoleGlobalAdmin})
	if err != nil {
		t.Fatalf("get admins: %v", err)
	}
	if len(admins) != 1 || admins[0].Filter != nil {
		t.Fatalf("expected one unfiltered admin entry, got %+v", admins)
	}

	limited, err := store.GetAccessLog(ctx, rls.AuditFilter{Limit: 2})
	if err != nil {
		t.Fatalf("get limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(limited))
	}
}

func TestSQLAuditStoreReportsRowErrors(t *testing.T) {
	db, mock := newMockDB(t)
	store, err := NewSQLAuditStore(db)
	if err != nil {
		t.Fatalf("new audit store: %v", err)
	}
	cols := []string{"id", "logged_at", "trace_id", "user_id", "role", "filter_type", "filter_json", "denied", "reason"}
	rows := mock.NewRows(cols).
		AddRow("evt-1", "2025-03-14T09:26:53Z", "", "nobody", "viewer", "", "", 1, "no policy for identity").
		AddRow("evt-2", "2025-03-14T09:26:54Z", "", "nobody", "viewer", "", "", 1, "no policy for identity").
		RowError(1, errors.New("connection reset"))
	mock.ExpectQuery("SELECT (.+) FROM rls_audit_log").WillReturnRows(rows)

	logs, err := store.GetAccessLog(context.Background(), rls.AuditFilter{})
	if err == nil {
		t.Fatalf("expected row error, got %d entries", len(logs))
	}
	if logs != nil {
		t.Fatalf("partial log returned with error: %+v", logs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLAuditStoreWithEngine(t *testing.T) {
	db := openTestDB(t)
	audit, err := NewSQLAuditStore(db)
	if err != nil {
		t.Fatalf("new audit store: %v", err)
	}

	policies, err := rls.NewStaticPolicyStore(
		rls.NewPolicyBuilder("sarah_jones@tpch.com").Role(rls.RoleSalesRep).Customers(1, 7).Build(),
	)
	if err != nil {
		t.Fatalf("policy store: %v", err)
	}
	eng, err := rls.NewEngine(policies, rls.WithAuditStore(audit, 8))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	eng.RewriteQuery(&rls.Query{}, &rls.SecurityContext{UserID: "sarah_jones@tpch.com"})
	eng.RewriteQuery(&rls.Query{}, &rls.SecurityContext{UserID: "mallory"})
	if err := eng.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	logs, err := eng.GetAccessLog(context.Background(), rls.AuditFilter{})
	if err != nil {
		t.Fatalf("get log: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(logs))
	}

	byUser := map[rls.Identity]*rls.AuditEntry{}
	for _, e := range logs {
		byUser[e.UserID] = e
	}
	mallory, ok := byUser["mallory"]
	if !ok || !mallory.Denied {
		t.Fatalf("expected denied entry for unknown caller, got %+v", mallory)
	}
	sarah := byUser["sarah_jones@tpch.com"]
	if sarah == nil || sarah.Role != rls.RoleSalesRep || !slices.Equal(sarah.Filter.Values, []string{"1", "7"}) {
		t.Fatalf("unexpected sales rep entry %+v", sarah)
	}
}
