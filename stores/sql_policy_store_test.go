package stores

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rls"
)

func samplePolicies() []*rls.AccessPolicy {
	return []*rls.AccessPolicy{
		rls.NewPolicyBuilder("admin@tpch.com").Role(rls.RoleGlobalAdmin).FullAccess().ShowPII(true).Build(),
		rls.NewPolicyBuilder("director_na@tpch.com").Role(rls.RoleRegionalDirector).Region(1).Build(),
		rls.NewPolicyBuilder("sarah_jones@tpch.com").Role(rls.RoleSalesRep).Customers(25, 1, 7).Build(),
	}
}

func TestSQLPolicySourceSaveLoad(t *testing.T) {
	db := openTestDB(t)
	src := NewSQLPolicySource(db)
	ctx := context.Background()

	if err := src.Save(ctx, samplePolicies()...); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := src.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("expected 3 policies, got %d", len(loaded))
	}
	if loaded[0].Identity != "admin@tpch.com" || loaded[0].ShowPII != "true" || loaded[0].RegionKey != nil {
		t.Fatalf("unexpected admin row %+v", loaded[0])
	}
	if loaded[1].RegionKey == nil || *loaded[1].RegionKey != 1 {
		t.Fatalf("unexpected director row %+v", loaded[1])
	}
	if !slices.Equal(loaded[2].CustomerKeys, []int64{25, 1, 7}) {
		t.Fatalf("customer keys not kept in order: %v", loaded[2].CustomerKeys)
	}

	store, err := src.Store(ctx)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	eng, err := rls.NewEngine(store)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	q := eng.RewriteQuery(&rls.Query{}, &rls.SecurityContext{UserID: "sarah_jones@tpch.com"})
	if len(q.Filters) != 1 || !slices.Equal(q.Filters[0].Values, []string{"25", "1", "7"}) {
		t.Fatalf("unexpected filters %+v", q.Filters)
	}
}

func TestSQLPolicySourceSaveReplaces(t *testing.T) {
	db := openTestDB(t)
	src := NewSQLPolicySource(db)
	ctx := context.Background()

	if err := src.Save(ctx, samplePolicies()...); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := src.Save(ctx, rls.NewPolicyBuilder("director_na@tpch.com").Role(rls.RoleRegionalDirector).Region(3).Build()); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := src.Delete(ctx, "admin@tpch.com"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	loaded, err := src.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(loaded))
	}
	if loaded[0].RegionKey == nil || *loaded[0].RegionKey != 3 {
		t.Fatalf("region not replaced: %+v", loaded[0])
	}
}

func TestSQLPolicySourceSaveRejectsInvalid(t *testing.T) {
	db := openTestDB(t)
	src := NewSQLPolicySource(db)
	ctx := context.Background()

	bad := &rls.AccessPolicy{Identity: "x@tpch.com", Role: rls.RoleSalesRep, FilterType: rls.FilterCustomers}
	if err := src.Save(ctx, append(samplePolicies(), bad)...); !errors.Is(err, rls.ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}

	loaded, err := src.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected nothing written, got %d rows", len(loaded))
	}
}

func TestSQLPolicySourceSaveIsAtomic(t *testing.T) {
	db := openTestDB(t)
	src := NewSQLPolicySource(db)
	ctx := context.Background()

	rep := rls.NewPolicyBuilder("a@tpch.com").Role(rls.RoleSalesRep).Customers(1).Build()
	if err := src.Save(ctx, rep); err != nil {
		t.Fatalf("save: %v", err)
	}
	_, err := db.ExecContext(ctx, `CREATE TRIGGER reject_b BEFORE INSERT ON access_policies WHEN NEW.identity = 'b@tpch.com' BEGIN SELECT RAISE(ABORT, 'rejected'); END`)
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	err = src.Save(ctx,
		rls.NewPolicyBuilder("a@tpch.com").Role(rls.RoleGlobalAdmin).FullAccess().ShowPII(true).Build(),
		rls.NewPolicyBuilder("b@tpch.com").Role(rls.RoleSalesRep).Customers(2).Build(),
	)
	if err == nil {
		t.Fatalf("expected save to fail on the rejected row")
	}

	loaded, err := src.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected only the original row, got %d", len(loaded))
	}
	got := loaded[0]
	if got.Identity != "a@tpch.com" || got.Role != rls.RoleSalesRep || got.ShowPII.Enabled() {
		t.Fatalf("failed save changed an existing policy: %+v", got)
	}
	if !slices.Equal(got.CustomerKeys, []int64{1}) {
		t.Fatalf("customer keys changed: %v", got.CustomerKeys)
	}
}

func TestSQLPolicySourceLastModified(t *testing.T) {
	db := openTestDB(t)
	src := NewSQLPolicySource(db)
	ctx := context.Background()

	ts, err := src.LastModified(ctx)
	if err != nil {
		t.Fatalf("last modified: %v", err)
	}
	if !ts.IsZero() {
		t.Fatalf("expected zero time for empty table, got %v", ts)
	}

	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return fixed }
	if err := src.Save(ctx, samplePolicies()[0]); err != nil {
		t.Fatalf("save: %v", err)
	}

	ts, err = src.LastModified(ctx)
	if err != nil {
		t.Fatalf("last modified: %v", err)
	}
	if ts.Unix() != fixed.Unix() {
		t.Fatalf("expected %v, got %v", fixed, ts)
	}
}

func TestSQLPolicySourceStoreReportsBadRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `INSERT INTO access_policies(identity, role, filter_type, region_key, customer_keys_json, show_pii, updated_at) VALUES('rep@tpch.com', 'sales_rep', 'territory', NULL, '[]', 'false', '2025-01-01T00:00:00Z')`)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := NewSQLPolicySource(db).Store(ctx); !errors.Is(err, rls.ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
}

func newMockDB(t *testing.T) (*squealx.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return squealx.NewDb(sqlDB, "sqlite", "mockdb"), mock
}

func TestSQLPolicySourceLoadDriverError(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT (.+) FROM access_policies").WillReturnError(errors.New("connection reset"))

	_, err := NewSQLPolicySource(db).Load(context.Background())
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected driver error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLPolicySourceSaveRollsBackOnDriverError(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM access_policies").WillReturnError(errors.New("read-only replica"))
	mock.ExpectRollback()

	err := NewSQLPolicySource(db).Save(context.Background(), samplePolicies()[0])
	if err == nil || !strings.Contains(err.Error(), "admin@tpch.com") {
		t.Fatalf("expected error naming the policy, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
