package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rls"
)

// SQLPolicySource reads and writes access policies in the access_policies
// table. The engine never queries it per request: Store loads a snapshot.
type SQLPolicySource struct {
	db  *squealx.DB
	now func() time.Time
}

func NewSQLPolicySource(db *squealx.DB) *SQLPolicySource {
	return &SQLPolicySource{db: db, now: time.Now}
}

// Save validates every policy and upserts the set in one transaction. Nothing
// is written when any policy is invalid or any row fails.
func (s *SQLPolicySource) Save(ctx context.Context, policies ...*rls.AccessPolicy) error {
	var errs []error
	for _, p := range policies {
		if p == nil {
			errs = append(errs, fmt.Errorf("%w: nil entry", rls.ErrInvalidPolicy))
			continue
		}
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	now := s.now().UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin policy save: %w", err)
	}
	for _, p := range policies {
		if err := savePolicy(ctx, tx, p.Normalized(), now); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// savePolicy replaces one policy row inside tx.
func savePolicy(ctx context.Context, tx *squealx.Tx, n *rls.AccessPolicy, now time.Time) error {
	if _, err := tx.NamedExecContext(ctx, deletePolicyQuery, map[string]any{"identity": string(n.Identity)}); err != nil {
		return fmt.Errorf("delete policy %q: %w", n.Identity, err)
	}
	var region interface{}
	if n.RegionKey != nil {
		region = *n.RegionKey
	}
	q := `INSERT INTO access_policies(identity, role, filter_type, region_key, customer_keys_json, show_pii, updated_at) VALUES(:identity, :role, :filter_type, :region_key, :customer_keys_json, :show_pii, :updated_at)`
	_, err := tx.NamedExecContext(ctx, q, map[string]any{
		"identity":           string(n.Identity),
		"role":               string(n.Role),
		"filter_type":        string(n.FilterType),
		"region_key":         region,
		"customer_keys_json": encodeKeys(n.CustomerKeys),
		"show_pii":           string(n.ShowPII),
		"updated_at":         now,
	})
	if err != nil {
		return fmt.Errorf("insert policy %q: %w", n.Identity, err)
	}
	return nil
}

const deletePolicyQuery = `DELETE FROM access_policies WHERE identity = :identity`

func (s *SQLPolicySource) Delete(ctx context.Context, id rls.Identity) error {
	_, err := s.db.NamedExecContext(ctx, deletePolicyQuery, map[string]any{"identity": string(id)})
	if err != nil {
		return fmt.Errorf("delete policy %q: %w", id, err)
	}
	return nil
}

// Load returns every stored policy ordered by identity. Rows are returned as
// stored; validation happens when a store is built from them.
func (s *SQLPolicySource) Load(ctx context.Context) ([]*rls.AccessPolicy, error) {
	q := `SELECT identity, role, filter_type, region_key, customer_keys_json, show_pii FROM access_policies ORDER BY identity`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer r.Close()

	out := make([]*rls.AccessPolicy, 0)
	for r.Next() {
		var identity, role, filterType, keysJSON, showPII string
		var region sql.NullInt64
		if err := r.Scan(&identity, &role, &filterType, &region, &keysJSON, &showPII); err != nil {
			return nil, err
		}
		keys, err := decodeKeys(keysJSON)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", identity, err)
		}
		p := &rls.AccessPolicy{
			Identity:     rls.Identity(identity),
			Role:         rls.Role(role),
			FilterType:   rls.FilterType(filterType),
			CustomerKeys: keys,
			ShowPII:      rls.PIIFlag(showPII),
		}
		if region.Valid {
			k := region.Int64
			p.RegionKey = &k
		}
		out = append(out, p)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Store loads the table and builds the immutable policy store from it.
func (s *SQLPolicySource) Store(ctx context.Context) (*rls.StaticPolicyStore, error) {
	policies, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return rls.NewStaticPolicyStore(policies...)
}

// LastModified returns the most recent updated_at, or the zero time for an
// empty table.
func (s *SQLPolicySource) LastModified(ctx context.Context) (time.Time, error) {
	q := `SELECT updated_at FROM access_policies ORDER BY updated_at DESC LIMIT 1`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return time.Time{}, err
	}
	defer r.Close()
	if !r.Next() {
		return time.Time{}, r.Err()
	}
	var raw interface{}
	if err := r.Scan(&raw); err != nil {
		return time.Time{}, err
	}
	return scanTime(raw), nil
}
