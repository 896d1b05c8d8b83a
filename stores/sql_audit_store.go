package stores

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rls"
)

// SQLAuditStore persists row filter decisions in rls_audit_log.
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) (*SQLAuditStore, error) {
	return &SQLAuditStore{db: db}, nil
}

func (s *SQLAuditStore) LogDecision(ctx context.Context, entry *rls.AuditEntry) error {
	filterJSON := ""
	if entry.Filter != nil {
		b, err := json.Marshal(entry.Filter)
		if err != nil {
			return err
		}
		filterJSON = string(b)
	}
	q := `INSERT INTO rls_audit_log(id, logged_at, trace_id, user_id, role, filter_type, filter_json, denied, reason) VALUES(:id, :logged_at, :trace_id, :user_id, :role, :filter_type, :filter_json, :denied, :reason)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":          entry.ID,
		"logged_at":   entry.Timestamp,
		"trace_id":    entry.TraceID,
		"user_id":     string(entry.UserID),
		"role":        string(entry.Role),
		"filter_type": string(entry.FilterType),
		"filter_json": filterJSON,
		"denied":      boolToInt(entry.Denied),
		"reason":      entry.Reason,
	})
	return err
}

func (s *SQLAuditStore) GetAccessLog(ctx context.Context, filter rls.AuditFilter) ([]*rls.AuditEntry, error) {
	q := `SELECT id, logged_at, trace_id, user_id, role, filter_type, filter_json, denied, reason FROM rls_audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.UserID != "" {
		q += " AND user_id = :user_id"
		params["user_id"] = string(filter.UserID)
	}
	if filter.Role != "" {
		q += " AND role = :role"
		params["role"] = string(filter.Role)
	}
	if filter.DeniedOnly {
		q += " AND denied = 1"
	}
	if !filter.StartTime.IsZero() {
		q += " AND logged_at >= :start"
		params["start"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		q += " AND logged_at <= :end"
		params["end"] = filter.EndTime
	}
	q += " ORDER BY logged_at, id"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rls.AuditEntry, 0)
	for r.Next() {
		var id, traceID, userID, role, filterType, filterJSON, reason string
		var loggedRaw interface{}
		var deniedInt int
		if err := r.Scan(&id, &loggedRaw, &traceID, &userID, &role, &filterType, &filterJSON, &deniedInt, &reason); err != nil {
			return nil, err
		}
		entry := &rls.AuditEntry{
			ID:         id,
			Timestamp:  scanTime(loggedRaw),
			TraceID:    traceID,
			UserID:     rls.Identity(userID),
			Role:       rls.Role(role),
			FilterType: rls.FilterType(filterType),
			Denied:     deniedInt != 0,
			Reason:     reason,
		}
		if filterJSON != "" {
			entry.Filter = &rls.Filter{}
			if err := json.Unmarshal([]byte(filterJSON), entry.Filter); err != nil {
				return nil, err
			}
		}
		out = append(out, entry)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
