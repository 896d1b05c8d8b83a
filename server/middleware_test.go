package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/rls"
)

func TestMiddlewareAttachesExtendedContext(t *testing.T) {
	cfg, err := rls.LoadFile("../testdata/policies.yaml")
	require.NoError(t, err)
	eng, err := rls.NewEngineFromConfig(cfg)
	require.NoError(t, err)

	var got *rls.SecurityContext
	h := Middleware(eng, func(r *http.Request) string { return r.Header.Get("X-User") })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = SecurityContextFrom(r.Context())
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("X-User", "director_na@tpch.com")
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.NotNil(t, got)
	assert.Equal(t, rls.RoleRegionalDirector, got.Role)
	assert.Equal(t, "false", got.ShowPII)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/orders", nil))
	require.NotNil(t, got)
	assert.Equal(t, rls.RoleViewer, got.Role)
	q := eng.RewriteQuery(&rls.Query{}, got)
	require.Len(t, q.Filters, 1)
	assert.True(t, q.Filters[0].IsDenyAll())
}

func TestSecurityContextFromEmpty(t *testing.T) {
	assert.Nil(t, SecurityContextFrom(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
}
