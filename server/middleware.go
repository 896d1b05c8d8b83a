package server

import (
	"context"
	"net/http"

	"github.com/oarkflow/rls"
)

type ctxKey struct{}

// ContextWithSecurityContext attaches sc to ctx.
func ContextWithSecurityContext(ctx context.Context, sc *rls.SecurityContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, sc)
}

// SecurityContextFrom returns the security context attached by Middleware,
// or nil.
func SecurityContextFrom(ctx context.Context) *rls.SecurityContext {
	sc, _ := ctx.Value(ctxKey{}).(*rls.SecurityContext)
	return sc
}

// Middleware resolves the caller of every request and attaches the extended
// security context for handlers that run queries in-process. identity
// extracts the authenticated user; an empty result resolves as anonymous.
func Middleware(engine *rls.Engine, identity func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc := &rls.SecurityContext{}
			if identity != nil {
				sc.UserID = rls.Identity(identity(r))
			}
			engine.ExtendContext(&rls.Request{SecurityContext: sc})
			next.ServeHTTP(w, r.WithContext(ContextWithSecurityContext(r.Context(), sc)))
		})
	}
}
