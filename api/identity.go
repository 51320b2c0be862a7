package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/warp/kpi-engine/kpi"
)

// Identity headers set by the authenticating proxy in front of the API.
const (
	HeaderOrgID    = "X-Org-ID"
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

type actorKey struct{}

// Identity turns the identity headers into a kpi.Actor on the request
// context. Requests without a complete, known identity get 401.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org := strings.TrimSpace(r.Header.Get(HeaderOrgID))
		user := strings.TrimSpace(r.Header.Get(HeaderUserID))
		role, ok := kpi.ParseRole(r.Header.Get(HeaderUserRole))
		if org == "" || user == "" || !ok {
			writeError(w, http.StatusUnauthorized, "Missing or invalid identity headers", nil)
			return
		}

		actor := kpi.Actor{UserID: kpi.UserID(user), OrgID: kpi.OrgID(org), Role: role}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

// ActorFrom returns the actor stored by Identity.
func ActorFrom(ctx context.Context) (kpi.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(kpi.Actor)
	return a, ok
}
