package handlers

import (
	"net/http"
	"strings"

	"github.com/hanko-field/pos/internal/domain"
	"github.com/hanko-field/pos/internal/platform/httpx"
	"github.com/hanko-field/pos/internal/platform/requestctx"
)

const (
	outletHeader  = "X-Outlet-ID"
	cashierHeader = "X-Cashier-ID"
)

// RequireSession resolves the cashier session from request headers and stores it on the context.
// defaultOutletID is used when the client omits X-Outlet-ID.
func RequireSession(defaultOutletID string) func(http.Handler) http.Handler {
	defaultOutletID = strings.TrimSpace(defaultOutletID)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session := domain.Session{
				OutletID:  strings.TrimSpace(r.Header.Get(outletHeader)),
				CashierID: strings.TrimSpace(r.Header.Get(cashierHeader)),
				AuthToken: bearerToken(r.Header.Get("Authorization")),
			}
			if session.OutletID == "" {
				session.OutletID = defaultOutletID
			}
			if session.OutletID == "" || session.CashierID == "" {
				httpx.WriteError(r.Context(), w, httpx.NewError("session_required", "X-Outlet-ID and X-Cashier-ID headers are required", http.StatusUnauthorized))
				return
			}
			if session.AuthToken == "" {
				httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "bearer token required", http.StatusUnauthorized))
				return
			}
			ctx := requestctx.WithSession(r.Context(), session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

func sessionFrom(r *http.Request) domain.Session {
	session, _ := requestctx.Session(r.Context())
	return session
}
