package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const AccountKey contextKey = "account"

// AccountHeader carries the account id set by the upstream authentication proxy.
const AccountHeader = "X-Account-ID"

func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, AccountKey, accountID)
}

func AccountIDFromContext(ctx context.Context) (string, bool) {
	accountID, ok := ctx.Value(AccountKey).(string)
	return accountID, ok && accountID != ""
}

// AccountFromHeader copies AccountHeader into the request context. Requests without it pass
// through unauthenticated; handlers decide whether that is allowed.
func AccountFromHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accountID := strings.TrimSpace(r.Header.Get(AccountHeader)); accountID != "" {
			r = r.WithContext(WithAccountID(r.Context(), accountID))
		}
		next.ServeHTTP(w, r)
	})
}
