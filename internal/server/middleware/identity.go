package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/takarun/takaledger/internal/crypto"
	"github.com/takarun/takaledger/internal/domain"
)

type identityKey struct{}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the verified caller, or the zero Identity for an
// anonymous request.
func IdentityFrom(ctx context.Context) domain.Identity {
	id, _ := ctx.Value(identityKey{}).(domain.Identity)
	return id
}

// Identity verifies the identity headers signed by the auth gateway and
// stores the caller in the request context. Requests without a uid header
// pass through anonymously; the ledger decides whether an operation needs a
// caller. A uid with a missing or bad signature is rejected.
func Identity(auth *crypto.IdentityAuth, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uid := r.Header.Get(crypto.HeaderUID)
			if uid == "" {
				next.ServeHTTP(w, r)
				return
			}
			admin, err := auth.Verify(
				uid,
				r.Header.Get(crypto.HeaderAdmin),
				r.Header.Get(crypto.HeaderTimestamp),
				r.Header.Get(crypto.HeaderSignature),
				now(),
			)
			if err != nil {
				writeError(w, http.StatusUnauthorized, domain.CodeUnauthenticated, "Invalid identity.")
				return
			}
			noteCaller(r.Context(), uid)
			ctx := WithIdentity(r.Context(), domain.Identity{UID: uid, Admin: admin})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
