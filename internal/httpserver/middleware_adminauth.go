package httpserver

import (
	"crypto/subtle"
	"net/http"

	"github.com/paygate/server/internal/audit"
	apierrors "github.com/paygate/server/internal/errors"
)

// adminKeyMiddleware requires X-Admin-Key to match adminKey. An empty
// adminKey disables the admin surface entirely rather than leaving it
// open, since a deployment with no configured admin key has no way to
// reach these endpoints legitimately.
func adminKeyMiddleware(adminKey string, auditLog *audit.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			supplied := r.Header.Get("X-Admin-Key")
			if adminKey == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(adminKey)) != 1 {
				if auditLog != nil {
					auditLog.Record("admin.auth_failed", r.RemoteAddr, "invalid or missing admin key", map[string]string{
						"path": r.URL.Path,
					})
				}
				apierrors.WriteError(w, apierrors.ErrCodeInvalidAdminKey, "invalid or missing admin key", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
