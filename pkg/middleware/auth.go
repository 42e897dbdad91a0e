package middleware

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/auth"
	"github.com/platinummonkey/warden/pkg/contextkeys"
	apperrors "github.com/platinummonkey/warden/pkg/errors"
	"github.com/platinummonkey/warden/pkg/httputil"
)

// AuthMiddleware is the authenticate stage: it verifies the bearer token,
// loads the user and rejects missing, inactive or unverified accounts before
// any authorization check runs.
type AuthMiddleware struct {
	verifier auth.Verifier
	users    auth.UserStore
	log      *logrus.Entry
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(verifier auth.Verifier, users auth.UserStore, log *logrus.Logger) *AuthMiddleware {
	if log == nil {
		log = logrus.New()
	}
	return &AuthMiddleware{
		verifier: verifier,
		users:    users,
		log:      log.WithField("component", "authenticate"),
	}
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx, err := m.authenticate(r)
		if err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{
				"code":       string(apperrors.CodeOf(err)),
				"path":       r.URL.Path,
				"request_id": contextkeys.GetRequestID(r.Context()),
			}).Debug("Authentication rejected")
			httputil.WriteAppError(w, err)
			return
		}

		ctx := contextkeys.WithAuth(r.Context(), authCtx)
		ctx = audit.WithActor(ctx, audit.ActorFromRequest(r, authCtx.User.ID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) authenticate(r *http.Request) (*auth.AuthContext, error) {
	// Format: "Bearer <token>"
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, apperrors.New(apperrors.CodeInvalidToken, "missing authorization header")
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, apperrors.New(apperrors.CodeInvalidToken, "invalid authorization header format")
	}

	claims, err := m.verifier.Verify(strings.TrimSpace(token))
	if err != nil {
		return nil, err
	}
	userID, err := claims.UserID()
	if err != nil {
		return nil, err
	}

	user, err := m.users.GetUser(r.Context(), userID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.Wrap(apperrors.CodeInvalidToken, "unknown user", err)
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, apperrors.New(apperrors.CodeInactiveUser, "user is inactive")
	}
	if user.TwoFactorEnabled && !claims.TwoFactorVerified {
		return nil, apperrors.New(apperrors.CodeTwoFactorRequired, "two-factor verification required")
	}

	return &auth.AuthContext{User: user, Claims: claims}, nil
}

// GetAuthContext extracts auth context from request
func GetAuthContext(r *http.Request) *auth.AuthContext {
	authCtx, ok := r.Context().Value(contextkeys.AuthKey).(*auth.AuthContext)
	if !ok {
		return nil
	}
	return authCtx
}
