package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/auth0/go-jwt-middleware/v2/validator"

	"CapIot.lorawan/internal/logging"
	"CapIot.lorawan/internal/models"
	"CapIot.lorawan/internal/utils"
)

// SessionCookie holds the signed session token.
const SessionCookie = "session"

// NewSessionMiddleware validates the HS256 session token carried in the session cookie.
func NewSessionMiddleware(secret []byte, issuer, audience string) (func(http.Handler) http.Handler, error) {
	keyFunc := func(context.Context) (interface{}, error) {
		return secret, nil
	}
	v, err := validator.New(keyFunc, validator.HS256, issuer, []string{audience})
	if err != nil {
		return nil, err
	}
	m := jwtmiddleware.New(
		v.ValidateToken,
		jwtmiddleware.WithTokenExtractor(jwtmiddleware.CookieTokenExtractor(SessionCookie)),
		jwtmiddleware.WithErrorHandler(sessionError),
	)
	return m.CheckJWT, nil
}

func sessionError(w http.ResponseWriter, r *http.Request, err error) {
	logging.Debug().Err(err).Str("path", r.URL.Path).Msg("session rejected")
	message := "Invalid session"
	if errors.Is(err, jwtmiddleware.ErrJWTMissing) {
		message = "No session"
	}
	utils.RespondWithError(w, models.NewAPIError(models.ErrorCodeInvalidSession, message, nil, http.StatusUnauthorized))
}

// SessionSubject returns the user the request's session was issued to.
func SessionSubject(r *http.Request) string {
	claims, ok := r.Context().Value(jwtmiddleware.ContextKey{}).(*validator.ValidatedClaims)
	if !ok {
		return ""
	}
	return claims.RegisteredClaims.Subject
}

// RequireBearer rejects requests whose Authorization header is not "Bearer <secret>".
func RequireBearer(secret string) func(http.Handler) http.Handler {
	expected := []byte("Bearer " + secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, expected) != 1 {
				utils.RespondWithError(w, models.NewAPIError(models.ErrorCodeUnauthorized, "unauthorized", nil, http.StatusUnauthorized))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
