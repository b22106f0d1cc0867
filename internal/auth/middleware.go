package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/0xA1M/dashpro/internal/api/utils"
	"go.uber.org/zap"
)

// ContextKey is used to store values in request context
type ContextKey string

const (
	ViewerContextKey ContextKey = "viewer"
)

// IngestAuthMiddleware rejects agent requests whose bearer token does not
// match the ingest secret. Nothing downstream runs on failure.
func (s *Service) IngestAuthMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := BearerToken(r.Header.Get("Authorization"))
			if err == nil {
				err = s.VerifyIngestToken(token)
			}
			if err != nil {
				log.Warn("Rejected ingest request",
					zap.String("path", r.URL.Path),
					zap.String("remote", r.RemoteAddr),
					zap.Error(err))
				utils.SendErrorResponse(w, utils.NewAPIError(unauthorizedMessage(err), http.StatusUnauthorized))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ViewerAuthMiddleware validates dashboard JWTs
func (s *Service) ViewerAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			utils.SendErrorResponse(w, utils.NewAPIError(unauthorizedMessage(err), http.StatusUnauthorized))
			return
		}

		claims, err := s.ValidateViewerToken(token)
		if err != nil {
			utils.SendErrorResponse(w, utils.NewAPIError("Invalid token", http.StatusUnauthorized))
			return
		}

		ctx := context.WithValue(r.Context(), ViewerContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetViewerFromContext retrieves the authenticated viewer from request context
func GetViewerFromContext(ctx context.Context) (*ViewerClaims, error) {
	claims, ok := ctx.Value(ViewerContextKey).(*ViewerClaims)
	if !ok || claims == nil {
		return nil, errors.New("viewer not found in context")
	}
	return claims, nil
}

func unauthorizedMessage(err error) string {
	if errors.Is(err, ErrMissingToken) {
		return "Authorization header is required"
	}
	return "Unauthorized"
}
