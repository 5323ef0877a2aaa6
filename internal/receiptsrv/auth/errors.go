package auth

import (
	"net/http"

	"github.com/tansive/receipts/internal/common/apperrors"
)

var (
	ErrAuth            apperrors.Error = apperrors.New("auth error").SetStatusCode(http.StatusInternalServerError).SetCode("PP_INTERNAL")
	ErrInvalidToken    apperrors.Error = ErrAuth.New("invalid token").SetStatusCode(http.StatusUnauthorized).SetCode("PP_UNAUTHORIZED")
	ErrAdminDisabled   apperrors.Error = ErrAuth.New("admin API is disabled").SetStatusCode(http.StatusUnauthorized).SetCode("PP_UNAUTHORIZED")
	ErrTokenGeneration apperrors.Error = ErrAuth.New("failed to generate token")
)
