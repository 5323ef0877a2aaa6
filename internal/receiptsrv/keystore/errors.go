package keystore

import (
	"net/http"

	"github.com/tansive/receipts/internal/common/apperrors"
)

var (
	ErrKeyStore              apperrors.Error = apperrors.New("key store error").SetStatusCode(http.StatusInternalServerError).SetCode("PP_INTERNAL")
	ErrNoActiveKey           apperrors.Error = ErrKeyStore.New("no active signing key").SetStatusCode(http.StatusServiceUnavailable).SetCode("PP_NO_ACTIVE_KEY")
	ErrKeyNotFound           apperrors.Error = ErrKeyStore.New("signing key not found").SetStatusCode(http.StatusNotFound).SetCode("PP_KEY_NOT_FOUND")
	ErrKeyExists             apperrors.Error = ErrKeyStore.New("signing key id already exists").SetStatusCode(http.StatusConflict).SetCode("PP_KEY_EXISTS")
	ErrInvalidKey            apperrors.Error = ErrKeyStore.New("invalid signing key").SetStatusCode(http.StatusBadRequest).SetCode("PP_BAD_REQUEST")
	ErrPrivateKeyUnavailable apperrors.Error = ErrKeyStore.New("private key unavailable for active signing key").SetStatusCode(http.StatusServiceUnavailable).SetCode("PP_SIGNING_UNAVAILABLE")
	ErrStartupCheck          apperrors.Error = ErrKeyStore.New("signing key startup check failed").SetCode("PP_KEY_MISMATCH")
)
