package dberror

import (
	"net/http"

	"github.com/tansive/receipts/internal/common/apperrors"
)

var (
	ErrDatabase       apperrors.Error = apperrors.New("db error").SetStatusCode(http.StatusInternalServerError).SetCode("PP_INTERNAL")
	ErrAlreadyExists  apperrors.Error = ErrDatabase.New("already exists").SetStatusCode(http.StatusConflict).SetCode("PP_CONFLICT")
	ErrNotFound       apperrors.Error = ErrDatabase.New("not found").SetStatusCode(http.StatusNotFound).SetCode("PP_NOT_FOUND")
	ErrInvalidInput   apperrors.Error = ErrDatabase.New("invalid input").SetStatusCode(http.StatusBadRequest).SetCode("PP_BAD_REQUEST")
	ErrConcurrentEdit apperrors.Error = ErrDatabase.New("concurrent modification").SetStatusCode(http.StatusConflict).SetCode("PP_CONFLICT")
)
