// Package httpx holds the request decoding and JSON response plumbing shared by the
// receipt service handlers.
package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/tansive/receipts/internal/common/apperrors"
)

// GetRequestData decodes a POST or PUT JSON body into data. Unknown fields are
// rejected.
func GetRequestData(r *http.Request, data any) error {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		return ErrReqMethodNotSupported()
	}
	if r.Body == nil || r.Body == http.NoBody {
		log.Ctx(r.Context()).Debug().Msg("empty request body")
		return ErrUnableToParseReqData()
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(data); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return ErrRequestTooLarge(maxErr.Limit)
		}
		return ErrUnableToParseReqData()
	}
	return nil
}

// Response is what a RequestHandler returns on success. Response is marshalled to JSON.
type Response struct {
	StatusCode int
	Location   string
	Response   any
}

type RequestHandler func(r *http.Request) (*Response, error)

// WrapHttpRsp adapts a RequestHandler to http.HandlerFunc. *Error values are sent as is,
// apperrors.Error values through FromAppError, and anything else as a 500.
func WrapHttpRsp(handler RequestHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rsp, err := handler(r)
		if err != nil {
			sendHandlerError(w, r, err)
			return
		}
		if rsp == nil {
			ErrApplicationError().Send(w)
			return
		}
		SendJsonRsp(r.Context(), w, rsp.StatusCode, rsp.Response, rsp.Location)
	}
}

func sendHandlerError(w http.ResponseWriter, r *http.Request, err error) {
	var httpErr *Error
	if errors.As(err, &httpErr) {
		httpErr.Send(w)
		return
	}
	var appErr apperrors.Error
	if errors.As(err, &appErr) {
		rendered := FromAppError(appErr)
		if rendered.StatusCode >= http.StatusInternalServerError {
			log.Ctx(r.Context()).Error().Err(err).Str("code", rendered.Code).Msg("request failed")
		}
		rendered.Send(w)
		return
	}
	log.Ctx(r.Context()).Error().Err(err).Msg("request failed")
	ErrApplicationError().Send(w)
}
