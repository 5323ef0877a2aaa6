package httpx

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/tansive/receipts/internal/common/logtrace"
)

// SendJsonRsp marshals msg and writes it with statusCode. A json.RawMessage or []byte
// holding valid JSON is written unchanged. location is only honoured on 201.
func SendJsonRsp(ctx context.Context, w http.ResponseWriter, statusCode int, msg any, location ...string) {
	var body []byte
	switch m := msg.(type) {
	case json.RawMessage:
		body = m
	case []byte:
		body = m
	default:
		var err error
		if body, err = json.Marshal(msg); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("unable to marshal response")
			ErrApplicationError("request id: " + logtrace.RequestIdFromContext(ctx)).Send(w)
			return
		}
	}
	if !json.Valid(body) {
		log.Ctx(ctx).Error().Msg("response is not valid JSON")
		ErrApplicationError("request id: " + logtrace.RequestIdFromContext(ctx)).Send(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if statusCode == http.StatusCreated && len(location) > 0 && location[0] != "" {
		w.Header().Set("Location", location[0])
	}
	w.WriteHeader(statusCode)
	w.Write(body)
}
