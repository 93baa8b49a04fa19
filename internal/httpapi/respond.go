package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/skybuild/backend/internal/apperr"
)

const maxBodyBytes = 1 << 20 // request bodies; uploads have their own cap

// errorBody is the wire envelope for every failure.
type errorBody struct {
	Error struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Meta    map[string]interface{} `json:"meta,omitempty"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Error("response encode failed", "err", err)
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	var body errorBody
	var ae *apperr.Error
	if errors.As(err, &ae) {
		body.Error.Code = ae.Code
		body.Error.Message = ae.Message
		body.Error.Meta = ae.Meta
	} else {
		body.Error.Code = "internal_error"
		body.Error.Message = "internal error"
	}
	status := apperr.HTTPStatus(err)
	if status >= 500 {
		slog.Error("request failed", "code", body.Error.Code, "err", err)
	}
	writeJSON(w, status, body)
}

// decodeBody parses a JSON request body into dst with a size cap.
func decodeBody(r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.BadRequestf("empty_body", "request body is required")
		}
		return apperr.BadRequestf("malformed_body", "request body is not valid JSON")
	}
	return nil
}
