package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Error codes of the {"error":{...}} body.
const (
	codeInvalidJSON      = "invalid_json"
	codeBodyTooLarge     = "body_too_large"
	codeInvalidRequest   = "invalid_request"
	codeUnauthorized     = "unauthorized"
	codeForbidden        = "forbidden"
	codeNotFound         = "not_found"
	codeRateLimited      = "rate_limited"
	codeStoreUnavailable = "store_unavailable"
	codeStreamClosed     = "stream_closed"
	codeInternal         = "internal"
)

var errTrailingData = errors.New("trailing data after JSON body")

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Field names the offending request field, when there is one.
	Field string `json:"field,omitempty"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, e apiError) {
	writeJSON(w, status, errorResponse{Error: e})
}

// decodeJSON reads exactly one JSON object of at most maxBytes into dst.
// Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return io.EOF
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errTrailingData
	}
	return nil
}

// writeDecodeError answers a decodeJSON failure: 413 past the body limit, 400 otherwise
// with the offending field when the decoder names one.
func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, apiError{
			Code:    codeBodyTooLarge,
			Message: fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit),
		})
		return
	}

	e := apiError{Code: codeInvalidJSON, Message: "invalid JSON body"}
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &typeErr):
		e.Field = typeErr.Field
		e.Message = "expected " + typeErr.Type.String()
	case errors.Is(err, errTrailingData):
		e.Message = errTrailingData.Error()
	default:
		if f, ok := unknownField(err); ok {
			e.Field = f
			e.Message = "unknown field"
		}
	}
	writeError(w, http.StatusBadRequest, e)
}

// unknownField extracts the name from encoding/json's DisallowUnknownFields error,
// which has no typed form.
func unknownField(err error) (string, bool) {
	const prefix = "json: unknown field "
	msg := err.Error()
	if !strings.HasPrefix(msg, prefix) {
		return "", false
	}
	return strings.Trim(strings.TrimPrefix(msg, prefix), `"`), true
}
