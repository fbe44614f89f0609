package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	coreerr "duxnet/core/errors"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// httpStatus maps the error taxonomy onto HTTP statuses.
func httpStatus(code coreerr.Code) int {
	switch code {
	case coreerr.CodeValidation:
		return http.StatusBadRequest
	case coreerr.CodeNotFound:
		return http.StatusNotFound
	case coreerr.CodeConflict:
		return http.StatusConflict
	case coreerr.CodeUnauthenticated:
		return http.StatusUnauthorized
	case coreerr.CodeForbidden:
		return http.StatusForbidden
	case coreerr.CodeTimeout:
		return http.StatusGatewayTimeout
	case coreerr.CodeNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := coreerr.CodeOf(err)
	detail := errorDetail{Code: code.String(), Message: err.Error()}
	if code == coreerr.CodeStorage {
		// Storage internals stay out of responses.
		detail.Message = "internal storage error"
	}
	writeJSON(w, httpStatus(code), errorBody{Error: detail})
}

// decodeBody parses a JSON request body into dst, tolerating an empty body
// when dst accepts the zero value.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return coreerr.E(coreerr.CodeValidation, "malformed request body")
	}
	return nil
}
