package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/user/aquaflush/central"
	"github.com/user/aquaflush/gatt"
	"github.com/user/aquaflush/protocol"
	"github.com/user/aquaflush/session"
)

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]interface{}{
		"error": message,
		"code":  status,
	})
}

func successResponse(w http.ResponseWriter, message string) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"message": message,
	})
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, central.ErrBusy), errors.Is(err, central.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, session.ErrEmptySequence):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrInvalidDuration), protocol.IsMalformed(err):
		return http.StatusBadRequest
	case gatt.IsCapabilityError(err):
		return http.StatusMethodNotAllowed
	case gatt.IsNotFound(err):
		return http.StatusNotFound
	case central.IsConnectionError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func failure(w http.ResponseWriter, err error) {
	errorResponse(w, statusFor(err), err.Error())
}

func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
