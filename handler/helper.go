package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// unix epoch time
var epoch = time.Unix(0, 0).Format(time.RFC1123)

// http headers to disable caching.
var noCacheHeaders = map[string]string{
	"Expires":         epoch,
	"Cache-Control":   "no-cache, private, max-age=0",
	"Pragma":          "no-cache",
	"X-Accel-Expires": "0",
}

// statusCoder is implemented by every error kind in internal/tuberrors.
type statusCoder interface {
	StatusCode() int
}

// WriteError writes the json-encoded error message to the response,
// with the status code the error kind maps to (default 500).
func WriteError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if sc, ok := err.(statusCoder); ok {
		code = sc.StatusCode()
	}
	writeError(w, err, code)
}

// WriteBadRequest writes the json-encoded error message to the
// response with a 400 bad request status code.
func WriteBadRequest(w http.ResponseWriter, err error) {
	writeError(w, err, http.StatusBadRequest)
}

// WriteNotFound writes the json-encoded error message to the response
// with a 404 not found status code.
func WriteNotFound(w http.ResponseWriter, err error) {
	writeError(w, err, http.StatusNotFound)
}

// WriteJSON writes the json-encoded representation of v to the
// response body.
func WriteJSON(w http.ResponseWriter, v interface{}, status int) {
	for k, val := range noCacheHeaders {
		w.Header().Set(k, val)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logrus.WithError(err).Errorln("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error, status int) {
	out := struct {
		Message string `json:"msg"`
	}{err.Error()}
	WriteJSON(w, &out, status)
}
