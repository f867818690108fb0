package httptransport

import (
	"compress/gzip"
	"encoding/json"
	"net/http"
	"strings"
)

// respondWithJSON responds to an HTTP request with a JSON payload
func respondWithJSON(w http.ResponseWriter, r *http.Request, code int, payload any, options *ServerOptions) {
	response, err := json.Marshal(payload)
	if err != nil {
		respondWithError(w, r, http.StatusInternalServerError, "failed to marshal response", options)
		return
	}

	useCompression := options != nil && options.CompressionEnabled &&
		int64(len(response)) >= options.CompressionThreshold &&
		strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")

	w.Header().Set("Content-Type", "application/json")
	if !useCompression {
		w.WriteHeader(code)
		_, _ = w.Write(response)
		return
	}
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Add("Vary", "Accept-Encoding")
	w.WriteHeader(code)
	gz := gzip.NewWriter(w)
	defer gz.Close()
	_, _ = gz.Write(response)
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// respondWithError responds to an HTTP request with an error message
func respondWithError(w http.ResponseWriter, r *http.Request, code int, message string, options *ServerOptions) {
	respondWithJSON(w, r, code, errorResponse{
		Error:     message,
		Retryable: code >= http.StatusInternalServerError,
	}, options)
}
