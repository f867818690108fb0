package httptransport

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Status mapping of body errors:
// - invalid gzip → 400
// - compressed or decompressed limit exceeded → 413
// - unsupported media type or encoding → 415
var (
	errDecompressedTooLarge = errors.New("decompressed data exceeds maximum size limit")
	errCompressedTooLarge   = errors.New("compressed body exceeds maximum size limit")
	errUnsupportedMediaType = errors.New("unsupported media type")
	errUnsupportedEncoding  = errors.New("unsupported content encoding")
	errInvalidGzip          = errors.New("invalid gzip data")
	errEmptyBody            = errors.New("empty request body")
)

// maxDecompressedReader wraps an io.Reader to enforce decompressed size limits
type maxDecompressedReader struct {
	reader   io.Reader
	limit    int64
	consumed int64
	eof      bool
}

func (r *maxDecompressedReader) Read(p []byte) (int, error) {
	if r.eof {
		return 0, io.EOF
	}
	if r.consumed >= r.limit {
		return 0, errDecompressedTooLarge
	}

	maxRead := r.limit - r.consumed
	if int64(len(p)) > maxRead {
		p = p[:maxRead]
	}

	n, err := r.reader.Read(p)
	r.consumed += int64(n)
	if err == io.EOF {
		r.eof = true
	}

	if r.consumed >= r.limit && err == nil {
		// At the limit; one more byte means the body is too large.
		var dummy [1]byte
		m, peekErr := r.reader.Read(dummy[:])
		switch {
		case m > 0:
			return n, errDecompressedTooLarge
		case peekErr == io.EOF:
			r.eof = true
			return n, io.EOF
		case peekErr != nil:
			return n, peekErr
		default:
			return n, errDecompressedTooLarge
		}
	}

	return n, err
}

// createSafeRequestReader returns a reader for the request body that
// enforces both compressed and decompressed size limits, plus a cleanup
// function.
func createSafeRequestReader(w http.ResponseWriter, r *http.Request, options *ServerOptions) (io.Reader, func(), error) {
	maxRequestSize := options.MaxRequestSize
	if maxRequestSize == 0 {
		maxRequestSize = 10 * 1024 * 1024
	}
	maxDecompressedSize := options.MaxDecompressedSize
	if maxDecompressedSize == 0 {
		maxDecompressedSize = 20 * 1024 * 1024
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		return nil, func() {}, fmt.Errorf("%w: %s", errUnsupportedMediaType, contentType)
	}

	if r.ContentLength > maxRequestSize {
		return nil, func() {}, fmt.Errorf("%w: %d bytes (max %d)", errCompressedTooLarge, r.ContentLength, maxRequestSize)
	}

	contentEncoding := strings.TrimSpace(strings.ToLower(r.Header.Get("Content-Encoding")))
	switch contentEncoding {
	case "":
		// Uncompressed bodies are bounded by the stricter limit.
		return http.MaxBytesReader(w, r.Body, min(maxRequestSize, maxDecompressedSize)), func() {}, nil
	case "gzip":
	default:
		return nil, func() {}, fmt.Errorf("%w: %s (only gzip is supported)", errUnsupportedEncoding, contentEncoding)
	}

	gzReader, err := gzip.NewReader(http.MaxBytesReader(w, r.Body, maxRequestSize))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, func() {}, errEmptyBody
		}
		return nil, func() {}, fmt.Errorf("%w: %v", errInvalidGzip, err)
	}
	return &maxDecompressedReader{reader: gzReader, limit: maxDecompressedSize}, func() { gzReader.Close() }, nil
}

// createSafeResponseReader is the client side counterpart: it decompresses
// a gzip response itself so both limits apply.
func createSafeResponseReader(resp *http.Response, options *ClientOptions) (io.Reader, func(), error) {
	maxResponseSize := options.MaxResponseSize
	if maxResponseSize == 0 {
		maxResponseSize = 10 * 1024 * 1024
	}
	maxDecompressedSize := options.MaxDecompressedResponseSize
	if maxDecompressedSize == 0 {
		maxDecompressedSize = 20 * 1024 * 1024
	}

	if resp.ContentLength > maxResponseSize {
		return nil, func() {}, fmt.Errorf("%w: %d bytes (max %d)", errCompressedTooLarge, resp.ContentLength, maxResponseSize)
	}
	limited := &maxDecompressedReader{reader: resp.Body, limit: maxResponseSize}

	if !strings.EqualFold(strings.TrimSpace(resp.Header.Get("Content-Encoding")), "gzip") {
		return &maxDecompressedReader{reader: limited, limit: min(maxResponseSize, maxDecompressedSize)}, func() {}, nil
	}
	gzReader, err := gzip.NewReader(limited)
	if err != nil {
		return nil, func() {}, fmt.Errorf("%w: %v", errInvalidGzip, err)
	}
	return &maxDecompressedReader{reader: gzReader, limit: maxDecompressedSize}, func() { gzReader.Close() }, nil
}

// gzipBytes compresses payload.
func gzipBytes(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(payload); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// mapErrorToHTTPStatus maps body errors to HTTP status codes.
func mapErrorToHTTPStatus(err error) int {
	var maxBytesErr *http.MaxBytesError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errDecompressedTooLarge),
		errors.Is(err, errCompressedTooLarge),
		errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errUnsupportedMediaType), errors.Is(err, errUnsupportedEncoding):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusBadRequest
	}
}

// respondWithMappedError responds with the status that matches err.
func respondWithMappedError(w http.ResponseWriter, r *http.Request, err error, options *ServerOptions) {
	respondWithError(w, r, mapErrorToHTTPStatus(err), err.Error(), options)
}
