package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/c0deZ3R0/docsync/cursor"
)

// ServerOptions configures the HTTP handler.
type ServerOptions struct {
	// MaxRequestSize is the maximum allowed size of incoming request bodies in bytes (compressed)
	// If 0, defaults to 10MB
	MaxRequestSize int64

	// MaxDecompressedSize is the maximum allowed size of decompressed request bodies in bytes
	// This prevents zip-bomb attacks when handling gzip-compressed requests
	// If 0, defaults to 20MB
	MaxDecompressedSize int64

	// CompressionEnabled enables gzip compression of responses larger than
	// CompressionThreshold for clients that accept it.
	CompressionEnabled   bool
	CompressionThreshold int64

	// DefaultPullLimit and MaxPullLimit bound the limit parameter of /pull.
	DefaultPullLimit int
	MaxPullLimit     int

	// RequestTimeout is the maximum duration for processing a single request
	// If 0, requests are not bounded beyond the client's own context.
	RequestTimeout time.Duration

	Registry *cursor.Registry
	Logger   *slog.Logger
}

// DefaultServerOptions returns the default server options
func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		MaxRequestSize:       10 * 1024 * 1024, // 10MB
		MaxDecompressedSize:  20 * 1024 * 1024, // 20MB
		CompressionEnabled:   true,
		CompressionThreshold: 1024, // 1KB
		DefaultPullLimit:     100,
		MaxPullLimit:         1000,
		RequestTimeout:       30 * time.Second,
	}
}

// ServerOption is a function that configures a ServerOptions struct
type ServerOption func(*ServerOptions)

// WithMaxRequestSize sets the maximum allowed size of incoming request bodies
func WithMaxRequestSize(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxRequestSize = size
	}
}

// WithMaxDecompressedSize sets the maximum allowed size of decompressed request bodies
func WithMaxDecompressedSize(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxDecompressedSize = size
	}
}

// WithCompression enables or disables response compression
func WithCompression(enabled bool) ServerOption {
	return func(opts *ServerOptions) {
		opts.CompressionEnabled = enabled
	}
}

// WithCompressionThreshold sets the minimum size for response compression
func WithCompressionThreshold(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.CompressionThreshold = size
	}
}

// WithPullLimits sets the default and maximum page size of /pull.
func WithPullLimits(def, maxLimit int) ServerOption {
	return func(opts *ServerOptions) {
		opts.DefaultPullLimit = def
		opts.MaxPullLimit = maxLimit
	}
}

// WithRequestTimeout sets the maximum duration for request processing
func WithRequestTimeout(timeout time.Duration) ServerOption {
	return func(opts *ServerOptions) {
		opts.RequestTimeout = timeout
	}
}

// WithServerRegistry sets the registry used to encode checkpoints.
func WithServerRegistry(r *cursor.Registry) ServerOption {
	return func(opts *ServerOptions) {
		opts.Registry = r
	}
}

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(opts *ServerOptions) {
		opts.Logger = l
	}
}

// ClientOptions configures the HTTP client endpoint.
type ClientOptions struct {
	// CompressionEnabled gzips request bodies larger than GzipMinBytes and
	// asks for compressed responses.
	CompressionEnabled bool
	GzipMinBytes       int

	// MaxResponseSize is the maximum allowed size of response bodies in bytes (compressed)
	// If 0, defaults to 10MB
	MaxResponseSize int64

	// MaxDecompressedResponseSize is the maximum allowed size of decompressed response bodies in bytes
	// If 0, defaults to 20MB
	MaxDecompressedResponseSize int64

	// RequestTimeout bounds a single request.
	// If 0, defaults to 30 seconds
	RequestTimeout time.Duration

	HTTPClient *http.Client
	Registry   *cursor.Registry
	Logger     *slog.Logger
}

// DefaultClientOptions returns the default client options
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		CompressionEnabled:          true,
		GzipMinBytes:                1024,
		MaxResponseSize:             10 * 1024 * 1024, // 10MB
		MaxDecompressedResponseSize: 20 * 1024 * 1024, // 20MB
		RequestTimeout:              30 * time.Second,
	}
}

// ClientOption is a function that configures a ClientOptions struct
type ClientOption func(*ClientOptions)

// WithClientCompression enables or disables request/response compression
func WithClientCompression(enabled bool) ClientOption {
	return func(opts *ClientOptions) {
		opts.CompressionEnabled = enabled
	}
}

// WithGzipMinBytes sets the smallest request body that is compressed.
func WithGzipMinBytes(n int) ClientOption {
	return func(opts *ClientOptions) {
		opts.GzipMinBytes = n
	}
}

// WithMaxResponseSize sets the maximum allowed size of response bodies
func WithMaxResponseSize(size int64) ClientOption {
	return func(opts *ClientOptions) {
		opts.MaxResponseSize = size
	}
}

// WithMaxDecompressedResponseSize sets the maximum size of decompressed response bodies
func WithMaxDecompressedResponseSize(size int64) ClientOption {
	return func(opts *ClientOptions) {
		opts.MaxDecompressedResponseSize = size
	}
}

// WithClientTimeout sets the timeout for all requests
func WithClientTimeout(timeout time.Duration) ClientOption {
	return func(opts *ClientOptions) {
		opts.RequestTimeout = timeout
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(cl *http.Client) ClientOption {
	return func(opts *ClientOptions) {
		opts.HTTPClient = cl
	}
}

// WithClientRegistry sets the registry used to decode checkpoints.
func WithClientRegistry(r *cursor.Registry) ClientOption {
	return func(opts *ClientOptions) {
		opts.Registry = r
	}
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(opts *ClientOptions) {
		opts.Logger = l
	}
}

// applyServerOptions creates a new ServerOptions with the given options applied
func applyServerOptions(opts ...ServerOption) *ServerOptions {
	options := DefaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.Registry == nil {
		options.Registry = cursor.Default()
	}
	if options.DefaultPullLimit <= 0 {
		options.DefaultPullLimit = 100
	}
	if options.MaxPullLimit < options.DefaultPullLimit {
		options.MaxPullLimit = options.DefaultPullLimit
	}
	return options
}

// applyClientOptions creates a new ClientOptions with the given options applied
func applyClientOptions(opts ...ClientOption) *ClientOptions {
	options := DefaultClientOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.Registry == nil {
		options.Registry = cursor.Default()
	}
	if options.HTTPClient == nil {
		options.HTTPClient = &http.Client{Timeout: options.RequestTimeout}
	}
	return options
}
