package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

type logContextKey string

const (
	requestIDKey   logContextKey = "request_id"
	loggerKey      logContextKey = "logger"
	requestInfoKey logContextKey = "request_info"
)

// requestInfo is filled in by inner middleware so the completion log line
// can report it.
type requestInfo struct {
	principal string
}

func notePrincipal(ctx context.Context, principal string) {
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
		info.principal = principal
	}
}

// RequestIDFromContext retrieves the request ID from the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

// LoggerFromContext retrieves the request-scoped logger from the context.
// Falls back to slog.Default() if none is set.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// requestID reuses a caller supplied UUID and otherwise mints a new one.
func requestID(r *http.Request) string {
	if incoming, err := uuid.Parse(r.Header.Get(RequestIDHeader)); err == nil {
		return incoming.String()
	}
	return uuid.NewString()
}

// responseWriter records the status code and body size.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
	bytes      int
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// Flush keeps SSE responses streaming through the wrapper.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap supports http.ResponseController and middleware that unwrap writers.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// HTTPRequestLogging logs one line per request when it completes, at error
// level for 5xx responses and at debug level for health checks. The request
// ID is echoed in the X-Request-ID response header.
func HTTPRequestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := requestID(r)
			reqLogger := logger.With(slog.String("request_id", reqID))

			info := &requestInfo{}
			ctx := context.WithValue(r.Context(), requestIDKey, reqID)
			ctx = context.WithValue(ctx, loggerKey, reqLogger)
			ctx = context.WithValue(ctx, requestInfoKey, info)

			reqLogger.DebugContext(ctx, "request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)

			w.Header().Set(RequestIDHeader, reqID)
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(wrapped, r.WithContext(ctx))
			duration := time.Since(start)

			level := slog.LevelInfo
			switch {
			case wrapped.statusCode >= http.StatusInternalServerError:
				level = slog.LevelError
			case r.URL.Path == "/healthz":
				level = slog.LevelDebug
			}
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", wrapped.statusCode),
				slog.Int("bytes", wrapped.bytes),
				slog.Float64("duration_ms", float64(duration.Nanoseconds())/1e6),
			}
			if info.principal != "" {
				attrs = append(attrs, slog.String("principal", info.principal))
			}
			reqLogger.LogAttrs(ctx, level, "request completed", attrs...)
		})
	}
}
