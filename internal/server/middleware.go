package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/floodwatch/internal/version"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Request classes. Ingest requests submit samples or start work; everything
// else is a read.
const (
	ClassRead   = "read"
	ClassIngest = "ingest"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "floodwatch",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "floodwatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	httpRequestBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "floodwatch",
			Name:      "http_request_body_bytes",
			Help:      "Request body bytes read by ingest handlers.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		},
		[]string{"route"},
	)
	httpThrottledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "floodwatch",
			Name:      "http_throttled_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		},
		[]string{"class"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpRequestBytes, httpThrottledTotal)
}

// Middleware is a function that wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middleware in order (first argument is outermost).
func Chain(handler http.Handler, mw ...Middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		handler = mw[i](handler)
	}
	return handler
}

// RequestClass reports whether r is an ingest or a read request.
func RequestClass(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ClassRead
	}
	return ClassIngest
}

type requestInfoKey struct{}

type requestInfo struct {
	id     string
	client string
}

func infoFrom(ctx context.Context) requestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(requestInfo)
	return info
}

// RequestID returns the request ID stored by RequestContextMiddleware.
func RequestID(ctx context.Context) string { return infoFrom(ctx).id }

// ClientAddr returns the client address stored by RequestContextMiddleware.
func ClientAddr(ctx context.Context) string { return infoFrom(ctx).client }

// RequestContextMiddleware resolves the request ID and client address once
// for the rest of the chain. An incoming X-Request-ID is kept when it is a
// short printable token. X-Forwarded-For is honored only with trustForwarded.
func RequestContextMiddleware(trustForwarded bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if !validRequestID(id) {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			info := requestInfo{id: id, client: clientIP(r, trustForwarded)}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info)))
		})
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, c := range id {
		if c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}

// AccessLogMiddleware logs every request and records the HTTP metrics. Paths
// in quiet are logged at debug level. 5xx responses log at warn.
func AccessLogMiddleware(logger *zap.Logger, quiet []string) Middleware {
	quietSet := make(map[string]bool, len(quiet))
	for _, p := range quiet {
		quietSet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			tw := &trackingWriter{ResponseWriter: w, status: http.StatusOK}
			body := &countingBody{ReadCloser: r.Body}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = body
			}

			next.ServeHTTP(tw, r)
			elapsed := time.Since(start)

			// r.Pattern keeps report and monitor IDs out of the label set.
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(tw.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
			if RequestClass(r) == ClassIngest {
				httpRequestBytes.WithLabelValues(route).Observe(float64(body.n))
			}

			level := zap.InfoLevel
			switch {
			case quietSet[r.URL.Path]:
				level = zap.DebugLevel
			case tw.status >= http.StatusInternalServerError:
				level = zap.WarnLevel
			}
			if ce := logger.Check(level, "http request"); ce != nil {
				ce.Write(
					zap.String("method", r.Method),
					zap.String("route", route),
					zap.String("path", r.URL.Path),
					zap.Int("status", tw.status),
					zap.Int64("bytes_in", body.n),
					zap.Int64("bytes_out", tw.bytes),
					zap.Duration("duration", elapsed),
					zap.String("client", ClientAddr(r.Context())),
					zap.String("request_id", RequestID(r.Context())),
				)
			}
		})
	}
}

// HeadersMiddleware sets the security headers and X-Floodwatch-Version on
// every response.
func HeadersMiddleware(next http.Handler) http.Handler {
	ver := version.Short()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("X-Floodwatch-Version", ver)
		next.ServeHTTP(w, r)
	})
}

// RecoveryMiddleware turns a handler panic into a 500 problem response.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.String("request_id", RequestID(r.Context())),
					zap.Stack("stack"),
				)
				InternalError(w, "an unexpected error occurred", r.URL.Path)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Limit is one token bucket: a sustained rate and a burst size.
type Limit struct {
	RPS   float64
	Burst int
}

// RateLimits configures RateLimitMiddleware. Each client gets one bucket per
// request class. Exempt paths are never limited.
type RateLimits struct {
	Read   Limit
	Ingest Limit
	Exempt []string
}

// RateLimitMiddleware enforces per-client token buckets keyed by the address
// RequestContextMiddleware resolved. Rejected requests get a 429 with a
// Retry-After hint.
func RateLimitMiddleware(limits RateLimits) Middleware {
	cl := newClientLimiter(limits)
	exempt := make(map[string]bool, len(limits.Exempt))
	for _, p := range limits.Exempt {
		exempt[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			client := ClientAddr(r.Context())
			if client == "" {
				client = clientIP(r, false)
			}
			class := RequestClass(r)
			if wait := cl.reserve(client, class, time.Now()); wait > 0 {
				httpThrottledTotal.WithLabelValues(class).Inc()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				RateLimited(w, class+" rate limit exceeded", r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// The limiter map is bounded; idle clients are evicted once it fills.
const (
	maxTrackedClients = 10000
	clientIdleAfter   = 10 * time.Minute
)

type clientBuckets struct {
	read, ingest *rate.Limiter
	lastSeen     time.Time
}

type clientLimiter struct {
	mu      sync.Mutex
	limits  RateLimits
	clients map[string]*clientBuckets
}

func newClientLimiter(limits RateLimits) *clientLimiter {
	return &clientLimiter{limits: limits, clients: make(map[string]*clientBuckets)}
}

// reserve takes a token from the client's bucket for class. It returns 0 when
// the request may proceed and otherwise how long until a token is available.
func (l *clientLimiter) reserve(client, class string, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.clients[client]
	if !ok {
		if len(l.clients) >= maxTrackedClients {
			l.evictIdle(now)
		}
		b = &clientBuckets{
			read:   rate.NewLimiter(rate.Limit(l.limits.Read.RPS), l.limits.Read.Burst),
			ingest: rate.NewLimiter(rate.Limit(l.limits.Ingest.RPS), l.limits.Ingest.Burst),
		}
		l.clients[client] = b
	}
	b.lastSeen = now

	lim := b.read
	if class == ClassIngest {
		lim = b.ingest
	}
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return time.Second
	}
	wait := res.DelayFrom(now)
	if wait > 0 {
		res.CancelAt(now)
	}
	return wait
}

// evictIdle drops clients not seen for clientIdleAfter. Called with l.mu held.
func (l *clientLimiter) evictIdle(now time.Time) {
	cutoff := now.Add(-clientIdleAfter)
	for c, b := range l.clients {
		if b.lastSeen.Before(cutoff) {
			delete(l.clients, c)
		}
	}
}

func (l *clientLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// clientIP returns the first X-Forwarded-For hop when trusted, else the
// remote host.
func clientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type countingBody struct {
	io.ReadCloser
	n int64
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	return n, err
}

// trackingWriter records the status code and response size.
type trackingWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (w *trackingWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// Flush forwards to the wrapped writer when it can stream.
func (w *trackingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the chain.
func (w *trackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if !w.wroteHeader {
		w.status = http.StatusSwitchingProtocols
		w.wroteHeader = true
	}
	return hj.Hijack()
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (w *trackingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
