package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestRequestContextMiddleware_RequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"generated", "", false},
		{"propagated", "trace-7f3a", true},
		{"control characters replaced", "bad\nid", false},
		{"oversized replaced", strings.Repeat("a", 200), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestContextMiddleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/flood/reports", http.NoBody)
			if tt.incoming != "" {
				req.Header.Set("X-Request-ID", tt.incoming)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			got := w.Header().Get("X-Request-ID")
			if got == "" || got != seen {
				t.Fatalf("header ID %q, context ID %q, want equal and non-empty", got, seen)
			}
			if tt.keep && got != tt.incoming {
				t.Errorf("ID = %q, want propagated %q", got, tt.incoming)
			}
			if !tt.keep && got == tt.incoming {
				t.Errorf("ID %q was propagated, want a fresh one", got)
			}
		})
	}
}

func TestRequestContextMiddleware_ClientAddr(t *testing.T) {
	tests := []struct {
		name  string
		trust bool
		want  string
	}{
		{"forwarded header ignored", false, "10.1.2.3"},
		{"forwarded header trusted", true, "203.0.113.50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			handler := RequestContextMiddleware(tt.trust)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				got = ClientAddr(r.Context())
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/v1/flood/analyze", http.NoBody)
			req.RemoteAddr = "10.1.2.3:40000"
			req.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18")
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if got != tt.want {
				t.Errorf("ClientAddr = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestClass(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{http.MethodGet, ClassRead},
		{http.MethodHead, ClassRead},
		{http.MethodPost, ClassIngest},
		{http.MethodDelete, ClassIngest},
	}
	for _, tt := range tests {
		if got := RequestClass(httptest.NewRequest(tt.method, "/", http.NoBody)); got != tt.want {
			t.Errorf("RequestClass(%s) = %q, want %q", tt.method, got, tt.want)
		}
	}
}

func TestAccessLogMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/flood/analyze", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"r1"}`))
	})
	mux.HandleFunc("GET /healthz", okHandler)
	mux.HandleFunc("GET /boom", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	handler := Chain(mux, RequestContextMiddleware(false), AccessLogMiddleware(logger, []string{"/healthz"}))

	body := `{"samples": [1, 2, 3, 4]}`
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/api/v1/flood/analyze", strings.NewReader(body)),
		httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody),
		httptest.NewRequest(http.MethodGet, "/boom", http.NoBody),
	} {
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("logged %d entries, want 3", len(entries))
	}

	ingest := entries[0].ContextMap()
	if entries[0].Level != zapcore.InfoLevel {
		t.Errorf("ingest level = %v, want info", entries[0].Level)
	}
	if ingest["route"] != "POST /api/v1/flood/analyze" {
		t.Errorf("route = %v, want the mux pattern", ingest["route"])
	}
	if ingest["status"] != int64(http.StatusCreated) {
		t.Errorf("status = %v, want 201", ingest["status"])
	}
	if ingest["bytes_in"] != int64(len(body)) || ingest["bytes_out"] != int64(len(`{"id":"r1"}`)) {
		t.Errorf("bytes_in = %v, bytes_out = %v", ingest["bytes_in"], ingest["bytes_out"])
	}
	if ingest["request_id"] == "" {
		t.Error("request_id missing from access log")
	}

	if entries[1].Level != zapcore.DebugLevel {
		t.Errorf("quiet path level = %v, want debug", entries[1].Level)
	}
	if entries[2].Level != zapcore.WarnLevel {
		t.Errorf("5xx level = %v, want warn", entries[2].Level)
	}
}

func TestHeadersMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	HeadersMiddleware(http.HandlerFunc(okHandler)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	tests := []struct {
		header string
		want   string
	}{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
		{"Referrer-Policy", "no-referrer"},
	}
	for _, tt := range tests {
		if got := w.Header().Get(tt.header); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
		}
	}
	if w.Header().Get("X-Floodwatch-Version") == "" {
		t.Error("X-Floodwatch-Version not set")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("detector exploded")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/flood/monitors", http.NoBody))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content-type = %q, want application/problem+json", ct)
	}
	if logs.FilterMessage("handler panic").Len() != 1 {
		t.Error("panic not logged")
	}
}

func TestRecoveryMiddleware_RepanicsAbort(t *testing.T) {
	handler := RecoveryMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
}

func TestRateLimitMiddleware_SeparatesClasses(t *testing.T) {
	limits := RateLimits{
		Read:   Limit{RPS: 1000, Burst: 1000},
		Ingest: Limit{RPS: 1, Burst: 1},
	}
	handler := Chain(http.HandlerFunc(okHandler), RequestContextMiddleware(false), RateLimitMiddleware(limits))

	send := func(method string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/api/v1/flood/analyze", http.NoBody)
		req.RemoteAddr = "10.0.0.1:9999"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	if w := send(http.MethodPost); w.Code != http.StatusOK {
		t.Fatalf("first ingest: status = %d, want 200", w.Code)
	}
	w := send(http.MethodPost)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second ingest: status = %d, want 429", w.Code)
	}
	if ra := w.Header().Get("Retry-After"); ra != "1" {
		t.Errorf("Retry-After = %q, want 1", ra)
	}
	for i := 0; i < 20; i++ {
		if w := send(http.MethodGet); w.Code != http.StatusOK {
			t.Fatalf("read %d after ingest exhausted: status = %d, want 200", i, w.Code)
		}
	}
}

func TestRateLimitMiddleware_PerClient(t *testing.T) {
	limits := RateLimits{Read: Limit{RPS: 0.01, Burst: 1}, Ingest: Limit{RPS: 0.01, Burst: 1}}
	handler := RateLimitMiddleware(limits)(http.HandlerFunc(okHandler))

	for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:1", "10.0.0.3:1"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/flood/reports", http.NoBody)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("client %s: status = %d, want 200", addr, w.Code)
		}
	}
}

func TestRateLimitMiddleware_Exempt(t *testing.T) {
	limits := RateLimits{
		Read:   Limit{RPS: 0.001, Burst: 1},
		Ingest: Limit{RPS: 0.001, Burst: 1},
		Exempt: []string{"/healthz"},
	}
	handler := RateLimitMiddleware(limits)(http.HandlerFunc(okHandler))

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
		req.RemoteAddr = "10.0.0.2:9999"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}
}

func TestClientLimiter_EvictsIdleClients(t *testing.T) {
	l := newClientLimiter(RateLimits{Read: Limit{RPS: 1, Burst: 1}, Ingest: Limit{RPS: 1, Burst: 1}})
	start := time.Now()
	for i := 0; i < maxTrackedClients; i++ {
		l.reserve("idle-"+strconv.Itoa(i), ClassRead, start)
	}
	if got := l.tracked(); got != maxTrackedClients {
		t.Fatalf("tracked = %d, want %d", got, maxTrackedClients)
	}

	l.reserve("fresh", ClassRead, start.Add(clientIdleAfter+time.Second))
	if got := l.tracked(); got != 1 {
		t.Errorf("tracked after eviction = %d, want 1", got)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name+"-before")
				next.ServeHTTP(w, r)
				order = append(order, name+"-after")
			})
		}
	}

	handler := Chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		order = append(order, "handler")
	}), mark("outer"), mark("inner"))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	want := []string{"outer-before", "inner-before", "handler", "inner-after", "outer-after"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestTrackingWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	tw := &trackingWriter{ResponseWriter: rec, status: http.StatusOK}

	tw.WriteHeader(http.StatusAccepted)
	tw.WriteHeader(http.StatusNotFound)
	_, _ = tw.Write([]byte("hello"))

	if tw.status != http.StatusAccepted {
		t.Errorf("status = %d, want first WriteHeader to win", tw.status)
	}
	if tw.bytes != 5 {
		t.Errorf("bytes = %d, want 5", tw.bytes)
	}
	if tw.Unwrap() != rec {
		t.Error("Unwrap() should return the recorder")
	}
	tw.Flush()
	if !rec.Flushed {
		t.Error("Flush() should reach the recorder")
	}
	if _, _, err := tw.Hijack(); err == nil {
		t.Error("Hijack() on a recorder should fail")
	}
}
