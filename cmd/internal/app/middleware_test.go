package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status     int
		wantLevel  slog.Level
		wantResult string
		wantClass  string
	}{
		{status: 200, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "2xx"},
		{status: 302, wantLevel: slog.LevelInfo, wantResult: "redirect", wantClass: "3xx"},
		{status: 404, wantLevel: slog.LevelWarn, wantResult: "client_error", wantClass: "4xx"},
		{status: 503, wantLevel: slog.LevelError, wantResult: "server_error", wantClass: "5xx"},
	}

	for _, tc := range cases {
		level, result := requestLogMeta(tc.status)
		if level != tc.wantLevel || result != tc.wantResult {
			t.Fatalf("status=%d level=%v result=%q; want level=%v result=%q", tc.status, level, result, tc.wantLevel, tc.wantResult)
		}
		if got := statusClass(tc.status); got != tc.wantClass {
			t.Fatalf("statusClass(%d)=%q want=%q", tc.status, got, tc.wantClass)
		}
	}
}

func TestWithCORS(t *testing.T) {
	t.Parallel()

	cfg := Config{
		CORSAllowedOrigins:   []string{"https://app.example.com", "http://127.0.0.1:*"},
		CORSAllowCredentials: true,
		CORSMaxAgeSeconds:    600,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cases := []struct {
		name        string
		method      string
		header      map[string]string
		wantStatus  int
		wantNext    bool
		wantOrigin  string
		wantMaxAge  string
		wantAllowHs string
	}{
		{
			name:       "no origin",
			method:     http.MethodGet,
			wantStatus: http.StatusOK,
			wantNext:   true,
		},
		{
			name:        "preflight",
			method:      http.MethodOptions,
			header:      map[string]string{"Origin": "https://app.example.com", "Access-Control-Request-Method": http.MethodPut, "Access-Control-Request-Headers": "Content-Type, X-Connection-ID"},
			wantStatus:  http.StatusNoContent,
			wantOrigin:  "https://app.example.com",
			wantMaxAge:  "600",
			wantAllowHs: "Content-Type, X-Connection-ID",
		},
		{
			name:       "denied origin",
			method:     http.MethodPost,
			header:     map[string]string{"Origin": "https://evil.example.com"},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "scheme must match",
			method:     http.MethodGet,
			header:     map[string]string{"Origin": "http://app.example.com"},
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "wildcard port",
			method:     http.MethodGet,
			header:     map[string]string{"Origin": "http://127.0.0.1:55123"},
			wantStatus: http.StatusOK,
			wantNext:   true,
			wantOrigin: "http://127.0.0.1:55123",
		},
		{
			name:       "websocket handshake bypasses",
			method:     http.MethodGet,
			header:     map[string]string{"Origin": "https://other.example.com", "Upgrade": "websocket"},
			wantStatus: http.StatusOK,
			wantNext:   true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			h := WithCORS(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}), cfg, log)

			req := httptest.NewRequest(tc.method, "/api/messages/send/bob", nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("status=%d want=%d", rr.Code, tc.wantStatus)
			}
			if called != tc.wantNext {
				t.Fatalf("next called=%v want=%v", called, tc.wantNext)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tc.wantOrigin {
				t.Fatalf("allow-origin=%q want=%q", got, tc.wantOrigin)
			}
			if got := rr.Header().Get("Access-Control-Max-Age"); got != tc.wantMaxAge {
				t.Fatalf("max-age=%q want=%q", got, tc.wantMaxAge)
			}
			if got := rr.Header().Get("Access-Control-Allow-Headers"); got != tc.wantAllowHs {
				t.Fatalf("allow-headers=%q want=%q", got, tc.wantAllowHs)
			}
			if tc.wantOrigin != "" && rr.Header().Get("Access-Control-Allow-Credentials") != "true" {
				t.Fatalf("credentials header missing")
			}
		})
	}
}

func TestWithSecurityHeaders(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	WithSecurityHeaders(http.NotFoundHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/media/x.png", nil))

	want := map[string]string{
		"X-Content-Type-Options":       "nosniff",
		"X-Frame-Options":              "DENY",
		"Referrer-Policy":              "no-referrer",
		"Cross-Origin-Resource-Policy": "same-site",
	}
	for k, v := range want {
		if got := rr.Header().Get(k); got != v {
			t.Fatalf("%s=%q want=%q", k, got, v)
		}
	}
}

func TestWithRequestLogging_LevelFollowsStatus(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("nope"))
	}), log)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/messages/zed", nil))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if rec["level"] != "WARN" || rec["msg"] != "http.request" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if rec["status_class"] != "4xx" || rec["result"] != "client_error" || rec["bytes"] != float64(4) {
		t.Fatalf("unexpected fields: %v", rec)
	}
}
