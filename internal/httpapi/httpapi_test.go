package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mailq/internal/mail"
	"mailq/internal/queue"
	"mailq/internal/sender"
	"mailq/internal/service"
	logx "mailq/pkg/logx"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *service.Service) {
	t.Helper()
	tr := mail.TransportFunc(func(ctx context.Context, conn mail.Connection, msg mail.Message) (mail.Receipt, error) {
		return mail.Receipt{MessageID: "<1@stub>"}, nil
	})
	email := queue.New("email", queue.Config{}, logx.Nop(), nil)
	bulk := queue.New("bulk", queue.Config{}, logx.Nop(), nil)
	email.RegisterProcessor(2, sender.NewEmailProcessor(tr, nil, logx.Nop()).Process)
	bulk.RegisterProcessor(1, sender.NewBulkOrchestrator(email, sender.BulkConfig{PollInterval: 10 * time.Millisecond}, logx.Nop()).Process)
	svc := service.New(email, bulk, nil, logx.Nop())
	svc.SetDefaults(service.Defaults{From: "noreply@example.com"})
	t.Cleanup(func() {
		email.SetDrainTimeout(100 * time.Millisecond)
		bulk.SetDrainTimeout(100 * time.Millisecond)
		_ = svc.ShutdownAll(context.Background())
	})
	return New(cfg, svc, logx.Nop()), svc
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func waitState(t *testing.T, h http.Handler, id string, want queue.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec := do(t, h, "GET", "/jobs/"+id, "")
		if rec.Code == http.StatusOK && decode[queue.Job](t, rec).State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
}

func TestAddAndGetJob(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	h := s.Handler()

	rec := do(t, h, "POST", "/jobs", `{"to":"a@example.com","subject":"hi {{name}}","content":"x","templateVars":{"name":"Ann"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	j := decode[queue.Job](t, rec)
	if j.ID != "email-1" || j.Queue != "email" {
		t.Fatalf("unexpected job %+v", j)
	}
	waitState(t, h, j.ID, queue.StateCompleted)

	rec = do(t, h, "GET", "/jobs?limit=10", "")
	page := decode[service.Page](t, rec)
	if page.Total != 1 || len(page.Jobs) != 1 {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestBulkRequestAndCancel(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	h := s.Handler()

	rec := do(t, h, "POST", "/jobs?kind=newsletter", `{"to":["a@example.com","b@example.com"],"subject":"s","content":"c"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	j := decode[queue.Job](t, rec)
	if j.ID != "bulk-1" || j.Name != "newsletter" {
		t.Fatalf("unexpected job %+v", j)
	}
	waitState(t, h, j.ID, queue.StateCompleted)

	rec = do(t, h, "POST", "/bulk/bulk-1/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	res := decode[service.BulkCancelResult](t, rec)
	if res.BulkJobCanceled || res.ChildJobsTotal != 2 || res.ChildJobsCanceled != 0 {
		t.Fatalf("unexpected cancel result %+v", res)
	}
}

func TestErrorMapping(t *testing.T) {
	s, svc := newTestServer(t, Config{})
	h := s.Handler()

	cases := []struct {
		name, method, path, body string
		want                     int
	}{
		{"bad recipient", "POST", "/jobs", `{"to":"nope","subject":"s"}`, http.StatusBadRequest},
		{"wrong to type", "POST", "/jobs", `{"to":42}`, http.StatusBadRequest},
		{"unknown field", "POST", "/jobs", `{"to":"a@example.com","colour":"red"}`, http.StatusBadRequest},
		{"missing job", "GET", "/jobs/email-99", "", http.StatusNotFound},
		{"cancel missing", "POST", "/jobs/email-99/cancel", "", http.StatusNotFound},
		{"remove missing", "DELETE", "/jobs/email-99", "", http.StatusNotFound},
		{"bad limit", "GET", "/jobs?limit=-1", "", http.StatusBadRequest},
		{"clean without age", "POST", "/jobs/clean", "", http.StatusBadRequest},
		{"history disabled", "GET", "/history", "", http.StatusNotImplemented},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := do(t, h, tc.method, tc.path, tc.body); rec.Code != tc.want {
				t.Fatalf("want %d, got %d: %s", tc.want, rec.Code, rec.Body)
			}
		})
	}

	rec := do(t, h, "POST", "/jobs", `{"to":"a@example.com","subject":"s","content":"c"}`)
	id := decode[queue.Job](t, rec).ID
	waitState(t, h, id, queue.StateCompleted)
	if rec := do(t, h, "POST", "/jobs/"+id+"/cancel", ""); rec.Code != http.StatusConflict {
		t.Fatalf("cancel terminal: want 409, got %d", rec.Code)
	}

	_ = svc.ShutdownAll(context.Background())
	if rec := do(t, h, "POST", "/jobs", `{"to":"a@example.com","subject":"s","content":"c"}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("after shutdown: want 503, got %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz after shutdown: want 503, got %d", rec.Code)
	}
}

func TestJWTRequired(t *testing.T) {
	secret := []byte("test-secret")
	s, _ := newTestServer(t, Config{JWTSecret: string(secret)})
	h := s.Handler()

	if rec := do(t, h, "GET", "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/stats", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", rec.Code)
	}

	sign := func(method jwt.SigningMethod, key any, exp time.Time) string {
		tok, err := jwt.NewWithClaims(method, jwt.MapClaims{"sub": "ops", "exp": exp.Unix()}).SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return tok
	}
	good := sign(jwt.SigningMethodHS256, secret, time.Now().Add(time.Hour))
	if rec := do(t, h, "GET", "/stats", "", "Authorization", "Bearer "+good); rec.Code != http.StatusOK {
		t.Fatalf("valid token rejected: %d %s", rec.Code, rec.Body)
	}
	expired := sign(jwt.SigningMethodHS256, secret, time.Now().Add(-time.Hour))
	if rec := do(t, h, "GET", "/stats", "", "Authorization", "Bearer "+expired); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired token accepted")
	}
	wrong := sign(jwt.SigningMethodHS256, []byte("other"), time.Now().Add(time.Hour))
	if rec := do(t, h, "GET", "/stats", "", "Authorization", "Bearer "+wrong); rec.Code != http.StatusUnauthorized {
		t.Fatalf("foreign token accepted")
	}
}

func TestRunServesUntilCanceled(t *testing.T) {
	s, _ := newTestServer(t, Config{Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server never listened")
		}
		time.Sleep(5 * time.Millisecond)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return")
	}
}
