package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/diggerhq/opensandbox/internal/jail"
	"github.com/diggerhq/opensandbox/internal/limits"
	"github.com/diggerhq/opensandbox/internal/session"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	builder := jail.NewBuilder(t.TempDir())
	store := session.NewStore(builder)
	return New(store, builder, limits.Default(), 0, 0, nil)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCreateGetListDeleteSessionLifecycle(t *testing.T) {
	s := newTestServer(t)

	createRec := doJSON(t, s, http.MethodPost, "/v1/sessions", createSessionRequest{Env: map[string]string{"FOO": "bar"}})
	if createRec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", createRec.Code, createRec.Body.String())
	}
	var created map[string]string
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	id := created["id"]
	if id == "" {
		t.Fatal("create response missing id")
	}

	listRec := doJSON(t, s, http.MethodGet, "/v1/sessions", nil)
	var summaries []session.Summary
	if err := json.Unmarshal(listRec.Body.Bytes(), &summaries); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(summaries) != 1 || summaries[0].ID != id {
		t.Fatalf("List = %+v, want single summary with id %s", summaries, id)
	}

	getRec := doJSON(t, s, http.MethodGet, "/v1/sessions/"+id, nil)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", getRec.Code)
	}
	var info session.Info
	if err := json.Unmarshal(getRec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if info.Env["FOO"] != "bar" {
		t.Errorf("Info.Env[FOO] = %q, want bar", info.Env["FOO"])
	}

	deleteRec := doJSON(t, s, http.MethodDelete, "/v1/sessions/"+id, nil)
	if deleteRec.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", deleteRec.Code)
	}

	afterRec := doJSON(t, s, http.MethodGet, "/v1/sessions/"+id, nil)
	if afterRec.Code != http.StatusNotFound {
		t.Fatalf("get-after-delete status = %d, want 404", afterRec.Code)
	}
}

func TestGetUnknownSessionReturns404(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/v1/sessions/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSetCwdEscapingPathReturns400(t *testing.T) {
	s := newTestServer(t)
	createRec := doJSON(t, s, http.MethodPost, "/v1/sessions", nil)
	var created map[string]string
	json.Unmarshal(createRec.Body.Bytes(), &created)
	id := created["id"]

	rec := doJSON(t, s, http.MethodPost, "/v1/sessions/"+id+"/cwd", setCwdRequest{Path: "../../etc"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestSessionRunEmptyArgvReturns400(t *testing.T) {
	s := newTestServer(t)
	createRec := doJSON(t, s, http.MethodPost, "/v1/sessions", nil)
	var created map[string]string
	json.Unmarshal(createRec.Body.Bytes(), &created)
	id := created["id"]

	rec := doJSON(t, s, http.MethodPost, "/v1/sessions/"+id+"/run", runRequest{Argv: nil})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestStatelessRunEmptyArgvReturns400(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/v1/run", runRequest{Argv: nil})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestStatelessRunRespectsSpawnRateLimit(t *testing.T) {
	builder := jail.NewBuilder(t.TempDir())
	store := session.NewStore(builder)
	s := New(store, builder, limits.Default(), 1, 1, nil)

	first := doJSON(t, s, http.MethodPost, "/v1/run", runRequest{Argv: nil})
	if first.Code != http.StatusBadRequest {
		t.Fatalf("first request status = %d, want 400 (burst of 1 should still reach argv validation)", first.Code)
	}

	second := doJSON(t, s, http.MethodPost, "/v1/run", runRequest{Argv: nil})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.Code)
	}
}
