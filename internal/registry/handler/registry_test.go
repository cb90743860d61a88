package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/braided/internal/identity"
	"github.com/jmerrifield20/braided/internal/ledger"
	"github.com/jmerrifield20/braided/internal/ledger/ledgertest"
	"github.com/jmerrifield20/braided/internal/registry/handler"
	"go.uber.org/zap"
)

const location = "test:0x00000000000000000000000000000000000000c1"

func init() {
	gin.SetMode(gin.TestMode)
}

type env struct {
	router *gin.Engine
	reg    *ledger.MemoryRegistry
	owner  *identity.Key
}

func newEnv(t *testing.T, writeLimit gin.HandlerFunc) *env {
	t.Helper()
	owner, err := identity.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	reg := ledger.NewMemory(owner.Address())
	r := gin.New()
	handler.NewRegistryHandler(reg, location, zap.NewNop()).Register(r.Group("/api/v1"), writeLimit)
	return &env{router: r, reg: reg, owner: owner}
}

func (e *env) do(t *testing.T, method, path string, as *identity.Key, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		tok, err := identity.NewSigner(as, time.Minute).Token(location)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return m
}

func TestStatusForKind(t *testing.T) {
	cases := map[ledger.Kind]int{
		ledger.PermissionDenied:  http.StatusForbidden,
		ledger.InvalidStrand:     http.StatusBadRequest,
		ledger.UnknownStrand:     http.StatusNotFound,
		ledger.EmptyStrand:       http.StatusNotFound,
		ledger.NotRecorded:       http.StatusNotFound,
		ledger.DuplicateStrand:   http.StatusConflict,
		ledger.NonMonotonicWrite: http.StatusConflict,
		ledger.StaleSequence:     http.StatusConflict,
	}
	for k, want := range cases {
		if got := handler.StatusForKind(k); got != want {
			t.Errorf("StatusForKind(%s): got %d, want %d", k, got, want)
		}
	}
}

func TestRegistryHandler_writeRequiresToken(t *testing.T) {
	e := newEnv(t, nil)
	w := e.do(t, http.MethodPost, "/api/v1/strands", nil, map[string]any{"id": 1})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("got %d, want 401", w.Code)
	}
}

func TestRegistryHandler_addStrandAndRead(t *testing.T) {
	e := newEnv(t, nil)
	w := e.do(t, http.MethodPost, "/api/v1/strands", e.owner, map[string]any{
		"sequence":     0,
		"id":           4,
		"location":     "sepolia:0x00000000000000000000000000000000000000d4",
		"genesis_hash": ledgertest.Genesis,
		"description":  "sepolia",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /strands: got %d: %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodGet, "/api/v1/registry", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /registry: got %d", w.Code)
	}
	ov := decode(t, w)
	if ov["location"] != location || ov["strands"] != float64(1) {
		t.Errorf("overview: got %v", ov)
	}

	w = e.do(t, http.MethodGet, "/api/v1/strands", nil, nil)
	if got := decode(t, w)["count"]; got != float64(1) {
		t.Errorf("list count: got %v", got)
	}
}

func TestRegistryHandler_errorBodyCarriesKind(t *testing.T) {
	e := newEnv(t, nil)
	w := e.do(t, http.MethodGet, "/api/v1/strands/9/highest", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", w.Code)
	}
	body := decode(t, w)
	if body["kind"] != ledger.UnknownStrand.String() {
		t.Errorf("kind: got %v", body["kind"])
	}
	if body["strand_id"] != float64(9) {
		t.Errorf("strand_id: got %v", body["strand_id"])
	}
}

func TestRegistryHandler_strangerIsForbidden(t *testing.T) {
	e := newEnv(t, nil)
	stranger, _ := identity.GenerateKey()
	w := e.do(t, http.MethodPost, "/api/v1/strands", stranger, map[string]any{"id": 1})
	if w.Code != http.StatusForbidden {
		t.Errorf("got %d, want 403", w.Code)
	}
}

func TestRegistryHandler_badParams(t *testing.T) {
	e := newEnv(t, nil)
	for _, path := range []string{
		"/api/v1/strands/abc",
		"/api/v1/strands/1/agents/nothex",
		"/api/v1/strands?index=-1",
		"/api/v1/sequences/0x12",
	} {
		if w := e.do(t, http.MethodGet, path, nil, nil); w.Code != http.StatusBadRequest {
			t.Errorf("GET %s: got %d, want 400", path, w.Code)
		}
	}
	w := e.do(t, http.MethodDelete, "/api/v1/strands/1/agents/"+e.owner.Address().Hex(), e.owner, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("DELETE without sequence: got %d, want 400", w.Code)
	}
}

func TestRegistryHandler_verify(t *testing.T) {
	e := newEnv(t, nil)
	w := e.do(t, http.MethodGet, "/api/v1/verify", nil, nil)
	if w.Code != http.StatusOK || decode(t, w)["valid"] != true {
		t.Errorf("GET /verify: got %d %s", w.Code, w.Body.String())
	}
}

func TestRateLimiter_byIdentity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newEnv(t, handler.RateLimiter(ctx, 1, 1, handler.ByIdentity))

	first := e.do(t, http.MethodPost, "/api/v1/owner", e.owner, map[string]any{"sequence": 0, "owner": e.owner.Address()})
	if first.Code != http.StatusOK {
		t.Fatalf("first write: got %d: %s", first.Code, first.Body.String())
	}
	second := e.do(t, http.MethodPost, "/api/v1/owner", e.owner, map[string]any{"sequence": 1, "owner": e.owner.Address()})
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("second write: got %d, want 429", second.Code)
	}

	// Another identity has its own bucket.
	other, _ := identity.GenerateKey()
	w := e.do(t, http.MethodPost, "/api/v1/owner", other, map[string]any{"sequence": 0, "owner": other.Address()})
	if w.Code != http.StatusForbidden {
		t.Errorf("other identity: got %d, want 403", w.Code)
	}
}
