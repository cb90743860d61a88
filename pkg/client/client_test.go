package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/braided/internal/identity"
	"github.com/jmerrifield20/braided/internal/ledger"
	"github.com/jmerrifield20/braided/internal/ledger/ledgertest"
	"github.com/jmerrifield20/braided/internal/registry/handler"
	"github.com/jmerrifield20/braided/pkg/client"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testLocation = "test:0x00000000000000000000000000000000000000b1"

func init() {
	gin.SetMode(gin.TestMode)
}

func newServer(t *testing.T, reg ledger.Registry) *httptest.Server {
	t.Helper()
	r := gin.New()
	handler.NewRegistryHandler(reg, testLocation, zap.NewNop()).Register(r.Group("/api/v1"), nil)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_registrySuite(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T, owner *identity.Key) func(*identity.Key) ledger.Registry {
		srv := newServer(t, ledger.NewMemory(owner.Address()))
		return func(as *identity.Key) ledger.Registry {
			return client.MustNew(srv.URL+"/api/v1",
				client.WithSigner(identity.NewSigner(as, time.Minute)))
		}
	})
}

func TestClient_discoversLocation(t *testing.T) {
	owner, _ := identity.GenerateKey()
	srv := newServer(t, ledger.NewMemory(owner.Address()))
	c := client.MustNew(srv.URL + "/api/v1")

	loc, err := c.Location(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if loc != testLocation {
		t.Errorf("Location: got %q, want %q", loc, testLocation)
	}
}

func TestClient_writeWithoutSigner(t *testing.T) {
	owner, _ := identity.GenerateKey()
	srv := newServer(t, ledger.NewMemory(owner.Address()))
	c := client.MustNew(srv.URL + "/api/v1")

	_, err := c.AddStrand(context.Background(), ledger.Caller{Identity: owner.Address()}, ledger.Strand{ID: 1})
	if !errors.Is(err, client.ErrNoSigner) {
		t.Errorf("expected ErrNoSigner, got %v", err)
	}
}

func TestClient_callerMustMatchSigner(t *testing.T) {
	owner, _ := identity.GenerateKey()
	other, _ := identity.GenerateKey()
	srv := newServer(t, ledger.NewMemory(owner.Address()))
	c := client.MustNew(srv.URL+"/api/v1", client.WithSigner(identity.NewSigner(other, time.Minute)))

	_, err := c.AddStrand(context.Background(), ledger.Caller{Identity: owner.Address()}, ledger.Strand{ID: 1})
	if err == nil || !strings.Contains(err.Error(), "does not match signer") {
		t.Errorf("expected signer mismatch, got %v", err)
	}
}

func TestClient_wrongAudienceIsUnauthorized(t *testing.T) {
	owner, _ := identity.GenerateKey()
	srv := newServer(t, ledger.NewMemory(owner.Address()))
	c := client.MustNew(srv.URL+"/api/v1",
		client.WithSigner(identity.NewSigner(owner, time.Minute)),
		client.WithLocation("elsewhere:0x00000000000000000000000000000000000000b2"))

	_, err := c.AddStrand(context.Background(), ledger.Caller{Identity: owner.Address()}, ledger.Strand{ID: 1, GenesisHash: ledgertest.Genesis})
	if err == nil {
		t.Fatal("expected an error for a token addressed to another registry")
	}
	if _, ok := ledger.KindOf(err); ok {
		t.Errorf("expected a plain unauthorized error, got typed %v", err)
	}
}

func TestNew_invalidURL(t *testing.T) {
	if _, err := client.New("not a url"); err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestClient_subscribeWithoutSupport(t *testing.T) {
	owner, _ := identity.GenerateKey()
	srv := newServer(t, readOnly{ledger.NewMemory(owner.Address())})
	c := client.MustNew(srv.URL + "/api/v1")

	_, err := c.SubscribeCheckpoints(context.Background())
	if err == nil || !strings.Contains(err.Error(), "501") {
		t.Errorf("expected 501 error, got %v", err)
	}
}

// readOnly hides the Subscriber and Verifier sides of a registry.
type readOnly struct{ ledger.Registry }

func TestClient_verifyWithoutSupport(t *testing.T) {
	owner, _ := identity.GenerateKey()
	srv := newServer(t, readOnly{ledger.NewMemory(owner.Address())})
	c := client.MustNew(srv.URL + "/api/v1")

	if err := c.Verify(context.Background()); err == nil {
		t.Error("expected error from a registry without digest chain")
	}
	resp, err := http.Get(srv.URL + "/api/v1/verify")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("GET /verify: got %d, want 501", resp.StatusCode)
	}
}

func TestClient_subscribeLogsMalformedCheckpoint(t *testing.T) {
	good, err := json.Marshal(ledger.Checkpoint{StrandID: 1, BlockNumber: 7, BlockHash: ledgertest.Hash(7)})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: ready\ndata: {}\n\n")
		fmt.Fprint(w, "event: checkpoint\ndata: {\"strand_id\": \n\n")
		fmt.Fprintf(w, "event: checkpoint\ndata: %s\n\n", good)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	core, logs := observer.New(zapcore.WarnLevel)
	c := client.MustNew(srv.URL+"/api/v1", client.WithLogger(zap.New(core)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := c.SubscribeCheckpoints(ctx)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case cp := <-ch:
		if cp.StrandID != 1 || cp.BlockNumber != 7 {
			t.Errorf("checkpoint after malformed event: %+v", cp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no checkpoint delivered")
	}
	if n := logs.FilterMessage("dropping malformed checkpoint event").Len(); n != 1 {
		t.Errorf("expected 1 warning, got %d", n)
	}
}
