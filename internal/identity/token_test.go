package identity_test

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/braided/internal/identity"
)

const audience = "ropsten:0x00C8Bc664147389328Cb56f0b1EDc391c591191f"

func newTestKey(t *testing.T) *identity.Key {
	t.Helper()
	k, err := identity.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestKey_hexRoundTrip(t *testing.T) {
	k := newTestKey(t)

	back, err := identity.KeyFromHex("0x" + k.Hex())
	if err != nil {
		t.Fatalf("KeyFromHex() error: %v", err)
	}
	if back.Address() != k.Address() {
		t.Errorf("Address: got %s, want %s", back.Address().Hex(), k.Address().Hex())
	}
}

func TestKey_saveAndLoad(t *testing.T) {
	k := newTestKey(t)
	path := filepath.Join(t.TempDir(), "agent.key")

	if err := k.SaveFile(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := identity.LoadKeyFile(path)
	if err != nil {
		t.Fatalf("LoadKeyFile() error: %v", err)
	}
	if loaded.Address() != k.Address() {
		t.Errorf("Address: got %s, want %s", loaded.Address().Hex(), k.Address().Hex())
	}
}

func TestSigner_Token(t *testing.T) {
	s := identity.NewSigner(newTestKey(t), time.Minute)

	token, err := s.Token(audience)
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Errorf("expected 3-part JWT, got %d parts", len(parts))
	}
}

func TestVerifier_Verify_valid(t *testing.T) {
	k := newTestKey(t)
	token, err := identity.NewSigner(k, time.Minute).Token(audience)
	if err != nil {
		t.Fatal(err)
	}

	addr, err := identity.NewVerifier(audience).Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if addr != k.Address() {
		t.Errorf("identity: got %s, want %s", addr.Hex(), k.Address().Hex())
	}
}

func TestVerifier_Verify_wrongAudience(t *testing.T) {
	token, err := identity.NewSigner(newTestKey(t), time.Minute).Token(audience)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := identity.NewVerifier("kovan:0x01").Verify(token); err == nil {
		t.Error("expected error for token addressed to another registry")
	}
}

func TestVerifier_Verify_forgedSubject(t *testing.T) {
	signer := identity.NewSigner(newTestKey(t), time.Minute)
	victim := newTestKey(t)
	token, err := signer.Token(audience)
	if err != nil {
		t.Fatal(err)
	}

	// Splice another address into the payload while keeping the signature.
	other, err := identity.NewSigner(victim, time.Minute).Token(audience)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(token, ".")
	otherParts := strings.Split(other, ".")
	forged := parts[0] + "." + otherParts[1] + "." + parts[2]

	if _, err := identity.NewVerifier(audience).Verify(forged); err == nil {
		t.Error("expected error for token whose signature does not recover to the subject")
	}
}

func TestVerifier_Verify_garbage(t *testing.T) {
	if _, err := identity.NewVerifier(audience).Verify("not.a.jwt"); err == nil {
		t.Error("expected error for garbage token")
	}
}

func TestRequireToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	k := newTestKey(t)

	r := gin.New()
	r.POST("/write", identity.RequireToken(identity.NewVerifier(audience)), func(c *gin.Context) {
		addr, ok := identity.FromCtx(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, addr.Hex())
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/write", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing token: got %d, want 401", w.Code)
	}

	token, err := identity.NewSigner(k, time.Minute).Token(audience)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/write", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("valid token: got %d, want 200", w.Code)
	}
	if w.Body.String() != k.Address().Hex() {
		t.Errorf("identity: got %q, want %q", w.Body.String(), k.Address().Hex())
	}
}
