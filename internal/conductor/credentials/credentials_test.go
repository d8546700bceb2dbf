package credentials

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testPEMKey(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
}

type fakeLookup struct {
	installationID int64
	err            error
}

func (f fakeLookup) InstallationIDForProject(ctx context.Context, projectID string) (int64, error) {
	return f.installationID, f.err
}

func TestResolveTokenFetchesAndCaches(t *testing.T) {
	requestCount := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Errorf("expected bearer app jwt, got %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"token":      "ghs_faketoken",
			"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		})
	}))
	defer srv.Close()

	provider, err := NewAppProvider(42, testPEMKey(t), fakeLookup{installationID: 7})
	if err != nil {
		t.Fatalf("new app provider: %v", err)
	}
	provider.BaseURL = srv.URL

	token, err := provider.ResolveToken(context.Background(), "project-1", "create_pr")
	if err != nil {
		t.Fatalf("resolve token: %v", err)
	}
	if token.Value != "ghs_faketoken" {
		t.Fatalf("expected token value from response, got %q", token.Value)
	}

	if _, err := provider.ResolveToken(context.Background(), "project-1", "create_pr"); err != nil {
		t.Fatalf("resolve token (cached): %v", err)
	}
	if requestCount != 1 {
		t.Fatalf("expected the second resolve to hit cache, got %d requests", requestCount)
	}
}

func TestResolveTokenRefetchesNearExpiry(t *testing.T) {
	requestCount := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"token":      "ghs_token",
			"expires_at": time.Now().Add(time.Minute).UTC().Format(time.RFC3339),
		})
	}))
	defer srv.Close()

	provider, err := NewAppProvider(42, testPEMKey(t), fakeLookup{installationID: 7})
	if err != nil {
		t.Fatalf("new app provider: %v", err)
	}
	provider.BaseURL = srv.URL

	if _, err := provider.ResolveToken(context.Background(), "project-1", "create_pr"); err != nil {
		t.Fatalf("resolve token: %v", err)
	}
	if _, err := provider.ResolveToken(context.Background(), "project-1", "create_pr"); err != nil {
		t.Fatalf("resolve token again: %v", err)
	}
	if requestCount != 2 {
		t.Fatalf("expected a near-expiry cached token to trigger a refetch, got %d requests", requestCount)
	}
}

func TestResolveTokenPropagatesLookupError(t *testing.T) {
	provider, err := NewAppProvider(42, testPEMKey(t), fakeLookup{err: context.DeadlineExceeded})
	if err != nil {
		t.Fatalf("new app provider: %v", err)
	}
	if _, err := provider.ResolveToken(context.Background(), "project-1", "create_pr"); err == nil {
		t.Fatalf("expected lookup error to propagate")
	}
}

func TestTokenExpiredHonorsMargin(t *testing.T) {
	tok := Token{ExpiresAt: time.Now().Add(90 * time.Second)}
	if !tok.Expired(2 * time.Minute) {
		t.Fatalf("expected token within the margin to report expired")
	}
	if tok.Expired(30 * time.Second) {
		t.Fatalf("expected token well outside the margin to report not expired")
	}
}
