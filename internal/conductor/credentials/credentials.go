// Package credentials resolves short-lived GitHub tokens per job, by step
// (§5 "External credentials"). Agents never see these values: the
// orchestrator's outbox and git-invoking jobs pull a token immediately
// before use and pass it directly to the executable, never through a log
// line or an agent-visible argument.
package credentials

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Token is a short-lived credential. It deliberately has no JSON tags and
// no String()/Error() method that would leak Value into a log line or an
// accidental fmt.Sprintf("%+v", ...).
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the token is no longer safe to use, with a
// margin so a caller never starts a long-running job on a token that
// expires moments later.
func (t Token) Expired(margin time.Duration) bool {
	return time.Now().Add(margin).After(t.ExpiresAt)
}

func (t Token) GoString() string { return "credentials.Token{[redacted]}" }

// Provider resolves a token scoped to one project/installation, valid for
// the step that requested it.
type Provider interface {
	ResolveToken(ctx context.Context, projectID string, step string) (Token, error)
}

// InstallationLookup maps a project to the GitHub App installation that
// acts on its behalf.
type InstallationLookup interface {
	InstallationIDForProject(ctx context.Context, projectID string) (int64, error)
}

const (
	defaultTokenMargin    = 2 * time.Minute
	defaultGitHubAPIBase  = "https://api.github.com"
	tokenRequestPathSlash = "/app/installations/%d/access_tokens"
	appJWTTTL             = 9 * time.Minute // GitHub caps app JWTs at 10 minutes
)

// AppProvider resolves installation access tokens for a GitHub App,
// caching each installation's token until shortly before it expires.
type AppProvider struct {
	AppID      int64
	PrivateKey *rsa.PrivateKey
	Lookup     InstallationLookup
	HTTPClient *http.Client
	BaseURL    string // defaults to defaultGitHubAPIBase; overridable in tests

	mu    sync.Mutex
	cache map[int64]Token
}

// NewAppProvider parses a PEM-encoded RSA private key (the GitHub App's
// key, downloaded once from the App settings page) and builds a provider.
func NewAppProvider(appID int64, pemKey []byte, lookup InstallationLookup) (*AppProvider, error) {
	key, err := parsePrivateKey(pemKey)
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	return &AppProvider{
		AppID:      appID,
		PrivateKey: key,
		Lookup:     lookup,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		cache:      make(map[int64]Token),
	}, nil
}

func parsePrivateKey(pemKey []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS8 key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

// ResolveToken returns a cached installation token if it still has margin
// left, otherwise mints a fresh one. step is accepted for interface
// symmetry with future per-step scoping (installation tokens are
// currently all-or-nothing per GitHub's API) and is not otherwise used.
func (p *AppProvider) ResolveToken(ctx context.Context, projectID string, step string) (Token, error) {
	_ = step

	installationID, err := p.Lookup.InstallationIDForProject(ctx, projectID)
	if err != nil {
		return Token{}, fmt.Errorf("resolve installation for project: %w", err)
	}

	p.mu.Lock()
	cached, ok := p.cache[installationID]
	p.mu.Unlock()
	if ok && !cached.Expired(defaultTokenMargin) {
		return cached, nil
	}

	token, err := p.requestInstallationToken(ctx, installationID)
	if err != nil {
		return Token{}, err
	}

	p.mu.Lock()
	p.cache[installationID] = token
	p.mu.Unlock()
	return token, nil
}

type installationTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

func (p *AppProvider) requestInstallationToken(ctx context.Context, installationID int64) (Token, error) {
	appJWT, err := p.signAppJWT()
	if err != nil {
		return Token{}, fmt.Errorf("sign app jwt: %w", err)
	}

	base := p.BaseURL
	if base == "" {
		base = defaultGitHubAPIBase
	}
	url := base + fmt.Sprintf(tokenRequestPathSlash, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return Token{}, fmt.Errorf("build installation token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("request installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Token{}, fmt.Errorf("installation token request failed: status %d: %s", resp.StatusCode, body)
	}

	var out installationTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Token{}, fmt.Errorf("decode installation token response: %w", err)
	}
	expiresAt, err := time.Parse(time.RFC3339, out.ExpiresAt)
	if err != nil {
		return Token{}, fmt.Errorf("parse token expiry: %w", err)
	}
	return Token{Value: out.Token, ExpiresAt: expiresAt}, nil
}

// signAppJWT builds and signs the RS256 JWT GitHub requires to mint
// installation tokens. No JWT library is wired into the dependency set
// (none of the pack's go.mod files carry one), so this builds the
// three-segment compact serialization directly against crypto/rsa —
// the same unadorned stdlib-crypto style auth/keys.go uses for bcrypt
// hashing, just with RSA instead.
func (p *AppProvider) signAppJWT() (string, error) {
	now := time.Now()
	header := map[string]string{"alg": "RS256", "typ": "JWT"}
	claims := map[string]any{
		"iat": now.Add(-30 * time.Second).Unix(),
		"exp": now.Add(appJWTTTL).Unix(),
		"iss": strconv.FormatInt(p.AppID, 10),
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	signingInput := base64URLEncode(headerJSON) + "." + base64URLEncode(claimsJSON)
	digest := sha256.Sum256([]byte(signingInput))
	signature, err := rsa.SignPKCS1v15(rand.Reader, p.PrivateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signingInput + "." + base64URLEncode(signature), nil
}

func base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
