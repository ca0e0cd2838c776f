package forge

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/llnl/hubcast/internal/tokencache"
)

// jwtLifetime is fixed by GitHub; app JWTs cannot live longer.
const jwtLifetime = 10 * time.Minute

// GitHubAuthenticator mints app JWTs and exchanges them for short-lived
// installation tokens. Installation ids are memoized per repository,
// tokens cached until their GitHub-reported expiry.
type GitHubAuthenticator struct {
	// APIBaseURL defaults to the public GitHub API.
	APIBaseURL string

	// Client overrides the default HTTP client, mainly for tests.
	Client *http.Client

	appID      string
	requester  string
	privateKey *rsa.PrivateKey

	tokens *tokencache.Cache

	mu         sync.Mutex
	installIDs map[string]int64 // "owner/repo" -> installation id
}

// NewGitHubAuthenticator parses the PEM private key and returns an
// authenticator for the app. A bad key is a permanent failure.
func NewGitHubAuthenticator(appID, privateKeyPEM, requester string) (*GitHubAuthenticator, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("github app %s: failed to parse PEM block", appID)
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		keyInterface, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("github app %s: parse private key: %w", appID, err)
		}
		var ok bool
		key, ok = keyInterface.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("github app %s: private key is not RSA", appID)
		}
	}

	return &GitHubAuthenticator{
		APIBaseURL: "https://api.github.com",
		appID:      appID,
		requester:  requester,
		privateKey: key,
		tokens:     tokencache.New(),
		installIDs: make(map[string]int64),
	}, nil
}

// JWT returns a cached app JWT, signing a fresh one when needed.
func (a *GitHubAuthenticator) JWT(ctx context.Context) (string, error) {
	return a.tokens.Get(ctx, "jwt", func(ctx context.Context) (time.Time, string, error) {
		now := time.Now()
		claims := jwt.MapClaims{
			"iat": now.Add(-60 * time.Second).Unix(), // allow for clock drift
			"exp": now.Add(jwtLifetime).Unix(),
			"iss": a.appID,
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.privateKey)
		if err != nil {
			return time.Time{}, "", fmt.Errorf("sign app JWT: %w", err)
		}
		return now.Add(jwtLifetime), signed, nil
	}, 0)
}

// InstallationID resolves the app installation covering owner/repo,
// memoizing the answer for the process lifetime.
func (a *GitHubAuthenticator) InstallationID(ctx context.Context, owner, repo string) (int64, error) {
	key := owner + "/" + repo

	a.mu.Lock()
	id, ok := a.installIDs[key]
	a.mu.Unlock()
	if ok {
		return id, nil
	}

	appJWT, err := a.JWT(ctx)
	if err != nil {
		return 0, err
	}

	url := fmt.Sprintf("%s/repos/%s/%s/installation", a.APIBaseURL, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", a.requester)

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return 0, fmt.Errorf("get installation for %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("no app installation for %s: %w", key, ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("get installation for %s: %s - %s", key, resp.Status, string(body))
	}

	var result struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("get installation for %s: decode response: %w", key, err)
	}

	a.mu.Lock()
	a.installIDs[key] = result.ID
	a.mu.Unlock()

	return result.ID, nil
}

// AuthenticateInstallation returns an installation access token for the
// repository, minting one through the app JWT when the cached token is
// near expiry.
func (a *GitHubAuthenticator) AuthenticateInstallation(ctx context.Context, owner, repo string) (string, error) {
	id, err := a.InstallationID(ctx, owner, repo)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("installation:%d", id)
	return a.tokens.Get(ctx, name, func(ctx context.Context) (time.Time, string, error) {
		return a.mintInstallationToken(ctx, id)
	}, 0)
}

func (a *GitHubAuthenticator) mintInstallationToken(ctx context.Context, installationID int64) (time.Time, string, error) {
	appJWT, err := a.JWT(ctx)
	if err != nil {
		return time.Time{}, "", err
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.APIBaseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return time.Time{}, "", err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github.machine-man-preview+json")
	req.Header.Set("User-Agent", a.requester)

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("mint installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return time.Time{}, "", fmt.Errorf("mint installation token: %s - %s", resp.Status, string(body))
	}

	var result struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return time.Time{}, "", fmt.Errorf("mint installation token: decode response: %w", err)
	}

	expires, err := parseISOTime(result.ExpiresAt)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("mint installation token: %w", err)
	}
	return expires, result.Token, nil
}

// parseISOTime converts a UTC ISO-8601 timestamp ending in Z to a
// time.Time. Non-UTC timestamps are rejected.
func parseISOTime(s string) (time.Time, error) {
	if !strings.HasSuffix(s, "Z") {
		return time.Time{}, fmt.Errorf("timestamp %q is not UTC", s)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func (a *GitHubAuthenticator) httpClient() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}
