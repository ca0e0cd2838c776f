package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/llnl/hubcast/internal/forge"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	return string(pem.EncodeToMemory(block))
}

// newTestDestFactory builds a destination factory against a stub with
// direct admin-token auth, skipping the impersonation round trips.
func newTestDestFactory(srv *httptest.Server) *forge.GitLabDestClientFactory {
	return &forge.GitLabDestClientFactory{
		InstanceURL:   srv.URL,
		Auth:          forge.NewGitLabAuthenticator(srv.URL, "admin-token", "personal"),
		Requester:     "hubcast-test",
		CallbackURL:   "https://hubcast.example.com/v1/events/dest/gitlab",
		WebhookSecret: "dest-secret",
		Client:        srv.Client(),
	}
}
