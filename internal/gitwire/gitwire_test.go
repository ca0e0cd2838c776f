package gitwire

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const flushPkt = "0000"

// pkt frames one pkt-line the way the smart HTTP protocol expects.
func pkt(s string) string {
	return fmt.Sprintf("%04x", len(s)+4) + s
}

func TestNullSHA(t *testing.T) {
	if len(NullSHA) != 40 {
		t.Fatalf("NullSHA length = %d, want 40", len(NullSHA))
	}
	for _, c := range NullSHA {
		if c != '0' {
			t.Fatalf("NullSHA contains %q, want all zeros", c)
		}
	}
}

func TestCredentialsAuthMethod(t *testing.T) {
	var nilCreds *Credentials
	if m := nilCreds.authMethod(); m != nil {
		t.Errorf("nil credentials auth = %v, want nil", m)
	}

	c := &Credentials{Username: "alice", Password: "tok"}
	m := c.authMethod()
	if m == nil {
		t.Fatal("auth method is nil for non-nil credentials")
	}
	if m.Name() != "http-basic-auth" {
		t.Errorf("auth name = %q, want http-basic-auth", m.Name())
	}
}

func TestLsRemoteRejectsUnsupportedScheme(t *testing.T) {
	var e Engine
	if _, err := e.LsRemote(context.Background(), "gopher://host/repo.git", nil); err == nil {
		t.Error("expected error for unsupported URL scheme")
	}
}

func TestSendPackRejectsUnsupportedScheme(t *testing.T) {
	var e Engine
	err := e.SendPack(context.Background(), "gopher://host/repo.git",
		"refs/heads/main", NullSHA, NullSHA, nil, nil)
	if err == nil {
		t.Error("expected error for unsupported URL scheme")
	}
}

func TestLsRemoteEmptyRepository(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repo.git/info/refs" || r.URL.Query().Get("service") != "git-upload-pack" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
			http.NotFound(w, r)
			return
		}
		// An empty repository advertises nothing between the service
		// header and the terminating flush.
		w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
		io.WriteString(w, pkt("# service=git-upload-pack\n")+flushPkt+flushPkt)
	}))
	defer srv.Close()

	var e Engine
	refs, err := e.LsRemote(context.Background(), srv.URL+"/repo.git", nil)
	if err != nil {
		t.Fatalf("LsRemote: %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("refs = %v, want empty map", refs)
	}
}

func TestLsRemoteAdvertisedRefs(t *testing.T) {
	sha := strings.Repeat("a", 40)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
		io.WriteString(w, pkt("# service=git-upload-pack\n")+flushPkt+
			pkt(sha+" refs/heads/main\x00agent=stub\n")+flushPkt)
	}))
	defer srv.Close()

	var e Engine
	refs, err := e.LsRemote(context.Background(), srv.URL+"/repo.git", nil)
	if err != nil {
		t.Fatalf("LsRemote: %v", err)
	}
	if refs["refs/heads/main"] != sha {
		t.Errorf("refs = %v, want refs/heads/main at %s", refs, sha)
	}
}

func TestSendPackRefRejected(t *testing.T) {
	oldSHA := strings.Repeat("a", 40)
	newSHA := strings.Repeat("b", 40)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repo.git/info/refs":
			w.Header().Set("Content-Type", "application/x-git-receive-pack-advertisement")
			io.WriteString(w, pkt("# service=git-receive-pack\n")+flushPkt+
				pkt(oldSHA+" refs/heads/main\x00report-status agent=stub\n")+flushPkt)
		case r.Method == http.MethodPost && r.URL.Path == "/repo.git/git-receive-pack":
			io.Copy(io.Discard, r.Body)
			w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
			io.WriteString(w, pkt("unpack ok\n")+
				pkt("ng refs/heads/main non-fast-forward\n")+flushPkt)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	var e Engine
	err := e.SendPack(context.Background(), srv.URL+"/repo.git",
		"refs/heads/main", oldSHA, newSHA, nil, nil)
	if err == nil {
		t.Fatal("expected error for rejected ref update")
	}
	if !strings.Contains(err.Error(), "non-fast-forward") {
		t.Errorf("error = %v, want the rejection reason from the report", err)
	}
}
