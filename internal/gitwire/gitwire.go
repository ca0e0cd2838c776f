// Package gitwire speaks the git smart HTTP protocol directly.
//
// It exposes the three wire operations the sync handlers need
// (ls-remote, fetch-pack, send-pack) on top of go-git's transport
// layer, without shelling out to a git binary and without keeping any
// local repository state. Each call opens its own session, so the
// operations are safe to run concurrently.
package gitwire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/transport"
	transportclient "github.com/go-git/go-git/v5/plumbing/transport/client"
	transporthttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// NullSHA is the all-zero object id denoting an absent ref: the old
// side of a create and the new side of a delete.
const NullSHA = "0000000000000000000000000000000000000000"

// Credentials are opaque basic-auth values supplied by the handlers.
// A nil *Credentials means anonymous access.
type Credentials struct {
	Username string
	Password string
}

func (c *Credentials) authMethod() transport.AuthMethod {
	if c == nil {
		return nil
	}
	return &transporthttp.BasicAuth{Username: c.Username, Password: c.Password}
}

// Engine performs git wire operations against remote URLs. Engine is
// stateless; the zero value is ready to use.
type Engine struct{}

// LsRemote returns the remote's advertised refs as a map from
// fully-qualified ref name to 40-hex object id. An empty repository
// yields an empty map.
func (Engine) LsRemote(ctx context.Context, remoteURL string, creds *Credentials) (map[string]string, error) {
	sess, err := uploadPackSession(remoteURL, creds)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	adv, err := sess.AdvertisedReferencesContext(ctx)
	if err != nil {
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("ls-remote %s: %w", remoteURL, err)
	}

	refs := make(map[string]string, len(adv.References))
	for name, hash := range adv.References {
		refs[name] = hash.String()
	}
	return refs, nil
}

// FetchPack negotiates a differential packfile: a single want against
// the set of haves. Returns the raw pack bytes.
func (Engine) FetchPack(ctx context.Context, remoteURL, wantSHA string, haveSHAs []string) ([]byte, error) {
	sess, err := uploadPackSession(remoteURL, nil)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	adv, err := sess.AdvertisedReferencesContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch-pack %s: %w", remoteURL, err)
	}

	req := packp.NewUploadPackRequestFromCapabilities(adv.Capabilities)
	req.Wants = []plumbing.Hash{plumbing.NewHash(wantSHA)}
	for _, sha := range haveSHAs {
		req.Haves = append(req.Haves, plumbing.NewHash(sha))
	}

	resp, err := sess.UploadPack(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch-pack %s: %w", remoteURL, err)
	}
	defer resp.Close()

	pack, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("fetch-pack %s: read packfile: %w", remoteURL, err)
	}
	return pack, nil
}

// SendPack sends a single ref update command followed by the packfile.
// A delete (toSHA == NullSHA) carries no packfile. Any "ng" in the
// receive-pack report surfaces as an error.
func (Engine) SendPack(ctx context.Context, remoteURL, ref, fromSHA, toSHA string, packfile []byte, c *Credentials) error {
	ep, err := transport.NewEndpoint(remoteURL)
	if err != nil {
		return fmt.Errorf("send-pack %s: %w", remoteURL, err)
	}
	cli, err := transportclient.NewClient(ep)
	if err != nil {
		return fmt.Errorf("send-pack %s: %w", remoteURL, err)
	}
	sess, err := cli.NewReceivePackSession(ep, c.authMethod())
	if err != nil {
		return fmt.Errorf("send-pack %s: %w", remoteURL, err)
	}
	defer sess.Close()

	req := packp.NewReferenceUpdateRequest()
	if adv, err := sess.AdvertisedReferencesContext(ctx); err == nil {
		req = packp.NewReferenceUpdateRequestFromCapabilities(adv.Capabilities)
	} else if !errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return fmt.Errorf("send-pack %s: %w", remoteURL, err)
	}

	req.Commands = []*packp.Command{
		{
			Name: plumbing.ReferenceName(ref),
			Old:  plumbing.NewHash(fromSHA),
			New:  plumbing.NewHash(toSHA),
		},
	}
	if len(packfile) > 0 {
		req.Packfile = io.NopCloser(bytes.NewReader(packfile))
	}

	report, err := sess.ReceivePack(ctx, req)
	if err != nil {
		return fmt.Errorf("send-pack %s: %w", remoteURL, err)
	}
	if report != nil {
		if err := report.Error(); err != nil {
			return fmt.Errorf("send-pack %s: ref update rejected: %w", remoteURL, err)
		}
	}
	return nil
}

func uploadPackSession(remoteURL string, c *Credentials) (transport.UploadPackSession, error) {
	ep, err := transport.NewEndpoint(remoteURL)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint %s: %w", remoteURL, err)
	}
	cli, err := transportclient.NewClient(ep)
	if err != nil {
		return nil, fmt.Errorf("creating transport for %s: %w", remoteURL, err)
	}
	sess, err := cli.NewUploadPackSession(ep, c.authMethod())
	if err != nil {
		return nil, fmt.Errorf("opening session for %s: %w", remoteURL, err)
	}
	return sess, nil
}
