// Package forge holds the REST clients and authenticators for the
// source forge (GitHub or GitLab) and the destination GitLab instance.
//
// Clients are cheap per-event values created from long-lived factories:
// a source client is scoped to one repository, a destination client to
// one resolved user. Authenticators own the token caches and are shared
// across all clients of a factory.
package forge

import (
	"context"
	"errors"
)

// ErrNotFound is returned for 404s and failed user resolutions.
var ErrNotFound = errors.New("not found")

// ErrUnauthorized is returned when the forge refuses our credentials,
// for example an admin token missing the api scope.
var ErrUnauthorized = errors.New("unauthorized")

// SourceClient is the surface the destination-side status relay needs
// from either source forge.
type SourceClient interface {
	// SetCheckStatus reflects a destination pipeline status onto the
	// source commit, translating to the forge's check vocabulary.
	SetCheckStatus(ctx context.Context, sha, checkName, pipelineStatus, detailsURL string) error
}
