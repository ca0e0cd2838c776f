package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/llnl/hubcast/internal/gitwire"
)

// WireEngine is the slice of the git smart-HTTP engine the sync
// handlers use. Tests substitute a fake.
type WireEngine interface {
	LsRemote(ctx context.Context, remoteURL string, creds *gitwire.Credentials) (map[string]string, error)
	FetchPack(ctx context.Context, remoteURL, wantSHA string, haveSHAs []string) ([]byte, error)
	SendPack(ctx context.Context, remoteURL, ref, fromSHA, toSHA string, packfile []byte, creds *gitwire.Credentials) error
}

// Syncer moves single refs between a source and a destination remote
// using differential packfiles.
type Syncer struct {
	Wire WireEngine
	Log  *slog.Logger
}

// MirrorRef brings ref on the destination to want. The destination's
// advertised refs serve as the have set, so the packfile carries only
// objects the destination is missing. Pushing an object the
// destination already holds degenerates to a bare ref update.
func (s *Syncer) MirrorRef(ctx context.Context, srcRemote, destRemote, ref, want string, creds *gitwire.Credentials) error {
	destRefs, err := s.Wire.LsRemote(ctx, destRemote, creds)
	if err != nil {
		return fmt.Errorf("ls-remote %s: %w", destRemote, err)
	}

	from := destRefs[ref]
	if from == "" {
		from = gitwire.NullSHA
	}
	if from == want {
		s.logger().Debug("ref already current", "ref", ref, "sha", want)
		return nil
	}

	haves := make([]string, 0, len(destRefs))
	seen := make(map[string]bool, len(destRefs))
	haveWant := false
	for _, sha := range destRefs {
		if sha == want {
			haveWant = true
		}
		if !seen[sha] {
			seen[sha] = true
			haves = append(haves, sha)
		}
	}

	var pack []byte
	if !haveWant {
		pack, err = s.Wire.FetchPack(ctx, srcRemote, want, haves)
		if err != nil {
			return fmt.Errorf("fetch-pack %s: %w", srcRemote, err)
		}
	}

	if err := s.Wire.SendPack(ctx, destRemote, ref, from, want, pack, creds); err != nil {
		return fmt.Errorf("send-pack %s: %w", destRemote, err)
	}

	s.logger().Info("ref mirrored", "ref", ref, "from", from, "to", want, "dest", destRemote)
	return nil
}

// DeleteRef removes ref from the destination. A ref that is already
// gone is not an error.
func (s *Syncer) DeleteRef(ctx context.Context, destRemote, ref string, creds *gitwire.Credentials) error {
	destRefs, err := s.Wire.LsRemote(ctx, destRemote, creds)
	if err != nil {
		return fmt.Errorf("ls-remote %s: %w", destRemote, err)
	}

	from, ok := destRefs[ref]
	if !ok {
		return nil
	}

	if err := s.Wire.SendPack(ctx, destRemote, ref, from, gitwire.NullSHA, nil, creds); err != nil {
		return fmt.Errorf("send-pack %s: %w", destRemote, err)
	}

	s.logger().Info("ref deleted", "ref", ref, "dest", destRemote)
	return nil
}

func (s *Syncer) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
