// Package accountmap translates source-forge identities into
// destination usernames.
//
// Implementations are single-value lookups selected at bootstrap; only
// the file variant may fail at construction time (and does so fatally).
package accountmap

import "context"

// Map resolves a source identity to a destination username.
//
// ok reports whether a mapping exists; a missing mapping is benign and
// the caller skips the event. err is reserved for lookup-transport
// failures the caller should surface as a handler error.
type Map interface {
	Lookup(ctx context.Context, srcUser string) (destUser string, ok bool, err error)
}
