// Package event turns raw webhook HTTP requests into verified events.
//
// Construction is the trust boundary: signature verification runs before
// the payload is ever consulted, and a verification failure means no
// Event exists at all.
package event

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrSignature is returned when a webhook fails signature or token
// verification.
var ErrSignature = errors.New("webhook signature verification failed")

// Event is an immutable webhook event.
type Event struct {
	// Kind is the event type: the X-GitHub-Event or X-Gitlab-Event value.
	Kind string

	// DeliveryID identifies the delivery for log correlation. May be empty
	// for GitLab instances that omit X-Gitlab-Event-UUID.
	DeliveryID string

	// Payload is the raw JSON body, already verified.
	Payload []byte
}

// Get returns the value at a gjson path within the payload.
func (e *Event) Get(path string) gjson.Result {
	return gjson.GetBytes(e.Payload, path)
}

// ObjectAttributes returns the object_attributes mapping present on
// certain GitLab events, or a non-existent result.
func (e *Event) ObjectAttributes() gjson.Result {
	return e.Get("object_attributes")
}

// FromGitHub constructs an event from GitHub webhook headers and body,
// verifying the X-Hub-Signature-256 HMAC against secret.
func FromGitHub(header http.Header, body []byte, secret string) (*Event, error) {
	kind := header.Get("X-GitHub-Event")
	if kind == "" {
		return nil, errors.New("missing X-GitHub-Event header")
	}

	if err := verifyHMAC(body, header.Get("X-Hub-Signature-256"), secret); err != nil {
		return nil, err
	}

	if !gjson.ValidBytes(body) {
		return nil, errors.New("payload is not valid JSON")
	}

	return &Event{
		Kind:       kind,
		DeliveryID: header.Get("X-GitHub-Delivery"),
		Payload:    body,
	}, nil
}

// FromGitLab constructs an event from GitLab webhook headers and body.
// GitLab sends the shared secret verbatim in X-Gitlab-Token rather than
// an HMAC; equality is checked in constant time.
func FromGitLab(header http.Header, body []byte, secret string) (*Event, error) {
	kind := header.Get("X-Gitlab-Event")
	if kind == "" {
		return nil, errors.New("missing X-Gitlab-Event header")
	}

	if secret != "" {
		token := header.Get("X-Gitlab-Token")
		if subtleEqual(token, secret) != 1 {
			return nil, ErrSignature
		}
	}

	if !gjson.ValidBytes(body) {
		return nil, errors.New("payload is not valid JSON")
	}

	return &Event{
		Kind:       kind,
		DeliveryID: header.Get("X-Gitlab-Event-UUID"),
		Payload:    body,
	}, nil
}

func verifyHMAC(body []byte, signature, secret string) error {
	if secret == "" {
		return nil
	}
	if signature == "" {
		return fmt.Errorf("%w: missing signature header", ErrSignature)
	}
	if !strings.HasPrefix(signature, "sha256=") {
		return fmt.Errorf("%w: invalid signature format", ErrSignature)
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return fmt.Errorf("%w: invalid signature encoding", ErrSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return fmt.Errorf("%w: signature mismatch", ErrSignature)
	}
	return nil
}

func subtleEqual(a, b string) int {
	if hmac.Equal([]byte(a), []byte(b)) {
		return 1
	}
	return 0
}
