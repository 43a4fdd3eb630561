// Package messaging connects the chat transports to the check-in dialogue.
//
// A Service delivers messages over one transport and exposes inbound responses and
// delivery receipts as channels. The ResponseHandler routes responses to hooks, and the
// ChatHook drives check-in sessions from those responses.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
	"github.com/BTreeMap/CheckinPipe/internal/phone"
)

const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an inbound event waits for a full channel
	DefaultChannelTimeout = 1 * time.Second
	// minRecipientDigits is the shortest phone number a transport accepts.
	minRecipientDigits = 6
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service defines a pluggable message delivery abstraction.
// It supports sending messages, and provides channels for receipt and response events.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Returns the canonicalized recipient and an error if validation fails.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// SendMedia sends body together with one image.
	SendMedia(ctx context.Context, to string, body string, mediaURL string) error

	// Start begins any background processing (e.g., event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of incoming respondent messages.
	Responses() <-chan models.Response
}

// canonicalRecipient returns recipient in stored phone form.
func canonicalRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phone.Canonical(recipient)
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < minRecipientDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, minRecipientDigits)
	}
	return canonical, nil
}

// emit offers v to ch without blocking sends. It reports whether v was accepted.
func emit[T any](ch chan T, v T, wait time.Duration) bool {
	if wait <= 0 {
		select {
		case ch <- v:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ch <- v:
		return true
	case <-timer.C:
		return false
	}
}
