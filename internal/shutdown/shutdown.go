// Package shutdown implements the shutdown broadcast of listeners.
//
// Every listener owns a private secret. Stopping a listener from outside means
// publishing "exit_<secret>" on the shutdown channel; a listener ignores a
// shutdown message carrying any other secret, so one process cannot stop a
// listener it does not own.
package shutdown

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

const messagePrefix = "exit_"

// RepublishInterval is how often Broadcast repeats the message while the listener runs.
const RepublishInterval = 100 * time.Millisecond

// Token is the shutdown secret of one listener.
type Token struct {
	secret string
}

// NewToken generates a random secret.
func NewToken() Token {
	return Token{secret: uuid.Must(uuid.NewV4()).String()}
}

// TokenFromSecret wraps a known secret.
func TokenFromSecret(secret string) Token {
	return Token{secret: secret}
}

// Message is the payload that stops the owning listener.
func (t Token) Message() []byte {
	return []byte(messagePrefix + t.secret)
}

// Matches reports whether payload stops the owning listener.
func (t Token) Matches(payload string) bool {
	return t.secret != "" && payload == messagePrefix+t.secret
}

// Publisher sends pub/sub messages.
type Publisher interface {
	Publish(ctx context.Context, channel string, message []byte) (int64, error)
}

// Broadcast publishes the token's message on the shutdown channel until done is
// closed or ctx ends. The message is repeated because a listener that has not
// finished subscribing would miss a single publish.
func Broadcast(ctx context.Context, pub Publisher, token Token, done <-chan struct{}) error {
	ticker := time.NewTicker(RepublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil
		default:
		}

		if _, err := pub.Publish(ctx, types.ShutdownChannel, token.Message()); err != nil {
			return err
		}

		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
