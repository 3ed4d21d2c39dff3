package shutdown

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToken(t *testing.T) {
	mine := NewToken()
	theirs := NewToken()

	assert.True(t, mine.Matches(string(mine.Message())))
	assert.False(t, mine.Matches(string(theirs.Message())))
	assert.False(t, mine.Matches("exit_"))
	assert.False(t, Token{}.Matches("exit_"))

	assert.Equal(t, "exit_abc", string(TokenFromSecret("abc").Message()))
}

type recordingPublisher struct {
	channels []string
	payloads []string
	onPublish func()
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, message []byte) (int64, error) {
	p.channels = append(p.channels, channel)
	p.payloads = append(p.payloads, string(message))
	if p.onPublish != nil {
		p.onPublish()
	}
	return 1, nil
}

func TestBroadcast(t *testing.T) {
	token := TokenFromSecret("s1")
	done := make(chan struct{})

	pub := &recordingPublisher{}
	pub.onPublish = func() {
		if len(pub.payloads) == 2 {
			close(done)
		}
	}

	require.NoError(t, Broadcast(context.Background(), pub, token, done))
	assert.Equal(t, []string{"shutdown", "shutdown"}, pub.channels)
	assert.Equal(t, []string{"exit_s1", "exit_s1"}, pub.payloads)
}

func TestBroadcast_ContextDone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := Broadcast(ctx, &recordingPublisher{}, NewToken(), make(chan struct{}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
