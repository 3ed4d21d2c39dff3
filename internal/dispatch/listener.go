package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/beaver-relay/internal/registry"
	"github.com/ChuLiYu/beaver-relay/internal/shutdown"
	"github.com/ChuLiYu/beaver-relay/internal/store"
	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

// ErrSubscriptionClosed is returned when the subscription ended under the listener.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Listener is the processing listener: it receives response notifications on
// every live service channel and hands each to the dispatcher on its own goroutine.
//
// Messages from channels outside the working set, and anything that is not a
// well-formed response notification, are dropped. Only the listener's own
// shutdown message stops it.
type Listener struct {
	store      *store.Store
	channels   *registry.ChannelSet
	dispatcher *Dispatcher
	token      shutdown.Token
	log        *slog.Logger

	mu    sync.Mutex
	sub   *store.Subscription
	done  chan struct{}
	tasks sync.WaitGroup
}

// NewListener creates a processing listener. channels is the working set kept
// by the registration listener and the watchdog.
func NewListener(st *store.Store, channels *registry.ChannelSet, dispatcher *Dispatcher, opts ...Option) *Listener {
	o := newOptions(opts)
	return &Listener{
		store:      st,
		channels:   channels,
		dispatcher: dispatcher,
		token:      shutdown.NewToken(),
		log:        o.logger.With("component", "processing-listener"),
		done:       make(chan struct{}),
	}
}

// Run listens until the listener's own shutdown message arrives or ctx ends.
// In-flight dispatches are cancelled and waited for before Run returns.
// It can be run once.
func (l *Listener) Run(ctx context.Context) error {
	defer close(l.done)

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		l.tasks.Wait()
	}()

	sub, err := l.store.Subscribe(ctx, append([]string{types.ShutdownChannel}, l.channels.List()...)...)
	if err != nil {
		return err
	}
	defer sub.Close()

	l.mu.Lock()
	l.sub = sub
	l.mu.Unlock()

	l.log.Info("Processing listener started", "channels", sub.Count()-1)
	for {
		select {
		case <-ctx.Done():
			l.log.Info("Processing listener stopped", "reason", ctx.Err())
			return nil

		case msg, ok := <-sub.Messages():
			if !ok {
				return ErrSubscriptionClosed
			}

			if msg.Channel == types.ShutdownChannel {
				if l.token.Matches(msg.Payload) {
					l.log.Info("Processing listener stopped")
					return nil
				}
				l.log.Debug("Ignoring shutdown message of another listener")
				continue
			}
			if !l.channels.Contains(msg.Channel) {
				continue
			}

			n, err := types.DecodeNotification([]byte(msg.Payload), types.JobTypeResponse)
			if err != nil {
				continue
			}

			l.tasks.Add(1)
			go func() {
				defer l.tasks.Done()
				_ = l.dispatcher.Dispatch(ctx, n)
			}()
		}
	}
}

// Subscribe adds channels to a running listener. Before Run subscribed it is a no-op.
func (l *Listener) Subscribe(ctx context.Context, channels ...string) error {
	l.mu.Lock()
	sub := l.sub
	l.mu.Unlock()

	if sub == nil {
		return nil
	}
	select {
	case <-l.done:
		return nil
	default:
	}
	return sub.Add(ctx, channels...)
}

// Channels returns the subscribed service channels.
func (l *Listener) Channels() []string {
	l.mu.Lock()
	sub := l.sub
	l.mu.Unlock()

	if sub == nil {
		return nil
	}
	out := make([]string, 0, sub.Count())
	for _, ch := range sub.Channels() {
		if ch != types.ShutdownChannel {
			out = append(out, ch)
		}
	}
	return out
}

// Stop broadcasts the listener's shutdown message and waits until Run returned.
func (l *Listener) Stop(ctx context.Context) error {
	return shutdown.Broadcast(ctx, l.store, l.token, l.done)
}

// Done is closed when Run returned.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}
