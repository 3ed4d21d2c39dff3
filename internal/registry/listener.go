package registry

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ChuLiYu/beaver-relay/internal/metrics"
	"github.com/ChuLiYu/beaver-relay/internal/shutdown"
	"github.com/ChuLiYu/beaver-relay/internal/store"
	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

// ErrSubscriptionClosed is returned by a listener whose subscription ended under it.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Listener consumes announcements from the registration channel.
//
//	LISTENING --valid announcement--> register --> LISTENING
//	LISTENING --own shutdown message--> TERMINATED
//
// Shutdown messages carrying another listener's secret are ignored.
type Listener struct {
	registry *Registry
	store    *store.Store
	channels *ChannelSet
	token    shutdown.Token
	metrics  *metrics.Collector
	log      *slog.Logger

	done chan struct{}
}

// NewListener creates a listener that registers announced services in registry
// and adds their channels to channels.
func NewListener(registry *Registry, channels *ChannelSet, opts ...Option) *Listener {
	o := newOptions(opts)
	return &Listener{
		registry: registry,
		store:    registry.store,
		channels: channels,
		token:    shutdown.NewToken(),
		metrics:  o.metrics,
		log:      o.logger.With("component", "registration-listener"),
		done:     make(chan struct{}),
	}
}

// Run listens until the listener's own shutdown message arrives or ctx ends.
// It can be run once.
func (l *Listener) Run(ctx context.Context) error {
	defer close(l.done)

	sub, err := l.store.Subscribe(ctx, types.RegistrationChannel, types.ShutdownChannel)
	if err != nil {
		return err
	}
	defer sub.Close()

	l.log.Info("Registration listener started")
	for {
		select {
		case <-ctx.Done():
			l.log.Info("Registration listener stopped", "reason", ctx.Err())
			return nil

		case msg, ok := <-sub.Messages():
			if !ok {
				return ErrSubscriptionClosed
			}

			switch msg.Channel {
			case types.ShutdownChannel:
				if l.token.Matches(msg.Payload) {
					l.log.Info("Registration listener stopped")
					return nil
				}
				l.log.Debug("Ignoring shutdown message of another listener")

			case types.RegistrationChannel:
				l.Handle(ctx, []byte(msg.Payload))
			}
		}
	}
}

// Handle processes one announcement. Invalid announcements are logged and dropped.
func (l *Listener) Handle(ctx context.Context, payload []byte) {
	announcement, err := types.DecodeAnnouncement(payload)
	if err == nil {
		err = announcement.Validate()
	}
	if err != nil {
		l.log.Warn("Rejected registration announcement", "error", err)
		l.metrics.RecordRegistration(metrics.ResultRejected)
		return
	}

	reg := announcement.Registration()
	if err := l.registry.Register(ctx, reg); err != nil {
		l.log.Warn("Registration failed", "service", reg.Name, "error", err)
		l.metrics.RecordRegistration(metrics.ResultFailed)
		return
	}

	l.channels.Add(reg.Channel)
	l.metrics.RecordRegistration(metrics.ResultAccepted)
	l.log.Debug("Service registered", "service", reg.Name, "channel", reg.Channel, "version", reg.Version)
}

// Stop broadcasts the listener's shutdown message and waits until Run returned.
func (l *Listener) Stop(ctx context.Context) error {
	return shutdown.Broadcast(ctx, l.store, l.token, l.done)
}

// Done is closed when Run returned.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}
