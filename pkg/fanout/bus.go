// Package fanout carries room-addressed envelopes between realtime processes.
//
// Only envelopes cross the process boundary; room membership never does. Each
// process subscribes to the shared channel and delivers what it receives to its
// own local members. Delivery is best-effort: no acknowledgment, no retry, no
// ordering across publishers.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/example/margwa-realtime/pkg/events"
)

var (
	// ErrBusUnavailable wraps every transport failure of the shared channel.
	ErrBusUnavailable = errors.New("fanout bus unavailable")
	// ErrQueueFull is returned when the async publish queue cannot take another envelope.
	ErrQueueFull = errors.New("fanout publish queue full")
	// ErrClosed is returned by publishes after Close.
	ErrClosed = errors.New("fanout publisher closed")
)

// DefaultSubject is the NATS subject / Redis channel shared by every process.
const DefaultSubject = "margwa.realtime.fanout"

// Handler receives envelopes from the bus. Calls for one subscription are
// serialized.
type Handler func(ctx context.Context, env events.Envelope)

// Bus is a shared publish/subscribe channel.
type Bus interface {
	// Publish sends one envelope. It does not wait for any subscriber.
	Publish(ctx context.Context, env events.Envelope) error
	// Subscribe registers h until ctx is done or the bus is closed. It returns
	// once the subscription is established.
	Subscribe(ctx context.Context, h Handler) error
	// Connected reports whether the transport is currently usable.
	Connected() bool
	// Name identifies the transport in logs and health output.
	Name() string
	Close() error
}

// Options configure Open.
type Options struct {
	Subject    string
	ClientName string
	NATSUser   string
	NATSPass   string
	Logger     *slog.Logger
}

// Open connects to the bus named by rawURL. Supported schemes are nats, tls,
// redis, rediss and memory.
func Open(ctx context.Context, rawURL string, opts Options) (Bus, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse fanout url: %w", err)
	}
	if opts.Subject == "" {
		opts.Subject = DefaultSubject
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch u.Scheme {
	case "nats", "tls":
		natsOpts := []nats.Option{
			nats.Name(opts.ClientName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2 * time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
			}),
		}
		if opts.NATSUser != "" {
			natsOpts = append(natsOpts, nats.UserInfo(opts.NATSUser, opts.NATSPass))
		}
		nc, err := nats.Connect(rawURL, natsOpts...)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBusUnavailable, err)
		}
		return NewNATSBus(nc, opts.Subject, logger), nil

	case "redis", "rediss":
		redisOpts, err := redis.ParseURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisOpts.ClientName = opts.ClientName
		rdb := redis.NewClient(redisOpts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("%w: %w", ErrBusUnavailable, err)
		}
		return NewRedisBus(rdb, opts.Subject, logger), nil

	case "memory":
		return NewMemoryBus(logger), nil

	default:
		return nil, fmt.Errorf("unsupported fanout scheme %q", u.Scheme)
	}
}
