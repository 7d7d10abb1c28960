package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lllypuk/eventflow/internal/application/appcore"
)

const defaultNATSSubject = "eventflow.commits"

// ConnectNATS dials url with reconnect handling that logs through logger.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name("eventflow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", slog.String("error", err.Error()))
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// NATSNotifier publishes commits on a core NATS subject.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATSNotifier creates a notifier on conn. Empty subject uses the default.
func NewNATSNotifier(conn *nats.Conn, subject string, logger *slog.Logger) *NATSNotifier {
	if subject == "" {
		subject = defaultNATSSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSNotifier{conn: conn, subject: subject, logger: logger}
}

// Publish announces c on the subject.
func (n *NATSNotifier) Publish(_ context.Context, c appcore.Commit) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal commit: %w", err)
	}
	if err = n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish commit: %w", err)
	}
	return nil
}

// Subscribe listens on the subject until ctx is done.
func (n *NATSNotifier) Subscribe(ctx context.Context) (<-chan appcore.Commit, error) {
	msgs := make(chan *nats.Msg, subscriberBuffer)
	sub, err := n.conn.ChanSubscribe(n.subject, msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", n.subject, err)
	}
	if err = n.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}

	out := make(chan appcore.Commit, subscriberBuffer)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				if errUnsub := sub.Unsubscribe(); errUnsub != nil {
					n.logger.Warn("failed to unsubscribe", slog.String("error", errUnsub.Error()))
				}
				return
			case msg := <-msgs:
				var c appcore.Commit
				if errDecode := json.Unmarshal(msg.Data, &c); errDecode != nil {
					n.logger.WarnContext(ctx, "failed to unmarshal commit",
						slog.String("subject", msg.Subject),
						slog.String("error", errDecode.Error()),
					)
					continue
				}
				offer(out, c)
			}
		}
	}()
	return out, nil
}
