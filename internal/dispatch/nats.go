package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"lolbin-sentinel/internal/alertstore"
)

// NATSChannel publishes alerts as JSON onto a NATS subject, for downstream
// consumers like SOAR pipelines.
type NATSChannel struct {
	conn    *nats.Conn
	subject string
}

// NewNATSChannel connects to the given NATS URL.
func NewNATSChannel(url, subject string) (*NATSChannel, error) {
	conn, err := nats.Connect(url,
		nats.Name("lolbin-sentinel"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSChannel{conn: conn, subject: subject}, nil
}

func (n *NATSChannel) Name() string {
	return "nats"
}

func (n *NATSChannel) Send(ctx context.Context, alert *alertstore.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}

	// Publish is buffered; flush so delivery failures surface here.
	if deadline, ok := ctx.Deadline(); ok {
		return n.conn.FlushTimeout(time.Until(deadline))
	}
	return n.conn.Flush()
}

// Close drains the connection.
func (n *NATSChannel) Close() {
	n.conn.Close()
}
