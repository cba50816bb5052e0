package infra

import (
	"fmt"

	"github.com/nats-io/nats.go"
)

// NewNATSConn connects to the lifecycle event bus. Like Redis it is optional:
// an empty NATS_URL yields a nil connection.
func NewNATSConn(cfg *Config) (*nats.Conn, error) {
	if cfg == nil || cfg.NATSURL == "" {
		return nil, nil
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("genstudio-api"),
		nats.MaxReconnects(10),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return nc, nil
}
