package rabbitmq

import (
	"context"
	"errors"
)

// ConnectionState is implemented by *amqp.Connection.
type ConnectionState interface {
	IsClosed() bool
}

// HealthCheck implements ports.HealthChecker for the broker connection.
type HealthCheck struct {
	conn ConnectionState
}

func NewHealthCheck(conn ConnectionState) *HealthCheck {
	return &HealthCheck{conn: conn}
}

func (h *HealthCheck) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.conn == nil || h.conn.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	return nil
}

func (h *HealthCheck) Name() string {
	return "rabbitmq"
}
