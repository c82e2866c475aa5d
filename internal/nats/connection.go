/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package nats bridges the engine to a NATS bus: events go out as binary
// frames and control commands come in as JSON requests.
package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Connection is the subset of *nats.Conn the bridge uses
type Connection interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Close()
}

// ConnectionAdapter adapts *nats.Conn to Connection
type ConnectionAdapter struct {
	conn *nats.Conn
}

func NewConnectionAdapter(conn *nats.Conn) *ConnectionAdapter {
	return &ConnectionAdapter{conn: conn}
}

func (a *ConnectionAdapter) Publish(subject string, data []byte) error {
	return a.conn.Publish(subject, data)
}

func (a *ConnectionAdapter) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return a.conn.Subscribe(subject, cb)
}

func (a *ConnectionAdapter) Close() {
	a.conn.Close()
}

// Subject returns the bus subject for one kind of engine traffic
func Subject(engineID, kind string) string {
	return fmt.Sprintf("footstep.%s.%s", engineID, kind)
}

const (
	KindLevel     = "level"
	KindStatus    = "status"
	KindDetection = "detection"
	KindControl   = "control"
)

// Connect dials the server, retrying a fixed number of times
func Connect(url string, attempts int, delay time.Duration, logger *zap.Logger) (*ConnectionAdapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts = max(attempts, 1)

	var nc *nats.Conn
	var err error
	for i := 0; i < attempts; i++ {
		nc, err = nats.Connect(url,
			nats.Name("footstep-enhancer"),
			nats.ReconnectWait(2*time.Second),
			nats.MaxReconnects(-1),
		)
		if err == nil {
			break
		}
		logger.Warn("⚠️  Failed to connect to NATS",
			zap.Int("attempt", i+1), zap.Int("attempts", attempts), zap.Error(err))
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", attempts, err)
	}

	logger.Info("✅ Connected to NATS", zap.String("url", url))
	return NewConnectionAdapter(nc), nil
}
