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

package nats

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/loqalabs/footstep-enhancer/internal/engine"
	"github.com/loqalabs/footstep-enhancer/internal/transport"
)

// Monitor subscribes to a remote engine's events and replays them into a
// local Listener
type Monitor struct {
	conn     Connection
	engineID string
	listener engine.Listener
	logger   *zap.Logger
	subs     []*nats.Subscription
}

func NewMonitor(conn Connection, engineID string, listener engine.Listener, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		conn:     conn,
		engineID: engineID,
		listener: listener,
		logger:   logger,
	}
}

// Start subscribes to the level, status and detection subjects
func (m *Monitor) Start() error {
	for _, kind := range []string{KindLevel, KindStatus, KindDetection} {
		subject := Subject(m.engineID, kind)
		sub, err := m.conn.Subscribe(subject, m.handleEvent)
		if err != nil {
			m.Close()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		m.subs = append(m.subs, sub)
	}
	return nil
}

// Close drops every subscription
func (m *Monitor) Close() {
	for _, sub := range m.subs {
		_ = sub.Unsubscribe()
	}
	m.subs = nil
}

func (m *Monitor) handleEvent(msg *nats.Msg) {
	if err := m.dispatch(msg.Data); err != nil {
		m.logger.Warn("⚠️  Dropping malformed event", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

func (m *Monitor) dispatch(data []byte) error {
	frame, err := transport.DeserializeFrame(data)
	if err != nil {
		return err
	}

	switch frame.Type {
	case transport.FrameTypeLevel:
		level, err := frame.Level()
		if err != nil {
			return err
		}
		m.listener.OnLevelChange(level)
	case transport.FrameTypeDetection:
		detected, err := frame.Detected()
		if err != nil {
			return err
		}
		m.listener.OnFootstepDetected(detected)
	case transport.FrameTypeStatus:
		status, err := frame.Status()
		if err != nil {
			return err
		}
		m.listener.OnStatusChange(engine.Status(status))
	default:
		return errors.New("unknown frame type")
	}
	return nil
}
