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
	"go.uber.org/zap"

	"github.com/loqalabs/footstep-enhancer/internal/engine"
	"github.com/loqalabs/footstep-enhancer/internal/transport"
)

// EventPublisher forwards engine events to the bus as binary frames
type EventPublisher struct {
	conn     Connection
	engineID string
	seq      *transport.Sequencer
	logger   *zap.Logger
}

var _ engine.Listener = (*EventPublisher)(nil)

// NewEventPublisher creates a publisher for one engine
func NewEventPublisher(conn Connection, engineID string, logger *zap.Logger) *EventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventPublisher{
		conn:     conn,
		engineID: engineID,
		seq:      transport.NewSequencer(),
		logger:   logger,
	}
}

func (p *EventPublisher) OnLevelChange(level float64) {
	p.publish(KindLevel, p.seq.LevelFrame(level))
}

func (p *EventPublisher) OnStatusChange(status engine.Status) {
	p.publish(KindStatus, p.seq.StatusFrame(string(status)))
}

func (p *EventPublisher) OnFootstepDetected(detected bool) {
	p.publish(KindDetection, p.seq.DetectionFrame(detected))
}

func (p *EventPublisher) publish(kind string, frame *transport.Frame) {
	data, err := frame.Serialize()
	if err != nil {
		p.logger.Error("❌ Failed to encode event frame", zap.String("kind", kind), zap.Error(err))
		return
	}
	if err := p.conn.Publish(Subject(p.engineID, kind), data); err != nil {
		p.logger.Warn("⚠️  Failed to publish event", zap.String("kind", kind), zap.Error(err))
	}
}
