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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Control commands accepted on the control subject
const (
	CommandStart                 = "start"
	CommandStop                  = "stop"
	CommandSetEnhancementFactor  = "set_enhancement_factor"
	CommandSetDetectionThreshold = "set_detection_threshold"
	CommandSetBand               = "set_band"
)

// ControlMessage is a JSON control request
type ControlMessage struct {
	Command string   `json:"command"`
	Value   *float64 `json:"value,omitempty"`
	LowHz   *float64 `json:"low_hz,omitempty"`
	HighHz  *float64 `json:"high_hz,omitempty"`
}

// ControlReply answers a request that carried a reply subject
type ControlReply struct {
	OK      bool   `json:"ok"`
	Changed bool   `json:"changed"`
	Error   string `json:"error,omitempty"`
}

// Engine is the part of engine.Controller that can be driven remotely
type Engine interface {
	Start() bool
	Stop() bool
	SetEnhancementFactor(v float64)
	SetDetectionThreshold(v float64)
	SetBand(lowHz, highHz float64) error
}

// ControlSubscriber applies control requests to an engine
type ControlSubscriber struct {
	conn     Connection
	engineID string
	engine   Engine
	logger   *zap.Logger
	sub      *nats.Subscription
}

// NewControlSubscriber creates a subscriber; call Start to begin listening
func NewControlSubscriber(conn Connection, engineID string, eng Engine, logger *zap.Logger) *ControlSubscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ControlSubscriber{
		conn:     conn,
		engineID: engineID,
		engine:   eng,
		logger:   logger,
	}
}

// Start subscribes to the engine's control subject
func (cs *ControlSubscriber) Start() error {
	subject := Subject(cs.engineID, KindControl)
	sub, err := cs.conn.Subscribe(subject, cs.handleControlMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	cs.sub = sub

	cs.logger.Info("🎛️  Listening for control commands", zap.String("subject", subject))
	return nil
}

// Close drops the subscription
func (cs *ControlSubscriber) Close() {
	if cs.sub == nil {
		return
	}
	if err := cs.sub.Unsubscribe(); err != nil {
		cs.logger.Debug("Control unsubscribe failed", zap.Error(err))
	}
	cs.sub = nil
}

func (cs *ControlSubscriber) handleControlMessage(msg *nats.Msg) {
	var req ControlMessage
	var reply ControlReply

	if err := json.Unmarshal(msg.Data, &req); err != nil {
		cs.logger.Warn("❌ Failed to unmarshal control message", zap.Error(err))
		reply.Error = fmt.Sprintf("invalid request: %v", err)
	} else if changed, err := cs.apply(req); err != nil {
		cs.logger.Warn("⚠️  Control command rejected", zap.String("command", req.Command), zap.Error(err))
		reply.Error = err.Error()
	} else {
		cs.logger.Info("📥 Control command applied", zap.String("command", req.Command), zap.Bool("changed", changed))
		reply.OK = true
		reply.Changed = changed
	}

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		cs.logger.Error("❌ Failed to marshal control reply", zap.Error(err))
		return
	}
	if err := cs.conn.Publish(msg.Reply, data); err != nil {
		cs.logger.Warn("⚠️  Failed to send control reply", zap.Error(err))
	}
}

// apply runs one command and reports whether it changed anything
func (cs *ControlSubscriber) apply(req ControlMessage) (bool, error) {
	switch req.Command {
	case CommandStart:
		return cs.engine.Start(), nil
	case CommandStop:
		return cs.engine.Stop(), nil
	case CommandSetEnhancementFactor:
		if req.Value == nil {
			return false, errors.New("value is required")
		}
		cs.engine.SetEnhancementFactor(*req.Value)
		return true, nil
	case CommandSetDetectionThreshold:
		if req.Value == nil {
			return false, errors.New("value is required")
		}
		cs.engine.SetDetectionThreshold(*req.Value)
		return true, nil
	case CommandSetBand:
		if req.LowHz == nil || req.HighHz == nil {
			return false, errors.New("low_hz and high_hz are required")
		}
		if err := cs.engine.SetBand(*req.LowHz, *req.HighHz); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q", req.Command)
	}
}
