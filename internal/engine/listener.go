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

package engine

// Listener receives engine events. Methods are called synchronously from the
// processing goroutine, except OnStatusChange(StatusStopped) which runs on
// the goroutine calling Stop. Implementations must return quickly; a slow
// listener delays audio output.
type Listener interface {
	// OnLevelChange is called once per processed frame with the band-limited RMS
	OnLevelChange(level float64)
	// OnStatusChange is called on Running, Stopped and Error transitions
	OnStatusChange(status Status)
	// OnFootstepDetected is called only when the detection flag flips
	OnFootstepDetected(detected bool)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Level    func(level float64)
	Status   func(status Status)
	Footstep func(detected bool)
}

func (f ListenerFuncs) OnLevelChange(level float64) {
	if f.Level != nil {
		f.Level(level)
	}
}

func (f ListenerFuncs) OnStatusChange(status Status) {
	if f.Status != nil {
		f.Status(status)
	}
}

func (f ListenerFuncs) OnFootstepDetected(detected bool) {
	if f.Footstep != nil {
		f.Footstep(detected)
	}
}

type multiListener []Listener

// Listeners fans every event out to each non-nil listener in order
func Listeners(listeners ...Listener) Listener {
	out := make(multiListener, 0, len(listeners))
	for _, l := range listeners {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

func (m multiListener) OnLevelChange(level float64) {
	for _, l := range m {
		l.OnLevelChange(level)
	}
}

func (m multiListener) OnStatusChange(status Status) {
	for _, l := range m {
		l.OnStatusChange(status)
	}
}

func (m multiListener) OnFootstepDetected(detected bool) {
	for _, l := range m {
		l.OnFootstepDetected(detected)
	}
}
