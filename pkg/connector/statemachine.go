// roomy-discord-bridge - A Discord-Roomy bridging engine.
// Copyright (C) 2026 Roomy Chat
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package connector

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// State is a phase of the bridge lifecycle. Phases only ever advance
// forward, one step at a time.
type State int

const (
	// StateBackfillRoomy replays the space stream to rebuild local state.
	StateBackfillRoomy State = iota
	// StateBackfillDiscord walks guild history via REST.
	StateBackfillDiscord
	// StateSyncToDiscord drains queued Roomy events to Discord.
	StateSyncToDiscord
	// StateListening is the live phase: both directions flow immediately.
	StateListening
	numStates
)

func (s State) String() string {
	switch s {
	case StateBackfillRoomy:
		return "backfill_roomy"
	case StateBackfillDiscord:
		return "backfill_discord"
	case StateSyncToDiscord:
		return "sync_to_discord"
	case StateListening:
		return "listening"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateMachine tracks the current lifecycle phase and lets consumers block
// until a phase has been entered. Each phase has a channel that is closed on
// entry, so waits that are already satisfied return immediately.
type StateMachine struct {
	log zerolog.Logger

	lock    sync.Mutex
	current State
	entered [numStates]chan struct{}
}

func NewStateMachine(log zerolog.Logger) *StateMachine {
	sm := &StateMachine{log: log}
	for i := range sm.entered {
		sm.entered[i] = make(chan struct{})
	}
	close(sm.entered[StateBackfillRoomy])
	return sm
}

func (sm *StateMachine) Current() State {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	return sm.current
}

// AdvanceTo moves the machine to the next phase. Skipping phases or moving
// backwards is a programming error and is rejected.
func (sm *StateMachine) AdvanceTo(next State) error {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	if next != sm.current+1 {
		return fmt.Errorf("invalid state transition from %s to %s", sm.current, next)
	}
	sm.current = next
	close(sm.entered[next])
	sm.log.Info().Stringer("state", next).Msg("Bridge state advanced")
	return nil
}

// AwaitState blocks until the target phase has been entered or the context
// is cancelled. Returns immediately if the phase was already passed.
func (sm *StateMachine) AwaitState(ctx context.Context, target State) error {
	sm.lock.Lock()
	ch := sm.entered[target]
	sm.lock.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
