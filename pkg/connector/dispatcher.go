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

	"github.com/rs/zerolog"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/roomy"
)

// roomyBatchSize is how many queued events get published to the space
// stream in one send during Discord history backfill.
const roomyBatchSize = 100

// ToDiscordEvent is one unit of the Roomy-to-Discord queue. Decoded is nil
// for the end-of-batch sentinel that marks replay progress.
type ToDiscordEvent struct {
	Decoded *roomy.Event
	BatchID string
	IsLast  bool
}

// DiscordSyncHandler applies one decoded Roomy event to Discord.
type DiscordSyncHandler func(ctx context.Context, evt *roomy.Event)

// Dispatcher owns the two directional queues between the platforms. Each
// queue has exactly one consumer goroutine, which keeps all mapping writes
// for a direction serialized.
type Dispatcher struct {
	log       zerolog.Logger
	sm        *StateMachine
	publisher roomy.Publisher

	toRoomy   *unboundedQueue[*roomy.Event]
	toDiscord *unboundedQueue[*ToDiscordEvent]
	flush     chan chan struct{}
}

func NewDispatcher(log zerolog.Logger, sm *StateMachine, publisher roomy.Publisher) *Dispatcher {
	return &Dispatcher{
		log:       log,
		sm:        sm,
		publisher: publisher,
		toRoomy:   newUnboundedQueue[*roomy.Event](),
		toDiscord: newUnboundedQueue[*ToDiscordEvent](),
		flush:     make(chan chan struct{}),
	}
}

// EnqueueRoomy queues an event for publishing to the space stream.
func (d *Dispatcher) EnqueueRoomy(evt *roomy.Event) {
	d.toRoomy.Push(evt)
}

// EnqueueDiscord queues a stream event (or batch sentinel) for replay
// towards Discord.
func (d *Dispatcher) EnqueueDiscord(evt *ToDiscordEvent) {
	d.toDiscord.Push(evt)
}

// FlushRoomy drains everything queued for Roomy and publishes it, blocking
// until the send finished. Called at the end of Discord backfill so nothing
// is still queued when batching switches off.
func (d *Dispatcher) FlushRoomy(ctx context.Context) {
	done := make(chan struct{})
	select {
	case d.flush <- done:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// RunRoomyLoop consumes the Roomy-bound queue until the context ends.
// During Discord backfill events accumulate into batches of roomyBatchSize;
// while listening each event is published immediately. In any other phase
// Roomy-bound events are a bug, logged and dropped.
func (d *Dispatcher) RunRoomyLoop(ctx context.Context) {
	log := d.log.With().Str("loop", "to_roomy").Logger()
	ctx = log.WithContext(ctx)
	var batch []*roomy.Event
	publish := func(events ...*roomy.Event) {
		if len(events) == 0 {
			return
		}
		if err := d.publisher.Send(ctx, events...); err != nil {
			log.Err(err).Int("event_count", len(events)).Msg("Failed to publish events to space stream")
		}
	}
	flushBatch := func() {
		publish(batch...)
		batch = nil
	}
	for {
		for {
			evt, ok := d.toRoomy.TryPop()
			if !ok {
				break
			}
			switch d.sm.Current() {
			case StateBackfillDiscord:
				batch = append(batch, evt)
				if len(batch) >= roomyBatchSize {
					flushBatch()
				}
			case StateListening:
				publish(evt)
			default:
				log.Warn().
					Str("event_id", string(evt.ID)).
					Str("event_kind", evt.Kind).
					Stringer("state", d.sm.Current()).
					Msg("Dropping Roomy-bound event queued outside an emitting phase")
			}
		}
		select {
		case <-ctx.Done():
			return
		case done := <-d.flush:
			for {
				evt, ok := d.toRoomy.TryPop()
				if !ok {
					break
				}
				batch = append(batch, evt)
			}
			flushBatch()
			close(done)
		case <-d.toRoomy.Wake():
		}
	}
}

// RunDiscordLoop consumes the Discord-bound queue until the context ends.
// Sentinels are swallowed; the one matching lastBatchID fires onCaughtUp
// exactly once, marking the end of stream replay.
func (d *Dispatcher) RunDiscordLoop(ctx context.Context, lastBatchID string, handle DiscordSyncHandler, onCaughtUp func()) {
	log := d.log.With().Str("loop", "to_discord").Logger()
	ctx = log.WithContext(ctx)
	caughtUp := false
	for {
		evt, ok := d.toDiscord.TryPop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-d.toDiscord.Wake():
			}
			continue
		}
		if evt.Decoded == nil {
			if !caughtUp && evt.IsLast && evt.BatchID == lastBatchID {
				caughtUp = true
				log.Debug().Str("batch_id", evt.BatchID).Msg("Reached final replay batch")
				onCaughtUp()
			}
			continue
		}
		handle(ctx, evt.Decoded)
	}
}
