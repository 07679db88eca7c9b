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

// Package connector contains the bridge core: the per-pairing sync engine
// between one Discord guild and one Roomy space, and the orchestrator that
// manages a fleet of those pairings.
package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/discord"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/roomy"
)

const subscribeRetryInterval = 5 * time.Second

// roomyEventService is the shared routing contract of the sync services.
// Both methods return whether the service handled the event; routing stops
// at the first service that claims it.
type roomyEventService interface {
	AbsorbRoomyEvent(ctx context.Context, evt *roomy.Event) (bool, error)
	SyncRoomyEvent(ctx context.Context, evt *roomy.Event) (bool, error)
}

// Bridge is the sync engine of one guild-space pairing.
type Bridge struct {
	log        zerolog.Logger
	repo       Repository
	client     discord.Client
	stream     roomy.Stream
	sm         *StateMachine
	dispatcher *Dispatcher
	guildID    bridgeid.Snowflake
	spaceID    string

	profiles  *ProfileSyncService
	structure *StructureSyncService
	messages  *MessageSyncService
	reactions *ReactionSyncService
	services  []roomyEventService

	lastBatchID string
}

func NewBridge(log zerolog.Logger, repo Repository, client discord.Client, stream roomy.Stream, publisher roomy.Publisher, resolver ProfileResolver, guildID bridgeid.Snowflake, spaceID string) *Bridge {
	log = log.With().
		Stringer("guild_id", guildID).
		Str("space_id", spaceID).
		Logger()
	sm := NewStateMachine(log)
	dispatcher := NewDispatcher(log, sm, publisher)
	br := &Bridge{
		log:        log,
		repo:       repo,
		client:     client,
		stream:     stream,
		sm:         sm,
		dispatcher: dispatcher,
		guildID:    guildID,
		spaceID:    spaceID,
	}
	br.profiles = NewProfileSyncService(log, repo, dispatcher, resolver, guildID)
	br.structure = NewStructureSyncService(log, repo, client, dispatcher, guildID)
	br.messages = NewMessageSyncService(log, repo, client, dispatcher, br.profiles, guildID)
	br.reactions = NewReactionSyncService(log, repo, client, dispatcher, guildID)
	// Profiles first so author identities exist before their messages, then
	// structure before content.
	br.services = []roomyEventService{br.profiles, br.structure, br.messages, br.reactions}
	return br
}

// State returns the current lifecycle phase.
func (br *Bridge) State() State {
	return br.sm.Current()
}

// AwaitState blocks until the bridge reaches the given phase.
func (br *Bridge) AwaitState(ctx context.Context, target State) error {
	return br.sm.AwaitState(ctx, target)
}

// Run drives the bridge through its lifecycle and then follows the live
// stream until the context is cancelled.
func (br *Bridge) Run(ctx context.Context) error {
	ctx = br.log.WithContext(ctx)
	go br.dispatcher.RunRoomyLoop(ctx)
	go func() {
		if br.sm.AwaitState(ctx, StateSyncToDiscord) != nil {
			return
		}
		br.dispatcher.RunDiscordLoop(ctx, br.lastBatchID, br.syncEventToDiscord, func() {
			if err := br.sm.AdvanceTo(StateListening); err != nil {
				br.log.Err(err).Msg("Failed to enter listening state")
			}
		})
	}()

	cursor, err := br.repo.GetCursor(ctx, br.spaceID)
	if err != nil {
		return fmt.Errorf("failed to read stream cursor: %w", err)
	}
	from := max(cursor, 0)
	br.log.Info().Int64("from_index", from).Msg("Starting space stream backfill")
	br.lastBatchID, err = br.stream.Backfill(ctx, from, func(ctx context.Context, batch *roomy.Batch) error {
		return br.handleBatch(ctx, batch, true)
	})
	if err != nil {
		return fmt.Errorf("space stream backfill failed: %w", err)
	}
	if err = br.sm.AdvanceTo(StateBackfillDiscord); err != nil {
		return err
	}

	if err = br.backfillDiscord(ctx); err != nil {
		return fmt.Errorf("discord history backfill failed: %w", err)
	}
	br.dispatcher.FlushRoomy(ctx)
	if err = br.sm.AdvanceTo(StateSyncToDiscord); err != nil {
		return err
	}
	if br.lastBatchID == "" {
		// Empty stream: there is nothing to drain towards Discord.
		if err = br.sm.AdvanceTo(StateListening); err != nil {
			return err
		}
	}

	for {
		cursor, err = br.repo.GetCursor(ctx, br.spaceID)
		if err != nil {
			return fmt.Errorf("failed to read stream cursor: %w", err)
		}
		err = br.stream.Subscribe(ctx, max(cursor, 0), func(ctx context.Context, batch *roomy.Batch) error {
			return br.handleBatch(ctx, batch, false)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		br.log.Err(err).Msg("Space stream subscription ended, reconnecting")
		select {
		case <-time.After(subscribeRetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleBatch routes one stream batch: the bridge's own echoes are absorbed
// into local state inline, everything else is queued for Discord. The cursor
// only advances once the whole batch is routed.
func (br *Bridge) handleBatch(ctx context.Context, batch *roomy.Batch, backfilling bool) error {
	for i, evt := range batch.Events {
		if br.isOwnEcho(evt) {
			br.absorbEvent(ctx, evt)
			continue
		}
		br.dispatcher.EnqueueDiscord(&ToDiscordEvent{
			Decoded: evt,
			BatchID: batch.ID,
			IsLast:  i == len(batch.Events)-1,
		})
	}
	if backfilling {
		br.dispatcher.EnqueueDiscord(&ToDiscordEvent{BatchID: batch.ID, IsLast: true})
	}
	if err := br.repo.SetCursor(ctx, br.spaceID, batch.LastIndex()+1); err != nil {
		return fmt.Errorf("failed to advance stream cursor: %w", err)
	}
	return nil
}

// isOwnEcho reports whether the event carries an origin extension of this
// bridge's guild. Events bridged from other guilds by other bridge instances
// count as native content here.
func (br *Bridge) isOwnEcho(evt *roomy.Event) bool {
	guildID, ok := evt.Extensions.OriginGuildID()
	return ok && guildID == br.guildID.String()
}

func (br *Bridge) absorbEvent(ctx context.Context, evt *roomy.Event) {
	log := zerolog.Ctx(ctx).With().
		Str("event_id", string(evt.ID)).
		Str("event_kind", evt.Kind).
		Logger()
	for _, svc := range br.services {
		handled, err := svc.AbsorbRoomyEvent(ctx, evt)
		if err != nil {
			logRouteError(&log, err, "Failed to absorb own event")
		}
		if handled {
			return
		}
	}
	log.Debug().Msg("No service absorbed own event")
}

func (br *Bridge) syncEventToDiscord(ctx context.Context, evt *roomy.Event) {
	log := zerolog.Ctx(ctx).With().
		Str("event_id", string(evt.ID)).
		Str("event_kind", evt.Kind).
		Logger()
	for _, svc := range br.services {
		handled, err := svc.SyncRoomyEvent(ctx, evt)
		if err != nil {
			logRouteError(&log, err, "Failed to sync event to Discord")
		}
		if handled {
			return
		}
	}
	log.Debug().Msg("No service handled stream event")
}

// HandleDiscordEvent routes one gateway dispatch to the right service. Events
// arriving before the listening phase are dropped: history backfill covers
// that window.
func (br *Bridge) HandleDiscordEvent(ctx context.Context, rawEvt any) {
	ctx = br.log.WithContext(ctx)
	log := br.log.With().Str("action", "handle discord event").Logger()
	if br.sm.Current() != StateListening {
		log.Debug().
			Type("event_type", rawEvt).
			Stringer("state", br.sm.Current()).
			Msg("Dropping gateway event before listening phase")
		return
	}
	var err error
	switch evt := rawEvt.(type) {
	case *discord.MessageCreate:
		_, err = br.messages.HandleMessageCreate(ctx, &evt.Message)
	case *discord.MessageUpdate:
		err = br.messages.HandleMessageUpdate(ctx, &evt.Message)
	case *discord.MessageDelete:
		err = br.messages.HandleMessageDelete(ctx, evt)
	case *discord.ChannelCreate:
		err = br.structure.HandleChannelCreate(ctx, evt)
	case *discord.ChannelUpdate:
		err = br.structure.HandleChannelUpdate(ctx, evt)
	case *discord.ChannelDelete:
		err = br.structure.HandleChannelDelete(ctx, evt)
	case *discord.ThreadCreate:
		err = br.structure.HandleThreadCreate(ctx, evt)
	case *discord.ReactionAdd:
		err = br.reactions.HandleReactionAdd(ctx, evt)
	case *discord.ReactionRemove:
		err = br.reactions.HandleReactionRemove(ctx, evt)
	default:
		log.Debug().Type("event_type", rawEvt).Msg("Ignoring unhandled gateway event")
		return
	}
	logRouteError(&log, err, "Failed to handle gateway event")
}

// DeleteData wipes all persisted state of the pairing. Used when the pairing
// is unregistered for good.
func (br *Bridge) DeleteData(ctx context.Context) error {
	return br.repo.Delete(ctx)
}
