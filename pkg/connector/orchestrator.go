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

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgedb"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/discord"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/roomy"
)

// StreamFactory opens the event stream and publisher of one Roomy space.
type StreamFactory func(ctx context.Context, spaceID string) (roomy.Stream, roomy.Publisher, error)

// Orchestrator manages the set of active guild-space pairings. Each pairing
// runs its own Bridge; a crash in one pairing never takes down another.
type Orchestrator struct {
	log      zerolog.Logger
	db       *bridgedb.Database
	client   discord.Client
	streams  StreamFactory
	resolver ProfileResolver

	lock    sync.RWMutex
	bridges map[bridgeid.Snowflake]*runningBridge
	wg      sync.WaitGroup
}

type runningBridge struct {
	bridge *Bridge
	cancel context.CancelFunc
}

func NewOrchestrator(log zerolog.Logger, db *bridgedb.Database, client discord.Client, streams StreamFactory, resolver ProfileResolver) *Orchestrator {
	return &Orchestrator{
		log:      log.With().Str("component", "orchestrator").Logger(),
		db:       db,
		client:   client,
		streams:  streams,
		resolver: resolver,
		bridges:  make(map[bridgeid.Snowflake]*runningBridge),
	}
}

// RegisterPairing starts bridging a guild to a space. The bridge begins its
// lifecycle in the background; use Bridge.AwaitState to wait for readiness.
func (o *Orchestrator) RegisterPairing(ctx context.Context, guildID bridgeid.Snowflake, spaceID string) (*Bridge, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if _, exists := o.bridges[guildID]; exists {
		return nil, fmt.Errorf("guild %s is already paired", guildID)
	}
	stream, publisher, err := o.streams(ctx, spaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to open space stream: %w", err)
	}
	repo := o.db.Repository(guildID, spaceID)
	br := NewBridge(o.log, repo, o.client, stream, publisher, o.resolver, guildID, spaceID)
	runCtx, cancel := context.WithCancel(context.Background())
	o.bridges[guildID] = &runningBridge{bridge: br, cancel: cancel}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if panicErr := recover(); panicErr != nil {
				o.log.Error().
					Any("panic", panicErr).
					Stringer("guild_id", guildID).
					Msg("Bridge panicked")
			}
		}()
		if err := br.Run(runCtx); err != nil && runCtx.Err() == nil {
			o.log.Err(err).Stringer("guild_id", guildID).Msg("Bridge stopped with error")
		}
	}()
	o.log.Info().
		Stringer("guild_id", guildID).
		Str("space_id", spaceID).
		Msg("Registered pairing")
	return br, nil
}

// UnregisterPairing stops a bridge and deletes all of its persisted state.
func (o *Orchestrator) UnregisterPairing(ctx context.Context, guildID bridgeid.Snowflake) error {
	o.lock.Lock()
	running, ok := o.bridges[guildID]
	if ok {
		delete(o.bridges, guildID)
	}
	o.lock.Unlock()
	if !ok {
		return fmt.Errorf("guild %s is not paired", guildID)
	}
	running.cancel()
	if err := running.bridge.DeleteData(ctx); err != nil {
		return fmt.Errorf("failed to delete pairing data: %w", err)
	}
	o.log.Info().Stringer("guild_id", guildID).Msg("Unregistered pairing")
	return nil
}

// GetBridge returns the bridge of a guild, or nil if the guild is not paired.
func (o *Orchestrator) GetBridge(guildID bridgeid.Snowflake) *Bridge {
	o.lock.RLock()
	defer o.lock.RUnlock()
	running, ok := o.bridges[guildID]
	if !ok {
		return nil
	}
	return running.bridge
}

// HandleDiscordEvent routes a gateway dispatch to the owning pairing's
// bridge. Events for unpaired guilds are dropped.
func (o *Orchestrator) HandleDiscordEvent(ctx context.Context, rawEvt any) {
	guildID := guildOfEvent(rawEvt)
	if guildID.IsZero() {
		return
	}
	br := o.GetBridge(guildID)
	if br == nil {
		return
	}
	br.HandleDiscordEvent(ctx, rawEvt)
}

// Stop cancels every bridge and waits for them to finish.
func (o *Orchestrator) Stop() {
	o.lock.Lock()
	for guildID, running := range o.bridges {
		running.cancel()
		delete(o.bridges, guildID)
	}
	o.lock.Unlock()
	o.wg.Wait()
}

func guildOfEvent(rawEvt any) bridgeid.Snowflake {
	switch evt := rawEvt.(type) {
	case *discord.MessageCreate:
		return evt.GuildID
	case *discord.MessageUpdate:
		return evt.GuildID
	case *discord.MessageDelete:
		return evt.GuildID
	case *discord.ChannelCreate:
		return evt.GuildID
	case *discord.ChannelUpdate:
		return evt.GuildID
	case *discord.ChannelDelete:
		return evt.GuildID
	case *discord.ThreadCreate:
		return evt.GuildID
	case *discord.ReactionAdd:
		return evt.GuildID
	case *discord.ReactionRemove:
		return evt.GuildID
	default:
		return 0
	}
}
