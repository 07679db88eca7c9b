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

	"github.com/rs/zerolog"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/discord"
)

const backfillPageSize = 100

// backfillDiscord walks the whole guild over REST: recovers marker-based
// mappings, ensures rooms and threads exist, reconciles the sidebar, then
// replays every channel's message history through the normal sync path.
// Everything here is idempotent, so a crash mid-backfill just repeats work.
func (br *Bridge) backfillDiscord(ctx context.Context) error {
	log := br.log.With().Str("action", "backfill discord").Logger()
	ctx = log.WithContext(ctx)

	channels, err := br.client.GuildChannels(ctx, br.guildID)
	if err != nil {
		return fmt.Errorf("failed to fetch guild channels: %w", err)
	}
	br.structure.RecoverMappings(ctx, channels)

	var bridgeable []*discord.Channel
	for _, ch := range channels {
		if !ch.Type.IsBridgeable() || ch.Type.IsThread() {
			continue
		}
		if _, err = br.structure.EnsureRoom(ctx, ch); err != nil {
			logRouteError(&log, err, "Failed to ensure room for channel")
			continue
		}
		bridgeable = append(bridgeable, ch)
	}

	threads, err := br.client.ActiveThreads(ctx, br.guildID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch active threads")
	}
	for _, thread := range threads {
		if _, err = br.structure.EnsureThread(ctx, thread); err != nil {
			logRouteError(&log, err, "Failed to ensure room for thread")
			continue
		}
		bridgeable = append(bridgeable, thread)
	}

	if err = br.structure.ReconcileSidebar(ctx, channels); err != nil {
		logRouteError(&log, err, "Failed to reconcile sidebar")
	}

	for _, ch := range bridgeable {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err = br.backfillChannel(ctx, ch); err != nil {
			logRouteError(&log, err, "Failed to backfill channel history")
		}
	}
	log.Info().Int("channel_count", len(bridgeable)).Msg("Finished Discord history backfill")
	return nil
}

// backfillChannel replays one channel's history oldest-first. Every message
// also feeds the content hash table used to reconcile messages delivered
// right before a crash.
func (br *Bridge) backfillChannel(ctx context.Context, ch *discord.Channel) error {
	log := zerolog.Ctx(ctx).With().Stringer("channel_id", ch.ID).Logger()
	ctx = log.WithContext(ctx)
	if err := br.repo.ClearMessageHashes(ctx, ch.ID); err != nil {
		return fmt.Errorf("failed to clear message hashes: %w", err)
	}
	var after bridgeid.Snowflake
	var total int
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := br.client.MessagesAfter(ctx, ch.ID, after, backfillPageSize)
		if err != nil {
			if discord.IsPermissionError(err) {
				log.Warn().Err(err).Msg("Skipping channel history: no access")
				return nil
			}
			return fmt.Errorf("failed to fetch messages: %w", err)
		}
		if len(msgs) == 0 {
			break
		}
		for _, msg := range msgs {
			if err = br.recordMessageHash(ctx, msg); err != nil {
				log.Warn().Err(err).Stringer("message_id", msg.ID).Msg("Failed to record message hash")
			}
			if _, err = br.messages.HandleMessageCreate(ctx, msg); err != nil {
				logRouteError(&log, err, "Failed to backfill message")
			}
			for _, reaction := range msg.Reactions {
				if err = br.reactions.BackfillReaction(ctx, ch.ID, msg.ID, reaction.Emoji); err != nil {
					logRouteError(&log, err, "Failed to backfill reactions")
				}
			}
		}
		total += len(msgs)
		after = msgs[len(msgs)-1].ID
	}
	log.Debug().Int("message_count", total).Msg("Backfilled channel history")
	return nil
}

// recordMessageHash stores the reconciliation fingerprint of a message. For
// already-mapped webhook messages the key is prefixed with the originating
// event's nonce so lookups can tie content back to a specific event.
func (br *Bridge) recordMessageHash(ctx context.Context, msg *discord.Message) error {
	prefix := ""
	if !msg.WebhookID.IsZero() {
		mapped, err := br.repo.GetRoomyID(ctx, msg.ID.String())
		if err != nil {
			return err
		}
		if mapped != "" {
			prefix = mapped.Nonce()
		}
	}
	key := MessageHashKey(prefix, ContentHash(msg.Content, attachmentIDs(msg)))
	return br.repo.PutMessageHash(ctx, msg.ChannelID, key, msg.ID)
}
