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

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgedb"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/discord"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/roomy"
)

// ReactionSyncService bridges reactions. Discord-to-Roomy is per-user;
// Roomy-to-Discord aggregates all native reactors into one bot reaction per
// (message, emoji) pair.
type ReactionSyncService struct {
	log        zerolog.Logger
	repo       Repository
	client     discord.Client
	dispatcher *Dispatcher
	guildID    bridgeid.Snowflake
}

func NewReactionSyncService(log zerolog.Logger, repo Repository, client discord.Client, dispatcher *Dispatcher, guildID bridgeid.Snowflake) *ReactionSyncService {
	return &ReactionSyncService{
		log:        log.With().Str("service", "reaction_sync").Logger(),
		repo:       repo,
		client:     client,
		dispatcher: dispatcher,
		guildID:    guildID,
	}
}

// HandleReactionAdd bridges one Discord reaction to Roomy. Reactions by the
// bot itself are its own aggregate mirror and are skipped.
func (rs *ReactionSyncService) HandleReactionAdd(ctx context.Context, evt *discord.ReactionAdd) error {
	if evt.UserID == rs.client.BotUserID() {
		return nil
	}
	emoji := CanonicalizeDiscordEmoji(evt.Emoji)
	key := bridgedb.ReactionKey{MessageID: evt.MessageID, UserID: evt.UserID, Emoji: emoji}
	existing, err := rs.repo.GetReactionEvent(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to look up reaction event: %w", err)
	} else if existing != "" {
		return nil
	}
	target, err := rs.repo.GetRoomyID(ctx, evt.MessageID.String())
	if err != nil {
		return fmt.Errorf("failed to look up message mapping: %w", err)
	} else if target == "" {
		return fmt.Errorf("%w: reacted message %s was never bridged", ErrMappingMissing, evt.MessageID)
	}
	room, err := rs.repo.GetRoomyID(ctx, bridgeid.RoomKey(evt.ChannelID))
	if err != nil {
		return fmt.Errorf("failed to look up room mapping: %w", err)
	} else if room == "" {
		return fmt.Errorf("%w: channel %s is not mapped", ErrMappingMissing, evt.ChannelID)
	}
	reaction := roomy.NewEvent(roomy.AddBridgedReaction{
		Room:         room,
		ReactionTo:   target,
		Reaction:     emoji,
		ReactingUser: bridgeid.MakeSurrogateDID(evt.UserID),
	})
	rs.applyOrigin(reaction, evt.MessageID, evt.UserID)
	if err = rs.repo.SetReactionEvent(ctx, key, reaction.ID); err != nil {
		return fmt.Errorf("failed to store reaction event: %w", err)
	}
	rs.dispatcher.EnqueueRoomy(reaction)
	return nil
}

// HandleReactionRemove bridges a Discord reaction removal. Removals of
// reactions that were never bridged are silent no-ops.
func (rs *ReactionSyncService) HandleReactionRemove(ctx context.Context, evt *discord.ReactionRemove) error {
	if evt.UserID == rs.client.BotUserID() {
		return nil
	}
	emoji := CanonicalizeDiscordEmoji(evt.Emoji)
	key := bridgedb.ReactionKey{MessageID: evt.MessageID, UserID: evt.UserID, Emoji: emoji}
	existing, err := rs.repo.GetReactionEvent(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to look up reaction event: %w", err)
	} else if existing == "" {
		return nil
	}
	target, err := rs.repo.GetRoomyID(ctx, evt.MessageID.String())
	if err != nil {
		return fmt.Errorf("failed to look up message mapping: %w", err)
	} else if target == "" {
		return fmt.Errorf("%w: reacted message %s was never bridged", ErrMappingMissing, evt.MessageID)
	}
	room, err := rs.repo.GetRoomyID(ctx, bridgeid.RoomKey(evt.ChannelID))
	if err != nil {
		return fmt.Errorf("failed to look up room mapping: %w", err)
	} else if room == "" {
		return fmt.Errorf("%w: channel %s is not mapped", ErrMappingMissing, evt.ChannelID)
	}
	removal := roomy.NewEvent(roomy.RemoveBridgedReaction{
		Room:         room,
		ReactionTo:   target,
		Reaction:     emoji,
		ReactingUser: bridgeid.MakeSurrogateDID(evt.UserID),
	})
	rs.applyOrigin(removal, evt.MessageID, evt.UserID)
	if err = rs.repo.DeleteReactionEvent(ctx, key); err != nil {
		return fmt.Errorf("failed to delete reaction event: %w", err)
	}
	rs.dispatcher.EnqueueRoomy(removal)
	return nil
}

// BackfillReaction reconciles the full reactor list of one (message, emoji)
// pair during history backfill, bridging any reaction missing from local
// state.
func (rs *ReactionSyncService) BackfillReaction(ctx context.Context, channelID, messageID bridgeid.Snowflake, emoji discord.Emoji) error {
	apiEmoji := EmojiToAPI(CanonicalizeDiscordEmoji(emoji))
	var after bridgeid.Snowflake
	for {
		users, err := rs.client.ReactionUsers(ctx, channelID, messageID, apiEmoji, after, 100)
		if err != nil {
			return fmt.Errorf("failed to list reaction users: %w", err)
		}
		for _, user := range users {
			err = rs.HandleReactionAdd(ctx, &discord.ReactionAdd{
				UserID:    user.ID,
				ChannelID: channelID,
				MessageID: messageID,
				GuildID:   rs.guildID,
				Emoji:     emoji,
			})
			if err != nil {
				return err
			}
		}
		if len(users) < 100 {
			return nil
		}
		after = users[len(users)-1].ID
	}
}

func (rs *ReactionSyncService) applyOrigin(evt *roomy.Event, messageID, userID bridgeid.Snowflake) {
	evt.Extensions.DiscordReactionOrigin = &roomy.DiscordReactionOrigin{
		MessageID: messageID.String(),
		UserID:    userID.String(),
		GuildID:   rs.guildID.String(),
	}
	evt.Extensions.AuthorOverride = &roomy.AuthorOverride{DID: bridgeid.MakeSurrogateDID(userID)}
}

// AbsorbRoomyEvent replays bridge-emitted reaction events into the local
// reaction key table.
func (rs *ReactionSyncService) AbsorbRoomyEvent(ctx context.Context, evt *roomy.Event) (bool, error) {
	origin := evt.Extensions.DiscordReactionOrigin
	if origin == nil {
		return false, nil
	}
	var emoji string
	switch payload := evt.Payload.(type) {
	case roomy.AddBridgedReaction:
		emoji = payload.Reaction
	case roomy.RemoveBridgedReaction:
		emoji = payload.Reaction
	default:
		return false, nil
	}
	messageID, err := bridgeid.ParseSnowflake(origin.MessageID)
	if err != nil {
		return true, fmt.Errorf("invalid message snowflake in reaction origin: %w", err)
	}
	userID, err := bridgeid.ParseSnowflake(origin.UserID)
	if err != nil {
		return true, fmt.Errorf("invalid user snowflake in reaction origin: %w", err)
	}
	key := bridgedb.ReactionKey{MessageID: messageID, UserID: userID, Emoji: CanonicalizeEmoji(emoji)}
	if _, ok := evt.Payload.(roomy.AddBridgedReaction); ok {
		return true, rs.repo.SetReactionEvent(ctx, key, evt.ID)
	}
	return true, rs.repo.DeleteReactionEvent(ctx, key)
}

// SyncRoomyEvent mirrors native Roomy reactions as a single aggregated bot
// reaction on Discord: added on the first native reactor, removed with the
// last.
func (rs *ReactionSyncService) SyncRoomyEvent(ctx context.Context, evt *roomy.Event) (bool, error) {
	var room, target bridgeid.ULID
	var rawEmoji string
	var user bridgeid.UserDID
	var add bool
	switch payload := evt.Payload.(type) {
	case roomy.AddReaction:
		room, target, rawEmoji, user, add = payload.Room, payload.ReactionTo, payload.Reaction, evt.Author, true
	case roomy.AddBridgedReaction:
		room, target, rawEmoji, user, add = payload.Room, payload.ReactionTo, payload.Reaction, payload.ReactingUser, true
	case roomy.RemoveReaction:
		room, target, rawEmoji, user, add = payload.Room, payload.ReactionTo, payload.Reaction, evt.Author, false
	case roomy.RemoveBridgedReaction:
		room, target, rawEmoji, user, add = payload.Room, payload.ReactionTo, payload.Reaction, payload.ReactingUser, false
	default:
		return false, nil
	}
	// Surrogate reactors already exist on Discord; counting them would
	// double every bridged reaction.
	if bridgeid.IsSurrogateDID(user) {
		return true, nil
	}
	emoji := CanonicalizeEmoji(rawEmoji)
	var count int
	var err error
	if add {
		count, err = rs.repo.AddReactionUser(ctx, target, emoji, user)
	} else {
		count, err = rs.repo.RemoveReactionUser(ctx, target, emoji, user)
	}
	if err != nil {
		return true, fmt.Errorf("failed to update reaction aggregate: %w", err)
	}
	if (add && count != 1) || (!add && count != 0) {
		return true, nil
	}
	discordMsg, err := rs.repo.GetDiscordID(ctx, target)
	if err != nil {
		return true, err
	} else if discordMsg == "" {
		return true, fmt.Errorf("%w: reacted event %s was never bridged", ErrMappingMissing, target)
	}
	messageID, err := bridgeid.ParseSnowflake(discordMsg)
	if err != nil {
		return true, fmt.Errorf("event %s maps to non-message id %s", target, discordMsg)
	}
	channelID, err := rs.resolveChannel(ctx, room)
	if err != nil {
		return true, err
	}
	if add {
		err = rs.client.AddReaction(ctx, channelID, messageID, EmojiToAPI(emoji))
	} else {
		err = rs.client.RemoveOwnReaction(ctx, channelID, messageID, EmojiToAPI(emoji))
	}
	if err != nil && !discord.IsNotFound(err) {
		return true, fmt.Errorf("failed to update bot reaction: %w", err)
	}
	return true, nil
}

func (rs *ReactionSyncService) resolveChannel(ctx context.Context, room bridgeid.ULID) (bridgeid.Snowflake, error) {
	discordID, err := rs.repo.GetDiscordID(ctx, room)
	if err != nil {
		return 0, err
	} else if discordID == "" {
		return 0, fmt.Errorf("%w: room %s is not mapped", ErrMappingMissing, room)
	}
	channelID, ok := bridgeid.ParseRoomKey(discordID)
	if !ok {
		return 0, fmt.Errorf("room %s maps to non-room id %s", room, discordID)
	}
	return channelID, nil
}

// CanonicalizeDiscordEmoji converts a gateway emoji object to canonical form.
func CanonicalizeDiscordEmoji(e discord.Emoji) string {
	if e.IsCustom() {
		return e.Name + ":" + e.ID.String()
	}
	return CanonicalizeEmoji(e.Name)
}
