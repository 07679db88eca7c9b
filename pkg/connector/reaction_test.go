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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgedb"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/discord"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/roomy"
)

// mapReactionFixture maps a channel and one message in it, returning the
// room and message event IDs.
func mapReactionFixture(t *testing.T, env *testEnv) (room, target bridgeid.ULID) {
	t.Helper()
	ctx := context.Background()
	room = bridgeid.NewULID()
	target = bridgeid.NewULID()
	require.NoError(t, env.repo.RegisterMapping(ctx, bridgeid.RoomKey(testChannelID), room))
	require.NoError(t, env.repo.RegisterMapping(ctx, "700", target))
	return room, target
}

func reactionAdd(userID bridgeid.Snowflake, emoji discord.Emoji) *discord.ReactionAdd {
	return &discord.ReactionAdd{
		UserID:    userID,
		ChannelID: testChannelID,
		MessageID: 700,
		GuildID:   testGuildID,
		Emoji:     emoji,
	}
}

func TestHandleReactionAdd(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	room, target := mapReactionFixture(t, env)

	require.NoError(t, env.reactions.HandleReactionAdd(ctx, reactionAdd(42, discord.Emoji{Name: "👍"})))
	queued := env.drainRoomy()
	require.Len(t, queued, 1)
	require.Equal(t, roomy.KindAddBridgedReaction, queued[0].Kind)
	payload := queued[0].Payload.(roomy.AddBridgedReaction)
	assert.Equal(t, room, payload.Room)
	assert.Equal(t, target, payload.ReactionTo)
	assert.Equal(t, "👍", payload.Reaction)
	assert.Equal(t, bridgeid.MakeSurrogateDID(42), payload.ReactingUser)
	require.NotNil(t, queued[0].Extensions.DiscordReactionOrigin)
	assert.Equal(t, "700", queued[0].Extensions.DiscordReactionOrigin.MessageID)
	assert.Equal(t, "42", queued[0].Extensions.DiscordReactionOrigin.UserID)

	// Redelivery of the same (message, user, emoji) triple is idempotent.
	require.NoError(t, env.reactions.HandleReactionAdd(ctx, reactionAdd(42, discord.Emoji{Name: "👍"})))
	assert.Empty(t, env.drainRoomy())

	// The bot's own aggregate mirror reactions are skipped.
	require.NoError(t, env.reactions.HandleReactionAdd(ctx, reactionAdd(env.client.BotUserID(), discord.Emoji{Name: "👍"})))
	assert.Empty(t, env.drainRoomy())
}

func TestHandleReactionRemove(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	_, target := mapReactionFixture(t, env)

	remove := &discord.ReactionRemove{
		UserID:    42,
		ChannelID: testChannelID,
		MessageID: 700,
		GuildID:   testGuildID,
		Emoji:     discord.Emoji{Name: "👍"},
	}
	// Removing a reaction that was never bridged is a silent no-op.
	require.NoError(t, env.reactions.HandleReactionRemove(ctx, remove))
	assert.Empty(t, env.drainRoomy())

	require.NoError(t, env.reactions.HandleReactionAdd(ctx, reactionAdd(42, discord.Emoji{Name: "👍"})))
	env.drainRoomy()
	require.NoError(t, env.reactions.HandleReactionRemove(ctx, remove))
	queued := env.drainRoomy()
	require.Len(t, queued, 1)
	require.Equal(t, roomy.KindRemoveBridgedReaction, queued[0].Kind)
	assert.Equal(t, target, queued[0].Payload.(roomy.RemoveBridgedReaction).ReactionTo)

	// The key is gone, so a second removal no-ops.
	require.NoError(t, env.reactions.HandleReactionRemove(ctx, remove))
	assert.Empty(t, env.drainRoomy())
}

func nativeReaction(room, target bridgeid.ULID, author bridgeid.UserDID, add bool) *roomy.Event {
	var evt *roomy.Event
	if add {
		evt = roomy.NewEvent(roomy.AddReaction{Room: room, ReactionTo: target, Reaction: "👍"})
	} else {
		evt = roomy.NewEvent(roomy.RemoveReaction{Room: room, ReactionTo: target, Reaction: "👍"})
	}
	evt.Author = author
	return evt
}

func TestSyncRoomyReactionAggregate(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	room, target := mapReactionFixture(t, env)

	// First native reactor adds the bot reaction.
	handled, err := env.reactions.SyncRoomyEvent(ctx, nativeReaction(room, target, "did:plc:alice", true))
	require.NoError(t, err)
	require.True(t, handled)
	require.Len(t, env.client.reactions, 1)

	// A second native reactor joins the existing aggregate silently.
	_, err = env.reactions.SyncRoomyEvent(ctx, nativeReaction(room, target, "did:plc:bob", true))
	require.NoError(t, err)
	assert.Len(t, env.client.reactions, 1)

	// One of two reactors leaving keeps the bot reaction in place.
	_, err = env.reactions.SyncRoomyEvent(ctx, nativeReaction(room, target, "did:plc:alice", false))
	require.NoError(t, err)
	assert.Empty(t, env.client.unreactions)

	// The last reactor leaving removes the bot reaction.
	_, err = env.reactions.SyncRoomyEvent(ctx, nativeReaction(room, target, "did:plc:bob", false))
	require.NoError(t, err)
	require.Len(t, env.client.unreactions, 1)
}

func TestSyncRoomyReactionSkipsSurrogates(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	room, target := mapReactionFixture(t, env)

	// Surrogate reactors already exist on Discord; counting them would double
	// every bridged reaction.
	surrogate := bridgeid.MakeSurrogateDID(42)
	handled, err := env.reactions.SyncRoomyEvent(ctx, nativeReaction(room, target, surrogate, true))
	require.NoError(t, err)
	require.True(t, handled)
	assert.Empty(t, env.client.reactions)

	users, err := env.repo.GetReactionUsers(ctx, target, "👍")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestAbsorbRoomyReactionEvents(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	evt := roomy.NewEvent(roomy.AddBridgedReaction{
		Room:         bridgeid.NewULID(),
		ReactionTo:   bridgeid.NewULID(),
		Reaction:     "👍",
		ReactingUser: bridgeid.MakeSurrogateDID(42),
	})
	evt.Extensions.DiscordReactionOrigin = &roomy.DiscordReactionOrigin{
		MessageID: "700",
		UserID:    "42",
		GuildID:   testGuildID.String(),
	}
	handled, err := env.reactions.AbsorbRoomyEvent(ctx, evt)
	require.NoError(t, err)
	require.True(t, handled)

	key := bridgedb.ReactionKey{MessageID: 700, UserID: 42, Emoji: "👍"}
	stored, err := env.repo.GetReactionEvent(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, stored)

	removal := roomy.NewEvent(roomy.RemoveBridgedReaction{
		Room:         bridgeid.NewULID(),
		ReactionTo:   bridgeid.NewULID(),
		Reaction:     "👍",
		ReactingUser: bridgeid.MakeSurrogateDID(42),
	})
	removal.Extensions.DiscordReactionOrigin = evt.Extensions.DiscordReactionOrigin
	handled, err = env.reactions.AbsorbRoomyEvent(ctx, removal)
	require.NoError(t, err)
	require.True(t, handled)
	stored, err = env.repo.GetReactionEvent(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, stored)

	// Native reactions carry no origin and are not absorbed.
	native := nativeReaction(bridgeid.NewULID(), bridgeid.NewULID(), "did:plc:alice", true)
	handled, err = env.reactions.AbsorbRoomyEvent(ctx, native)
	require.NoError(t, err)
	assert.False(t, handled)
}
