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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/discord"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/roomy"
)

func TestEnsureRoom(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	ch := &discord.Channel{ID: 200, GuildID: testGuildID, Name: "general", Type: discord.ChannelTypeGuildText}

	room, err := env.structure.EnsureRoom(ctx, ch)
	require.NoError(t, err)
	require.NotEmpty(t, room)

	queued := env.drainRoomy()
	require.Len(t, queued, 1)
	require.Equal(t, roomy.KindCreateRoom, queued[0].Kind)
	payload := queued[0].Payload.(roomy.CreateRoom)
	assert.Equal(t, "general", payload.Name)
	assert.Equal(t, roomy.RoomKindChannel, payload.Kind)
	require.NotNil(t, queued[0].Extensions.DiscordOrigin)
	assert.Equal(t, "200", queued[0].Extensions.DiscordOrigin.Snowflake)

	mapped, err := env.repo.GetRoomyID(ctx, bridgeid.RoomKey(200))
	require.NoError(t, err)
	assert.Equal(t, room, mapped)

	// Repeat calls return the existing room without emitting again.
	again, err := env.structure.EnsureRoom(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, room, again)
	assert.Empty(t, env.drainRoomy())
}

func TestEnsureRoomAdoptsTopicMarker(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	marked := bridgeid.NewULID()
	ch := &discord.Channel{
		ID:      200,
		GuildID: testGuildID,
		Name:    "general",
		Topic:   "A normal topic " + bridgeid.MakeTopicMarker(marked),
		Type:    discord.ChannelTypeGuildText,
	}

	room, err := env.structure.EnsureRoom(ctx, ch)
	require.NoError(t, err)
	assert.Equal(t, marked, room)
	// Adoption reuses the marked room; no createRoom event is emitted.
	assert.Empty(t, env.drainRoomy())
}

func TestEnsureThread(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	parent := &discord.Channel{ID: 200, GuildID: testGuildID, Name: "general", Type: discord.ChannelTypeGuildText}
	parentRoom, err := env.structure.EnsureRoom(ctx, parent)
	require.NoError(t, err)
	env.drainRoomy()

	thread := &discord.Channel{ID: 210, ParentID: 200, Name: "a thread", Type: discord.ChannelTypePublicThread}
	threadRoom, err := env.structure.EnsureThread(ctx, thread)
	require.NoError(t, err)
	require.NotEmpty(t, threadRoom)

	queued := env.drainRoomy()
	require.Len(t, queued, 2)
	require.Equal(t, roomy.KindCreateRoom, queued[0].Kind)
	assert.Equal(t, roomy.RoomKindThread, queued[0].Payload.(roomy.CreateRoom).Kind)
	require.Equal(t, roomy.KindCreateRoomLink, queued[1].Kind)
	link := queued[1].Payload.(roomy.CreateRoomLink)
	assert.Equal(t, parentRoom, link.Parent)
	assert.Equal(t, threadRoom, link.Child)
	assert.True(t, link.IsCreationLink)

	stored, err := env.repo.GetRoomLink(ctx, parentRoom, threadRoom)
	require.NoError(t, err)
	assert.Equal(t, queued[1].ID, stored)
}

func TestEnsureThreadUnmappedParent(t *testing.T) {
	env := newTestEnv()
	thread := &discord.Channel{ID: 210, ParentID: 200, Name: "orphan", Type: discord.ChannelTypePublicThread}
	_, err := env.structure.EnsureThread(context.Background(), thread)
	assert.ErrorIs(t, err, ErrMappingMissing)
}

func TestHandleChannelDelete(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	ch := &discord.Channel{ID: 200, GuildID: testGuildID, Name: "general", Type: discord.ChannelTypeGuildText}
	room, err := env.structure.EnsureRoom(ctx, ch)
	require.NoError(t, err)
	env.drainRoomy()

	require.NoError(t, env.structure.HandleChannelDelete(ctx, &discord.ChannelDelete{Channel: *ch}))
	queued := env.drainRoomy()
	require.Len(t, queued, 1)
	require.Equal(t, roomy.KindDeleteRoom, queued[0].Kind)
	assert.Equal(t, room, queued[0].Payload.(roomy.DeleteRoom).Room)

	mapped, err := env.repo.GetRoomyID(ctx, bridgeid.RoomKey(200))
	require.NoError(t, err)
	assert.Empty(t, mapped)

	// Deleting an unmapped channel is a no-op.
	require.NoError(t, env.structure.HandleChannelDelete(ctx, &discord.ChannelDelete{
		Channel: discord.Channel{ID: 999, Type: discord.ChannelTypeGuildText},
	}))
	assert.Empty(t, env.drainRoomy())
}

func sidebarTestChannels(t *testing.T, env *testEnv) (room1, room2 bridgeid.ULID, channels []*discord.Channel) {
	t.Helper()
	ctx := context.Background()
	room1 = bridgeid.NewULID()
	room2 = bridgeid.NewULID()
	require.NoError(t, env.repo.RegisterMapping(ctx, bridgeid.RoomKey(201), room1))
	require.NoError(t, env.repo.RegisterMapping(ctx, bridgeid.RoomKey(202), room2))
	channels = []*discord.Channel{
		{ID: 10, Name: "Chat", Type: discord.ChannelTypeGuildCategory, Position: 0},
		{ID: 201, ParentID: 10, Name: "general", Type: discord.ChannelTypeGuildText, Position: 0},
		{ID: 202, Name: "lobby", Type: discord.ChannelTypeGuildText, Position: 1},
	}
	return room1, room2, channels
}

func TestReconcileSidebar(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	room1, room2, channels := sidebarTestChannels(t, env)

	require.NoError(t, env.structure.ReconcileSidebar(ctx, channels))
	queued := env.drainRoomy()
	require.Len(t, queued, 1)
	require.Equal(t, roomy.KindUpdateSidebar, queued[0].Kind)
	payload := queued[0].Payload.(roomy.UpdateSidebar)
	require.Len(t, payload.Categories, 2)
	assert.Equal(t, "Chat", payload.Categories[0].Name)
	assert.Equal(t, []bridgeid.ULID{room1}, payload.Categories[0].Children)
	assert.Equal(t, uncategorizedName, payload.Categories[1].Name)
	assert.Equal(t, []bridgeid.ULID{room2}, payload.Categories[1].Children)
	require.NotNil(t, queued[0].Extensions.DiscordSidebarOrigin)
	assert.Equal(t, SidebarHash(payload.Categories), queued[0].Extensions.DiscordSidebarOrigin.Hash)

	// An unchanged layout reconciles to the same hash and emits nothing.
	require.NoError(t, env.structure.ReconcileSidebar(ctx, channels))
	assert.Empty(t, env.drainRoomy())
}

func TestReconcileSidebarPreservesExistingOrder(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	room1, room2, channels := sidebarTestChannels(t, env)

	require.NoError(t, env.structure.ReconcileSidebar(ctx, channels))
	env.drainRoomy()

	// A channel added to an existing category extends it in place instead of
	// rebuilding the category.
	room3 := bridgeid.NewULID()
	require.NoError(t, env.repo.RegisterMapping(ctx, bridgeid.RoomKey(203), room3))
	channels = append(channels, &discord.Channel{
		ID: 203, ParentID: 10, Name: "random", Type: discord.ChannelTypeGuildText, Position: 1,
	})
	require.NoError(t, env.structure.ReconcileSidebar(ctx, channels))
	queued := env.drainRoomy()
	require.Len(t, queued, 1)
	payload := queued[0].Payload.(roomy.UpdateSidebar)
	require.Len(t, payload.Categories, 2)
	assert.Equal(t, []bridgeid.ULID{room1, room3}, payload.Categories[0].Children)
	assert.Equal(t, []bridgeid.ULID{room2}, payload.Categories[1].Children)
}

func TestSyncSidebarCreatesChannels(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	createEvt := roomy.NewEvent(roomy.CreateRoom{Name: "native-room", Kind: roomy.RoomKindChannel})
	nativeRoom := createEvt.ID
	handled, err := env.structure.SyncRoomyEvent(ctx, createEvt)
	require.NoError(t, err)
	require.True(t, handled)
	// Room creation alone does not materialize a channel.
	assert.Empty(t, env.client.channels)

	sidebarEvt := roomy.NewEvent(roomy.UpdateSidebar{Categories: []roomy.SidebarCategory{
		{ID: bridgeid.NewULID(), Name: "Chat", Children: []bridgeid.ULID{nativeRoom}},
	}})
	handled, err = env.structure.SyncRoomyEvent(ctx, sidebarEvt)
	require.NoError(t, err)
	require.True(t, handled)

	require.Len(t, env.client.channels, 1)
	var created *discord.Channel
	for _, ch := range env.client.channels {
		created = ch
	}
	assert.Equal(t, "native-room", created.Name)
	marked, ok := bridgeid.ParseTopicMarker(created.Topic)
	require.True(t, ok, "created channel must carry a topic marker")
	assert.Equal(t, nativeRoom, marked)

	mapped, err := env.repo.GetRoomyID(ctx, bridgeid.RoomKey(created.ID))
	require.NoError(t, err)
	assert.Equal(t, nativeRoom, mapped)

	// Re-syncing the same sidebar creates nothing new.
	handled, err = env.structure.SyncRoomyEvent(ctx, sidebarEvt)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Len(t, env.client.channels, 1)
}

func TestSyncRoomCreateRename(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	createEvt := roomy.NewEvent(roomy.CreateRoom{Name: "first-name", Kind: roomy.RoomKindChannel})
	_, err := env.structure.SyncRoomyEvent(ctx, createEvt)
	require.NoError(t, err)
	sidebarEvt := roomy.NewEvent(roomy.UpdateSidebar{Categories: []roomy.SidebarCategory{
		{ID: bridgeid.NewULID(), Name: "Chat", Children: []bridgeid.ULID{createEvt.ID}},
	}})
	_, err = env.structure.SyncRoomyEvent(ctx, sidebarEvt)
	require.NoError(t, err)

	// A repeated createRoom with a new name renames the mapped channel.
	rename := &roomy.Event{ID: createEvt.ID, Kind: roomy.KindCreateRoom, Payload: roomy.CreateRoom{
		Name: "second-name", Kind: roomy.RoomKindChannel,
	}}
	_, err = env.structure.SyncRoomyEvent(ctx, rename)
	require.NoError(t, err)
	for _, ch := range env.client.channels {
		assert.Equal(t, "second-name", ch.Name)
	}
}

func TestSyncRoomLinkStartsThread(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	parentRoom := bridgeid.NewULID()
	require.NoError(t, env.repo.RegisterMapping(ctx, bridgeid.RoomKey(200), parentRoom))

	childEvt := roomy.NewEvent(roomy.CreateRoom{Name: "native thread", Kind: roomy.RoomKindThread})
	_, err := env.structure.SyncRoomyEvent(ctx, childEvt)
	require.NoError(t, err)

	linkEvt := roomy.NewEvent(roomy.CreateRoomLink{
		Parent:         parentRoom,
		Child:          childEvt.ID,
		IsCreationLink: true,
	})
	handled, err := env.structure.SyncRoomyEvent(ctx, linkEvt)
	require.NoError(t, err)
	require.True(t, handled)

	require.Len(t, env.client.channels, 1)
	for _, thread := range env.client.channels {
		assert.True(t, thread.Type.IsThread())
		assert.Equal(t, "native thread", thread.Name)
		assert.Equal(t, bridgeid.Snowflake(200), thread.ParentID)
		mapped, err := env.repo.GetRoomyID(ctx, bridgeid.RoomKey(thread.ID))
		require.NoError(t, err)
		assert.Equal(t, childEvt.ID, mapped)
	}

	// Replaying the link after the thread exists is a no-op.
	handled, err = env.structure.SyncRoomyEvent(ctx, linkEvt)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Len(t, env.client.channels, 1)
}

func TestRecoverMappings(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	room := bridgeid.NewULID()
	channels := []*discord.Channel{
		{ID: 200, Name: "general", Topic: bridgeid.MakeTopicMarker(room), Type: discord.ChannelTypeGuildText},
		{ID: 201, Name: "plain", Topic: "no marker here", Type: discord.ChannelTypeGuildText},
	}
	env.structure.RecoverMappings(ctx, channels)

	mapped, err := env.repo.GetRoomyID(ctx, bridgeid.RoomKey(200))
	require.NoError(t, err)
	assert.Equal(t, room, mapped)
	mapped, err = env.repo.GetRoomyID(ctx, bridgeid.RoomKey(201))
	require.NoError(t, err)
	assert.Empty(t, mapped)
}

func TestAbsorbRoomyStructureEvents(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	evt := roomy.NewEvent(roomy.CreateRoom{Name: "general", Kind: roomy.RoomKindChannel})
	evt.Extensions.DiscordOrigin = &roomy.DiscordOrigin{Snowflake: "200", GuildID: testGuildID.String()}
	handled, err := env.structure.AbsorbRoomyEvent(ctx, evt)
	require.NoError(t, err)
	require.True(t, handled)
	mapped, err := env.repo.GetRoomyID(ctx, bridgeid.RoomKey(200))
	require.NoError(t, err)
	assert.Equal(t, evt.ID, mapped)

	del := roomy.NewEvent(roomy.DeleteRoom{Room: evt.ID})
	del.Extensions.DiscordOrigin = &roomy.DiscordOrigin{Snowflake: "200", GuildID: testGuildID.String()}
	handled, err = env.structure.AbsorbRoomyEvent(ctx, del)
	require.NoError(t, err)
	require.True(t, handled)
	mapped, err = env.repo.GetRoomyID(ctx, bridgeid.RoomKey(200))
	require.NoError(t, err)
	assert.Empty(t, mapped)

	// Native structure events are left for the sync path.
	native := roomy.NewEvent(roomy.CreateRoom{Name: "native", Kind: roomy.RoomKindChannel})
	handled, err = env.structure.AbsorbRoomyEvent(ctx, native)
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestSyncSidebarFallbackChannelName(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	// A room the bridge has never seen a createRoom for still gets a channel,
	// named from its room ID.
	unknownRoom := bridgeid.NewULID()
	sidebarEvt := roomy.NewEvent(roomy.UpdateSidebar{Categories: []roomy.SidebarCategory{
		{ID: bridgeid.NewULID(), Name: "Chat", Children: []bridgeid.ULID{unknownRoom}},
	}})
	_, err := env.structure.SyncRoomyEvent(ctx, sidebarEvt)
	require.NoError(t, err)
	require.Len(t, env.client.channels, 1)
	for _, ch := range env.client.channels {
		assert.True(t, strings.HasPrefix(ch.Name, "roomy-"))
	}
}
