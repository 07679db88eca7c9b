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
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/discord"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/roomy"
)

// uncategorizedName is the sidebar category that collects Discord channels
// without a category.
const uncategorizedName = "general"

// StructureSyncService mirrors the channel/thread topology of the guild into
// Roomy rooms, links and the space sidebar, and materializes native Roomy
// rooms as Discord channels.
type StructureSyncService struct {
	log        zerolog.Logger
	repo       Repository
	client     discord.Client
	dispatcher *Dispatcher
	guildID    bridgeid.Snowflake

	cacheLock sync.Mutex
	// roomMeta tracks what the service knows about every Roomy room it has
	// seen: the display name and whether the room originated on Discord.
	roomMeta map[bridgeid.ULID]*roomMeta
	sidebar  []roomy.SidebarCategory
}

type roomMeta struct {
	name          string
	discordOrigin bool
}

func NewStructureSyncService(log zerolog.Logger, repo Repository, client discord.Client, dispatcher *Dispatcher, guildID bridgeid.Snowflake) *StructureSyncService {
	return &StructureSyncService{
		log:        log.With().Str("service", "structure_sync").Logger(),
		repo:       repo,
		client:     client,
		dispatcher: dispatcher,
		guildID:    guildID,
		roomMeta:   make(map[bridgeid.ULID]*roomMeta),
	}
}

func (ss *StructureSyncService) rememberRoom(room bridgeid.ULID, name string, discordOrigin bool) {
	ss.cacheLock.Lock()
	defer ss.cacheLock.Unlock()
	ss.roomMeta[room] = &roomMeta{name: name, discordOrigin: discordOrigin}
}

func (ss *StructureSyncService) lookupRoom(room bridgeid.ULID) (roomMeta, bool) {
	ss.cacheLock.Lock()
	defer ss.cacheLock.Unlock()
	meta, ok := ss.roomMeta[room]
	if !ok {
		return roomMeta{}, false
	}
	return *meta, true
}

// EnsureRoom guarantees a Roomy room exists for a Discord channel, creating
// and registering it when needed. Channels carrying a topic marker adopt the
// marked room instead of creating a duplicate.
func (ss *StructureSyncService) EnsureRoom(ctx context.Context, ch *discord.Channel) (bridgeid.ULID, error) {
	roomKey := bridgeid.RoomKey(ch.ID)
	existing, err := ss.repo.GetRoomyID(ctx, roomKey)
	if err != nil {
		return "", fmt.Errorf("failed to look up room mapping: %w", err)
	} else if existing != "" {
		return existing, nil
	}
	if marked, ok := bridgeid.ParseTopicMarker(ch.Topic); ok {
		if err = ss.repo.RegisterMapping(ctx, roomKey, marked); err != nil {
			return "", fmt.Errorf("failed to adopt marked room: %w", err)
		}
		ss.rememberRoom(marked, ch.Name, false)
		ss.log.Info().
			Stringer("channel_id", ch.ID).
			Str("room_id", string(marked)).
			Msg("Adopted room mapping from channel topic marker")
		return marked, nil
	}
	evt := roomy.NewEvent(roomy.CreateRoom{Name: ch.Name, Kind: roomy.RoomKindChannel})
	evt.Extensions.DiscordOrigin = &roomy.DiscordOrigin{
		Snowflake: ch.ID.String(),
		GuildID:   ss.guildID.String(),
	}
	if err = ss.repo.RegisterMapping(ctx, roomKey, evt.ID); err != nil {
		return "", fmt.Errorf("failed to register room mapping: %w", err)
	}
	ss.dispatcher.EnqueueRoomy(evt)
	ss.rememberRoom(evt.ID, ch.Name, true)
	ss.log.Info().
		Stringer("channel_id", ch.ID).
		Str("room_id", string(evt.ID)).
		Msg("Created Roomy room for Discord channel")
	return evt.ID, nil
}

// EnsureThread guarantees a Roomy room and a creation link exist for a
// Discord thread. The parent channel must already be mapped.
func (ss *StructureSyncService) EnsureThread(ctx context.Context, thread *discord.Channel) (bridgeid.ULID, error) {
	parentRoom, err := ss.repo.GetRoomyID(ctx, bridgeid.RoomKey(thread.ParentID))
	if err != nil {
		return "", fmt.Errorf("failed to look up parent mapping: %w", err)
	} else if parentRoom == "" {
		return "", fmt.Errorf("%w: thread parent %s is not mapped", ErrMappingMissing, thread.ParentID)
	}
	roomKey := bridgeid.RoomKey(thread.ID)
	existing, err := ss.repo.GetRoomyID(ctx, roomKey)
	if err != nil {
		return "", fmt.Errorf("failed to look up thread mapping: %w", err)
	} else if existing != "" {
		return existing, nil
	}
	roomEvt := roomy.NewEvent(roomy.CreateRoom{Name: thread.Name, Kind: roomy.RoomKindThread})
	roomEvt.Extensions.DiscordOrigin = &roomy.DiscordOrigin{
		Snowflake: thread.ID.String(),
		GuildID:   ss.guildID.String(),
	}
	if err = ss.repo.RegisterMapping(ctx, roomKey, roomEvt.ID); err != nil {
		return "", fmt.Errorf("failed to register thread mapping: %w", err)
	}
	linkEvt := roomy.NewEvent(roomy.CreateRoomLink{
		Parent:         parentRoom,
		Child:          roomEvt.ID,
		IsCreationLink: true,
	})
	linkEvt.Extensions.DiscordRoomLinkOrigin = &roomy.DiscordRoomLinkOrigin{
		ParentID: thread.ParentID.String(),
		ChildID:  thread.ID.String(),
		GuildID:  ss.guildID.String(),
	}
	ss.dispatcher.EnqueueRoomy(roomEvt)
	ss.dispatcher.EnqueueRoomy(linkEvt)
	if err = ss.repo.SetRoomLink(ctx, parentRoom, roomEvt.ID, linkEvt.ID); err != nil {
		return "", fmt.Errorf("failed to store room link: %w", err)
	}
	ss.rememberRoom(roomEvt.ID, thread.Name, true)
	ss.log.Info().
		Stringer("thread_id", thread.ID).
		Str("room_id", string(roomEvt.ID)).
		Msg("Created Roomy thread room for Discord thread")
	return roomEvt.ID, nil
}

// HandleChannelCreate processes a live channel creation from the gateway.
func (ss *StructureSyncService) HandleChannelCreate(ctx context.Context, evt *discord.ChannelCreate) error {
	if evt.Type == discord.ChannelTypeGuildCategory {
		return ss.reconcileSidebarFromGuild(ctx)
	}
	if !evt.Type.IsBridgeable() || evt.Type.IsThread() {
		return nil
	}
	if _, err := ss.EnsureRoom(ctx, &evt.Channel); err != nil {
		return err
	}
	return ss.reconcileSidebarFromGuild(ctx)
}

// HandleChannelUpdate adopts topic markers added after the fact and keeps
// the sidebar in sync with category moves. Channel renames do not propagate
// because the room model has no rename event.
func (ss *StructureSyncService) HandleChannelUpdate(ctx context.Context, evt *discord.ChannelUpdate) error {
	if evt.Type == discord.ChannelTypeGuildCategory {
		return ss.reconcileSidebarFromGuild(ctx)
	}
	if !evt.Type.IsBridgeable() || evt.Type.IsThread() {
		return nil
	}
	if _, err := ss.EnsureRoom(ctx, &evt.Channel); err != nil {
		return err
	}
	return ss.reconcileSidebarFromGuild(ctx)
}

// HandleChannelDelete emits deleteRoom for a mapped channel and drops the
// mapping.
func (ss *StructureSyncService) HandleChannelDelete(ctx context.Context, evt *discord.ChannelDelete) error {
	roomKey := bridgeid.RoomKey(evt.ID)
	room, err := ss.repo.GetRoomyID(ctx, roomKey)
	if err != nil {
		return fmt.Errorf("failed to look up room mapping: %w", err)
	} else if room == "" {
		return nil
	}
	delEvt := roomy.NewEvent(roomy.DeleteRoom{Room: room})
	delEvt.Extensions.DiscordOrigin = &roomy.DiscordOrigin{
		Snowflake: evt.ID.String(),
		GuildID:   ss.guildID.String(),
	}
	ss.dispatcher.EnqueueRoomy(delEvt)
	return ss.repo.UnregisterMapping(ctx, roomKey, room)
}

func (ss *StructureSyncService) HandleThreadCreate(ctx context.Context, evt *discord.ThreadCreate) error {
	_, err := ss.EnsureThread(ctx, &evt.Channel)
	return err
}

func (ss *StructureSyncService) reconcileSidebarFromGuild(ctx context.Context) error {
	channels, err := ss.client.GuildChannels(ctx, ss.guildID)
	if err != nil {
		return fmt.Errorf("failed to fetch guild channels: %w", err)
	}
	return ss.ReconcileSidebar(ctx, channels)
}

// ReconcileSidebar merges the guild's category layout into the space
// sidebar. Existing categories are matched by name and extended, never
// rewritten, so Roomy-side reordering survives. A sidebar update is only
// emitted when the resulting fingerprint differs from the last synced one.
func (ss *StructureSyncService) ReconcileSidebar(ctx context.Context, channels []*discord.Channel) error {
	ss.cacheLock.Lock()
	categories := make([]roomy.SidebarCategory, len(ss.sidebar))
	for i, cat := range ss.sidebar {
		categories[i] = roomy.SidebarCategory{
			ID:       cat.ID,
			Name:     cat.Name,
			Children: append([]bridgeid.ULID(nil), cat.Children...),
		}
	}
	ss.cacheLock.Unlock()

	byName := make(map[string]int, len(categories))
	for i, cat := range categories {
		byName[cat.Name] = i
	}
	present := make(map[bridgeid.ULID]map[bridgeid.ULID]struct{}, len(categories))
	for _, cat := range categories {
		members := make(map[bridgeid.ULID]struct{}, len(cat.Children))
		for _, child := range cat.Children {
			members[child] = struct{}{}
		}
		present[cat.ID] = members
	}

	type guildCategory struct {
		id       bridgeid.Snowflake
		name     string
		position int
	}
	var guildCats []guildCategory
	childrenOf := make(map[bridgeid.Snowflake][]*discord.Channel)
	var uncategorized []*discord.Channel
	for _, ch := range channels {
		switch {
		case ch.Type == discord.ChannelTypeGuildCategory:
			guildCats = append(guildCats, guildCategory{id: ch.ID, name: ch.Name, position: ch.Position})
		case ch.Type.IsBridgeable() && !ch.Type.IsThread():
			if ch.ParentID.IsZero() {
				uncategorized = append(uncategorized, ch)
			} else {
				childrenOf[ch.ParentID] = append(childrenOf[ch.ParentID], ch)
			}
		}
	}
	sort.Slice(guildCats, func(i, j int) bool { return guildCats[i].position < guildCats[j].position })

	mergeInto := func(name string, members []*discord.Channel) error {
		sort.Slice(members, func(i, j int) bool { return members[i].Position < members[j].Position })
		var rooms []bridgeid.ULID
		for _, ch := range members {
			room, err := ss.repo.GetRoomyID(ctx, bridgeid.RoomKey(ch.ID))
			if err != nil {
				return err
			} else if room != "" {
				rooms = append(rooms, room)
			}
		}
		if len(rooms) == 0 {
			return nil
		}
		idx, ok := byName[name]
		if !ok {
			categories = append(categories, roomy.SidebarCategory{ID: bridgeid.NewULID(), Name: name})
			idx = len(categories) - 1
			byName[name] = idx
			present[categories[idx].ID] = make(map[bridgeid.ULID]struct{})
		}
		members2 := present[categories[idx].ID]
		for _, room := range rooms {
			if _, dup := members2[room]; !dup {
				categories[idx].Children = append(categories[idx].Children, room)
				members2[room] = struct{}{}
			}
		}
		return nil
	}
	for _, cat := range guildCats {
		if err := mergeInto(cat.name, childrenOf[cat.id]); err != nil {
			return err
		}
	}
	if err := mergeInto(uncategorizedName, uncategorized); err != nil {
		return err
	}

	hash := SidebarHash(categories)
	stored, err := ss.repo.GetSidebarHash(ctx)
	if err != nil {
		return fmt.Errorf("failed to get sidebar hash: %w", err)
	} else if stored == hash {
		return nil
	}
	evt := roomy.NewEvent(roomy.UpdateSidebar{Categories: categories})
	evt.Extensions.DiscordSidebarOrigin = &roomy.DiscordSidebarOrigin{
		Hash:    hash,
		GuildID: ss.guildID.String(),
	}
	ss.dispatcher.EnqueueRoomy(evt)
	if err = ss.repo.SetSidebarHash(ctx, hash); err != nil {
		return fmt.Errorf("failed to store sidebar hash: %w", err)
	}
	ss.cacheLock.Lock()
	ss.sidebar = categories
	ss.cacheLock.Unlock()
	ss.log.Debug().Int("category_count", len(categories)).Msg("Synced sidebar layout to Roomy")
	return nil
}

// RecoverMappings scans channel topics for sync markers and re-registers any
// mapping lost with the local database. Conflicting markers are logged and
// skipped.
func (ss *StructureSyncService) RecoverMappings(ctx context.Context, channels []*discord.Channel) {
	for _, ch := range channels {
		if !ch.Type.IsBridgeable() || ch.Type.IsThread() {
			continue
		}
		room, ok := bridgeid.ParseTopicMarker(ch.Topic)
		if !ok {
			continue
		}
		roomKey := bridgeid.RoomKey(ch.ID)
		existing, err := ss.repo.GetRoomyID(ctx, roomKey)
		if err != nil {
			ss.log.Err(err).Stringer("channel_id", ch.ID).Msg("Failed to check mapping during recovery")
			continue
		} else if existing != "" {
			continue
		}
		if err = ss.repo.RegisterMapping(ctx, roomKey, room); err != nil {
			ss.log.Warn().Err(err).
				Stringer("channel_id", ch.ID).
				Str("room_id", string(room)).
				Msg("Failed to recover mapping from topic marker")
			continue
		}
		ss.rememberRoom(room, ch.Name, false)
		ss.log.Info().
			Stringer("channel_id", ch.ID).
			Str("room_id", string(room)).
			Msg("Recovered room mapping from topic marker")
	}
}

// AbsorbRoomyEvent replays bridge-emitted structure events into local state.
func (ss *StructureSyncService) AbsorbRoomyEvent(ctx context.Context, evt *roomy.Event) (bool, error) {
	switch payload := evt.Payload.(type) {
	case roomy.CreateRoom:
		origin := evt.Extensions.DiscordOrigin
		if origin == nil {
			return false, nil
		}
		channelID, err := bridgeid.ParseSnowflake(origin.Snowflake)
		if err != nil {
			return true, fmt.Errorf("invalid channel snowflake in room origin: %w", err)
		}
		ss.rememberRoom(evt.ID, payload.Name, true)
		return true, ss.repo.RegisterMapping(ctx, bridgeid.RoomKey(channelID), evt.ID)
	case roomy.DeleteRoom:
		origin := evt.Extensions.DiscordOrigin
		if origin == nil {
			return false, nil
		}
		channelID, err := bridgeid.ParseSnowflake(origin.Snowflake)
		if err != nil {
			return true, fmt.Errorf("invalid channel snowflake in room origin: %w", err)
		}
		return true, ss.repo.UnregisterMapping(ctx, bridgeid.RoomKey(channelID), payload.Room)
	case roomy.CreateRoomLink:
		if evt.Extensions.DiscordRoomLinkOrigin == nil {
			return false, nil
		}
		return true, ss.repo.SetRoomLink(ctx, payload.Parent, payload.Child, evt.ID)
	case roomy.UpdateSidebar:
		origin := evt.Extensions.DiscordSidebarOrigin
		if origin == nil {
			return false, nil
		}
		ss.cacheLock.Lock()
		ss.sidebar = payload.Categories
		ss.cacheLock.Unlock()
		return true, ss.repo.SetSidebarHash(ctx, origin.Hash)
	default:
		return false, nil
	}
}

// SyncRoomyEvent materializes native Roomy structure changes on Discord.
func (ss *StructureSyncService) SyncRoomyEvent(ctx context.Context, evt *roomy.Event) (bool, error) {
	switch payload := evt.Payload.(type) {
	case roomy.CreateRoom:
		return true, ss.syncRoomCreate(ctx, evt, payload)
	case roomy.UpdateSidebar:
		return true, ss.syncSidebar(ctx, payload)
	case roomy.CreateRoomLink:
		return true, ss.syncRoomLink(ctx, evt, payload)
	case roomy.DeleteRoom:
		room := payload.Room
		discordID, err := ss.repo.GetDiscordID(ctx, room)
		if err != nil {
			return true, err
		} else if discordID == "" {
			return true, nil
		}
		// Channel deletion is deliberately not mirrored; only the mapping
		// is dropped so the channel detaches from the deleted room.
		ss.log.Info().
			Str("room_id", string(room)).
			Str("discord_id", discordID).
			Msg("Roomy room deleted, detaching Discord channel")
		return true, ss.repo.UnregisterMapping(ctx, discordID, room)
	case roomy.UpdateParent:
		ss.log.Debug().Str("event_id", string(evt.ID)).Msg("Ignoring updateParent event")
		return true, nil
	default:
		return false, nil
	}
}

// syncRoomCreate records a native room. No channel is created yet: rooms
// become visible on Discord when the sidebar references them, which keeps
// hidden rooms hidden. A repeated createRoom with a new name renames the
// mapped channel.
func (ss *StructureSyncService) syncRoomCreate(ctx context.Context, evt *roomy.Event, payload roomy.CreateRoom) error {
	prev, known := ss.lookupRoom(evt.ID)
	ss.rememberRoom(evt.ID, payload.Name, false)
	if !known || prev.name == payload.Name || prev.discordOrigin {
		return nil
	}
	discordID, err := ss.repo.GetDiscordID(ctx, evt.ID)
	if err != nil || discordID == "" {
		return err
	}
	channelID, ok := bridgeid.ParseRoomKey(discordID)
	if !ok {
		return nil
	}
	_, err = ss.client.EditChannel(ctx, channelID, &discord.EditChannelRequest{Name: ptr.Ptr(payload.Name)})
	if err != nil {
		return fmt.Errorf("failed to rename channel %s: %w", channelID, err)
	}
	return nil
}

// syncSidebar creates Discord channels for native rooms that appear in the
// sidebar and are not mapped yet.
func (ss *StructureSyncService) syncSidebar(ctx context.Context, payload roomy.UpdateSidebar) error {
	ss.cacheLock.Lock()
	ss.sidebar = payload.Categories
	ss.cacheLock.Unlock()
	for _, cat := range payload.Categories {
		for _, room := range cat.Children {
			meta, known := ss.lookupRoom(room)
			if known && meta.discordOrigin {
				continue
			}
			discordID, err := ss.repo.GetDiscordID(ctx, room)
			if err != nil {
				return err
			} else if discordID != "" {
				continue
			}
			name := meta.name
			if name == "" {
				name = "roomy-" + strings.ToLower(string(room[len(room)-6:]))
			}
			ch, err := ss.client.CreateChannel(ctx, ss.guildID, &discord.CreateChannelRequest{
				Name:  name,
				Type:  discord.ChannelTypeGuildText,
				Topic: bridgeid.MakeTopicMarker(room),
			})
			if err != nil {
				return fmt.Errorf("failed to create channel for room %s: %w", room, err)
			}
			if err = ss.repo.RegisterMapping(ctx, bridgeid.RoomKey(ch.ID), room); err != nil {
				return err
			}
			ss.log.Info().
				Str("room_id", string(room)).
				Stringer("channel_id", ch.ID).
				Msg("Created Discord channel for Roomy room")
		}
	}
	return nil
}

// syncRoomLink starts a Discord thread for a native creation link whose
// parent room is already mapped to a channel.
func (ss *StructureSyncService) syncRoomLink(ctx context.Context, evt *roomy.Event, payload roomy.CreateRoomLink) error {
	if !payload.IsCreationLink {
		return nil
	}
	existing, err := ss.repo.GetRoomLink(ctx, payload.Parent, payload.Child)
	if err != nil {
		return err
	} else if existing != "" {
		return nil
	}
	childDiscord, err := ss.repo.GetDiscordID(ctx, payload.Child)
	if err != nil {
		return err
	} else if childDiscord != "" {
		return ss.repo.SetRoomLink(ctx, payload.Parent, payload.Child, evt.ID)
	}
	parentDiscord, err := ss.repo.GetDiscordID(ctx, payload.Parent)
	if err != nil {
		return err
	} else if parentDiscord == "" {
		return fmt.Errorf("%w: link parent room %s is not mapped", ErrMappingMissing, payload.Parent)
	}
	parentChannel, ok := bridgeid.ParseRoomKey(parentDiscord)
	if !ok {
		return fmt.Errorf("link parent room %s maps to non-room id %s", payload.Parent, parentDiscord)
	}
	meta, _ := ss.lookupRoom(payload.Child)
	name := meta.name
	if name == "" {
		name = "thread-" + strings.ToLower(string(payload.Child[len(payload.Child)-6:]))
	}
	thread, err := ss.client.StartThread(ctx, parentChannel, name, 0)
	if err != nil {
		return fmt.Errorf("failed to start thread for room %s: %w", payload.Child, err)
	}
	if err = ss.repo.RegisterMapping(ctx, bridgeid.RoomKey(thread.ID), payload.Child); err != nil {
		return err
	}
	if err = ss.repo.SetRoomLink(ctx, payload.Parent, payload.Child, evt.ID); err != nil {
		return err
	}
	ss.log.Info().
		Str("room_id", string(payload.Child)).
		Stringer("thread_id", thread.ID).
		Msg("Started Discord thread for Roomy room link")
	return nil
}
