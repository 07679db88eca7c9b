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
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgedb"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/discord"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/roomy"
)

// memRepository is the in-memory Repository used by the service tests.
type memRepository struct {
	lock          sync.Mutex
	toRoomy       map[string]bridgeid.ULID
	toDiscord     map[bridgeid.ULID]string
	roomLinks     map[string]bridgeid.ULID
	editInfo      map[bridgeid.Snowflake]*bridgedb.EditInfo
	webhooks      map[bridgeid.Snowflake]*bridgedb.Webhook
	messageHashes map[string]bridgeid.Snowflake
	reactionEvts  map[bridgedb.ReactionKey]bridgeid.ULID
	reactionUsers map[string]map[bridgeid.UserDID]struct{}
	profileHashes map[bridgeid.Snowflake]string
	profiles      map[bridgeid.UserDID]*bridgedb.Profile
	fetchAttempts map[bridgeid.UserDID]time.Time
	sidebarHash   string
	cursors       map[string]int64
}

var _ Repository = (*memRepository)(nil)

func newMemRepository() *memRepository {
	return &memRepository{
		toRoomy:       make(map[string]bridgeid.ULID),
		toDiscord:     make(map[bridgeid.ULID]string),
		roomLinks:     make(map[string]bridgeid.ULID),
		editInfo:      make(map[bridgeid.Snowflake]*bridgedb.EditInfo),
		webhooks:      make(map[bridgeid.Snowflake]*bridgedb.Webhook),
		messageHashes: make(map[string]bridgeid.Snowflake),
		reactionEvts:  make(map[bridgedb.ReactionKey]bridgeid.ULID),
		reactionUsers: make(map[string]map[bridgeid.UserDID]struct{}),
		profileHashes: make(map[bridgeid.Snowflake]string),
		profiles:      make(map[bridgeid.UserDID]*bridgedb.Profile),
		fetchAttempts: make(map[bridgeid.UserDID]time.Time),
		cursors:       make(map[string]int64),
	}
}

func (m *memRepository) GetRoomyID(ctx context.Context, discordID string) (bridgeid.ULID, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.toRoomy[discordID], nil
}

func (m *memRepository) GetDiscordID(ctx context.Context, roomyID bridgeid.ULID) (string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.toDiscord[roomyID], nil
}

func (m *memRepository) RegisterMapping(ctx context.Context, discordID string, roomyID bridgeid.ULID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if existing, ok := m.toRoomy[discordID]; ok {
		if existing == roomyID {
			return nil
		}
		return fmt.Errorf("%w: %s already maps to %s", bridgedb.ErrMappingConflict, discordID, existing)
	}
	if existing, ok := m.toDiscord[roomyID]; ok {
		return fmt.Errorf("%w: %s already maps to %s", bridgedb.ErrMappingConflict, roomyID, existing)
	}
	m.toRoomy[discordID] = roomyID
	m.toDiscord[roomyID] = discordID
	return nil
}

func (m *memRepository) UnregisterMapping(ctx context.Context, discordID string, roomyID bridgeid.ULID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.toRoomy, discordID)
	delete(m.toDiscord, roomyID)
	return nil
}

func (m *memRepository) GetRoomLink(ctx context.Context, parent, child bridgeid.ULID) (bridgeid.ULID, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.roomLinks[string(parent)+"/"+string(child)], nil
}

func (m *memRepository) SetRoomLink(ctx context.Context, parent, child, linkEvent bridgeid.ULID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.roomLinks[string(parent)+"/"+string(child)] = linkEvent
	return nil
}

func (m *memRepository) GetEditInfo(ctx context.Context, messageID bridgeid.Snowflake) (*bridgedb.EditInfo, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.editInfo[messageID], nil
}

func (m *memRepository) SetEditInfo(ctx context.Context, messageID bridgeid.Snowflake, info *bridgedb.EditInfo) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.editInfo[messageID] = &bridgedb.EditInfo{
		EditedAt:    info.EditedAt.Truncate(time.Millisecond),
		ContentHash: info.ContentHash,
	}
	return nil
}

func (m *memRepository) GetWebhook(ctx context.Context, channelID bridgeid.Snowflake) (*bridgedb.Webhook, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.webhooks[channelID], nil
}

func (m *memRepository) SetWebhook(ctx context.Context, channelID bridgeid.Snowflake, webhook *bridgedb.Webhook) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.webhooks[channelID] = webhook
	return nil
}

func (m *memRepository) GetMessageHash(ctx context.Context, channelID bridgeid.Snowflake, hashKey string) (bridgeid.Snowflake, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.messageHashes[channelID.String()+"/"+hashKey], nil
}

func (m *memRepository) PutMessageHash(ctx context.Context, channelID bridgeid.Snowflake, hashKey string, messageID bridgeid.Snowflake) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.messageHashes[channelID.String()+"/"+hashKey] = messageID
	return nil
}

func (m *memRepository) ClearMessageHashes(ctx context.Context, channelID bridgeid.Snowflake) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	prefix := channelID.String() + "/"
	for key := range m.messageHashes {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(m.messageHashes, key)
		}
	}
	return nil
}

func (m *memRepository) GetReactionEvent(ctx context.Context, key bridgedb.ReactionKey) (bridgeid.ULID, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.reactionEvts[key], nil
}

func (m *memRepository) SetReactionEvent(ctx context.Context, key bridgedb.ReactionKey, eventID bridgeid.ULID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.reactionEvts[key] = eventID
	return nil
}

func (m *memRepository) DeleteReactionEvent(ctx context.Context, key bridgedb.ReactionKey) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.reactionEvts, key)
	return nil
}

func reactionSetKey(message bridgeid.ULID, emoji string) string {
	return string(message) + "/" + emoji
}

func (m *memRepository) AddReactionUser(ctx context.Context, message bridgeid.ULID, emoji string, user bridgeid.UserDID) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	key := reactionSetKey(message, emoji)
	if m.reactionUsers[key] == nil {
		m.reactionUsers[key] = make(map[bridgeid.UserDID]struct{})
	}
	m.reactionUsers[key][user] = struct{}{}
	return len(m.reactionUsers[key]), nil
}

func (m *memRepository) RemoveReactionUser(ctx context.Context, message bridgeid.ULID, emoji string, user bridgeid.UserDID) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	key := reactionSetKey(message, emoji)
	delete(m.reactionUsers[key], user)
	return len(m.reactionUsers[key]), nil
}

func (m *memRepository) GetReactionUsers(ctx context.Context, message bridgeid.ULID, emoji string) ([]bridgeid.UserDID, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	var users []bridgeid.UserDID
	for user := range m.reactionUsers[reactionSetKey(message, emoji)] {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

func (m *memRepository) GetProfileHash(ctx context.Context, userID bridgeid.Snowflake) (string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.profileHashes[userID], nil
}

func (m *memRepository) SetProfileHash(ctx context.Context, userID bridgeid.Snowflake, hash string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.profileHashes[userID] = hash
	return nil
}

func (m *memRepository) GetProfile(ctx context.Context, did bridgeid.UserDID) (*bridgedb.Profile, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.profiles[did], nil
}

func (m *memRepository) PutProfile(ctx context.Context, did bridgeid.UserDID, profile *bridgedb.Profile) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.profiles[did] = profile
	return nil
}

func (m *memRepository) GetFetchAttempt(ctx context.Context, did bridgeid.UserDID) (time.Time, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.fetchAttempts[did], nil
}

func (m *memRepository) SetFetchAttempt(ctx context.Context, did bridgeid.UserDID, at time.Time) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.fetchAttempts[did] = at
	return nil
}

func (m *memRepository) GetSidebarHash(ctx context.Context) (string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.sidebarHash, nil
}

func (m *memRepository) SetSidebarHash(ctx context.Context, hash string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.sidebarHash = hash
	return nil
}

func (m *memRepository) GetCursor(ctx context.Context, streamDID string) (int64, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if pos, ok := m.cursors[streamDID]; ok {
		return pos, nil
	}
	return -1, nil
}

func (m *memRepository) SetCursor(ctx context.Context, streamDID string, position int64) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.cursors[streamDID] = position
	return nil
}

func (m *memRepository) Delete(ctx context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	fresh := newMemRepository()
	m.toRoomy = fresh.toRoomy
	m.toDiscord = fresh.toDiscord
	m.roomLinks = fresh.roomLinks
	m.editInfo = fresh.editInfo
	m.webhooks = fresh.webhooks
	m.messageHashes = fresh.messageHashes
	m.reactionEvts = fresh.reactionEvts
	m.reactionUsers = fresh.reactionUsers
	m.profileHashes = fresh.profileHashes
	m.profiles = fresh.profiles
	m.fetchAttempts = fresh.fetchAttempts
	m.sidebarHash = ""
	m.cursors = fresh.cursors
	return nil
}

// fakePublisher records everything sent to the space stream.
type fakePublisher struct {
	lock  sync.Mutex
	sends [][]*roomy.Event
}

func (p *fakePublisher) Send(ctx context.Context, events ...*roomy.Event) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.sends = append(p.sends, events)
	return nil
}

func (p *fakePublisher) all() []*roomy.Event {
	p.lock.Lock()
	defer p.lock.Unlock()
	var flat []*roomy.Event
	for _, batch := range p.sends {
		flat = append(flat, batch...)
	}
	return flat
}

// webhookCall records one ExecuteWebhook invocation.
type webhookCall struct {
	WebhookID bridgeid.Snowflake
	Req       *discord.WebhookExecuteRequest
}

// fakeDiscord implements discord.Client against in-memory fixtures.
type fakeDiscord struct {
	lock         sync.Mutex
	botUser      bridgeid.Snowflake
	channels     map[bridgeid.Snowflake]*discord.Channel
	users        map[bridgeid.Snowflake]*discord.User
	messages     map[bridgeid.Snowflake]*discord.Message
	nextID       bridgeid.Snowflake
	webhookCalls []webhookCall
	reactions    []string
	unreactions  []string
}

var _ discord.Client = (*fakeDiscord)(nil)

func newFakeDiscord() *fakeDiscord {
	return &fakeDiscord{
		botUser:  999,
		channels: make(map[bridgeid.Snowflake]*discord.Channel),
		users:    make(map[bridgeid.Snowflake]*discord.User),
		messages: make(map[bridgeid.Snowflake]*discord.Message),
		nextID:   50000,
	}
}

func (f *fakeDiscord) allocID() bridgeid.Snowflake {
	f.nextID++
	return f.nextID
}

func (f *fakeDiscord) BotUserID() bridgeid.Snowflake {
	return f.botUser
}

func (f *fakeDiscord) Channel(ctx context.Context, channelID bridgeid.Snowflake) (*discord.Channel, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, &discord.APIError{Status: 404, Code: 10003, Message: "Unknown Channel"}
	}
	return ch, nil
}

func (f *fakeDiscord) GuildChannels(ctx context.Context, guildID bridgeid.Snowflake) ([]*discord.Channel, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	var out []*discord.Channel
	for _, ch := range f.channels {
		if !ch.Type.IsThread() {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeDiscord) ActiveThreads(ctx context.Context, guildID bridgeid.Snowflake) ([]*discord.Channel, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	var out []*discord.Channel
	for _, ch := range f.channels {
		if ch.Type.IsThread() {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeDiscord) CreateChannel(ctx context.Context, guildID bridgeid.Snowflake, req *discord.CreateChannelRequest) (*discord.Channel, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	ch := &discord.Channel{
		ID:      f.allocID(),
		GuildID: guildID,
		Name:    req.Name,
		Topic:   req.Topic,
		Type:    req.Type,
	}
	f.channels[ch.ID] = ch
	return ch, nil
}

func (f *fakeDiscord) EditChannel(ctx context.Context, channelID bridgeid.Snowflake, req *discord.EditChannelRequest) (*discord.Channel, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, &discord.APIError{Status: 404, Code: 10003, Message: "Unknown Channel"}
	}
	if req.Name != nil {
		ch.Name = *req.Name
	}
	if req.Topic != nil {
		ch.Topic = *req.Topic
	}
	return ch, nil
}

func (f *fakeDiscord) StartThread(ctx context.Context, channelID bridgeid.Snowflake, name string, messageID bridgeid.Snowflake) (*discord.Channel, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	thread := &discord.Channel{
		ID:       f.allocID(),
		ParentID: channelID,
		Name:     name,
		Type:     discord.ChannelTypePublicThread,
	}
	f.channels[thread.ID] = thread
	return thread, nil
}

func (f *fakeDiscord) Message(ctx context.Context, channelID, messageID bridgeid.Snowflake) (*discord.Message, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	msg, ok := f.messages[messageID]
	if !ok {
		return nil, &discord.APIError{Status: 404, Code: 10008, Message: "Unknown Message"}
	}
	return msg, nil
}

func (f *fakeDiscord) MessagesAfter(ctx context.Context, channelID, after bridgeid.Snowflake, limit int) ([]*discord.Message, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	var out []*discord.Message
	for _, msg := range f.messages {
		if msg.ChannelID == channelID && msg.ID > after {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeDiscord) ReactionUsers(ctx context.Context, channelID, messageID bridgeid.Snowflake, emoji string, after bridgeid.Snowflake, limit int) ([]*discord.User, error) {
	return nil, nil
}

func (f *fakeDiscord) AddReaction(ctx context.Context, channelID, messageID bridgeid.Snowflake, emoji string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.reactions = append(f.reactions, fmt.Sprintf("%s/%s/%s", channelID, messageID, emoji))
	return nil
}

func (f *fakeDiscord) RemoveOwnReaction(ctx context.Context, channelID, messageID bridgeid.Snowflake, emoji string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.unreactions = append(f.unreactions, fmt.Sprintf("%s/%s/%s", channelID, messageID, emoji))
	return nil
}

func (f *fakeDiscord) CreateWebhook(ctx context.Context, channelID bridgeid.Snowflake, name string) (*discord.Webhook, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return &discord.Webhook{ID: f.allocID(), Token: "hook-token", Name: name}, nil
}

func (f *fakeDiscord) ExecuteWebhook(ctx context.Context, webhookID bridgeid.Snowflake, token string, req *discord.WebhookExecuteRequest) (*discord.Message, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.webhookCalls = append(f.webhookCalls, webhookCall{WebhookID: webhookID, Req: req})
	msg := &discord.Message{
		ID:        f.allocID(),
		Content:   req.Content,
		Nonce:     req.Nonce,
		WebhookID: webhookID,
	}
	f.messages[msg.ID] = msg
	return msg, nil
}

func (f *fakeDiscord) EditWebhookMessage(ctx context.Context, webhookID bridgeid.Snowflake, token string, messageID bridgeid.Snowflake, content string) (*discord.Message, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	msg, ok := f.messages[messageID]
	if !ok {
		return nil, &discord.APIError{Status: 404, Code: 10008, Message: "Unknown Message"}
	}
	msg.Content = content
	return msg, nil
}

func (f *fakeDiscord) DeleteWebhookMessage(ctx context.Context, webhookID bridgeid.Snowflake, token string, messageID bridgeid.Snowflake) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	delete(f.messages, messageID)
	return nil
}

func (f *fakeDiscord) User(ctx context.Context, userID bridgeid.Snowflake) (*discord.User, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return nil, &discord.APIError{Status: 404, Message: "Unknown User"}
	}
	return user, nil
}

func (f *fakeDiscord) DownloadAttachment(ctx context.Context, url string, limit int64) ([]byte, error) {
	return []byte("\x89PNG\r\n\x1a\n"), nil
}

const testGuildID = bridgeid.Snowflake(100)

// testEnv bundles the fixtures every service test needs.
type testEnv struct {
	repo       *memRepository
	client     *fakeDiscord
	publisher  *fakePublisher
	sm         *StateMachine
	dispatcher *Dispatcher
	profiles   *ProfileSyncService
	structure  *StructureSyncService
	messages   *MessageSyncService
	reactions  *ReactionSyncService
}

func newTestEnv() *testEnv {
	log := zerolog.Nop()
	repo := newMemRepository()
	client := newFakeDiscord()
	publisher := &fakePublisher{}
	sm := NewStateMachine(log)
	dispatcher := NewDispatcher(log, sm, publisher)
	profiles := NewProfileSyncService(log, repo, dispatcher, nil, testGuildID)
	return &testEnv{
		repo:       repo,
		client:     client,
		publisher:  publisher,
		sm:         sm,
		dispatcher: dispatcher,
		profiles:   profiles,
		structure:  NewStructureSyncService(log, repo, client, dispatcher, testGuildID),
		messages:   NewMessageSyncService(log, repo, client, dispatcher, profiles, testGuildID),
		reactions:  NewReactionSyncService(log, repo, client, dispatcher, testGuildID),
	}
}

// drainRoomy pops every queued Roomy-bound event without publishing.
func (env *testEnv) drainRoomy() []*roomy.Event {
	var out []*roomy.Event
	for {
		evt, ok := env.dispatcher.toRoomy.TryPop()
		if !ok {
			return out
		}
		out = append(out, evt)
	}
}
