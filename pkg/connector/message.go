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
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgedb"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/discord"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/msgfmt"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/roomy"
)

const (
	// discordMessageLimit is the hard content length limit of the Discord
	// message endpoints.
	discordMessageLimit = 2000
	// attachmentSniffBytes is how much of an attachment gets downloaded to
	// detect the MIME type when Discord does not report one.
	attachmentSniffBytes = 3072
	webhookName          = "Roomy Bridge"
	messageMimeType      = "text/markdown"
)

// MessageSyncService bridges message create/edit/delete in both directions.
type MessageSyncService struct {
	log        zerolog.Logger
	repo       Repository
	client     discord.Client
	dispatcher *Dispatcher
	profiles   *ProfileSyncService
	guildID    bridgeid.Snowflake

	nameLock     sync.Mutex
	mentionNames map[bridgeid.Snowflake]string
}

func NewMessageSyncService(log zerolog.Logger, repo Repository, client discord.Client, dispatcher *Dispatcher, profiles *ProfileSyncService, guildID bridgeid.Snowflake) *MessageSyncService {
	return &MessageSyncService{
		log:          log.With().Str("service", "message_sync").Logger(),
		repo:         repo,
		client:       client,
		dispatcher:   dispatcher,
		profiles:     profiles,
		guildID:      guildID,
		mentionNames: make(map[bridgeid.Snowflake]string),
	}
}

// HandleMessageCreate bridges one Discord message to Roomy and returns the
// created (or previously mapped) event ID. System messages and the bridge's
// own webhook echoes return "" without error.
func (ms *MessageSyncService) HandleMessageCreate(ctx context.Context, msg *discord.Message) (bridgeid.ULID, error) {
	log := zerolog.Ctx(ctx).With().Stringer("message_id", msg.ID).Logger()
	existing, err := ms.repo.GetRoomyID(ctx, msg.ID.String())
	if err != nil {
		return "", fmt.Errorf("failed to look up message mapping: %w", err)
	} else if existing != "" {
		return existing, nil
	}
	if msg.Type.IsSystem() {
		return "", nil
	}
	echo, err := ms.isOwnEcho(ctx, msg)
	if err != nil {
		return "", err
	} else if echo {
		log.Debug().Msg("Ignoring own webhook echo")
		return "", nil
	}
	room, err := ms.repo.GetRoomyID(ctx, bridgeid.RoomKey(msg.ChannelID))
	if err != nil {
		return "", fmt.Errorf("failed to look up room mapping: %w", err)
	} else if room == "" {
		return "", fmt.Errorf("%w: channel %s is not mapped", ErrMappingMissing, msg.ChannelID)
	}
	if err = ms.profiles.SyncDiscordUser(ctx, &msg.Author); err != nil {
		log.Warn().Err(err).Msg("Failed to sync author profile")
	}
	if msg.Type == discord.MessageTypeThreadStarterMsg {
		return ms.bridgeThreadStarter(ctx, msg, room)
	}

	attachments, err := ms.convertAttachments(ctx, msg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to convert some attachments")
	}
	content := ms.renderContent(ctx, msg)
	evt := roomy.NewEvent(roomy.CreateMessage{
		Room: room,
		Body: roomy.MessageBody{MimeType: messageMimeType, Data: []byte(content)},
	})
	ms.applyOriginExtensions(evt, msg, msg.Timestamp)
	evt.Extensions.Attachments = attachments
	if err = ms.repo.RegisterMapping(ctx, msg.ID.String(), evt.ID); err != nil {
		return "", fmt.Errorf("failed to register message mapping: %w", err)
	}
	ms.dispatcher.EnqueueRoomy(evt)
	return evt.ID, nil
}

// bridgeThreadStarter bridges the implicit first message of a thread as a
// forward of the original channel message.
func (ms *MessageSyncService) bridgeThreadStarter(ctx context.Context, msg *discord.Message, room bridgeid.ULID) (bridgeid.ULID, error) {
	if msg.Reference == nil || msg.Reference.MessageID.IsZero() {
		return "", nil
	}
	original, err := ms.repo.GetRoomyID(ctx, msg.Reference.MessageID.String())
	if err != nil {
		return "", err
	}
	if original == "" {
		refMsg, err := ms.client.Message(ctx, msg.Reference.ChannelID, msg.Reference.MessageID)
		if err != nil {
			return "", fmt.Errorf("failed to fetch thread starter source: %w", err)
		}
		original, err = ms.HandleMessageCreate(ctx, refMsg)
		if err != nil {
			return "", fmt.Errorf("failed to bridge thread starter source: %w", err)
		} else if original == "" {
			return "", nil
		}
	}
	evt := roomy.NewEvent(roomy.ForwardMessages{Room: room, Messages: []bridgeid.ULID{original}})
	ms.applyOriginExtensions(evt, msg, msg.Timestamp)
	if err = ms.repo.RegisterMapping(ctx, msg.ID.String(), evt.ID); err != nil {
		return "", fmt.Errorf("failed to register forward mapping: %w", err)
	}
	ms.dispatcher.EnqueueRoomy(evt)
	return evt.ID, nil
}

// HandleMessageUpdate bridges an edit. Updates without an edit timestamp
// (embed unfurls and similar) are ignored, as are edits that are not newer
// than the last bridged one.
func (ms *MessageSyncService) HandleMessageUpdate(ctx context.Context, msg *discord.Message) error {
	if msg.EditedTimestamp == nil {
		return nil
	}
	echo, err := ms.isOwnEcho(ctx, msg)
	if err != nil {
		return err
	} else if echo {
		zerolog.Ctx(ctx).Debug().Stringer("message_id", msg.ID).Msg("Ignoring own webhook edit echo")
		return nil
	}
	target, err := ms.repo.GetRoomyID(ctx, msg.ID.String())
	if err != nil {
		return fmt.Errorf("failed to look up message mapping: %w", err)
	} else if target == "" {
		return fmt.Errorf("%w: edited message %s was never bridged", ErrMappingMissing, msg.ID)
	}
	room, err := ms.repo.GetRoomyID(ctx, bridgeid.RoomKey(msg.ChannelID))
	if err != nil {
		return fmt.Errorf("failed to look up room mapping: %w", err)
	} else if room == "" {
		return fmt.Errorf("%w: channel %s is not mapped", ErrMappingMissing, msg.ChannelID)
	}
	contentHash := ContentHash(msg.Content, attachmentIDs(msg))
	info, err := ms.repo.GetEditInfo(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("failed to get edit info: %w", err)
	}
	if info != nil {
		ts := msg.EditedTimestamp.Truncate(time.Millisecond)
		if ts.Before(info.EditedAt) || (ts.Equal(info.EditedAt) && info.ContentHash == contentHash) {
			return fmt.Errorf("%w: message %s", ErrStaleEdit, msg.ID)
		}
	}
	content := ms.renderContent(ctx, msg)
	evt := roomy.NewEvent(roomy.EditMessage{
		Room:    room,
		Message: target,
		Body:    roomy.MessageBody{MimeType: messageMimeType, Data: []byte(content)},
	})
	ms.applyOriginExtensions(evt, msg, *msg.EditedTimestamp)
	ms.dispatcher.EnqueueRoomy(evt)
	return ms.repo.SetEditInfo(ctx, msg.ID, &bridgedb.EditInfo{
		EditedAt:    *msg.EditedTimestamp,
		ContentHash: contentHash,
	})
}

// HandleMessageDelete bridges a deletion. The message mapping is kept so
// the replayed deleteMessage event absorbs cleanly on restart.
func (ms *MessageSyncService) HandleMessageDelete(ctx context.Context, evt *discord.MessageDelete) error {
	target, err := ms.repo.GetRoomyID(ctx, evt.ID.String())
	if err != nil {
		return fmt.Errorf("failed to look up message mapping: %w", err)
	} else if target == "" {
		return nil
	}
	room, err := ms.repo.GetRoomyID(ctx, bridgeid.RoomKey(evt.ChannelID))
	if err != nil {
		return fmt.Errorf("failed to look up room mapping: %w", err)
	} else if room == "" {
		return fmt.Errorf("%w: channel %s is not mapped", ErrMappingMissing, evt.ChannelID)
	}
	delEvt := roomy.NewEvent(roomy.DeleteMessage{Room: room, Message: target})
	delEvt.Extensions.DiscordMessageOrigin = &roomy.DiscordMessageOrigin{
		Snowflake: evt.ID.String(),
		ChannelID: evt.ChannelID.String(),
		GuildID:   ms.guildID.String(),
	}
	ms.dispatcher.EnqueueRoomy(delEvt)
	return nil
}

func (ms *MessageSyncService) isOwnEcho(ctx context.Context, msg *discord.Message) (bool, error) {
	if msg.WebhookID.IsZero() && msg.Author.ID != ms.client.BotUserID() {
		return false, nil
	}
	webhook, err := ms.repo.GetWebhook(ctx, msg.ChannelID)
	if err != nil {
		return false, fmt.Errorf("failed to get channel webhook: %w", err)
	} else if webhook == nil {
		// Threads echo through the parent channel's webhook.
		ch, err := ms.client.Channel(ctx, msg.ChannelID)
		if err != nil || !ch.Type.IsThread() {
			return false, err
		}
		webhook, err = ms.repo.GetWebhook(ctx, ch.ParentID)
		if err != nil || webhook == nil {
			return false, err
		}
	}
	if !msg.WebhookID.IsZero() {
		return msg.WebhookID == webhook.ID, nil
	}
	return msg.Author.ID == ms.client.BotUserID(), nil
}

func (ms *MessageSyncService) applyOriginExtensions(evt *roomy.Event, msg *discord.Message, ts time.Time) {
	evt.Extensions.DiscordMessageOrigin = &roomy.DiscordMessageOrigin{
		Snowflake: msg.ID.String(),
		ChannelID: msg.ChannelID.String(),
		GuildID:   ms.guildID.String(),
	}
	evt.Extensions.AuthorOverride = &roomy.AuthorOverride{DID: bridgeid.MakeSurrogateDID(msg.Author.ID)}
	evt.Extensions.TimestampOverride = &roomy.TimestampOverride{Timestamp: jsontime.UM(ts)}
}

func (ms *MessageSyncService) renderContent(ctx context.Context, msg *discord.Message) string {
	content := msgfmt.ToRoomyMarkdown(msg.Content, ms.mentionResolver(ctx))
	if flattened := msgfmt.FlattenEmbeds(msg.Embeds); flattened != "" {
		if content != "" {
			content += "\n\n"
		}
		content += flattened
	}
	return content
}

func (ms *MessageSyncService) mentionResolver(ctx context.Context) msgfmt.Resolver {
	return msgfmt.Resolver{
		User: func(id bridgeid.Snowflake) string {
			ms.nameLock.Lock()
			name, ok := ms.mentionNames[id]
			ms.nameLock.Unlock()
			if ok {
				return name
			}
			user, err := ms.client.User(ctx, id)
			if err != nil {
				return ""
			}
			ms.nameLock.Lock()
			ms.mentionNames[id] = user.DisplayName()
			ms.nameLock.Unlock()
			return user.DisplayName()
		},
	}
}

func attachmentIDs(msg *discord.Message) []string {
	if len(msg.Attachments) == 0 {
		return nil
	}
	ids := make([]string, len(msg.Attachments))
	for i, att := range msg.Attachments {
		ids[i] = att.ID.String()
	}
	return ids
}

// convertAttachments builds the Roomy attachment list for a Discord message:
// a reply reference when the message is a mapped reply, then one media entry
// per Discord attachment.
func (ms *MessageSyncService) convertAttachments(ctx context.Context, msg *discord.Message) ([]roomy.Attachment, error) {
	var out []roomy.Attachment
	var firstErr error
	if msg.Type == discord.MessageTypeReply && msg.Reference != nil && !msg.Reference.MessageID.IsZero() {
		target, err := ms.repo.GetRoomyID(ctx, msg.Reference.MessageID.String())
		if err != nil {
			firstErr = err
		} else if target != "" {
			out = append(out, roomy.Attachment{Type: roomy.AttachmentReply, Message: target})
		}
	}
	for _, att := range msg.Attachments {
		mime := att.ContentType
		if mime == "" {
			data, err := ms.client.DownloadAttachment(ctx, att.URL, attachmentSniffBytes)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("failed to sniff attachment %s: %w", att.ID, err)
				}
				mime = "application/octet-stream"
			} else {
				mime = mimetype.Detect(data).String()
			}
		}
		kind := roomy.AttachmentFile
		switch {
		case strings.HasPrefix(mime, "image/"):
			kind = roomy.AttachmentImage
		case strings.HasPrefix(mime, "video/"):
			kind = roomy.AttachmentVideo
		}
		out = append(out, roomy.Attachment{
			Type:     kind,
			URL:      att.URL,
			Name:     att.Filename,
			MimeType: mime,
			Size:     att.Size,
		})
	}
	return out, firstErr
}

// AbsorbRoomyEvent replays bridge-emitted message events into local state.
func (ms *MessageSyncService) AbsorbRoomyEvent(ctx context.Context, evt *roomy.Event) (bool, error) {
	origin := evt.Extensions.DiscordMessageOrigin
	switch payload := evt.Payload.(type) {
	case roomy.CreateMessage, roomy.ForwardMessages:
		if origin == nil {
			return false, nil
		}
		return true, ms.repo.RegisterMapping(ctx, origin.Snowflake, evt.ID)
	case roomy.EditMessage:
		if origin == nil {
			return false, nil
		}
		msgID, err := bridgeid.ParseSnowflake(origin.Snowflake)
		if err != nil {
			return true, fmt.Errorf("invalid message snowflake in edit origin: %w", err)
		}
		if evt.Extensions.TimestampOverride == nil {
			return true, nil
		}
		return true, ms.repo.SetEditInfo(ctx, msgID, &bridgedb.EditInfo{
			EditedAt:    evt.Extensions.TimestampOverride.Timestamp.Time,
			ContentHash: ContentHash(string(payload.Body.Data), nil),
		})
	case roomy.DeleteMessage:
		if origin == nil {
			return false, nil
		}
		// Mapping intentionally survives deletion.
		return true, nil
	default:
		return false, nil
	}
}

// SyncRoomyEvent materializes native Roomy message events on Discord via the
// channel webhook.
func (ms *MessageSyncService) SyncRoomyEvent(ctx context.Context, evt *roomy.Event) (bool, error) {
	switch payload := evt.Payload.(type) {
	case roomy.CreateMessage:
		return true, ms.syncCreate(ctx, evt, payload)
	case roomy.EditMessage:
		return true, ms.syncEdit(ctx, evt, payload)
	case roomy.DeleteMessage:
		return true, ms.syncDelete(ctx, evt, payload)
	case roomy.ForwardMessages:
		zerolog.Ctx(ctx).Debug().
			Str("event_id", string(evt.ID)).
			Msg("Not bridging native forwardMessages event to Discord")
		return true, nil
	default:
		return false, nil
	}
}

func (ms *MessageSyncService) syncCreate(ctx context.Context, evt *roomy.Event, payload roomy.CreateMessage) error {
	log := zerolog.Ctx(ctx).With().Str("event_id", string(evt.ID)).Logger()
	existing, err := ms.repo.GetDiscordID(ctx, evt.ID)
	if err != nil {
		return err
	} else if existing != "" {
		return nil
	}
	channelID, threadID, err := ms.resolveTarget(ctx, payload.Room)
	if err != nil {
		return err
	}
	content := string(payload.Body.Data)
	hashChannel := channelID
	if !threadID.IsZero() {
		hashChannel = threadID
	}
	// Reconciliation: if an identical message was already delivered before a
	// crash, adopt it instead of sending a duplicate.
	contentHash := ContentHash(content, nil)
	for _, key := range []string{MessageHashKey(evt.ID.Nonce(), contentHash), MessageHashKey("", contentHash)} {
		msgID, err := ms.repo.GetMessageHash(ctx, hashChannel, key)
		if err != nil {
			return err
		} else if !msgID.IsZero() {
			log.Debug().Stringer("message_id", msgID).Msg("Adopted previously delivered message during reconciliation")
			return ms.repo.RegisterMapping(ctx, msgID.String(), evt.ID)
		}
	}
	webhook, err := ms.ensureWebhook(ctx, channelID)
	if err != nil {
		return err
	}
	username, avatarURL := ms.senderIdentity(ctx, evt.Author)
	var sent *discord.Message
	for i, chunk := range msgfmt.Split(content, discordMessageLimit) {
		req := &discord.WebhookExecuteRequest{
			Content:   chunk,
			Username:  username,
			AvatarURL: avatarURL,
			ThreadID:  threadID,
			Wait:      true,
		}
		if i == 0 {
			req.Nonce = evt.ID.Nonce()
		}
		msg, err := ms.client.ExecuteWebhook(ctx, webhook.ID, webhook.Token, req)
		if err != nil {
			return fmt.Errorf("failed to execute webhook: %w", err)
		}
		if i == 0 {
			sent = msg
		}
	}
	if sent == nil {
		return nil
	}
	return ms.repo.RegisterMapping(ctx, sent.ID.String(), evt.ID)
}

func (ms *MessageSyncService) syncEdit(ctx context.Context, evt *roomy.Event, payload roomy.EditMessage) error {
	discordID, err := ms.repo.GetDiscordID(ctx, payload.Message)
	if err != nil {
		return err
	} else if discordID == "" {
		return fmt.Errorf("%w: edited event %s was never bridged", ErrMappingMissing, payload.Message)
	}
	msgID, err := bridgeid.ParseSnowflake(discordID)
	if err != nil {
		return fmt.Errorf("event %s maps to non-message id %s", payload.Message, discordID)
	}
	channelID, _, err := ms.resolveTarget(ctx, payload.Room)
	if err != nil {
		return err
	}
	webhook, err := ms.ensureWebhook(ctx, channelID)
	if err != nil {
		return err
	}
	chunks := msgfmt.Split(string(payload.Body.Data), discordMessageLimit)
	if len(chunks) == 0 {
		return nil
	}
	_, err = ms.client.EditWebhookMessage(ctx, webhook.ID, webhook.Token, msgID, chunks[0])
	if err != nil {
		return fmt.Errorf("failed to edit webhook message: %w", err)
	}
	return nil
}

func (ms *MessageSyncService) syncDelete(ctx context.Context, evt *roomy.Event, payload roomy.DeleteMessage) error {
	discordID, err := ms.repo.GetDiscordID(ctx, payload.Message)
	if err != nil {
		return err
	} else if discordID == "" {
		return nil
	}
	msgID, err := bridgeid.ParseSnowflake(discordID)
	if err != nil {
		return fmt.Errorf("event %s maps to non-message id %s", payload.Message, discordID)
	}
	channelID, _, err := ms.resolveTarget(ctx, payload.Room)
	if err != nil {
		return err
	}
	webhook, err := ms.ensureWebhook(ctx, channelID)
	if err != nil {
		return err
	}
	err = ms.client.DeleteWebhookMessage(ctx, webhook.ID, webhook.Token, msgID)
	if err != nil && !discord.IsNotFound(err) {
		return fmt.Errorf("failed to delete webhook message: %w", err)
	}
	// Dropping the mapping makes the gateway echo of this deletion a no-op.
	return ms.repo.UnregisterMapping(ctx, discordID, payload.Message)
}

// resolveTarget maps a Roomy room to the Discord channel to post in. For
// thread rooms the returned channelID is the parent (webhooks live on
// parents) and threadID the thread itself.
func (ms *MessageSyncService) resolveTarget(ctx context.Context, room bridgeid.ULID) (channelID, threadID bridgeid.Snowflake, err error) {
	discordID, err := ms.repo.GetDiscordID(ctx, room)
	if err != nil {
		return 0, 0, err
	} else if discordID == "" {
		return 0, 0, fmt.Errorf("%w: room %s is not mapped", ErrMappingMissing, room)
	}
	channelID, ok := bridgeid.ParseRoomKey(discordID)
	if !ok {
		return 0, 0, fmt.Errorf("room %s maps to non-room id %s", room, discordID)
	}
	ch, err := ms.client.Channel(ctx, channelID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to fetch channel %s: %w", channelID, err)
	}
	if ch.Type.IsThread() {
		return ch.ParentID, ch.ID, nil
	}
	return ch.ID, 0, nil
}

// ensureWebhook returns the bridge webhook of a channel, creating and
// persisting one on first use.
func (ms *MessageSyncService) ensureWebhook(ctx context.Context, channelID bridgeid.Snowflake) (*bridgedb.Webhook, error) {
	webhook, err := ms.repo.GetWebhook(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel webhook: %w", err)
	} else if webhook != nil {
		return webhook, nil
	}
	created, err := ms.client.CreateWebhook(ctx, channelID, webhookName)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook: %w", err)
	}
	webhook = &bridgedb.Webhook{ID: created.ID, Token: created.Token}
	if err = ms.repo.SetWebhook(ctx, channelID, webhook); err != nil {
		return nil, fmt.Errorf("failed to store webhook: %w", err)
	}
	return webhook, nil
}

func (ms *MessageSyncService) senderIdentity(ctx context.Context, author bridgeid.UserDID) (username, avatarURL string) {
	profile, err := ms.profiles.GetProfile(ctx, author)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("did", string(author)).Msg("Failed to resolve sender profile")
	}
	if profile != nil {
		if profile.Name != "" {
			return profile.Name, profile.Avatar
		}
		if profile.Handle != "" {
			return profile.Handle, profile.Avatar
		}
	}
	username = string(author)
	if len(username) > 80 {
		username = username[:80]
	}
	return username, ""
}
