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

// Package discord contains the subset of the Discord data model and REST
// surface the bridge consumes, plus a thin client implementation. Rate
// limiting, sharding and cache proxies are the client's problem, not the
// sync engine's.
package discord

import (
	"fmt"
	"time"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
)

type ChannelType int

const (
	ChannelTypeGuildText     ChannelType = 0
	ChannelTypeGuildVoice    ChannelType = 2
	ChannelTypeGuildCategory ChannelType = 4
	ChannelTypeGuildNews     ChannelType = 5
	ChannelTypeNewsThread    ChannelType = 10
	ChannelTypePublicThread  ChannelType = 11
	ChannelTypePrivateThread ChannelType = 12
	ChannelTypeGuildForum    ChannelType = 15
)

// IsThread reports whether the channel is a thread of another channel.
func (ct ChannelType) IsThread() bool {
	switch ct {
	case ChannelTypeNewsThread, ChannelTypePublicThread, ChannelTypePrivateThread:
		return true
	default:
		return false
	}
}

// IsBridgeable reports whether the bridge mirrors channels of this type.
// Voice and media-heavy types are intentionally skipped.
func (ct ChannelType) IsBridgeable() bool {
	switch ct {
	case ChannelTypeGuildText, ChannelTypeGuildNews:
		return true
	default:
		return ct.IsThread()
	}
}

type Channel struct {
	ID       bridgeid.Snowflake `json:"id"`
	GuildID  bridgeid.Snowflake `json:"guild_id,omitempty"`
	ParentID bridgeid.Snowflake `json:"parent_id,omitempty"`
	Name     string             `json:"name"`
	Topic    string             `json:"topic,omitempty"`
	Type     ChannelType        `json:"type"`
	Position int                `json:"position,omitempty"`
}

type User struct {
	ID         bridgeid.Snowflake `json:"id"`
	Username   string             `json:"username"`
	GlobalName string             `json:"global_name,omitempty"`
	Avatar     string             `json:"avatar,omitempty"`
	Bot        bool               `json:"bot,omitempty"`
}

// DisplayName returns the name shown in clients, falling back to the
// username for accounts without a global display name.
func (u *User) DisplayName() string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// AvatarURL returns the CDN URL of the user's avatar, or "" if unset.
func (u *User) AvatarURL() string {
	if u.Avatar == "" {
		return ""
	}
	ext := "png"
	if len(u.Avatar) > 2 && u.Avatar[:2] == "a_" {
		ext = "gif"
	}
	return fmt.Sprintf("https://cdn.discordapp.com/avatars/%s/%s.%s", u.ID, u.Avatar, ext)
}

type MessageType int

const (
	MessageTypeDefault             MessageType = 0
	MessageTypeChannelNameChange   MessageType = 4
	MessageTypeChannelPinnedMsg    MessageType = 6
	MessageTypeGuildMemberJoin     MessageType = 7
	MessageTypeThreadCreated       MessageType = 18
	MessageTypeReply               MessageType = 19
	MessageTypeThreadStarterMsg    MessageType = 21
	MessageTypeAutoModerationAlert MessageType = 24
)

// IsSystem reports whether the message is platform chrome rather than user
// content and must not be bridged.
func (mt MessageType) IsSystem() bool {
	switch mt {
	case MessageTypeChannelNameChange, MessageTypeChannelPinnedMsg,
		MessageTypeGuildMemberJoin, MessageTypeThreadCreated,
		MessageTypeAutoModerationAlert:
		return true
	default:
		return false
	}
}

type Attachment struct {
	ID          bridgeid.Snowflake `json:"id"`
	Filename    string             `json:"filename"`
	ContentType string             `json:"content_type,omitempty"`
	Size        int64              `json:"size"`
	URL         string             `json:"url"`
}

type Embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

type Emoji struct {
	ID       bridgeid.Snowflake `json:"id,omitempty"`
	Name     string             `json:"name"`
	Animated bool               `json:"animated,omitempty"`
}

// IsCustom reports whether the emoji is a guild-specific custom emoji rather
// than a unicode one.
func (e Emoji) IsCustom() bool {
	return !e.ID.IsZero()
}

type Reaction struct {
	Emoji Emoji `json:"emoji"`
	Count int   `json:"count"`
}

type MessageReference struct {
	MessageID bridgeid.Snowflake `json:"message_id,omitempty"`
	ChannelID bridgeid.Snowflake `json:"channel_id,omitempty"`
	GuildID   bridgeid.Snowflake `json:"guild_id,omitempty"`
}

type Message struct {
	ID              bridgeid.Snowflake `json:"id"`
	ChannelID       bridgeid.Snowflake `json:"channel_id"`
	GuildID         bridgeid.Snowflake `json:"guild_id,omitempty"`
	Author          User               `json:"author"`
	Content         string             `json:"content"`
	Timestamp       time.Time          `json:"timestamp"`
	EditedTimestamp *time.Time         `json:"edited_timestamp,omitempty"`
	Type            MessageType        `json:"type"`
	WebhookID       bridgeid.Snowflake `json:"webhook_id,omitempty"`
	Nonce           string             `json:"nonce,omitempty"`
	Attachments     []Attachment       `json:"attachments,omitempty"`
	Embeds          []Embed            `json:"embeds,omitempty"`
	Reactions       []Reaction         `json:"reactions,omitempty"`
	Reference       *MessageReference  `json:"message_reference,omitempty"`
}

type Webhook struct {
	ID    bridgeid.Snowflake `json:"id"`
	Token string             `json:"token"`
	Name  string             `json:"name,omitempty"`
}

// Gateway dispatch payloads routed to the sync engine.

type MessageCreate struct {
	Message
}

type MessageUpdate struct {
	Message
}

type MessageDelete struct {
	ID        bridgeid.Snowflake `json:"id"`
	ChannelID bridgeid.Snowflake `json:"channel_id"`
	GuildID   bridgeid.Snowflake `json:"guild_id,omitempty"`
}

type ChannelCreate struct {
	Channel
}

type ChannelUpdate struct {
	Channel
}

type ChannelDelete struct {
	Channel
}

type ThreadCreate struct {
	Channel
	NewlyCreated bool `json:"newly_created,omitempty"`
}

type ReactionAdd struct {
	UserID    bridgeid.Snowflake `json:"user_id"`
	ChannelID bridgeid.Snowflake `json:"channel_id"`
	MessageID bridgeid.Snowflake `json:"message_id"`
	GuildID   bridgeid.Snowflake `json:"guild_id,omitempty"`
	Emoji     Emoji              `json:"emoji"`
}

type ReactionRemove struct {
	UserID    bridgeid.Snowflake `json:"user_id"`
	ChannelID bridgeid.Snowflake `json:"channel_id"`
	MessageID bridgeid.Snowflake `json:"message_id"`
	GuildID   bridgeid.Snowflake `json:"guild_id,omitempty"`
	Emoji     Emoji              `json:"emoji"`
}
