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

package roomy

import (
	"encoding/json"
	"fmt"

	"go.mau.fi/util/jsontime"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
)

// Extension bag keys. These are wire identifiers shared with other Roomy
// clients and must not change.
const (
	ExtDiscordOrigin         = "space.roomy.extension.discordOrigin.v0"
	ExtDiscordMessageOrigin  = "space.roomy.extension.discordMessageOrigin.v0"
	ExtDiscordUserOrigin     = "space.roomy.extension.discordUserOrigin.v0"
	ExtDiscordReactionOrigin = "space.roomy.extension.discordReactionOrigin.v0"
	ExtDiscordSidebarOrigin  = "space.roomy.extension.discordSidebarOrigin.v0"
	ExtDiscordRoomLinkOrigin = "space.roomy.extension.discordRoomLinkOrigin.v0"
	ExtAuthorOverride        = "space.roomy.extension.authorOverride.v0"
	ExtTimestampOverride     = "space.roomy.extension.timestampOverride.v0"
	ExtAttachments           = "space.roomy.extension.attachments.v0"
)

// Attachment type identifiers inside the attachments extension.
const (
	AttachmentImage = "space.roomy.attachment.image.v0"
	AttachmentVideo = "space.roomy.attachment.video.v0"
	AttachmentFile  = "space.roomy.attachment.file.v0"
	AttachmentReply = "space.roomy.attachment.reply.v0"
)

// DiscordOrigin marks a room event as having been produced by the bridge
// from a Discord channel or thread.
type DiscordOrigin struct {
	Snowflake string `json:"snowflake"`
	GuildID   string `json:"guildId"`
}

// DiscordMessageOrigin marks a message event as bridged from Discord.
type DiscordMessageOrigin struct {
	Snowflake string `json:"snowflake"`
	ChannelID string `json:"channelId"`
	GuildID   string `json:"guildId"`
}

// DiscordUserOrigin marks a profile event as bridged from Discord. The hash
// is the profile fingerprint at sync time, replayed into the local hash table
// during stream backfill so restarts stay idempotent.
type DiscordUserOrigin struct {
	Snowflake string `json:"snowflake"`
	GuildID   string `json:"guildId"`
	Hash      string `json:"hash,omitempty"`
}

// DiscordReactionOrigin marks a reaction event as bridged from Discord.
// It carries enough of the source tuple to rebuild the reaction key table.
type DiscordReactionOrigin struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	GuildID   string `json:"guildId"`
}

// DiscordSidebarOrigin marks a sidebar update as bridge-generated, carrying
// the sidebar fingerprint for replay.
type DiscordSidebarOrigin struct {
	Hash    string `json:"hash"`
	GuildID string `json:"guildId"`
}

// DiscordRoomLinkOrigin marks a room link as bridge-generated from a Discord
// thread relationship.
type DiscordRoomLinkOrigin struct {
	ParentID string `json:"parentId"`
	ChildID  string `json:"childId"`
	GuildID  string `json:"guildId"`
}

// AuthorOverride attributes the event to a different author than the stream
// writer, used for surrogate Discord identities.
type AuthorOverride struct {
	DID bridgeid.UserDID `json:"did"`
}

// TimestampOverride carries the original Discord timestamp of a bridged event.
type TimestampOverride struct {
	Timestamp jsontime.UnixMilli `json:"timestamp"`
}

// Attachment is one entry in the attachments extension. Reply attachments
// reference another event; media attachments reference external content.
type Attachment struct {
	Type     string        `json:"$type"`
	URL      string        `json:"url,omitempty"`
	Name     string        `json:"name,omitempty"`
	MimeType string        `json:"mimeType,omitempty"`
	Size     int64         `json:"size,omitempty"`
	Message  bridgeid.ULID `json:"message,omitempty"`
}

// Extensions is the decoded extension bag of an event. Unknown extensions are
// preserved verbatim so the bridge never drops data it does not understand.
type Extensions struct {
	DiscordOrigin         *DiscordOrigin
	DiscordMessageOrigin  *DiscordMessageOrigin
	DiscordUserOrigin     *DiscordUserOrigin
	DiscordReactionOrigin *DiscordReactionOrigin
	DiscordSidebarOrigin  *DiscordSidebarOrigin
	DiscordRoomLinkOrigin *DiscordRoomLinkOrigin
	AuthorOverride        *AuthorOverride
	TimestampOverride     *TimestampOverride
	Attachments           []Attachment
	Unknown               map[string]json.RawMessage
}

// OriginGuildID returns the guild ID carried by whichever Discord origin
// extension is present. ok is false when the event has no origin marker at
// all, i.e. it is a native Roomy event.
func (e *Extensions) OriginGuildID() (guildID string, ok bool) {
	switch {
	case e == nil:
		return "", false
	case e.DiscordOrigin != nil:
		return e.DiscordOrigin.GuildID, true
	case e.DiscordMessageOrigin != nil:
		return e.DiscordMessageOrigin.GuildID, true
	case e.DiscordUserOrigin != nil:
		return e.DiscordUserOrigin.GuildID, true
	case e.DiscordReactionOrigin != nil:
		return e.DiscordReactionOrigin.GuildID, true
	case e.DiscordSidebarOrigin != nil:
		return e.DiscordSidebarOrigin.GuildID, true
	case e.DiscordRoomLinkOrigin != nil:
		return e.DiscordRoomLinkOrigin.GuildID, true
	default:
		return "", false
	}
}

// IsEmpty reports whether there is anything to serialize.
func (e *Extensions) IsEmpty() bool {
	return e == nil || (e.DiscordOrigin == nil && e.DiscordMessageOrigin == nil &&
		e.DiscordUserOrigin == nil && e.DiscordReactionOrigin == nil &&
		e.DiscordSidebarOrigin == nil && e.DiscordRoomLinkOrigin == nil &&
		e.AuthorOverride == nil && e.TimestampOverride == nil &&
		len(e.Attachments) == 0 && len(e.Unknown) == 0)
}

type attachmentsExt struct {
	Attachments []Attachment `json:"attachments"`
}

func (e Extensions) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 8+len(e.Unknown))
	for name, raw := range e.Unknown {
		out[name] = raw
	}
	if e.DiscordOrigin != nil {
		out[ExtDiscordOrigin] = e.DiscordOrigin
	}
	if e.DiscordMessageOrigin != nil {
		out[ExtDiscordMessageOrigin] = e.DiscordMessageOrigin
	}
	if e.DiscordUserOrigin != nil {
		out[ExtDiscordUserOrigin] = e.DiscordUserOrigin
	}
	if e.DiscordReactionOrigin != nil {
		out[ExtDiscordReactionOrigin] = e.DiscordReactionOrigin
	}
	if e.DiscordSidebarOrigin != nil {
		out[ExtDiscordSidebarOrigin] = e.DiscordSidebarOrigin
	}
	if e.DiscordRoomLinkOrigin != nil {
		out[ExtDiscordRoomLinkOrigin] = e.DiscordRoomLinkOrigin
	}
	if e.AuthorOverride != nil {
		out[ExtAuthorOverride] = e.AuthorOverride
	}
	if e.TimestampOverride != nil {
		out[ExtTimestampOverride] = e.TimestampOverride
	}
	if len(e.Attachments) > 0 {
		out[ExtAttachments] = attachmentsExt{Attachments: e.Attachments}
	}
	return json.Marshal(out)
}

func (e *Extensions) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Extensions{}
	for name, val := range raw {
		var target any
		switch name {
		case ExtDiscordOrigin:
			e.DiscordOrigin = &DiscordOrigin{}
			target = e.DiscordOrigin
		case ExtDiscordMessageOrigin:
			e.DiscordMessageOrigin = &DiscordMessageOrigin{}
			target = e.DiscordMessageOrigin
		case ExtDiscordUserOrigin:
			e.DiscordUserOrigin = &DiscordUserOrigin{}
			target = e.DiscordUserOrigin
		case ExtDiscordReactionOrigin:
			e.DiscordReactionOrigin = &DiscordReactionOrigin{}
			target = e.DiscordReactionOrigin
		case ExtDiscordSidebarOrigin:
			e.DiscordSidebarOrigin = &DiscordSidebarOrigin{}
			target = e.DiscordSidebarOrigin
		case ExtDiscordRoomLinkOrigin:
			e.DiscordRoomLinkOrigin = &DiscordRoomLinkOrigin{}
			target = e.DiscordRoomLinkOrigin
		case ExtAuthorOverride:
			e.AuthorOverride = &AuthorOverride{}
			target = e.AuthorOverride
		case ExtTimestampOverride:
			e.TimestampOverride = &TimestampOverride{}
			target = e.TimestampOverride
		case ExtAttachments:
			var wrapped attachmentsExt
			if err := json.Unmarshal(val, &wrapped); err != nil {
				return fmt.Errorf("failed to parse attachments extension: %w", err)
			}
			e.Attachments = wrapped.Attachments
			continue
		default:
			if e.Unknown == nil {
				e.Unknown = make(map[string]json.RawMessage)
			}
			e.Unknown[name] = val
			continue
		}
		if err := json.Unmarshal(val, target); err != nil {
			return fmt.Errorf("failed to parse extension %s: %w", name, err)
		}
	}
	return nil
}
