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
	"time"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgedb"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
)

// Repository is the persistent mapping store of one pairing. The sync
// services only depend on this surface; bridgedb provides the SQL-backed
// implementation, tests use an in-memory one.
type Repository interface {
	GetRoomyID(ctx context.Context, discordID string) (bridgeid.ULID, error)
	GetDiscordID(ctx context.Context, roomyID bridgeid.ULID) (string, error)
	RegisterMapping(ctx context.Context, discordID string, roomyID bridgeid.ULID) error
	UnregisterMapping(ctx context.Context, discordID string, roomyID bridgeid.ULID) error

	GetRoomLink(ctx context.Context, parent, child bridgeid.ULID) (bridgeid.ULID, error)
	SetRoomLink(ctx context.Context, parent, child, linkEvent bridgeid.ULID) error

	GetEditInfo(ctx context.Context, messageID bridgeid.Snowflake) (*bridgedb.EditInfo, error)
	SetEditInfo(ctx context.Context, messageID bridgeid.Snowflake, info *bridgedb.EditInfo) error

	GetWebhook(ctx context.Context, channelID bridgeid.Snowflake) (*bridgedb.Webhook, error)
	SetWebhook(ctx context.Context, channelID bridgeid.Snowflake, webhook *bridgedb.Webhook) error

	GetMessageHash(ctx context.Context, channelID bridgeid.Snowflake, hashKey string) (bridgeid.Snowflake, error)
	PutMessageHash(ctx context.Context, channelID bridgeid.Snowflake, hashKey string, messageID bridgeid.Snowflake) error
	ClearMessageHashes(ctx context.Context, channelID bridgeid.Snowflake) error

	GetReactionEvent(ctx context.Context, key bridgedb.ReactionKey) (bridgeid.ULID, error)
	SetReactionEvent(ctx context.Context, key bridgedb.ReactionKey, eventID bridgeid.ULID) error
	DeleteReactionEvent(ctx context.Context, key bridgedb.ReactionKey) error

	AddReactionUser(ctx context.Context, message bridgeid.ULID, emoji string, user bridgeid.UserDID) (int, error)
	RemoveReactionUser(ctx context.Context, message bridgeid.ULID, emoji string, user bridgeid.UserDID) (int, error)
	GetReactionUsers(ctx context.Context, message bridgeid.ULID, emoji string) ([]bridgeid.UserDID, error)

	GetProfileHash(ctx context.Context, userID bridgeid.Snowflake) (string, error)
	SetProfileHash(ctx context.Context, userID bridgeid.Snowflake, hash string) error

	GetProfile(ctx context.Context, did bridgeid.UserDID) (*bridgedb.Profile, error)
	PutProfile(ctx context.Context, did bridgeid.UserDID, profile *bridgedb.Profile) error

	GetFetchAttempt(ctx context.Context, did bridgeid.UserDID) (time.Time, error)
	SetFetchAttempt(ctx context.Context, did bridgeid.UserDID, at time.Time) error

	GetSidebarHash(ctx context.Context) (string, error)
	SetSidebarHash(ctx context.Context, hash string) error

	GetCursor(ctx context.Context, streamDID string) (int64, error)
	SetCursor(ctx context.Context, streamDID string, position int64) error

	Delete(ctx context.Context) error
}

var _ Repository = (*bridgedb.Repository)(nil)
