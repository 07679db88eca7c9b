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

package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
)

// CreateChannelRequest is the subset of channel creation parameters the
// bridge uses when materializing Roomy rooms on Discord.
type CreateChannelRequest struct {
	Name     string             `json:"name"`
	Type     ChannelType        `json:"type"`
	Topic    string             `json:"topic,omitempty"`
	ParentID bridgeid.Snowflake `json:"parent_id,omitempty"`
}

type EditChannelRequest struct {
	Name  *string `json:"name,omitempty"`
	Topic *string `json:"topic,omitempty"`
}

// WebhookExecuteRequest posts a message through a channel webhook with an
// overridden display identity. Wait makes Discord return the created message.
type WebhookExecuteRequest struct {
	Content   string `json:"content"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	// ThreadID and Wait are sent as query parameters, not in the body.
	ThreadID bridgeid.Snowflake `json:"-"`
	Wait     bool               `json:"-"`
}

// Client is the REST surface of the Discord platform as consumed by the sync
// engine. Implementations are expected to retry rate limits internally; every
// other error is surfaced.
type Client interface {
	// BotUserID returns the ID of the authenticated bot user.
	BotUserID() bridgeid.Snowflake

	Channel(ctx context.Context, channelID bridgeid.Snowflake) (*Channel, error)
	GuildChannels(ctx context.Context, guildID bridgeid.Snowflake) ([]*Channel, error)
	ActiveThreads(ctx context.Context, guildID bridgeid.Snowflake) ([]*Channel, error)
	CreateChannel(ctx context.Context, guildID bridgeid.Snowflake, req *CreateChannelRequest) (*Channel, error)
	EditChannel(ctx context.Context, channelID bridgeid.Snowflake, req *EditChannelRequest) (*Channel, error)
	StartThread(ctx context.Context, channelID bridgeid.Snowflake, name string, messageID bridgeid.Snowflake) (*Channel, error)

	Message(ctx context.Context, channelID, messageID bridgeid.Snowflake) (*Message, error)
	// MessagesAfter pages through channel history oldest-first. after=0
	// starts from the beginning of the channel.
	MessagesAfter(ctx context.Context, channelID, after bridgeid.Snowflake, limit int) ([]*Message, error)

	ReactionUsers(ctx context.Context, channelID, messageID bridgeid.Snowflake, emoji string, after bridgeid.Snowflake, limit int) ([]*User, error)
	AddReaction(ctx context.Context, channelID, messageID bridgeid.Snowflake, emoji string) error
	RemoveOwnReaction(ctx context.Context, channelID, messageID bridgeid.Snowflake, emoji string) error

	CreateWebhook(ctx context.Context, channelID bridgeid.Snowflake, name string) (*Webhook, error)
	ExecuteWebhook(ctx context.Context, webhookID bridgeid.Snowflake, token string, req *WebhookExecuteRequest) (*Message, error)
	EditWebhookMessage(ctx context.Context, webhookID bridgeid.Snowflake, token string, messageID bridgeid.Snowflake, content string) (*Message, error)
	DeleteWebhookMessage(ctx context.Context, webhookID bridgeid.Snowflake, token string, messageID bridgeid.Snowflake) error

	User(ctx context.Context, userID bridgeid.Snowflake) (*User, error)
	DownloadAttachment(ctx context.Context, url string, limit int64) ([]byte, error)
}

// APIError is a structured Discord REST error.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord API error %d (code %d): %s", e.Status, e.Code, e.Message)
}

// JSON error codes the bridge cares about.
const (
	errCodeMissingAccess      = 50001
	errCodeMissingPermissions = 50013
	errCodeUnknownMessage     = 10008
	errCodeUnknownChannel     = 10003
	errCodeUnknownWebhook     = 10015
)

// IsPermissionError reports whether the request failed because the bot lacks
// access, which the bridge treats as skip-and-continue.
func IsPermissionError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == 403 || apiErr.Code == errCodeMissingAccess || apiErr.Code == errCodeMissingPermissions
}

// IsNotFound reports whether the target entity no longer exists.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case errCodeUnknownMessage, errCodeUnknownChannel, errCodeUnknownWebhook:
		return true
	}
	return apiErr.Status == 404
}
