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

package bridgedb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
)

// EditInfo records the last bridged edit of a Discord message, used to
// reject stale or duplicate edit deliveries.
type EditInfo struct {
	EditedAt    time.Time
	ContentHash string
}

// Webhook is a persisted channel webhook identity.
type Webhook struct {
	ID    bridgeid.Snowflake
	Token string
}

const (
	getEditInfoQuery = `
		SELECT edited_ms, content_hash FROM edit_info WHERE guild_id=$1 AND space_id=$2 AND message_id=$3
	`
	upsertEditInfoQuery = `
		INSERT INTO edit_info (guild_id, space_id, message_id, edited_ms, content_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (guild_id, space_id, message_id) DO UPDATE
			SET edited_ms=excluded.edited_ms, content_hash=excluded.content_hash
	`

	getWebhookQuery = `
		SELECT webhook_id, token FROM channel_webhook WHERE guild_id=$1 AND space_id=$2 AND channel_id=$3
	`
	upsertWebhookQuery = `
		INSERT INTO channel_webhook (guild_id, space_id, channel_id, webhook_id, token)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (guild_id, space_id, channel_id) DO UPDATE
			SET webhook_id=excluded.webhook_id, token=excluded.token
	`

	getMessageHashQuery = `
		SELECT message_id FROM message_hash
		WHERE guild_id=$1 AND space_id=$2 AND channel_id=$3 AND hash_key=$4
	`
	upsertMessageHashQuery = `
		INSERT INTO message_hash (guild_id, space_id, channel_id, hash_key, message_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (guild_id, space_id, channel_id, hash_key) DO UPDATE SET message_id=excluded.message_id
	`
	clearMessageHashesQuery = `
		DELETE FROM message_hash WHERE guild_id=$1 AND space_id=$2 AND channel_id=$3
	`
)

func (r *Repository) GetEditInfo(ctx context.Context, messageID bridgeid.Snowflake) (*EditInfo, error) {
	var editedMS int64
	var contentHash string
	err := r.DB.QueryRow(ctx, getEditInfoQuery, r.guild(), r.SpaceID, int64(messageID)).
		Scan(&editedMS, &contentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &EditInfo{EditedAt: time.UnixMilli(editedMS), ContentHash: contentHash}, nil
}

func (r *Repository) SetEditInfo(ctx context.Context, messageID bridgeid.Snowflake, info *EditInfo) error {
	_, err := r.DB.Exec(ctx, upsertEditInfoQuery, r.guild(), r.SpaceID, int64(messageID),
		info.EditedAt.UnixMilli(), info.ContentHash)
	return err
}

func (r *Repository) GetWebhook(ctx context.Context, channelID bridgeid.Snowflake) (*Webhook, error) {
	var webhookID int64
	var token string
	err := r.DB.QueryRow(ctx, getWebhookQuery, r.guild(), r.SpaceID, int64(channelID)).
		Scan(&webhookID, &token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &Webhook{ID: bridgeid.Snowflake(webhookID), Token: token}, nil
}

func (r *Repository) SetWebhook(ctx context.Context, channelID bridgeid.Snowflake, webhook *Webhook) error {
	_, err := r.DB.Exec(ctx, upsertWebhookQuery, r.guild(), r.SpaceID, int64(channelID),
		int64(webhook.ID), webhook.Token)
	return err
}

// GetMessageHash looks up a reconciliation fingerprint built during the
// Discord backfill. Returns 0 when the fingerprint is unknown.
func (r *Repository) GetMessageHash(ctx context.Context, channelID bridgeid.Snowflake, hashKey string) (bridgeid.Snowflake, error) {
	var messageID int64
	err := r.DB.QueryRow(ctx, getMessageHashQuery, r.guild(), r.SpaceID, int64(channelID), hashKey).
		Scan(&messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return bridgeid.Snowflake(messageID), err
}

func (r *Repository) PutMessageHash(ctx context.Context, channelID bridgeid.Snowflake, hashKey string, messageID bridgeid.Snowflake) error {
	_, err := r.DB.Exec(ctx, upsertMessageHashQuery, r.guild(), r.SpaceID, int64(channelID), hashKey, int64(messageID))
	return err
}

// ClearMessageHashes resets the fingerprint table of one channel before the
// reconciliation walk rebuilds it.
func (r *Repository) ClearMessageHashes(ctx context.Context, channelID bridgeid.Snowflake) error {
	_, err := r.DB.Exec(ctx, clearMessageHashesQuery, r.guild(), r.SpaceID, int64(channelID))
	return err
}
