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

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
)

// ReactionKey identifies one Discord-side reaction instance.
type ReactionKey struct {
	MessageID bridgeid.Snowflake
	UserID    bridgeid.Snowflake
	Emoji     string
}

const (
	getReactionEventQuery = `
		SELECT event_id FROM reaction_event
		WHERE guild_id=$1 AND space_id=$2 AND message_id=$3 AND user_id=$4 AND emoji=$5
	`
	insertReactionEventQuery = `
		INSERT INTO reaction_event (guild_id, space_id, message_id, user_id, emoji, event_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (guild_id, space_id, message_id, user_id, emoji) DO UPDATE SET event_id=excluded.event_id
	`
	deleteReactionEventQuery = `
		DELETE FROM reaction_event
		WHERE guild_id=$1 AND space_id=$2 AND message_id=$3 AND user_id=$4 AND emoji=$5
	`

	insertReactionUserQuery = `
		INSERT INTO reaction_user (guild_id, space_id, message_id, emoji, user_did)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (guild_id, space_id, message_id, emoji, user_did) DO NOTHING
	`
	deleteReactionUserQuery = `
		DELETE FROM reaction_user
		WHERE guild_id=$1 AND space_id=$2 AND message_id=$3 AND emoji=$4 AND user_did=$5
	`
	countReactionUsersQuery = `
		SELECT COUNT(*) FROM reaction_user
		WHERE guild_id=$1 AND space_id=$2 AND message_id=$3 AND emoji=$4
	`
	getReactionUsersQuery = `
		SELECT user_did FROM reaction_user
		WHERE guild_id=$1 AND space_id=$2 AND message_id=$3 AND emoji=$4
		ORDER BY user_did
	`
)

// GetReactionEvent resolves a Discord reaction tuple to the Roomy event that
// bridged it. Returns "" when the reaction was never bridged.
func (r *Repository) GetReactionEvent(ctx context.Context, key ReactionKey) (bridgeid.ULID, error) {
	var eventID string
	err := r.DB.QueryRow(ctx, getReactionEventQuery,
		r.guild(), r.SpaceID, int64(key.MessageID), int64(key.UserID), key.Emoji).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return bridgeid.ULID(eventID), err
}

func (r *Repository) SetReactionEvent(ctx context.Context, key ReactionKey, eventID bridgeid.ULID) error {
	_, err := r.DB.Exec(ctx, insertReactionEventQuery,
		r.guild(), r.SpaceID, int64(key.MessageID), int64(key.UserID), key.Emoji, string(eventID))
	return err
}

func (r *Repository) DeleteReactionEvent(ctx context.Context, key ReactionKey) error {
	_, err := r.DB.Exec(ctx, deleteReactionEventQuery,
		r.guild(), r.SpaceID, int64(key.MessageID), int64(key.UserID), key.Emoji)
	return err
}

// AddReactionUser adds a Roomy user to the aggregate set of one
// (message, emoji) pair and returns the set size afterwards. Adding a user
// that is already present leaves the set unchanged.
func (r *Repository) AddReactionUser(ctx context.Context, message bridgeid.ULID, emoji string, user bridgeid.UserDID) (count int, err error) {
	err = r.DB.DoTxn(ctx, nil, func(ctx context.Context) error {
		_, err := r.DB.Exec(ctx, insertReactionUserQuery, r.guild(), r.SpaceID, string(message), emoji, string(user))
		if err != nil {
			return err
		}
		return r.DB.QueryRow(ctx, countReactionUsersQuery, r.guild(), r.SpaceID, string(message), emoji).Scan(&count)
	})
	return
}

// RemoveReactionUser removes a Roomy user from the aggregate set and returns
// the remaining set size.
func (r *Repository) RemoveReactionUser(ctx context.Context, message bridgeid.ULID, emoji string, user bridgeid.UserDID) (count int, err error) {
	err = r.DB.DoTxn(ctx, nil, func(ctx context.Context) error {
		_, err := r.DB.Exec(ctx, deleteReactionUserQuery, r.guild(), r.SpaceID, string(message), emoji, string(user))
		if err != nil {
			return err
		}
		return r.DB.QueryRow(ctx, countReactionUsersQuery, r.guild(), r.SpaceID, string(message), emoji).Scan(&count)
	})
	return
}

func (r *Repository) GetReactionUsers(ctx context.Context, message bridgeid.ULID, emoji string) ([]bridgeid.UserDID, error) {
	rows, err := r.DB.Query(ctx, getReactionUsersQuery, r.guild(), r.SpaceID, string(message), emoji)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []bridgeid.UserDID
	for rows.Next() {
		var did string
		if err = rows.Scan(&did); err != nil {
			return nil, err
		}
		users = append(users, bridgeid.UserDID(did))
	}
	return users, rows.Err()
}
