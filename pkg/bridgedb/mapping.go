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
	"fmt"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
)

const (
	getRoomyIDQuery = `
		SELECT roomy_id FROM bridge_mapping WHERE guild_id=$1 AND space_id=$2 AND discord_id=$3
	`
	getDiscordIDQuery = `
		SELECT discord_id FROM bridge_mapping WHERE guild_id=$1 AND space_id=$2 AND roomy_id=$3
	`
	insertMappingQuery = `
		INSERT INTO bridge_mapping (guild_id, space_id, discord_id, roomy_id) VALUES ($1, $2, $3, $4)
	`
	deleteMappingQuery = `
		DELETE FROM bridge_mapping WHERE guild_id=$1 AND space_id=$2 AND discord_id=$3 AND roomy_id=$4
	`

	getRoomLinkQuery = `
		SELECT link_event FROM room_link WHERE guild_id=$1 AND space_id=$2 AND parent_id=$3 AND child_id=$4
	`
	upsertRoomLinkQuery = `
		INSERT INTO room_link (guild_id, space_id, parent_id, child_id, link_event)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (guild_id, space_id, parent_id, child_id) DO UPDATE SET link_event=excluded.link_event
	`
)

// GetRoomyID resolves a Discord-side key (message snowflake or room key) to
// its Roomy event ID. Returns "" without error when no mapping exists.
func (r *Repository) GetRoomyID(ctx context.Context, discordID string) (bridgeid.ULID, error) {
	var roomyID string
	err := r.DB.QueryRow(ctx, getRoomyIDQuery, r.guild(), r.SpaceID, discordID).Scan(&roomyID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return bridgeid.ULID(roomyID), err
}

// GetDiscordID is the reverse direction of GetRoomyID.
func (r *Repository) GetDiscordID(ctx context.Context, roomyID bridgeid.ULID) (string, error) {
	var discordID string
	err := r.DB.QueryRow(ctx, getDiscordIDQuery, r.guild(), r.SpaceID, string(roomyID)).Scan(&discordID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return discordID, err
}

// RegisterMapping commits both directions of a mapping atomically. Registering
// the exact same pair again is a no-op; registering either side against a
// different counterpart fails with ErrMappingConflict and leaves the stored
// mapping untouched.
func (r *Repository) RegisterMapping(ctx context.Context, discordID string, roomyID bridgeid.ULID) error {
	return r.DB.DoTxn(ctx, nil, func(ctx context.Context) error {
		existingRoomy, err := r.GetRoomyID(ctx, discordID)
		if err != nil {
			return err
		}
		if existingRoomy == roomyID {
			return nil
		}
		existingDiscord, err := r.GetDiscordID(ctx, roomyID)
		if err != nil {
			return err
		}
		if existingRoomy != "" || existingDiscord != "" {
			return fmt.Errorf("%w: %s<->%s (existing %s<->%s)",
				ErrMappingConflict, discordID, roomyID, existingDiscord, existingRoomy)
		}
		_, err = r.DB.Exec(ctx, insertMappingQuery, r.guild(), r.SpaceID, discordID, string(roomyID))
		return err
	})
}

// UnregisterMapping removes both directions. Removing an absent mapping is
// not an error.
func (r *Repository) UnregisterMapping(ctx context.Context, discordID string, roomyID bridgeid.ULID) error {
	_, err := r.DB.Exec(ctx, deleteMappingQuery, r.guild(), r.SpaceID, discordID, string(roomyID))
	return err
}

// GetRoomLink returns the link event that connected a parent room to a child
// room, or "" if none is recorded.
func (r *Repository) GetRoomLink(ctx context.Context, parent, child bridgeid.ULID) (bridgeid.ULID, error) {
	var linkEvent string
	err := r.DB.QueryRow(ctx, getRoomLinkQuery, r.guild(), r.SpaceID, string(parent), string(child)).Scan(&linkEvent)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return bridgeid.ULID(linkEvent), err
}

func (r *Repository) SetRoomLink(ctx context.Context, parent, child, linkEvent bridgeid.ULID) error {
	_, err := r.DB.Exec(ctx, upsertRoomLinkQuery, r.guild(), r.SpaceID, string(parent), string(child), string(linkEvent))
	return err
}
