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
)

const (
	getSidebarHashQuery = `
		SELECT hash FROM sidebar_hash WHERE guild_id=$1 AND space_id=$2
	`
	upsertSidebarHashQuery = `
		INSERT INTO sidebar_hash (guild_id, space_id, hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (guild_id, space_id) DO UPDATE SET hash=excluded.hash
	`

	getCursorQuery = `
		SELECT position FROM stream_cursor WHERE guild_id=$1 AND space_id=$2 AND stream_did=$3
	`
	upsertCursorQuery = `
		INSERT INTO stream_cursor (guild_id, space_id, stream_did, position)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (guild_id, space_id, stream_did) DO UPDATE SET position=excluded.position
	`
)

// GetSidebarHash returns the fingerprint of the last sidebar synced for the
// pairing, or "" if no sidebar was ever synced.
func (r *Repository) GetSidebarHash(ctx context.Context) (string, error) {
	var hash string
	err := r.DB.QueryRow(ctx, getSidebarHashQuery, r.guild(), r.SpaceID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

func (r *Repository) SetSidebarHash(ctx context.Context, hash string) error {
	_, err := r.DB.Exec(ctx, upsertSidebarHashQuery, r.guild(), r.SpaceID, hash)
	return err
}

// GetCursor returns the stream index after the last fully processed event,
// or -1 when the stream has never been read.
func (r *Repository) GetCursor(ctx context.Context, streamDID string) (int64, error) {
	var position int64
	err := r.DB.QueryRow(ctx, getCursorQuery, r.guild(), r.SpaceID, streamDID).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return position, err
}

func (r *Repository) SetCursor(ctx context.Context, streamDID string, position int64) error {
	_, err := r.DB.Exec(ctx, upsertCursorQuery, r.guild(), r.SpaceID, streamDID, position)
	return err
}
