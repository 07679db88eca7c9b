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

// Profile is a Roomy user profile as cached by the bridge.
type Profile struct {
	Name   string
	Avatar string
	Handle string
}

const (
	getProfileHashQuery = `
		SELECT hash FROM profile_hash WHERE guild_id=$1 AND space_id=$2 AND user_id=$3
	`
	upsertProfileHashQuery = `
		INSERT INTO profile_hash (guild_id, space_id, user_id, hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (guild_id, space_id, user_id) DO UPDATE SET hash=excluded.hash
	`

	getProfileQuery = `
		SELECT name, avatar, handle FROM profile_mirror WHERE guild_id=$1 AND space_id=$2 AND user_did=$3
	`
	upsertProfileQuery = `
		INSERT INTO profile_mirror (guild_id, space_id, user_did, name, avatar, handle)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (guild_id, space_id, user_did) DO UPDATE
			SET name=excluded.name, avatar=excluded.avatar, handle=excluded.handle
	`

	getFetchAttemptQuery = `
		SELECT attempt_ms FROM profile_fetch_attempt WHERE guild_id=$1 AND space_id=$2 AND user_did=$3
	`
	upsertFetchAttemptQuery = `
		INSERT INTO profile_fetch_attempt (guild_id, space_id, user_did, attempt_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (guild_id, space_id, user_did) DO UPDATE SET attempt_ms=excluded.attempt_ms
	`
)

// GetProfileHash returns the fingerprint of the last profile synced for a
// Discord user, or "" if the user was never synced.
func (r *Repository) GetProfileHash(ctx context.Context, userID bridgeid.Snowflake) (string, error) {
	var hash string
	err := r.DB.QueryRow(ctx, getProfileHashQuery, r.guild(), r.SpaceID, int64(userID)).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

func (r *Repository) SetProfileHash(ctx context.Context, userID bridgeid.Snowflake, hash string) error {
	_, err := r.DB.Exec(ctx, upsertProfileHashQuery, r.guild(), r.SpaceID, int64(userID), hash)
	return err
}

// GetProfile reads the durable mirror of a Roomy user profile.
func (r *Repository) GetProfile(ctx context.Context, did bridgeid.UserDID) (*Profile, error) {
	var profile Profile
	err := r.DB.QueryRow(ctx, getProfileQuery, r.guild(), r.SpaceID, string(did)).
		Scan(&profile.Name, &profile.Avatar, &profile.Handle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (r *Repository) PutProfile(ctx context.Context, did bridgeid.UserDID, profile *Profile) error {
	_, err := r.DB.Exec(ctx, upsertProfileQuery, r.guild(), r.SpaceID, string(did),
		profile.Name, profile.Avatar, profile.Handle)
	return err
}

// GetFetchAttempt returns when an external profile lookup for the DID was
// last attempted. The zero time means never.
func (r *Repository) GetFetchAttempt(ctx context.Context, did bridgeid.UserDID) (time.Time, error) {
	var attemptMS int64
	err := r.DB.QueryRow(ctx, getFetchAttemptQuery, r.guild(), r.SpaceID, string(did)).Scan(&attemptMS)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	} else if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(attemptMS), nil
}

func (r *Repository) SetFetchAttempt(ctx context.Context, did bridgeid.UserDID, at time.Time) error {
	_, err := r.DB.Exec(ctx, upsertFetchAttemptQuery, r.guild(), r.SpaceID, string(did), at.UnixMilli())
	return err
}
