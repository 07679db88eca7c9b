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

// Package bridgedb is the durable mapping store of the bridge. Every table is
// namespaced by the (guild, space) pairing, so one database serves any number
// of bridges and unregistering a pairing can drop its namespace wholesale.
package bridgedb

import (
	"context"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgedb/upgrades"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
)

// ErrMappingConflict is returned when a mapping registration would break the
// bijection between Discord and Roomy IDs.
var ErrMappingConflict = errors.New("mapping already exists with a different counterpart")

type Database struct {
	*dbutil.Database
}

func New(db *dbutil.Database) *Database {
	db.UpgradeTable = upgrades.Table
	return &Database{Database: db}
}

// Repository is the per-pairing view of the database. All methods implicitly
// scope to the pairing's namespace.
type Repository struct {
	DB      *Database
	GuildID bridgeid.Snowflake
	SpaceID string
}

func (db *Database) Repository(guildID bridgeid.Snowflake, spaceID string) *Repository {
	return &Repository{DB: db, GuildID: guildID, SpaceID: spaceID}
}

func (r *Repository) guild() int64 {
	return int64(r.GuildID)
}

var namespaceTables = []string{
	"bridge_mapping", "room_link", "reaction_event", "reaction_user",
	"profile_hash", "profile_mirror", "profile_fetch_attempt",
	"sidebar_hash", "edit_info", "channel_webhook", "message_hash",
	"stream_cursor",
}

// Delete drops the entire namespace of the pairing. Used when a pairing is
// unregistered; there is no way back.
func (r *Repository) Delete(ctx context.Context) error {
	return r.DB.DoTxn(ctx, nil, func(ctx context.Context) error {
		for _, table := range namespaceTables {
			query := fmt.Sprintf("DELETE FROM %s WHERE guild_id=$1 AND space_id=$2", table)
			if _, err := r.DB.Exec(ctx, query, r.guild(), r.SpaceID); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		zerolog.Ctx(ctx).Info().
			Uint64("guild_id", uint64(r.GuildID)).
			Str("space_id", r.SpaceID).
			Msg("Deleted bridge namespace")
		return nil
	})
}
