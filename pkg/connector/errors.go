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
	"errors"

	"github.com/rs/zerolog"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgedb"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/discord"
)

var (
	// ErrMappingMissing means a prerequisite cross-platform mapping does not
	// exist yet. The operation becomes a no-op until the mapping appears.
	ErrMappingMissing = errors.New("prerequisite mapping missing")
	// ErrStaleEdit means an edit older than the last bridged one was
	// delivered. Expected during reconciliation, skipped silently.
	ErrStaleEdit = errors.New("edit is not newer than the last bridged edit")
)

// logRouteError records a per-event failure at the severity its kind
// deserves. Single-event failures never crash the bridge.
func logRouteError(log *zerolog.Logger, err error, what string) {
	switch {
	case err == nil:
	case errors.Is(err, ErrStaleEdit):
		log.Debug().Err(err).Msg(what)
	case errors.Is(err, ErrMappingMissing):
		log.Warn().Err(err).Msg(what)
	case errors.Is(err, bridgedb.ErrMappingConflict):
		log.Error().Err(err).Msg(what)
	case discord.IsPermissionError(err):
		log.Warn().Err(err).Msg(what)
	default:
		log.Err(err).Msg(what)
	}
}
