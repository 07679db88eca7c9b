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

// Package bridgeid contains the identifier types shared by both sides of the
// bridge: Discord snowflakes, Roomy ULIDs and user DIDs, plus the helpers
// that translate between them.
package bridgeid

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Snowflake is a Discord snowflake ID. Discord serializes these as decimal
// strings in JSON to avoid precision loss in JavaScript clients.
type Snowflake uint64

func ParseSnowflake(s string) (Snowflake, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid snowflake %q: %w", s, err)
	}
	return Snowflake(id), nil
}

func (s Snowflake) IsZero() bool {
	return s == 0
}

func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// Timestamp extracts the creation time embedded in the snowflake.
func (s Snowflake) Timestamp() time.Time {
	const discordEpochMS = 1420070400000
	return time.UnixMilli(int64(s>>22) + discordEpochMS)
}

func (s Snowflake) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *Snowflake) UnmarshalJSON(data []byte) error {
	str := strings.Trim(string(data), `"`)
	if str == "" || str == "null" {
		*s = 0
		return nil
	}
	parsed, err := ParseSnowflake(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ULID is a Roomy event ID: 26 characters of Crockford base32, sorting
// lexicographically by creation time.
type ULID string

// NonceLength is the length of the cross-platform nonce derived from a ULID.
// Discord truncates nonces at 25 characters, so the last character is dropped.
const NonceLength = 25

func NewULID() ULID {
	return ULID(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String())
}

func NewULIDAt(ts time.Time) ULID {
	return ULID(ulid.MustNew(ulid.Timestamp(ts), rand.Reader).String())
}

func (u ULID) IsValid() bool {
	_, err := ulid.ParseStrict(string(u))
	return err == nil
}

func (u ULID) String() string {
	return string(u)
}

// Nonce returns the first 25 characters of the ULID, used as the Discord
// message nonce for post-hoc recognition of bridge-sent webhook messages.
func (u ULID) Nonce() string {
	if len(u) < NonceLength {
		return string(u)
	}
	return string(u[:NonceLength])
}

// UserDID is an ATProto-style decentralized identifier for a Roomy user.
type UserDID string

const surrogateDIDPrefix = "did:x:"

// MakeSurrogateDID builds the Roomy-side identity that represents a Discord
// user with no native Roomy account.
func MakeSurrogateDID(userID Snowflake) UserDID {
	return UserDID(surrogateDIDPrefix + userID.String())
}

// ParseSurrogateDID extracts the Discord user ID from a surrogate DID.
// ok is false for native Roomy DIDs (did:plc:..., did:web:...).
func ParseSurrogateDID(did UserDID) (userID Snowflake, ok bool) {
	rest, found := strings.CutPrefix(string(did), surrogateDIDPrefix)
	if !found {
		return 0, false
	}
	userID, err := ParseSnowflake(rest)
	return userID, err == nil
}

// IsSurrogateDID reports whether the DID was minted by the bridge for a
// Discord user. Reactions and messages authored by surrogate DIDs must never
// round-trip back to Discord.
func IsSurrogateDID(did UserDID) bool {
	_, ok := ParseSurrogateDID(did)
	return ok
}

// RoomKey builds the mapping-table key for a Discord channel or thread.
// The prefix keeps room IDs from colliding with message IDs in the same table.
func RoomKey(channelID Snowflake) string {
	return "room:" + channelID.String()
}

func ParseRoomKey(key string) (Snowflake, bool) {
	rest, found := strings.CutPrefix(key, "room:")
	if !found {
		return 0, false
	}
	id, err := ParseSnowflake(rest)
	return id, err == nil
}

var topicMarkerRegex = regexp.MustCompile(`\[Synced from R: ([0-9A-HJKMNP-TV-Z]{26})\]`)

// MakeTopicMarker formats the marker embedded in a Discord channel topic when
// the channel was created from a Roomy room. The marker survives local data
// loss and lets the bridge re-adopt the mapping on recovery.
func MakeTopicMarker(room ULID) string {
	return fmt.Sprintf("[Synced from R: %s]", room)
}

// ParseTopicMarker finds a sync marker anywhere in the topic text.
func ParseTopicMarker(topic string) (ULID, bool) {
	match := topicMarkerRegex.FindStringSubmatch(topic)
	if match == nil {
		return "", false
	}
	return ULID(match[1]), true
}
