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
	"regexp"

	"go.mau.fi/util/variationselector"
	"golang.org/x/text/unicode/norm"
)

var (
	customEmojiMention = regexp.MustCompile(`^<a?:([a-zA-Z0-9_~]+):([0-9]+)>$`)
	customEmojiWire    = regexp.MustCompile(`^[a-zA-Z0-9_~]+:[0-9]+$`)
)

// CanonicalizeEmoji normalizes any emoji representation to the canonical
// wire form used in mapping keys and Roomy reaction payloads: custom emoji
// become "name:id", unicode emoji are NFC-normalized with variation
// selectors stripped.
func CanonicalizeEmoji(emoji string) string {
	if match := customEmojiMention.FindStringSubmatch(emoji); match != nil {
		return match[1] + ":" + match[2]
	}
	if customEmojiWire.MatchString(emoji) {
		return emoji
	}
	return variationselector.Remove(norm.NFC.String(emoji))
}

// EmojiToAPI converts a canonical emoji into the form the Discord reaction
// endpoints expect. Unicode emoji are fully qualified again because Discord
// treats the qualified and unqualified forms as distinct reactions.
func EmojiToAPI(canonical string) string {
	if customEmojiWire.MatchString(canonical) {
		return canonical
	}
	return variationselector.FullyQualify(canonical)
}
