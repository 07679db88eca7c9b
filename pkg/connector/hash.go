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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/roomy"
)

// canonicalDigest hashes the canonical JSON form of v and returns the first
// 16 bytes as hex. json.Marshal emits map keys in sorted order, which makes
// the digest stable across runs.
func canonicalDigest(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("canonical digest: %w", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// ContentHash fingerprints message content plus its attachment identifiers.
func ContentHash(content string, attachments []string) string {
	if attachments == nil {
		attachments = []string{}
	}
	return canonicalDigest(map[string]any{
		"content":     content,
		"attachments": attachments,
	})
}

// MessageHashKey builds the reconciliation lookup key for a message. The
// nonce prefix is empty for messages that were never bridged.
func MessageHashKey(noncePrefix, contentHash string) string {
	return noncePrefix + ":" + contentHash
}

// ProfileHash fingerprints the identity-relevant fields of a Discord user.
func ProfileHash(username, globalName, avatar string) string {
	return canonicalDigest(map[string]any{
		"username":    username,
		"global_name": globalName,
		"avatar":      avatar,
	})
}

// SidebarHash fingerprints a sidebar layout by category names and ordered
// room lists. Category IDs are excluded so a rebuilt sidebar with the same
// shape hashes identically.
func SidebarHash(categories []roomy.SidebarCategory) string {
	hashable := make([]map[string]any, len(categories))
	for i, cat := range categories {
		children := make([]string, len(cat.Children))
		for j, child := range cat.Children {
			children[j] = string(child)
		}
		hashable[i] = map[string]any{
			"name":     cat.Name,
			"children": children,
		}
	}
	return canonicalDigest(hashable)
}
