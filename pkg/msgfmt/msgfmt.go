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

// Package msgfmt converts Discord message markup into the plain markdown
// dialect stored in Roomy message bodies, and splits long markdown for
// Discord's content length limit.
package msgfmt

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/discord"
)

// Resolver supplies display names for Discord mention targets. Nil funcs and
// "" results both fall back to the raw ID.
type Resolver struct {
	User    func(id bridgeid.Snowflake) string
	Channel func(id bridgeid.Snowflake) string
	Role    func(id bridgeid.Snowflake) string
}

var (
	userMentionRegex    = regexp.MustCompile(`<@!?(\d+)>`)
	channelMentionRegex = regexp.MustCompile(`<#(\d+)>`)
	roleMentionRegex    = regexp.MustCompile(`<@&(\d+)>`)
	timestampRegex      = regexp.MustCompile(`<t:(-?\d+)(?::([tTdDfFR]))?>`)
	customEmojiRegex    = regexp.MustCompile(`<a?:([a-zA-Z0-9_~]+):\d+>`)
)

// ToRoomyMarkdown rewrites Discord-specific markup into plain markdown.
// Discord content is already markdown-shaped; only the angle-bracket escapes
// need translating.
func ToRoomyMarkdown(content string, resolver Resolver) string {
	content = userMentionRegex.ReplaceAllStringFunc(content, func(match string) string {
		id := parseMentionID(userMentionRegex, match)
		return "@" + resolveName(resolver.User, id)
	})
	content = channelMentionRegex.ReplaceAllStringFunc(content, func(match string) string {
		id := parseMentionID(channelMentionRegex, match)
		return "#" + resolveName(resolver.Channel, id)
	})
	content = roleMentionRegex.ReplaceAllStringFunc(content, func(match string) string {
		id := parseMentionID(roleMentionRegex, match)
		return "@" + resolveName(resolver.Role, id)
	})
	content = timestampRegex.ReplaceAllStringFunc(content, func(match string) string {
		groups := timestampRegex.FindStringSubmatch(match)
		unix, err := strconv.ParseInt(groups[1], 10, 64)
		if err != nil {
			return match
		}
		return formatTimestamp(time.Unix(unix, 0).UTC(), groups[2])
	})
	content = customEmojiRegex.ReplaceAllString(content, ":$1:")
	return content
}

func parseMentionID(re *regexp.Regexp, match string) bridgeid.Snowflake {
	id, _ := bridgeid.ParseSnowflake(re.FindStringSubmatch(match)[1])
	return id
}

func resolveName(fn func(bridgeid.Snowflake) string, id bridgeid.Snowflake) string {
	if fn != nil {
		if name := fn(id); name != "" {
			return name
		}
	}
	return id.String()
}

func formatTimestamp(ts time.Time, style string) string {
	switch style {
	case "t":
		return ts.Format("15:04")
	case "T":
		return ts.Format("15:04:05")
	case "d":
		return ts.Format("2006-01-02")
	case "D":
		return ts.Format("2 January 2006")
	default:
		// Relative styles lose meaning once stored, so they get the full
		// absolute form too.
		return ts.Format("2 January 2006 15:04 MST")
	}
}

// FlattenEmbeds renders link embeds as a markdown quote block appended to
// the message content. Returns "" when there is nothing worth keeping.
func FlattenEmbeds(embeds []discord.Embed) string {
	var parts []string
	for _, embed := range embeds {
		var lines []string
		switch {
		case embed.Title != "" && embed.URL != "":
			lines = append(lines, fmt.Sprintf("> **[%s](%s)**", embed.Title, embed.URL))
		case embed.Title != "":
			lines = append(lines, "> **"+embed.Title+"**")
		case embed.URL != "":
			lines = append(lines, "> <"+embed.URL+">")
		}
		if embed.Description != "" {
			for _, line := range strings.Split(embed.Description, "\n") {
				lines = append(lines, "> "+line)
			}
		}
		if len(lines) > 0 {
			parts = append(parts, strings.Join(lines, "\n"))
		}
	}
	return strings.Join(parts, "\n\n")
}
