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

// Package config defines the bridge configuration file.
package config

import (
	"fmt"
	"os"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
)

type DiscordConfig struct {
	Token string `yaml:"token"`
}

type RoomyConfig struct {
	APIURL string `yaml:"api_url"`
	Token  string `yaml:"token"`
	// ProfileAPIURL enables external profile lookups for native Roomy users.
	// Empty disables the resolver.
	ProfileAPIURL string `yaml:"profile_api_url"`
}

type Pairing struct {
	GuildID bridgeid.Snowflake `yaml:"guild_id"`
	SpaceID string             `yaml:"space_id"`
}

type Config struct {
	Discord  DiscordConfig     `yaml:"discord"`
	Roomy    RoomyConfig       `yaml:"roomy"`
	Pairings []Pairing         `yaml:"pairings"`
	Database dbutil.Config     `yaml:"database"`
	Logging  zeroconfig.Config `yaml:"logging"`
}

// Load reads and validates the config file at the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg.Discord.Token == "" {
		return fmt.Errorf("discord.token is required")
	}
	if cfg.Roomy.APIURL == "" {
		return fmt.Errorf("roomy.api_url is required")
	}
	if cfg.Database.URI == "" {
		return fmt.Errorf("database.uri is required")
	}
	seen := make(map[bridgeid.Snowflake]struct{}, len(cfg.Pairings))
	for i, pairing := range cfg.Pairings {
		if pairing.GuildID.IsZero() {
			return fmt.Errorf("pairings[%d].guild_id is required", i)
		}
		if pairing.SpaceID == "" {
			return fmt.Errorf("pairings[%d].space_id is required", i)
		}
		if _, dup := seen[pairing.GuildID]; dup {
			return fmt.Errorf("pairings[%d]: guild %s appears twice", i, pairing.GuildID)
		}
		seen[pairing.GuildID] = struct{}{}
	}
	return nil
}
