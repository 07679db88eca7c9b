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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exzerolog"

	"github.com/roomy-chat/roomy-discord-bridge/config"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgedb"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/connector"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/discord"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/roomy"
)

var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath = flag.String("config", "config.yaml", "path to the config file")

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	exzerolog.SetupDefaults(log)
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Starting roomy-discord-bridge")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = log.WithContext(ctx)

	rawDB, err := dbutil.NewFromConfig("roomy-discord-bridge", cfg.Database,
		dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger()))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db := bridgedb.New(rawDB)
	defer db.Close()
	if err = db.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade database: %w", err)
	}

	client := discord.NewRESTClient(*log, cfg.Discord.Token)
	if err = client.Login(ctx); err != nil {
		return err
	}

	var resolver connector.ProfileResolver
	if cfg.Roomy.ProfileAPIURL != "" {
		resolver = roomy.NewHTTPProfileResolver(cfg.Roomy.ProfileAPIURL, cfg.Roomy.Token)
	}
	streams := func(ctx context.Context, spaceID string) (roomy.Stream, roomy.Publisher, error) {
		stream := roomy.NewStreamClient(*log, cfg.Roomy.APIURL, cfg.Roomy.Token, spaceID)
		return stream, stream, nil
	}
	orch := connector.NewOrchestrator(*log, db, client, streams, resolver)
	defer orch.Stop()
	for _, pairing := range cfg.Pairings {
		if _, err = orch.RegisterPairing(ctx, pairing.GuildID, pairing.SpaceID); err != nil {
			return fmt.Errorf("failed to register pairing for guild %s: %w", pairing.GuildID, err)
		}
	}

	gateway := discord.NewGateway(*log, cfg.Discord.Token, orch.HandleDiscordEvent)
	err = gateway.Run(ctx)
	if ctx.Err() != nil {
		log.Info().Msg("Shutting down")
		return nil
	}
	return err
}
