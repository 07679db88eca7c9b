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

package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const gatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// Gateway intents the bridge needs: guild structure, messages with content,
// and reactions.
const gatewayIntents = 1<<0 | 1<<9 | 1<<10 | 1<<15

const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

// EventHandler receives decoded gateway dispatches. Calls are sequential per
// connection.
type EventHandler func(ctx context.Context, evt any)

// Gateway maintains the Discord websocket connection and turns dispatches
// into typed events for the handler.
type Gateway struct {
	log     zerolog.Logger
	token   string
	handler EventHandler
}

func NewGateway(log zerolog.Logger, token string, handler EventHandler) *Gateway {
	return &Gateway{
		log:     log.With().Str("component", "discord_gateway").Logger(),
		token:   token,
		handler: handler,
	}
}

// Run connects and processes events until the context is cancelled,
// reconnecting with backoff on any connection loss.
func (g *Gateway) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := g.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.log.Warn().Err(err).Dur("backoff", backoff).Msg("Gateway connection lost, reconnecting")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, time.Minute)
	}
}

type gatewayPayload struct {
	Op   int             `json:"op"`
	Type string          `json:"t,omitempty"`
	Seq  int64           `json:"s,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

func (g *Gateway) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial gateway: %w", err)
	}
	defer conn.Close()
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	context.AfterFunc(connCtx, func() {
		_ = conn.Close()
	})

	var hello gatewayPayload
	if err = conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("failed to read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if err = json.Unmarshal(hello.Data, &helloData); err != nil {
		return fmt.Errorf("failed to parse hello: %w", err)
	}

	identify := map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   g.token,
			"intents": gatewayIntents,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "roomy-discord-bridge",
				"device":  "roomy-discord-bridge",
			},
		},
	}
	if err = conn.WriteJSON(identify); err != nil {
		return fmt.Errorf("failed to identify: %w", err)
	}

	var lastSeq int64
	writes := make(chan any, 8)
	go func() {
		ticker := time.NewTicker(time.Duration(helloData.HeartbeatInterval) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case msg := <-writes:
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			case <-ticker.C:
				if err := conn.WriteJSON(map[string]any{"op": opHeartbeat, "d": lastSeq}); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var payload gatewayPayload
		if err = conn.ReadJSON(&payload); err != nil {
			if connCtx.Err() != nil {
				return connCtx.Err()
			}
			return fmt.Errorf("failed to read payload: %w", err)
		}
		if payload.Seq > 0 {
			lastSeq = payload.Seq
		}
		switch payload.Op {
		case opDispatch:
			g.dispatch(connCtx, payload.Type, payload.Data)
		case opHeartbeat:
			select {
			case writes <- map[string]any{"op": opHeartbeat, "d": lastSeq}:
			case <-connCtx.Done():
				return connCtx.Err()
			}
		case opReconnect:
			return errors.New("gateway requested reconnect")
		case opInvalidSession:
			return errors.New("gateway invalidated session")
		case opHeartbeatACK:
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, eventType string, data json.RawMessage) {
	var evt any
	switch eventType {
	case "MESSAGE_CREATE":
		evt = &MessageCreate{}
	case "MESSAGE_UPDATE":
		evt = &MessageUpdate{}
	case "MESSAGE_DELETE":
		evt = &MessageDelete{}
	case "CHANNEL_CREATE":
		evt = &ChannelCreate{}
	case "CHANNEL_UPDATE":
		evt = &ChannelUpdate{}
	case "CHANNEL_DELETE":
		evt = &ChannelDelete{}
	case "THREAD_CREATE":
		evt = &ThreadCreate{}
	case "MESSAGE_REACTION_ADD":
		evt = &ReactionAdd{}
	case "MESSAGE_REACTION_REMOVE":
		evt = &ReactionRemove{}
	default:
		return
	}
	if err := json.Unmarshal(data, evt); err != nil {
		g.log.Warn().Err(err).Str("event_type", eventType).Msg("Failed to parse gateway dispatch")
		return
	}
	g.handler(ctx, evt)
}
