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
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/discord"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/roomy"
)

// fakeStream replays fixed backfill batches and then delivers live batches
// pushed into the live channel.
type fakeStream struct {
	backfill []*roomy.Batch
	live     chan *roomy.Batch
}

func newFakeStream(backfill ...*roomy.Batch) *fakeStream {
	return &fakeStream{backfill: backfill, live: make(chan *roomy.Batch, 16)}
}

func (s *fakeStream) Backfill(ctx context.Context, fromIndex int64, fn roomy.BatchHandler) (string, error) {
	var lastBatchID string
	for _, batch := range s.backfill {
		if batch.LastIndex() < fromIndex {
			continue
		}
		if err := fn(ctx, batch); err != nil {
			return "", err
		}
		lastBatchID = batch.ID
	}
	return lastBatchID, nil
}

func (s *fakeStream) Subscribe(ctx context.Context, fromIndex int64, fn roomy.BatchHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch := <-s.live:
			if err := fn(ctx, batch); err != nil {
				return err
			}
		}
	}
}

func TestBridgeLifecycle(t *testing.T) {
	repo := newMemRepository()
	client := newFakeDiscord()
	publisher := &fakePublisher{}
	client.channels[200] = &discord.Channel{
		ID:      200,
		GuildID: testGuildID,
		Name:    "general",
		Type:    discord.ChannelTypeGuildText,
	}

	// The stream already holds one of the bridge's own echoes (a room created
	// from Discord on a previous run) and one native message in that room.
	roomEvt := roomy.NewEvent(roomy.CreateRoom{Name: "general", Kind: roomy.RoomKindChannel})
	roomEvt.Extensions.DiscordOrigin = &roomy.DiscordOrigin{Snowflake: "200", GuildID: testGuildID.String()}
	nativeMsg := roomy.NewEvent(roomy.CreateMessage{
		Room: roomEvt.ID,
		Body: roomy.MessageBody{MimeType: "text/markdown", Data: []byte("hello from roomy")},
	})
	nativeMsg.Author = "did:plc:alice"
	stream := newFakeStream(&roomy.Batch{ID: "batch-1", FirstIndex: 0, Events: []*roomy.Event{roomEvt, nativeMsg}})

	br := NewBridge(zerolog.Nop(), repo, client, stream, publisher, nil, testGuildID, "space-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() {
		runDone <- br.Run(ctx)
	}()

	awaitCtx, awaitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer awaitCancel()
	require.NoError(t, br.AwaitState(awaitCtx, StateListening))

	// The echo was absorbed into the mapping table instead of looping back.
	mapped, err := repo.GetRoomyID(ctx, bridgeid.RoomKey(200))
	require.NoError(t, err)
	assert.Equal(t, roomEvt.ID, mapped)

	// The native message was delivered through the channel webhook with the
	// event nonce.
	require.Eventually(t, func() bool {
		client.lock.Lock()
		defer client.lock.Unlock()
		return len(client.webhookCalls) == 1
	}, 5*time.Second, 10*time.Millisecond)
	client.lock.Lock()
	assert.Equal(t, "hello from roomy", client.webhookCalls[0].Req.Content)
	assert.Equal(t, nativeMsg.ID.Nonce(), client.webhookCalls[0].Req.Nonce)
	client.lock.Unlock()

	// The cursor sits past the processed batch.
	cursor, err := repo.GetCursor(ctx, "space-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cursor)

	// A live gateway message now bridges immediately.
	msg := testMessage(300, "hello from discord")
	msg.ChannelID = 200
	br.HandleDiscordEvent(ctx, &discord.MessageCreate{Message: *msg})
	require.Eventually(t, func() bool {
		for _, evt := range publisher.all() {
			if evt.Kind == roomy.KindCreateMessage {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-runDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop on context cancellation")
	}
}

func TestBridgeEmptyStreamGoesStraightToListening(t *testing.T) {
	repo := newMemRepository()
	client := newFakeDiscord()
	publisher := &fakePublisher{}
	stream := newFakeStream()

	br := NewBridge(zerolog.Nop(), repo, client, stream, publisher, nil, testGuildID, "space-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = br.Run(ctx)
	}()

	awaitCtx, awaitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer awaitCancel()
	require.NoError(t, br.AwaitState(awaitCtx, StateListening))
	assert.Equal(t, StateListening, br.State())
}

func TestBridgeDropsGatewayEventsBeforeListening(t *testing.T) {
	repo := newMemRepository()
	client := newFakeDiscord()
	publisher := &fakePublisher{}
	br := NewBridge(zerolog.Nop(), repo, client, newFakeStream(), publisher, nil, testGuildID, "space-1")

	// Run has not started, so the bridge is still backfilling the stream.
	msg := testMessage(300, "too early")
	br.HandleDiscordEvent(context.Background(), &discord.MessageCreate{Message: *msg})
	assert.Equal(t, 0, br.dispatcher.toRoomy.Len())
	mapped, err := repo.GetRoomyID(context.Background(), "300")
	require.NoError(t, err)
	assert.Empty(t, mapped)
}
