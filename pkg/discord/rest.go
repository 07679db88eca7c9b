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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
)

const (
	defaultBaseURL   = "https://discord.com/api/v10"
	maxRetryAttempts = 5
)

// RESTClient is the Client implementation backed by the Discord HTTP API.
// Rate limits (429) are retried internally with the server-provided delay.
type RESTClient struct {
	log     zerolog.Logger
	http    *http.Client
	baseURL string
	token   string
	botUser bridgeid.Snowflake
}

var _ Client = (*RESTClient)(nil)

func NewRESTClient(log zerolog.Logger, token string) *RESTClient {
	return &RESTClient{
		log:     log.With().Str("component", "discord_rest").Logger(),
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: defaultBaseURL,
		token:   token,
	}
}

// Login resolves the authenticated bot user. Must be called once before the
// client is handed to the sync engine.
func (c *RESTClient) Login(ctx context.Context) error {
	var me User
	if err := c.request(ctx, http.MethodGet, "/users/@me", nil, &me); err != nil {
		return fmt.Errorf("failed to fetch own user: %w", err)
	}
	c.botUser = me.ID
	c.log.Info().Stringer("bot_user_id", me.ID).Str("username", me.Username).Msg("Authenticated with Discord")
	return nil
}

func (c *RESTClient) BotUserID() bridgeid.Snowflake {
	return c.botUser
}

func (c *RESTClient) request(ctx context.Context, method, path string, body, out any) error {
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(reqBody))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bot "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		data, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxRetryAttempts {
			var rl struct {
				RetryAfter float64 `json:"retry_after"`
			}
			_ = json.Unmarshal(data, &rl)
			delay := time.Duration(rl.RetryAfter * float64(time.Second))
			if delay <= 0 {
				delay = time.Second
			}
			c.log.Debug().
				Str("path", path).
				Dur("retry_after", delay).
				Msg("Rate limited, waiting before retry")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if resp.StatusCode >= 400 {
			apiErr := &APIError{Status: resp.StatusCode}
			_ = json.Unmarshal(data, apiErr)
			return apiErr
		}
		if out != nil && len(data) > 0 {
			if err = json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("failed to parse response: %w", err)
			}
		}
		return nil
	}
}

func (c *RESTClient) Channel(ctx context.Context, channelID bridgeid.Snowflake) (*Channel, error) {
	var ch Channel
	err := c.request(ctx, http.MethodGet, "/channels/"+channelID.String(), nil, &ch)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *RESTClient) GuildChannels(ctx context.Context, guildID bridgeid.Snowflake) ([]*Channel, error) {
	var channels []*Channel
	err := c.request(ctx, http.MethodGet, "/guilds/"+guildID.String()+"/channels", nil, &channels)
	return channels, err
}

func (c *RESTClient) ActiveThreads(ctx context.Context, guildID bridgeid.Snowflake) ([]*Channel, error) {
	var resp struct {
		Threads []*Channel `json:"threads"`
	}
	err := c.request(ctx, http.MethodGet, "/guilds/"+guildID.String()+"/threads/active", nil, &resp)
	return resp.Threads, err
}

func (c *RESTClient) CreateChannel(ctx context.Context, guildID bridgeid.Snowflake, req *CreateChannelRequest) (*Channel, error) {
	var ch Channel
	err := c.request(ctx, http.MethodPost, "/guilds/"+guildID.String()+"/channels", req, &ch)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *RESTClient) EditChannel(ctx context.Context, channelID bridgeid.Snowflake, req *EditChannelRequest) (*Channel, error) {
	var ch Channel
	err := c.request(ctx, http.MethodPatch, "/channels/"+channelID.String(), req, &ch)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *RESTClient) StartThread(ctx context.Context, channelID bridgeid.Snowflake, name string, messageID bridgeid.Snowflake) (*Channel, error) {
	path := "/channels/" + channelID.String() + "/threads"
	body := map[string]any{"name": name}
	if messageID.IsZero() {
		body["type"] = ChannelTypePublicThread
	} else {
		path = "/channels/" + channelID.String() + "/messages/" + messageID.String() + "/threads"
	}
	var thread Channel
	err := c.request(ctx, http.MethodPost, path, body, &thread)
	if err != nil {
		return nil, err
	}
	return &thread, nil
}

func (c *RESTClient) Message(ctx context.Context, channelID, messageID bridgeid.Snowflake) (*Message, error) {
	var msg Message
	err := c.request(ctx, http.MethodGet, "/channels/"+channelID.String()+"/messages/"+messageID.String(), nil, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *RESTClient) MessagesAfter(ctx context.Context, channelID, after bridgeid.Snowflake, limit int) ([]*Message, error) {
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	if !after.IsZero() {
		query.Set("after", after.String())
	} else {
		query.Set("after", "0")
	}
	var msgs []*Message
	err := c.request(ctx, http.MethodGet, "/channels/"+channelID.String()+"/messages?"+query.Encode(), nil, &msgs)
	if err != nil {
		return nil, err
	}
	// The endpoint returns newest-first.
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}

func (c *RESTClient) ReactionUsers(ctx context.Context, channelID, messageID bridgeid.Snowflake, emoji string, after bridgeid.Snowflake, limit int) ([]*User, error) {
	query := url.Values{"limit": {strconv.Itoa(limit)}}
	if !after.IsZero() {
		query.Set("after", after.String())
	}
	path := fmt.Sprintf("/channels/%s/messages/%s/reactions/%s?%s",
		channelID, messageID, url.PathEscape(emoji), query.Encode())
	var users []*User
	err := c.request(ctx, http.MethodGet, path, nil, &users)
	return users, err
}

func (c *RESTClient) AddReaction(ctx context.Context, channelID, messageID bridgeid.Snowflake, emoji string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s/reactions/%s/@me", channelID, messageID, url.PathEscape(emoji))
	return c.request(ctx, http.MethodPut, path, nil, nil)
}

func (c *RESTClient) RemoveOwnReaction(ctx context.Context, channelID, messageID bridgeid.Snowflake, emoji string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s/reactions/%s/@me", channelID, messageID, url.PathEscape(emoji))
	return c.request(ctx, http.MethodDelete, path, nil, nil)
}

func (c *RESTClient) CreateWebhook(ctx context.Context, channelID bridgeid.Snowflake, name string) (*Webhook, error) {
	var webhook Webhook
	err := c.request(ctx, http.MethodPost, "/channels/"+channelID.String()+"/webhooks", map[string]any{"name": name}, &webhook)
	if err != nil {
		return nil, err
	}
	return &webhook, nil
}

func (c *RESTClient) ExecuteWebhook(ctx context.Context, webhookID bridgeid.Snowflake, token string, req *WebhookExecuteRequest) (*Message, error) {
	query := url.Values{}
	if req.Wait {
		query.Set("wait", "true")
	}
	if !req.ThreadID.IsZero() {
		query.Set("thread_id", req.ThreadID.String())
	}
	path := fmt.Sprintf("/webhooks/%s/%s?%s", webhookID, token, query.Encode())
	var msg Message
	err := c.request(ctx, http.MethodPost, path, req, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *RESTClient) EditWebhookMessage(ctx context.Context, webhookID bridgeid.Snowflake, token string, messageID bridgeid.Snowflake, content string) (*Message, error) {
	path := fmt.Sprintf("/webhooks/%s/%s/messages/%s", webhookID, token, messageID)
	var msg Message
	err := c.request(ctx, http.MethodPatch, path, map[string]any{"content": content}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *RESTClient) DeleteWebhookMessage(ctx context.Context, webhookID bridgeid.Snowflake, token string, messageID bridgeid.Snowflake) error {
	path := fmt.Sprintf("/webhooks/%s/%s/messages/%s", webhookID, token, messageID)
	return c.request(ctx, http.MethodDelete, path, nil, nil)
}

func (c *RESTClient) User(ctx context.Context, userID bridgeid.Snowflake) (*User, error) {
	var user User
	err := c.request(ctx, http.MethodGet, "/users/"+userID.String(), nil, &user)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// DownloadAttachment fetches up to limit bytes of an attachment URL. A limit
// of 0 means the whole file.
func (c *RESTClient) DownloadAttachment(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &APIError{Status: resp.StatusCode, Message: "attachment download failed"}
	}
	var reader io.Reader = resp.Body
	if limit > 0 {
		reader = io.LimitReader(resp.Body, limit)
	}
	return io.ReadAll(reader)
}
