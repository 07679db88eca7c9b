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

package roomy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgedb"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
)

// HTTPProfileResolver looks up native Roomy user profiles from the profile
// API. Missing profiles resolve to nil without error.
type HTTPProfileResolver struct {
	http    *http.Client
	baseURL string
	token   string
}

func NewHTTPProfileResolver(baseURL, token string) *HTTPProfileResolver {
	return &HTTPProfileResolver{
		http:    &http.Client{Timeout: 15 * time.Second},
		baseURL: baseURL,
		token:   token,
	}
}

func (r *HTTPProfileResolver) ResolveProfile(ctx context.Context, did bridgeid.UserDID) (*bridgedb.Profile, error) {
	query := url.Values{"did": {string(did)}}
	endpoint := r.baseURL + "/xrpc/space.roomy.profile.getProfile?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("profile lookup failed with HTTP %d: %s", resp.StatusCode, data)
	}
	var parsed struct {
		Name   string `json:"name"`
		Avatar string `json:"avatar"`
		Handle string `json:"handle"`
	}
	if err = json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse profile response: %w", err)
	}
	return &bridgedb.Profile{Name: parsed.Name, Avatar: parsed.Avatar, Handle: parsed.Handle}, nil
}
