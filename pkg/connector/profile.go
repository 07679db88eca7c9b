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
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgedb"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/bridgeid"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/discord"
	"github.com/roomy-chat/roomy-discord-bridge/pkg/roomy"
)

const (
	profileCacheSize    = 50
	profileFetchBackoff = time.Hour
	profileFetchTimeout = 10 * time.Second
)

// ProfileResolver looks up native Roomy profiles from an external identity
// service. A nil resolver disables external lookups entirely.
type ProfileResolver interface {
	ResolveProfile(ctx context.Context, did bridgeid.UserDID) (*bridgedb.Profile, error)
}

// ProfileSyncService mirrors Discord user identities into Roomy profile
// events and caches Roomy profiles for webhook impersonation.
type ProfileSyncService struct {
	log        zerolog.Logger
	repo       Repository
	dispatcher *Dispatcher
	resolver   ProfileResolver
	guildID    bridgeid.Snowflake

	cacheLock sync.Mutex
	cache     map[bridgeid.UserDID]*list.Element
	cacheLRU  *list.List
}

type profileCacheEntry struct {
	did     bridgeid.UserDID
	profile *bridgedb.Profile
}

func NewProfileSyncService(log zerolog.Logger, repo Repository, dispatcher *Dispatcher, resolver ProfileResolver, guildID bridgeid.Snowflake) *ProfileSyncService {
	return &ProfileSyncService{
		log:        log.With().Str("service", "profile_sync").Logger(),
		repo:       repo,
		dispatcher: dispatcher,
		resolver:   resolver,
		guildID:    guildID,
		cache:      make(map[bridgeid.UserDID]*list.Element, profileCacheSize),
		cacheLRU:   list.New(),
	}
}

// SyncDiscordUser emits an updateProfile event for a Discord user if their
// identity changed since the last sync. Called lazily from message handling,
// so most calls are hash hits.
func (ps *ProfileSyncService) SyncDiscordUser(ctx context.Context, user *discord.User) error {
	hash := ProfileHash(user.Username, user.GlobalName, user.Avatar)
	stored, err := ps.repo.GetProfileHash(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("failed to get profile hash: %w", err)
	} else if stored == hash {
		return nil
	}
	did := bridgeid.MakeSurrogateDID(user.ID)
	evt := roomy.NewEvent(roomy.UpdateProfile{
		Name:   user.DisplayName(),
		Avatar: user.AvatarURL(),
		Handle: user.Username,
	})
	evt.Extensions.DiscordUserOrigin = &roomy.DiscordUserOrigin{
		Snowflake: user.ID.String(),
		GuildID:   ps.guildID.String(),
		Hash:      hash,
	}
	evt.Extensions.AuthorOverride = &roomy.AuthorOverride{DID: did}
	ps.dispatcher.EnqueueRoomy(evt)
	profile := &bridgedb.Profile{Name: user.DisplayName(), Avatar: user.AvatarURL(), Handle: user.Username}
	if err = ps.repo.PutProfile(ctx, did, profile); err != nil {
		return fmt.Errorf("failed to store profile mirror: %w", err)
	}
	ps.cachePut(did, profile)
	if err = ps.repo.SetProfileHash(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("failed to store profile hash: %w", err)
	}
	ps.log.Debug().
		Stringer("user_id", user.ID).
		Msg("Synced Discord user profile to Roomy")
	return nil
}

// GetProfile resolves the display identity for a Roomy DID: LRU cache, then
// durable mirror, then the external resolver with an hourly retry backoff
// per DID. Returns nil when no profile can be found; callers fall back to
// the DID itself.
func (ps *ProfileSyncService) GetProfile(ctx context.Context, did bridgeid.UserDID) (*bridgedb.Profile, error) {
	if profile, ok := ps.cacheGet(did); ok {
		return profile, nil
	}
	profile, err := ps.repo.GetProfile(ctx, did)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile mirror: %w", err)
	} else if profile != nil {
		ps.cachePut(did, profile)
		return profile, nil
	}
	if ps.resolver == nil {
		return nil, nil
	}
	lastAttempt, err := ps.repo.GetFetchAttempt(ctx, did)
	if err != nil {
		return nil, fmt.Errorf("failed to read fetch attempt: %w", err)
	} else if time.Since(lastAttempt) < profileFetchBackoff {
		return nil, nil
	}
	if err = ps.repo.SetFetchAttempt(ctx, did, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to record fetch attempt: %w", err)
	}
	fetchCtx, cancel := context.WithTimeout(ctx, profileFetchTimeout)
	defer cancel()
	profile, err = ps.resolver.ResolveProfile(fetchCtx, did)
	if err != nil {
		ps.log.Warn().Err(err).Str("did", string(did)).Msg("External profile lookup failed")
		return nil, nil
	} else if profile == nil {
		return nil, nil
	}
	if err = ps.repo.PutProfile(ctx, did, profile); err != nil {
		return nil, fmt.Errorf("failed to store fetched profile: %w", err)
	}
	ps.cachePut(did, profile)
	return profile, nil
}

// AbsorbRoomyEvent replays bridge-emitted profile events into local state
// during stream backfill.
func (ps *ProfileSyncService) AbsorbRoomyEvent(ctx context.Context, evt *roomy.Event) (bool, error) {
	payload, ok := evt.Payload.(roomy.UpdateProfile)
	if !ok {
		return false, nil
	}
	origin := evt.Extensions.DiscordUserOrigin
	if origin == nil {
		return false, nil
	}
	userID, err := bridgeid.ParseSnowflake(origin.Snowflake)
	if err != nil {
		return true, fmt.Errorf("invalid user snowflake in profile origin: %w", err)
	}
	if origin.Hash != "" {
		if err = ps.repo.SetProfileHash(ctx, userID, origin.Hash); err != nil {
			return true, err
		}
	}
	profile := &bridgedb.Profile{Name: payload.Name, Avatar: payload.Avatar, Handle: payload.Handle}
	return true, ps.repo.PutProfile(ctx, bridgeid.MakeSurrogateDID(userID), profile)
}

// SyncRoomyEvent handles native profile updates. There is no Discord-side
// write (the bridge cannot change Discord identities); the mirror just keeps
// webhook impersonation fresh.
func (ps *ProfileSyncService) SyncRoomyEvent(ctx context.Context, evt *roomy.Event) (bool, error) {
	payload, ok := evt.Payload.(roomy.UpdateProfile)
	if !ok {
		return false, nil
	}
	profile := &bridgedb.Profile{Name: payload.Name, Avatar: payload.Avatar, Handle: payload.Handle}
	if err := ps.repo.PutProfile(ctx, evt.Author, profile); err != nil {
		return true, err
	}
	ps.cachePut(evt.Author, profile)
	return true, nil
}

func (ps *ProfileSyncService) cacheGet(did bridgeid.UserDID) (*bridgedb.Profile, bool) {
	ps.cacheLock.Lock()
	defer ps.cacheLock.Unlock()
	elem, ok := ps.cache[did]
	if !ok {
		return nil, false
	}
	ps.cacheLRU.MoveToFront(elem)
	return elem.Value.(*profileCacheEntry).profile, true
}

func (ps *ProfileSyncService) cachePut(did bridgeid.UserDID, profile *bridgedb.Profile) {
	ps.cacheLock.Lock()
	defer ps.cacheLock.Unlock()
	if elem, ok := ps.cache[did]; ok {
		elem.Value.(*profileCacheEntry).profile = profile
		ps.cacheLRU.MoveToFront(elem)
		return
	}
	ps.cache[did] = ps.cacheLRU.PushFront(&profileCacheEntry{did: did, profile: profile})
	if ps.cacheLRU.Len() > profileCacheSize {
		oldest := ps.cacheLRU.Back()
		ps.cacheLRU.Remove(oldest)
		delete(ps.cache, oldest.Value.(*profileCacheEntry).did)
	}
}
