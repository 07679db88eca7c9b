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
)

// Batch is a contiguous slice of a space stream. FirstIndex is the stream
// index of the first event; indexes are dense, so the last event of the batch
// sits at FirstIndex+len(Events)-1.
type Batch struct {
	ID         string
	FirstIndex int64
	Events     []*Event
}

// LastIndex returns the stream index of the final event in the batch.
func (b *Batch) LastIndex() int64 {
	return b.FirstIndex + int64(len(b.Events)) - 1
}

// BatchHandler processes one decoded batch. Returning an error stops the
// replay or subscription without advancing past the batch.
type BatchHandler func(ctx context.Context, batch *Batch) error

// Stream is the read side of one Roomy space, provided by the transport
// layer. The bridge core only consumes this surface.
type Stream interface {
	// Backfill replays the stream from the given index (0 for the beginning)
	// and returns the ID of the final batch once the replay has caught up.
	Backfill(ctx context.Context, fromIndex int64, fn BatchHandler) (lastBatchID string, err error)
	// Subscribe delivers new batches as they are appended, blocking until the
	// context is cancelled.
	Subscribe(ctx context.Context, fromIndex int64, fn BatchHandler) error
}

// Publisher is the write side of one Roomy space.
type Publisher interface {
	Send(ctx context.Context, events ...*Event) error
}
