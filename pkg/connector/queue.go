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

import "sync"

// unboundedQueue is an in-memory FIFO with a single consumer. Producers
// never block; the consumer drains with TryPop and parks on Wake between
// drains. The wake channel has capacity one so a push during a drain is
// never lost.
type unboundedQueue[T any] struct {
	lock  sync.Mutex
	items []T
	wake  chan struct{}
}

func newUnboundedQueue[T any]() *unboundedQueue[T] {
	return &unboundedQueue[T]{wake: make(chan struct{}, 1)}
}

func (q *unboundedQueue[T]) Push(item T) {
	q.lock.Lock()
	q.items = append(q.items, item)
	q.lock.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *unboundedQueue[T]) TryPop() (T, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *unboundedQueue[T]) Wake() <-chan struct{} {
	return q.wake
}

func (q *unboundedQueue[T]) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}
