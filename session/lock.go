// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

package session

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Lock is the token giving exclusive access to the device. Only one
// holder at a time may exchange frames with it.
type Lock struct {
	sem *semaphore.Weighted
}

func NewLock() *Lock {
	return &Lock{sem: semaphore.NewWeighted(1)}
}

// DefaultLock is shared by every Session and connection manager in the
// process that isn't given a lock of its own. A human operates one
// device at a time, so serializing everything on it is fine.
var DefaultLock = NewLock()

// Acquire blocks until the lock is free or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// TryAcquire takes the lock if it is free.
func (l *Lock) TryAcquire() bool {
	return l.sem.TryAcquire(1)
}

func (l *Lock) Release() {
	l.sem.Release(1)
}
