package port

import (
	"context"
	"errors"
)

// ErrLockNotObtained is returned when a key lock could not be taken before
// the retry budget or the context ran out.
var ErrLockNotObtained = errors.New("lock not obtained")

type IdempotencyStore interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ReleaseIdempotency drops a key so a failed request can be retried
	ReleaseIdempotency(ctx context.Context, key string) error
}

// KeyLocker serializes work on a key across goroutines or processes.
type KeyLocker interface {
	Lock(ctx context.Context, key string) (unlock func(context.Context) error, err error)
}
