// Package store persists contacts and their interaction history.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStoreUnavailable matches every failure returned by a Store.
var ErrStoreUnavailable = errors.New("interaction store unavailable")

// ErrContactNotFound is returned by GetContact for unknown phones.
var ErrContactNotFound = errors.New("contact not found")

// Contact is a person identified by a canonical phone number.
type Contact struct {
	ID                int64
	Phone             string
	Name              string
	CreatedAt         time.Time
	LastInteractionAt time.Time
}

// Interaction is one recorded inbound message. Immutable once written.
type Interaction struct {
	Text      string
	Intent    string
	CreatedAt time.Time
}

// Store is the interaction store used by the message pipeline.
// Phones passed in must already be normalized.
type Store interface {
	// UpsertContact creates the contact or refreshes its last-interaction
	// time. A non-empty name replaces the stored one; an empty name keeps it.
	UpsertContact(ctx context.Context, phone, name string) (int64, error)

	// AppendInteraction records a message, creating the contact if missing.
	AppendInteraction(ctx context.Context, phone, text, intent string) error

	// RecentInteractions returns at most limit records, newest first.
	RecentInteractions(ctx context.Context, phone string, limit int) ([]Interaction, error)

	// CountInteractionsSince counts records created at or after since.
	CountInteractionsSince(ctx context.Context, phone string, since time.Time) (int, error)

	Close() error
}

// Error wraps a driver failure with the operation that hit it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports every store Error as ErrStoreUnavailable.
func (e *Error) Is(target error) bool { return target == ErrStoreUnavailable }

func opErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
