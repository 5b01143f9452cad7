package core

import (
	"context"

	"github.com/avellin/huddle/internal/domain"
)

// MembershipStore is the shared call-membership document store. A room's
// document holds the set of user ids currently in the call; every peer
// mutates only its own entry, so updates must be element-wise set
// operations, never whole-document replacement.
type MembershipStore interface {
	// AddMember performs an idempotent set-union of user into the room's
	// joined set.
	AddMember(ctx context.Context, room domain.RoomID, user domain.UserID) error
	// RemoveMember performs an idempotent set-difference.
	RemoveMember(ctx context.Context, room domain.RoomID, user domain.UserID) error
	Members(ctx context.Context, room domain.RoomID) ([]domain.UserID, error)
	// Watch streams membership snapshots until cancel is called.
	Watch(ctx context.Context, room domain.RoomID) (updates <-chan []domain.UserID, cancel func(), err error)
	// Notify posts to the store's per-user notification channel.
	Notify(ctx context.Context, to domain.UserID, n domain.Notification) error
}
