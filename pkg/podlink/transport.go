// SPDX-License-Identifier: Apache-2.0

package podlink

import (
	"context"

	"github.com/google/uuid"
)

// Transport discovers pods and opens links to them.
type Transport interface {
	// Discover reports advertisements until ctx is cancelled or the scan
	// fails. found may be called from any goroutine.
	Discover(ctx context.Context, found func(Advertisement)) error

	// Connect opens a link, negotiating transferSize where the transport
	// supports it.
	Connect(ctx context.Context, handle Handle, transferSize int) (Link, error)
}

// Link is an open connection to one pod. Implementations must be safe for
// concurrent use.
type Link interface {
	DiscoverServices(ctx context.Context) error
	Write(ctx context.Context, service, char uuid.UUID, data []byte) error
	Read(ctx context.Context, service, char uuid.UUID) ([]byte, error)
	Subscribe(ctx context.Context, service, char uuid.UUID, cb func([]byte)) (Subscription, error)

	// OnDisconnect registers cb for an unsolicited disconnect. It fires at
	// most once per link and not after Close.
	OnDisconnect(cb func(error))
	Close() error
}

// Subscription is an active notification subscription.
type Subscription interface {
	Cancel()
}

// Permission gates scanning on platforms that need user consent.
type Permission interface {
	RequestWirelessPermission(ctx context.Context) (bool, error)
}

// AlwaysGranted is a Permission for platforms without a consent prompt.
type AlwaysGranted struct{}

func (AlwaysGranted) RequestWirelessPermission(context.Context) (bool, error) {
	return true, nil
}
