// SPDX-License-Identifier: Apache-2.0

package podlink

import "errors"

var (
	ErrPermissionDenied = errors.New("wireless permission denied")
	ErrScan             = errors.New("scan failed")
	ErrConnect          = errors.New("connect failed")
	ErrWriteFailed      = errors.New("write failed")

	ErrUnknownPod      = errors.New("unknown pod")
	ErrInvalidLocation = errors.New("invalid body location")
	ErrClosed          = errors.New("manager closed")
	ErrNoTransport     = errors.New("no transport configured")
)
