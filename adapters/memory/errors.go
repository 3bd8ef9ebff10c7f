package memory

import (
	"github.com/fortium/eventserver/adapters"
)

// Sentinel errors re-exported so callers of this package can match them
// without importing adapters.
var (
	ErrAdapterClosed       = adapters.ErrAdapterClosed
	ErrEmptyStreamID       = adapters.ErrEmptyStreamID
	ErrNoEvents            = adapters.ErrNoEvents
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict
	ErrStreamNotFound      = adapters.ErrStreamNotFound
	ErrInvalidVersion      = adapters.ErrInvalidVersion
	ErrDocumentNotFound    = adapters.ErrDocumentNotFound
	ErrStalePosition       = adapters.ErrStalePosition
)
