package appcore

import "context"

// CheckpointStore persists the last forwarded sequence per forwarder name.
// Each name has a single writer.
type CheckpointStore interface {
	// Load returns the saved sequence, or 0 when nothing was saved yet.
	Load(ctx context.Context, name string) (int64, error)

	// Save records sequence as delivered. A lower sequence than the stored one is ignored.
	Save(ctx context.Context, name string, sequence int64) error
}
