// Package overlay provides rootfs/workspace copy management for instances.
// Each instance gets its own full copy of a source directory so that
// data_sync'd host directories and per-instance customization are isolated
// from the shared base images under $AIVA_HOME/images.
package overlay

import "context"

// Overlay manages directory copies for instances.
type Overlay interface {
	// Create copies sourceDir into a new directory identified by destID.
	// Returns the path to the created directory. Calling Create again with
	// the same destID is a no-op that returns the existing path (so a
	// restarted daemon does not redo the copy).
	Create(ctx context.Context, sourceDir, destID string) (string, error)

	// SyncInto copies hostPath into destID's directory at guestRelPath,
	// creating parent directories as needed. Backs the data_sync verb.
	SyncInto(ctx context.Context, destID, hostPath, guestRelPath string) error

	// Remove deletes the directory for the given ID.
	Remove(id string) error

	// Path returns the directory path for the given ID.
	Path(id string) string
}
