// Package configversion implements uploaded source bundles (Configuration
// Versions). A CV's UUID is itself the upload capability: the upload
// endpoint takes no bearer auth and trusts the UUID as proof of write
// permission on that one slot.
package configversion

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusUploaded Status = "uploaded"
	StatusErrored Status = "errored"
)

// ConfigurationVersion is an uploaded Terraform source bundle.
type ConfigurationVersion struct {
	ID             uuid.UUID
	WorkspaceRef   uuid.UUID
	Source         string
	Status         Status
	AutoQueueRuns  bool
	Speculative    bool
	ErrorMessage   string
	CreatedAt      time.Time
}
