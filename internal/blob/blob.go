// Package blob selects the object store backing the applied-changeset archive.
package blob

import (
	"context"
	"fmt"

	"transitreg/internal/blob/core"
	"transitreg/internal/infra/blob/fs"
	memorystore "transitreg/internal/infra/blob/memory"
	infraS3 "transitreg/internal/infra/blob/s3"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
	// S3Config re-exports the S3 backend configuration.
	S3Config = infraS3.Config
)

// Config selects and configures a backend.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open returns the configured Store, or nil when the driver is DriverNone.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case core.DriverNone, "":
		return nil, nil
	case core.DriverMemory:
		return memorystore.New(), nil
	case core.DriverFilesystem:
		return fs.New(cfg.FSRoot)
	case core.DriverS3:
		return infraS3.New(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
