package nvmepf

import "github.com/ehrlich-b/go-nvmepf/internal/constants"

// Re-export constants for public API
const (
	DefaultMDTS          = constants.DefaultMDTS
	MaxMDTS              = constants.MaxMDTS
	MaxQueues            = constants.MaxQueues
	DefaultVendorID      = constants.DefaultVendorID
	BARSize              = constants.BARSize
	RegisterPollInterval = constants.RegisterPollInterval
	BulkTimeout          = constants.BulkTimeout
	BulkThreshold        = constants.BulkThreshold
	PassthroughChunk     = constants.PassthroughChunk
)
