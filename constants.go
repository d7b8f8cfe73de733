package eventd

import "github.com/coredevd/eventd/internal/constants"

// Re-exported for the public API.
const (
	DefaultChildrenMaxBase   = constants.DefaultChildrenMaxBase
	DefaultChildrenMaxPerCPU = constants.DefaultChildrenMaxPerCPU

	DefaultEventTimeout     = constants.DefaultEventTimeout
	DefaultEventTimeoutWarn = constants.DefaultEventTimeoutWarn
	SweepInterval           = constants.SweepInterval
	DrainTimeout            = constants.DrainTimeout
	ConfigPollInterval      = constants.ConfigPollInterval

	QueueMarkerPath  = constants.QueueMarkerPath
	ProcCmdlinePath  = constants.ProcCmdlinePath
)
