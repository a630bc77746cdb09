package machine

const (
	// AgentBase is the guest address of the agent pointer vector.
	AgentBase = 0x100
	// AgentArea is the number of words reserved for the pointer vector and
	// the control blocks behind it.
	AgentArea = 0x300

	DisplayBase   = 0x1000
	DisplayWidth  = 1024
	DisplayHeight = 808

	// MinMemPages holds the agent area and the default display bitmap.
	MinMemPages = (DisplayBase + DisplayWidth/16*DisplayHeight) / 256
)

// defaultProcessorID is used when none is configured. It is a locally
// administered address.
var defaultProcessorID = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
