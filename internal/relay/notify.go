package relay

// Inbound command channels. Each addresses one of the mutually exclusive
// RPC sessions.
const (
	ChannelWalletUnlocker = "walletUnlocker"
	ChannelLightning      = "lightning"
)

// Outbound notification names pushed to the presentation boundary. The
// boundary matches on these strings; renaming one is a protocol change.
const (
	NotifyStartOnboarding    = "startOnboarding"
	NotifySyncStatus         = "lndSyncStatus"
	NotifyCurrentBlockHeight = "currentBlockHeight"
	NotifyNodeBlockHeight    = "lndBlockHeight"
	NotifyCfilterBlockHeight = "lndCfilterHeight"
	NotifyLightningActive    = "lightningGrpcActive"
	NotifyUnlockerActive     = "walletUnlockerGrpcActive"
	NotifyStartNodeError     = "startLndError"
)

// Notification is one outbound message to the presentation boundary.
type Notification struct {
	Name          string `json:"name"`
	CorrelationID string `json:"correlationId,omitempty"`
	Payload       any    `json:"payload,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Sink delivers notifications to whatever presentation boundary is attached.
// Send returns an error when the boundary is unreachable; the relay treats
// that as non-fatal.
type Sink interface {
	Send(Notification) error
}
