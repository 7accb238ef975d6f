package eventbus

import "time"

// Topic identifies a logical channel on the bus.
type Topic string

// Topics carried by the controller's event streams.
const (
	// Node process supervisor stream.
	TopicNodeSync          Topic = "node.sync"
	TopicNodeHeight        Topic = "node.height"
	TopicNodeUnlockerReady Topic = "node.unlocker_ready"
	TopicNodeError         Topic = "node.error"
	TopicNodeExit          Topic = "node.exit"

	// Authenticated RPC session push-event stream.
	TopicRPCPush Topic = "rpc.push"

	// Presentation boundary command stream.
	TopicCommandInbound Topic = "command.inbound"
)

// Source describes which component produced an event.
type Source string

const (
	SourceSupervisor Source = "supervisor"
	SourceLightning  Source = "lightning_session"
	SourceBoundary   Source = "boundary"
	SourceController Source = "controller"
	SourceUnknown    Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic         Topic
	Timestamp     time.Time
	Source        Source
	CorrelationID string
	Payload       any
}

// SyncPhase is the node's blockchain/filter-header synchronisation progress.
type SyncPhase string

const (
	SyncNotStarted SyncPhase = "not-started"
	SyncWaiting    SyncPhase = "waiting"
	SyncInProgress SyncPhase = "in-progress"
	SyncComplete   SyncPhase = "complete"
)

// NodeSyncEvent reports a sync phase change of the managed node.
type NodeSyncEvent struct {
	Phase SyncPhase
}

// HeightKind distinguishes the block height counters a node reports.
type HeightKind string

const (
	HeightLocal   HeightKind = "local"
	HeightRemote  HeightKind = "remote"
	HeightCFilter HeightKind = "cfilter"
)

// NodeHeightEvent carries a block-height progress update.
type NodeHeightEvent struct {
	Kind   HeightKind
	Height uint32
}

// NodeUnlockerReadyEvent signals the node is listening on its pre-auth
// wallet unlocker interface.
type NodeUnlockerReadyEvent struct{}

// NodeErrorEvent carries a non-fatal diagnostic from the node process.
type NodeErrorEvent struct {
	Detail string
}

// NodeExitEvent reports the node process terminating.
type NodeExitEvent struct {
	Code      int
	Signal    string
	LastError string
}

// RPCPushEvent is a push notification received on the authenticated session.
type RPCPushEvent struct {
	Method  string
	Payload []byte
}

// CommandEvent is an inbound presentation-boundary command addressed to one
// of the RPC session channels.
type CommandEvent struct {
	Channel string
	Method  string
	Payload []byte
}
