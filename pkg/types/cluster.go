package types

import "strings"

// FunctionTag names the role an endpoint address serves.
type FunctionTag string

const (
	FunctionTaskRoutingReceiver      FunctionTag = "task-routing-receiver"
	FunctionTaskRoutingForwarder     FunctionTag = "task-routing-forwarder"
	FunctionTaskDistributionReceiver FunctionTag = "task-distribution-receiver"
	FunctionIPCMessageReceiver       FunctionTag = "ipc-message-receiver"
	FunctionAuditEventReceiver       FunctionTag = "audit-event-receiver"
)

// FunctionTags is the fixed vocabulary recognised in membership addresses.
// Longer tags come first so containment checks never pick a shorter prefix.
var FunctionTags = []FunctionTag{
	FunctionTaskDistributionReceiver,
	FunctionTaskRoutingReceiver,
	FunctionTaskRoutingForwarder,
	FunctionIPCMessageReceiver,
	FunctionAuditEventReceiver,
}

// TransportKind tags the transport an endpoint is reached over.
type TransportKind string

const (
	TransportGRPC      TransportKind = "grpc"
	TransportInProcess TransportKind = "in-process"
)

// ClusterViewEntry is one reachable member of the cluster, derived from the
// member's opaque address string.
type ClusterViewEntry struct {
	Address     string        `json:"address"`
	ServiceName string        `json:"serviceName"`
	FunctionTag FunctionTag   `json:"functionTag,omitempty"`
	Target      string        `json:"target,omitempty"`
	Transport   TransportKind `json:"transport"`
}

// Serves reports whether the member serves the function tag. An address may
// carry several tags; FunctionTag holds only the first one found.
func (e ClusterViewEntry) Serves(tag FunctionTag) bool {
	return tag != "" && (e.FunctionTag == tag || strings.Contains(e.Address, string(tag)))
}
