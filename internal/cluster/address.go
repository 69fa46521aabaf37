// Package cluster maintains the view of reachable cluster members and
// resolves logical service names to transport addresses.
package cluster

import (
	"strings"

	"yqhp/taskbus/pkg/types"
)

const (
	serviceSeparator = "::"
	targetSeparator  = "@"
)

// ParseAddress derives a view entry from a membership address of the form
// serviceName::functionTag@host:port. The function tag is found by
// containment anywhere in the address, so its position is not fixed. When
// the address carries several tags the entry keeps the first and still
// serves the others. An address without a service name is rejected.
func ParseAddress(address string) (types.ClusterViewEntry, bool) {
	address = strings.TrimSpace(address)
	if address == "" {
		return types.ClusterViewEntry{}, false
	}

	entry := types.ClusterViewEntry{Address: address, Transport: types.TransportGRPC}

	rest := address
	if idx := strings.LastIndex(rest, targetSeparator); idx >= 0 {
		entry.Target = rest[idx+len(targetSeparator):]
		rest = rest[:idx]
	}

	if idx := strings.Index(rest, serviceSeparator); idx >= 0 {
		entry.ServiceName = rest[:idx]
	} else {
		entry.ServiceName = rest
	}
	entry.ServiceName = strings.TrimSpace(entry.ServiceName)
	if entry.ServiceName == "" {
		return types.ClusterViewEntry{}, false
	}

	for _, tag := range types.FunctionTags {
		if strings.Contains(address, string(tag)) {
			entry.FunctionTag = tag
			break
		}
	}
	if entry.Target == "" {
		entry.Transport = types.TransportInProcess
	}
	return entry, true
}

// FormatAddress builds the membership address announced for an endpoint.
func FormatAddress(service string, tag types.FunctionTag, target string) string {
	address := service + serviceSeparator + string(tag)
	if target != "" {
		address += targetSeparator + target
	}
	return address
}
