// Package domain contains the capability, credential and policy model used to
// authorize mutually authenticated peers.
package domain

import "fmt"

// Capability identifies a single access permission to one API or service plane.
// The underlying integer is a dense bit position and is never exposed outside
// the process; only the stable name returned by String is.
type Capability uint8

// Known capabilities. New capabilities must be appended before capabilityCount
// so existing bit positions stay stable within a process.
const (
	CapabilityNone Capability = iota
	CapabilityHTTPUnclassified
	CapabilityRestAPIUnclassified
	CapabilityRPCUnclassified
	CapabilityClientFileRPC
	CapabilityClientSlobrokAPI
	CapabilityClusterControllerReindexing
	CapabilityClusterControllerState
	CapabilityClusterControllerStatus
	CapabilityConfigProxyConfigAPI
	CapabilityConfigProxyManagementAPI
	CapabilityConfigProxyFileDistributionAPI
	CapabilityConfigServerConfigAPI
	CapabilityConfigServerFileDistributionAPI
	CapabilityContainerDocumentAPI
	CapabilityContainerManagementAPI
	CapabilityContainerStateAPI
	CapabilityContentClusterControllerInternalStateAPI
	CapabilityContentDocumentAPI
	CapabilityContentMetricsAPI
	CapabilityContentProtonAdminAPI
	CapabilityContentSearchAPI
	CapabilityContentStatusPages
	CapabilityContentStorageAPI
	CapabilityLogServerAPI
	CapabilityMetricsProxyManagementAPI
	CapabilityMetricsProxyMetricsAPI
	CapabilitySentinelConnectivityCheck
	CapabilitySentinelInspectServices
	CapabilitySentinelManagementAPI
	CapabilitySlobrokAPI

	capabilityCount
)

// MaxCapabilityBitPosition is the highest bit position a CapabilitySet can hold.
const MaxCapabilityBitPosition = 63

// Compile-time check that every capability fits in the set's backing word.
var _ [MaxCapabilityBitPosition + 1 - int(capabilityCount)]struct{}

var capabilityNames = [capabilityCount]string{
	CapabilityNone:                                     "capgate.none",
	CapabilityHTTPUnclassified:                         "capgate.http.unclassified",
	CapabilityRestAPIUnclassified:                      "capgate.restapi.unclassified",
	CapabilityRPCUnclassified:                          "capgate.rpc.unclassified",
	CapabilityClientFileRPC:                            "capgate.client.filerpc",
	CapabilityClientSlobrokAPI:                         "capgate.client.slobrok_api",
	CapabilityClusterControllerReindexing:              "capgate.cluster_controller.reindexing",
	CapabilityClusterControllerState:                   "capgate.cluster_controller.state",
	CapabilityClusterControllerStatus:                  "capgate.cluster_controller.status",
	CapabilityConfigProxyConfigAPI:                     "capgate.configproxy.config_api",
	CapabilityConfigProxyManagementAPI:                 "capgate.configproxy.management_api",
	CapabilityConfigProxyFileDistributionAPI:           "capgate.configproxy.filedistribution_api",
	CapabilityConfigServerConfigAPI:                    "capgate.configserver.config_api",
	CapabilityConfigServerFileDistributionAPI:          "capgate.configserver.filedistribution_api",
	CapabilityContainerDocumentAPI:                     "capgate.container.document_api",
	CapabilityContainerManagementAPI:                   "capgate.container.management_api",
	CapabilityContainerStateAPI:                        "capgate.container.state_api",
	CapabilityContentClusterControllerInternalStateAPI: "capgate.content.cluster_controller.internal_state_api",
	CapabilityContentDocumentAPI:                       "capgate.content.document_api",
	CapabilityContentMetricsAPI:                        "capgate.content.metrics_api",
	CapabilityContentProtonAdminAPI:                    "capgate.content.proton_admin_api",
	CapabilityContentSearchAPI:                         "capgate.content.search_api",
	CapabilityContentStatusPages:                       "capgate.content.status_pages",
	CapabilityContentStorageAPI:                        "capgate.content.storage_api",
	CapabilityLogServerAPI:                             "capgate.logserver.api",
	CapabilityMetricsProxyManagementAPI:                "capgate.metricsproxy.management_api",
	CapabilityMetricsProxyMetricsAPI:                   "capgate.metricsproxy.metrics_api",
	CapabilitySentinelConnectivityCheck:                "capgate.sentinel.connectivity_check",
	CapabilitySentinelInspectServices:                  "capgate.sentinel.inspect_services",
	CapabilitySentinelManagementAPI:                    "capgate.sentinel.management_api",
	CapabilitySlobrokAPI:                               "capgate.slobrok.api",
}

var capabilitiesByName = func() map[string]Capability {
	m := make(map[string]Capability, len(capabilityNames))
	for i, name := range capabilityNames {
		m[name] = Capability(i)
	}
	return m
}()

// CapabilityFromName resolves a capability by its stable name.
func CapabilityFromName(name string) (Capability, bool) {
	c, ok := capabilitiesByName[name]
	return c, ok
}

// AllKnownCapabilities returns every capability known to this process, ordered by bit position.
func AllKnownCapabilities() []Capability {
	caps := make([]Capability, 0, capabilityCount)
	for i := Capability(0); i < capabilityCount; i++ {
		caps = append(caps, i)
	}
	return caps
}

// BitPosition returns the capability's bit index within a CapabilitySet.
func (c Capability) BitPosition() uint {
	return uint(c)
}

// IsValid reports whether the capability is part of the known enumeration.
func (c Capability) IsValid() bool {
	return c < capabilityCount
}

// String returns the stable capability name.
func (c Capability) String() string {
	if !c.IsValid() {
		return fmt.Sprintf("capgate.unknown(%d)", uint8(c))
	}
	return capabilityNames[c]
}
