package domain

import (
	"math/bits"
	"strings"
)

// CapabilitySet is a fixed-size set of capabilities backed by a single bitset word.
// The zero value is the empty set. Sets are values; mutating methods use pointer receivers.
type CapabilitySet struct {
	bits uint64
}

// Named capability set presets, resolvable from configuration.
const (
	PresetNone                  = "capgate.preset.none"
	PresetAll                   = "capgate.preset.all"
	PresetContentNode           = "capgate.preset.content_node"
	PresetContainerNode         = "capgate.preset.container_node"
	PresetTelemetry             = "capgate.preset.telemetry"
	PresetClusterControllerNode = "capgate.preset.cluster_controller_node"
	PresetLogServerNode         = "capgate.preset.logserver_node"
	PresetConfigServerNode      = "capgate.preset.config_server_node"
)

var allCapabilitiesBits = func() uint64 {
	var b uint64
	for i := Capability(0); i < capabilityCount; i++ {
		b |= 1 << i.BitPosition()
	}
	return b
}()

// CapabilitySetOf builds a set from the given capabilities.
func CapabilitySetOf(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s.Add(c)
	}
	return s
}

// AllCapabilities returns the set of every known capability.
func AllCapabilities() CapabilitySet {
	return CapabilitySet{bits: allCapabilitiesBits}
}

// NoCapabilities returns the empty set.
func NoCapabilities() CapabilitySet {
	return CapabilitySet{}
}

// SharedAppNodeCapabilities is granted to every node type running application services.
func SharedAppNodeCapabilities() CapabilitySet {
	return CapabilitySetOf(
		CapabilityLogServerAPI,
		CapabilityConfigProxyConfigAPI,
		CapabilityConfigProxyFileDistributionAPI,
		CapabilityConfigServerConfigAPI,
		CapabilityConfigServerFileDistributionAPI,
		CapabilitySlobrokAPI,
		CapabilityClientSlobrokAPI,
		CapabilityClientFileRPC,
		CapabilityContainerStateAPI,
		CapabilityMetricsProxyManagementAPI,
		CapabilityMetricsProxyMetricsAPI,
		CapabilitySentinelConnectivityCheck,
	)
}

// ContentNodeCapabilities is the preset for nodes hosting content (storage/search) services.
func ContentNodeCapabilities() CapabilitySet {
	return SharedAppNodeCapabilities().UnionOf(CapabilitySetOf(
		CapabilityContentStorageAPI,
		CapabilityContentDocumentAPI,
		CapabilityContentSearchAPI,
		CapabilityContentStatusPages,
		CapabilityContentMetricsAPI,
		CapabilityContentProtonAdminAPI,
		CapabilityContainerDocumentAPI,
	))
}

// ContainerNodeCapabilities is the preset for nodes hosting stateless container services.
func ContainerNodeCapabilities() CapabilitySet {
	return SharedAppNodeCapabilities().UnionOf(CapabilitySetOf(
		CapabilityContentStorageAPI,
		CapabilityContentDocumentAPI,
		CapabilityContentSearchAPI,
		CapabilityContentStatusPages,
		CapabilityContainerDocumentAPI,
	))
}

// TelemetryCapabilities is the preset for metrics and status scrapers.
func TelemetryCapabilities() CapabilitySet {
	return CapabilitySetOf(
		CapabilityContentStatusPages,
		CapabilityContentMetricsAPI,
		CapabilityContainerStateAPI,
		CapabilityMetricsProxyMetricsAPI,
		CapabilitySentinelConnectivityCheck,
	)
}

// ClusterControllerNodeCapabilities is the preset for cluster controller nodes.
func ClusterControllerNodeCapabilities() CapabilitySet {
	return SharedAppNodeCapabilities().UnionOf(CapabilitySetOf(
		CapabilityContentClusterControllerInternalStateAPI,
		CapabilityContentStatusPages,
		CapabilityClusterControllerReindexing,
		CapabilityClusterControllerState,
		CapabilityClusterControllerStatus,
	))
}

// LogServerNodeCapabilities is the preset for log server nodes.
func LogServerNodeCapabilities() CapabilitySet {
	return SharedAppNodeCapabilities()
}

// ConfigServerNodeCapabilities is the preset for configuration server nodes.
func ConfigServerNodeCapabilities() CapabilitySet {
	return AllCapabilities()
}

var presetsByName = map[string]func() CapabilitySet{
	PresetNone:                  NoCapabilities,
	PresetAll:                   AllCapabilities,
	PresetContentNode:           ContentNodeCapabilities,
	PresetContainerNode:         ContainerNodeCapabilities,
	PresetTelemetry:             TelemetryCapabilities,
	PresetClusterControllerNode: ClusterControllerNodeCapabilities,
	PresetLogServerNode:         LogServerNodeCapabilities,
	PresetConfigServerNode:      ConfigServerNodeCapabilities,
}

// CapabilitySetFromPresetName resolves a named preset.
func CapabilitySetFromPresetName(name string) (CapabilitySet, bool) {
	preset, ok := presetsByName[name]
	if !ok {
		return CapabilitySet{}, false
	}
	return preset(), true
}

// CapabilitySetFromNames resolves every name with ResolveAndAdd and returns the
// resulting set together with the names that could not be resolved.
func CapabilitySetFromNames(names []string) (CapabilitySet, []string) {
	var s CapabilitySet
	var unknown []string
	for _, name := range names {
		if !s.ResolveAndAdd(name) {
			unknown = append(unknown, name)
		}
	}
	return s, unknown
}

// Contains reports whether c is in the set.
func (s CapabilitySet) Contains(c Capability) bool {
	if !c.IsValid() {
		return false
	}
	return s.bits&(1<<c.BitPosition()) != 0
}

// ContainsAll reports whether every capability of other is in s.
func (s CapabilitySet) ContainsAll(other CapabilitySet) bool {
	return s.bits&other.bits == other.bits
}

// UnionOf returns a new set holding the capabilities of both sets.
func (s CapabilitySet) UnionOf(other CapabilitySet) CapabilitySet {
	return CapabilitySet{bits: s.bits | other.bits}
}

// Empty reports whether the set holds no capabilities.
func (s CapabilitySet) Empty() bool {
	return s.bits == 0
}

// Count returns the number of capabilities in the set.
func (s CapabilitySet) Count() int {
	return bits.OnesCount64(s.bits)
}

// Equals reports whether both sets hold exactly the same capabilities.
func (s CapabilitySet) Equals(other CapabilitySet) bool {
	return s.bits == other.bits
}

// Add inserts c. Unknown capabilities are ignored.
func (s *CapabilitySet) Add(c Capability) {
	if c.IsValid() {
		s.bits |= 1 << c.BitPosition()
	}
}

// AddAll inserts every capability of other.
func (s *CapabilitySet) AddAll(other CapabilitySet) {
	s.bits |= other.bits
}

// ResolveAndAdd first resolves name as a preset and adds all of its capabilities;
// failing that, it resolves name as a single capability. It returns false and leaves
// the set untouched if neither lookup succeeds.
func (s *CapabilitySet) ResolveAndAdd(name string) bool {
	if preset, ok := CapabilitySetFromPresetName(name); ok {
		s.AddAll(preset)
		return true
	}
	if c, ok := CapabilityFromName(name); ok {
		s.Add(c)
		return true
	}
	return false
}

// Capabilities returns the members of the set ordered by bit position.
func (s CapabilitySet) Capabilities() []Capability {
	caps := make([]Capability, 0, s.Count())
	for b := s.bits; b != 0; b &= b - 1 {
		caps = append(caps, Capability(bits.TrailingZeros64(b)))
	}
	return caps
}

// Names returns the stable names of the members ordered by bit position.
func (s CapabilitySet) Names() []string {
	caps := s.Capabilities()
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = c.String()
	}
	return names
}

// String renders the set as "CapabilitySet({name, ...})".
func (s CapabilitySet) String() string {
	return "CapabilitySet({" + strings.Join(s.Names(), ", ") + "})"
}
