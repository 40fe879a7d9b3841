package reconciler

import (
	"log"
	"math"
)

const defaultThreadsPerCore = 2.0

// NormalizedMeasurements holds the derived usage metrics for a host. Either
// metric may be absent; absent metrics are omitted from outgoing events.
type NormalizedMeasurements struct {
	cores   *int
	sockets *int
}

// Cores returns the derived core count, if one applies.
func (m NormalizedMeasurements) Cores() (int, bool) {
	if m.cores == nil {
		return 0, false
	}
	return *m.cores, true
}

// Sockets returns the derived socket count, if one applies.
func (m NormalizedMeasurements) Sockets() (int, bool) {
	if m.sockets == nil {
		return 0, false
	}
	return *m.sockets, true
}

func (m *NormalizedMeasurements) setCores(v *int)   { m.cores = v }
func (m *NormalizedMeasurements) setSockets(v *int) { m.sockets = v }

// MeasurementNormalizer derives socket and core measurements from normalized
// facts, the raw system profile, and product context. All graph-dependent
// inputs (hypervisor-ness, unmapped state) arrive on the facts so the rules
// here stay pure.
type MeasurementNormalizer struct {
	useCPUSystemFacts bool
	logger            *log.Logger
}

// NewMeasurementNormalizer builds a MeasurementNormalizer. useCPUSystemFacts
// extends the threads-per-core vCPU calculation to all products instead of
// only OpenShift.
func NewMeasurementNormalizer(useCPUSystemFacts bool, logger *log.Logger) *MeasurementNormalizer {
	if logger == nil {
		logger = log.Default()
	}
	return &MeasurementNormalizer{useCPUSystemFacts: useCPUSystemFacts, logger: logger}
}

// Measure derives the measurements for a host.
func (m *MeasurementNormalizer) Measure(facts *NormalizedFacts, spFacts SystemProfileFacts, rhsmFacts RhsmFacts) NormalizedMeasurements {
	var measurements NormalizedMeasurements
	measurements.setCores(m.normalizeCores(spFacts, facts.ProductTags))
	measurements.setSockets(m.normalizeSockets(facts, spFacts))
	m.applySyspurposeUnits(facts, spFacts, rhsmFacts, &measurements)
	return measurements
}

func (m *MeasurementNormalizer) normalizeCores(spFacts SystemProfileFacts, productTags []string) *int {
	applicable := m.systemProfileCores(spFacts, productTags)
	if spFacts.IsMarketplace {
		applicable = intPtr(0)
	}
	return normalizeNullMetric(applicable, spFacts.CoresPerSocket)
}

func (m *MeasurementNormalizer) normalizeSockets(facts *NormalizedFacts, spFacts SystemProfileFacts) *int {
	applicable := systemProfileSockets(spFacts)
	applicable = m.normalizeSocketCount(applicable, facts, spFacts)
	if spFacts.IsMarketplace {
		applicable = intPtr(0)
	}
	return normalizeNullMetric(applicable, spFacts.Sockets)
}

func (m *MeasurementNormalizer) systemProfileCores(spFacts SystemProfileFacts, productTags []string) *int {
	var applicable *int
	if spFacts.Sockets != 0 && spFacts.CoresPerSocket != 0 {
		applicable = intPtr(spFacts.Sockets * spFacts.CoresPerSocket)
	}

	if spFacts.Arch == "x86_64" && equalsIgnoreCase(spFacts.InfrastructureType, "virtual") {
		applicable = intPtr(m.calculateVirtualCPU(spFacts, productTags))
	}
	return applicable
}

func systemProfileSockets(spFacts SystemProfileFacts) *int {
	if spFacts.Sockets == 0 {
		return nil
	}
	return intPtr(spFacts.Sockets)
}

// normalizeSocketCount applies the placement-dependent socket rules: modulo-2
// rounding for physical hosts and hypervisors, a single socket for cloud
// instances, and a single socket for RHEL guests whose hypervisor is unknown.
func (m *MeasurementNormalizer) normalizeSocketCount(current *int, facts *NormalizedFacts, spFacts SystemProfileFacts) *int {
	if facts.IsHypervisor || !facts.IsVirtual {
		if current != nil && *current%2 == 1 {
			return intPtr(*current + 1)
		}
		return current
	}

	guestWithUnknownHypervisor := facts.IsVirtual && (facts.HypervisorUUID == "" || facts.IsUnmappedGuest)

	if facts.CloudProvider != "" {
		if spFacts.IsMarketplace {
			return intPtr(0)
		}
		return intPtr(1)
	}
	if guestWithUnknownHypervisor && hasTagWithPrefix(facts.ProductTags, "RHEL") {
		return intPtr(1)
	}
	return current
}

// calculateVirtualCPU derives vCPUs for x86 guests: cores divided by threads
// per core, defaulting to two threads unless the system facts say otherwise
// for the products that trust them.
func (m *MeasurementNormalizer) calculateVirtualCPU(spFacts SystemProfileFacts, productTags []string) int {
	cpu := spFacts.CoresPerSocket * spFacts.Sockets

	threadsPerCore := defaultThreadsPerCore
	if m.useCPUSystemFacts || hasTag(productTags, openShiftContainerPlatform) {
		switch {
		case spFacts.ThreadsPerCore > 0:
			threadsPerCore = float64(spFacts.ThreadsPerCore)
		case spFacts.CPUs > 0 && spFacts.Sockets > 0 && spFacts.CoresPerSocket > 0:
			threadsPerCore = float64(spFacts.CPUs) / float64(spFacts.Sockets*spFacts.CoresPerSocket)
		}
		if threadsPerCore != defaultThreadsPerCore {
			m.logger.Printf("WARN using %v threads per core from system profile to calculate vCPUs", threadsPerCore)
		}
	}
	return int(math.Ceil(float64(cpu) / threadsPerCore))
}

// applySyspurposeUnits honors the rhsm system-purpose units fact: a host
// declared as socket-based reports no cores and vice versa.
func (m *MeasurementNormalizer) applySyspurposeUnits(facts *NormalizedFacts, spFacts SystemProfileFacts, rhsmFacts RhsmFacts, measurements *NormalizedMeasurements) {
	if rhsmFacts.SyspurposeUnits == "" {
		return
	}
	switch rhsmFacts.SyspurposeUnits {
	case "Sockets":
		measurements.setCores(nil)
		if measurements.sockets == nil && spFacts.Sockets != 0 {
			measurements.setSockets(intPtr(spFacts.Sockets))
		}
	case "Cores/vCPU":
		measurements.setSockets(nil)
		if measurements.cores == nil && spFacts.CoresPerSocket != 0 {
			measurements.setCores(intPtr(spFacts.CoresPerSocket))
		}
	default:
		m.logger.Printf("WARN unsupported syspurpose units on host %s: %q", facts.SubscriptionManagerID, rhsmFacts.SyspurposeUnits)
	}
}

func normalizeNullMetric(current *int, replacement int) *int {
	if current == nil && replacement != 0 {
		return intPtr(replacement)
	}
	return current
}

func intPtr(v int) *int { return &v }
