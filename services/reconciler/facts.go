package reconciler

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Fact namespaces reported by the inventory service.
const (
	rhsmNamespace      = "rhsm"
	satelliteNamespace = "satellite"
	qpcNamespace       = "yupana"
)

// RhsmFacts are the subscription-manager reported facts for a host.
type RhsmFacts struct {
	Present         bool
	IsVirtual       bool
	SLA             string
	Usage           string
	SyncTimestamp   string
	BillingModel    string
	SyspurposeUnits string
	ProductIDs      []string
}

// SatelliteFacts are the Satellite-reported facts for a host.
type SatelliteFacts struct {
	Present        bool
	HypervisorUUID string
	SLA            string
	Usage          string
	Role           string
}

// QpcFacts are the discovery (qpc) reported facts for a host.
type QpcFacts struct {
	Present bool
	IsRHEL  bool
}

// SystemProfileFacts is the system-profile block attached to a host record.
type SystemProfileFacts struct {
	Arch               string
	InfrastructureType string
	CoresPerSocket     int
	Sockets            int
	CPUs               int
	ThreadsPerCore     int
	CloudProvider      string
	HostType           string
	HypervisorUUID     string
	IsMarketplace      bool
	Is3rdPartyMigrated bool
	InstalledProducts  []string
}

// ExtractRhsmFacts pulls the rhsm namespace out of a host's fact sets.
// A missing namespace yields a zero-valued struct, never an error.
func ExtractRhsmFacts(host *HostPayload) RhsmFacts {
	bag, ok := factNamespace(host, rhsmNamespace)
	if !ok {
		return RhsmFacts{}
	}
	return RhsmFacts{
		Present:         true,
		IsVirtual:       boolFact(bag, "IS_VIRTUAL"),
		SLA:             stringFact(bag, "SLA"),
		Usage:           stringFact(bag, "USAGE"),
		SyncTimestamp:   stringFact(bag, "SYNC_TIMESTAMP"),
		BillingModel:    stringFact(bag, "BILLING_MODEL"),
		SyspurposeUnits: stringFact(bag, "SYSPURPOSE_UNITS"),
		ProductIDs:      stringSliceFact(bag, "RH_PROD"),
	}
}

// ExtractSatelliteFacts pulls the satellite namespace out of a host's fact sets.
func ExtractSatelliteFacts(host *HostPayload) SatelliteFacts {
	bag, ok := factNamespace(host, satelliteNamespace)
	if !ok {
		return SatelliteFacts{}
	}
	return SatelliteFacts{
		Present:        true,
		HypervisorUUID: stringFact(bag, "virtual_host_uuid"),
		SLA:            stringFact(bag, "system_purpose_sla"),
		Usage:          stringFact(bag, "system_purpose_usage"),
		Role:           stringFact(bag, "system_purpose_role"),
	}
}

// ExtractQpcFacts pulls the discovery namespace out of a host's fact sets.
func ExtractQpcFacts(host *HostPayload) QpcFacts {
	bag, ok := factNamespace(host, qpcNamespace)
	if !ok {
		return QpcFacts{}
	}
	return QpcFacts{
		Present: true,
		IsRHEL:  boolFact(bag, "IS_RHEL"),
	}
}

// ExtractSystemProfileFacts reads the system-profile block. All fields default
// when absent; hosts without a profile are a normal case.
func ExtractSystemProfileFacts(host *HostPayload) SystemProfileFacts {
	sp := host.SystemProfile
	if sp == nil {
		return SystemProfileFacts{}
	}

	facts := SystemProfileFacts{
		Arch:               stringFact(sp, "arch"),
		InfrastructureType: stringFact(sp, "infrastructure_type"),
		CoresPerSocket:     intFact(sp, "cores_per_socket"),
		Sockets:            intFact(sp, "number_of_sockets"),
		CPUs:               intFact(sp, "number_of_cpus"),
		ThreadsPerCore:     intFact(sp, "threads_per_core"),
		CloudProvider:      stringFact(sp, "cloud_provider"),
		HostType:           stringFact(sp, "host_type"),
		HypervisorUUID:     stringFact(sp, "virtual_host_uuid"),
		IsMarketplace:      boolFact(sp, "is_marketplace"),
	}

	if conversions, ok := sp["conversions"].(map[string]any); ok {
		facts.Is3rdPartyMigrated = boolFact(conversions, "activity")
	}

	if products, ok := sp["installed_products"].([]any); ok {
		for _, p := range products {
			entry, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if name := stringFact(entry, "name"); name != "" {
				facts.InstalledProducts = append(facts.InstalledProducts, name)
			}
			if id := stringFact(entry, "id"); id != "" {
				facts.InstalledProducts = append(facts.InstalledProducts, id)
			}
		}
	}

	return facts
}

func factNamespace(host *HostPayload, namespace string) (map[string]any, bool) {
	for _, set := range host.Facts {
		if set.Namespace == namespace && set.Facts != nil {
			return set.Facts, true
		}
	}
	return nil, false
}

func stringFact(bag map[string]any, key string) string {
	v, ok := bag[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

func boolFact(bag map[string]any, key string) bool {
	switch v := bag[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		return err == nil && b
	default:
		return false
	}
}

// intFact tolerates both JSON numbers and numeric strings; inventory payloads
// are not consistent about which they send.
func intFact(bag map[string]any, key string) int {
	switch v := bag[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func equalsIgnoreCase(a, b string) bool { return strings.EqualFold(strings.TrimSpace(a), b) }

func uuidString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func stringSliceFact(bag map[string]any, key string) []string {
	raw, ok := bag[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
