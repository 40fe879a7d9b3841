package reconciler

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Hardware types on outgoing events.
const (
	HardwareTypePhysical = "PHYSICAL"
	HardwareTypeVirtual  = "VIRTUAL"
	HardwareTypeCloud    = "CLOUD"
)

var supportedCloudProviders = map[string]string{
	"aws":     "AWS",
	"azure":   "AZURE",
	"google":  "GOOGLE",
	"gcp":     "GOOGLE",
	"alibaba": "ALIBABA",
}

var supportedSLAs = map[string]string{
	"premium":      "Premium",
	"standard":     "Standard",
	"self-support": "Self-Support",
}

var supportedUsages = map[string]string{
	"production":        "Production",
	"development/test":  "Development/Test",
	"disaster recovery": "Disaster Recovery",
}

// NormalizedFacts is the single typed view of a host derived from its
// namespaced fact bags, system profile, and current relationship state.
type NormalizedFacts struct {
	OrgID                 string
	InventoryID           string
	InstanceID            string
	InsightsID            string
	SubscriptionManagerID string
	DisplayName           string
	SLA                   string
	Usage                 string
	SyncTimestamp         string
	CloudProvider         string
	HardwareType          string
	HypervisorUUID        string
	IsVirtual             bool
	IsUnmappedGuest       bool
	IsHypervisor          bool
	Is3rdPartyMigrated    bool
	ProductIDs            []string
	ProductTags           []string
	LastSeen              *time.Time
}

// IsGuest reports whether the host runs under some hypervisor, known or not.
func (f *NormalizedFacts) IsGuest() bool {
	return f.IsVirtual && f.HypervisorUUID != ""
}

// FactNormalizer turns a raw host payload into NormalizedFacts. The
// relationship store is consulted for the two derived properties that depend
// on the graph's current shape: hypervisor-ness and unmapped-guest-ness.
type FactNormalizer struct {
	clock             Clock
	lastSyncThreshold time.Duration
	logger            *log.Logger
}

// NewFactNormalizer builds a FactNormalizer. lastSyncThreshold is the maximum
// age of a host's rhsm sync before its rhsm facts are ignored as unregistered.
func NewFactNormalizer(clock Clock, lastSyncThreshold time.Duration, logger *log.Logger) *FactNormalizer {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &FactNormalizer{clock: clock, lastSyncThreshold: lastSyncThreshold, logger: logger}
}

// Normalize derives NormalizedFacts for the given host. Missing fact
// namespaces produce defaulted fields; absence of data is never an error.
func (n *FactNormalizer) Normalize(ctx context.Context, store RelationshipStore, host *HostPayload) (*NormalizedFacts, error) {
	rhsmFacts := ExtractRhsmFacts(host)
	satelliteFacts := ExtractSatelliteFacts(host)
	qpcFacts := ExtractQpcFacts(host)
	spFacts := ExtractSystemProfileFacts(host)

	skipRhsm := n.hostUnregistered(rhsmFacts.SyncTimestamp)
	if skipRhsm {
		n.logger.Printf("INFO skipping rhsm facts for unregistered host org=%s inventory=%s", host.OrgID, host.ID)
	}

	isVirtual := (rhsmFacts.Present && rhsmFacts.IsVirtual) ||
		satelliteFacts.HypervisorUUID != "" ||
		equalsIgnoreCase(spFacts.InfrastructureType, "virtual")

	hypervisorUUID := satelliteFacts.HypervisorUUID
	if hypervisorUUID == "" {
		hypervisorUUID = spFacts.HypervisorUUID
	}

	cloudProvider := ""
	if normalized, ok := supportedCloudProviders[lower(spFacts.CloudProvider)]; ok {
		cloudProvider = normalized
	}

	productIDs, productTags := NormalizeProducts(rhsmFacts, satelliteFacts, qpcFacts, spFacts, skipRhsm)

	facts := &NormalizedFacts{
		OrgID:                 host.OrgID,
		InventoryID:           uuidString(host.ID),
		InstanceID:            determineInstanceID(host),
		InsightsID:            host.InsightsID,
		SubscriptionManagerID: host.SubscriptionManagerID,
		DisplayName:           host.DisplayName,
		SLA:                   n.determineSLA(host, rhsmFacts, satelliteFacts, skipRhsm),
		Usage:                 n.determineUsage(host, rhsmFacts, satelliteFacts, skipRhsm),
		SyncTimestamp:         rhsmFacts.SyncTimestamp,
		CloudProvider:         cloudProvider,
		HardwareType:          determineHardwareType(cloudProvider, isVirtual),
		HypervisorUUID:        hypervisorUUID,
		IsVirtual:             isVirtual,
		Is3rdPartyMigrated:    spFacts.Is3rdPartyMigrated,
		ProductIDs:            productIDs,
		ProductTags:           productTags,
		LastSeen:              parseTimestamp(rhsmFacts.SyncTimestamp),
	}

	if err := n.resolveRelationships(ctx, store, facts); err != nil {
		return nil, err
	}
	return facts, nil
}

// resolveRelationships fills in the graph-dependent flags. A host is a
// hypervisor iff some row references its subscription-manager id; a guest is
// unmapped iff its declared hypervisor has no row under the same org.
func (n *FactNormalizer) resolveRelationships(ctx context.Context, store RelationshipStore, facts *NormalizedFacts) error {
	if facts.SubscriptionManagerID != "" {
		count, err := store.GuestCount(ctx, facts.OrgID, facts.SubscriptionManagerID)
		if err != nil {
			return fmt.Errorf("count guests of %s: %w", facts.SubscriptionManagerID, err)
		}
		facts.IsHypervisor = count > 0
	}

	if facts.IsVirtual && facts.HypervisorUUID != "" {
		known, err := store.HostExists(ctx, facts.OrgID, facts.HypervisorUUID)
		if err != nil {
			return fmt.Errorf("look up hypervisor %s: %w", facts.HypervisorUUID, err)
		}
		facts.IsUnmappedGuest = !known
	}
	return nil
}

func (n *FactNormalizer) determineSLA(host *HostPayload, rhsmFacts RhsmFacts, satelliteFacts SatelliteFacts, skipRhsm bool) string {
	if !skipRhsm && rhsmFacts.Present {
		if sla := n.handleClassification("sla", host, rhsmFacts.SLA, supportedSLAs); sla != "" {
			return sla
		}
	}
	return n.handleClassification("sla", host, satelliteFacts.SLA, supportedSLAs)
}

func (n *FactNormalizer) determineUsage(host *HostPayload, rhsmFacts RhsmFacts, satelliteFacts SatelliteFacts, skipRhsm bool) string {
	if !skipRhsm && rhsmFacts.Present {
		if usage := n.handleClassification("usage", host, rhsmFacts.Usage, supportedUsages); usage != "" {
			return usage
		}
	}
	return n.handleClassification("usage", host, satelliteFacts.Usage, supportedUsages)
}

// handleClassification maps a raw SLA/usage value onto its supported form.
// Unsupported values are logged and treated as unset rather than failing.
func (n *FactNormalizer) handleClassification(kind string, host *HostPayload, value string, supported map[string]string) string {
	if value == "" {
		return ""
	}
	if normalized, ok := supported[lower(value)]; ok {
		return normalized
	}
	n.logger.Printf("WARN org=%s host=%s has unsupported value for %s: %q", host.OrgID, host.SubscriptionManagerID, kind, value)
	return ""
}

// hostUnregistered reports whether the last rhsm sync predates the threshold,
// measured from the start of the current day so the cutoff does not drift with
// the processing schedule.
func (n *FactNormalizer) hostUnregistered(syncTimestamp string) bool {
	lastSync := parseTimestamp(syncTimestamp)
	if lastSync == nil {
		return false
	}
	startOfToday := n.clock.Now().UTC().Truncate(24 * time.Hour)
	return lastSync.Before(startOfToday.Add(-n.lastSyncThreshold))
}

func determineInstanceID(host *HostPayload) string {
	if host.ProviderID != "" {
		return host.ProviderID
	}
	return uuidString(host.ID)
}

func determineHardwareType(cloudProvider string, isVirtual bool) string {
	switch {
	case cloudProvider != "":
		return HardwareTypeCloud
	case isVirtual:
		return HardwareTypeVirtual
	default:
		return HardwareTypePhysical
	}
}

func parseTimestamp(value string) *time.Time {
	if value == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	ts = ts.UTC()
	return &ts
}
