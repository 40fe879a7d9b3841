package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// FollowUpReason explains why a dependent relationship must be re-derived.
type FollowUpReason string

const (
	// ReasonGuestOfNewHypervisor: a hypervisor arrived for a guest that was
	// previously stranded as unmapped.
	ReasonGuestOfNewHypervisor FollowUpReason = "guest_of_new_hypervisor"
	// ReasonHypervisorOfNewGuest: a mapped guest arrived, so its hypervisor's
	// derived measurements may have changed.
	ReasonHypervisorOfNewGuest FollowUpReason = "hypervisor_of_new_guest"
	// ReasonHypervisorDeleted: a guest's hypervisor row was removed, reverting
	// the guest to the unmapped computation.
	ReasonHypervisorDeleted FollowUpReason = "hypervisor_deleted"
)

// FollowUp names one dependent relationship row that must be reprocessed as a
// side effect of reconciling another host. The caller iterates follow-ups and
// feeds each back through RefreshHost; reconciliation never recurses.
type FollowUp struct {
	Relationship HostRelationship
	Reason       FollowUpReason
}

// Reconciler owns the relationship state machine: it upserts a host's row,
// computes its mapped/unmapped state against the current graph, and reports
// which other rows must be re-derived.
type Reconciler struct {
	clock      Clock
	normalizer *FactNormalizer
	measurer   *MeasurementNormalizer
	logger     *log.Logger
}

// NewReconciler builds a Reconciler from its collaborators.
func NewReconciler(clock Clock, normalizer *FactNormalizer, measurer *MeasurementNormalizer, logger *log.Logger) (*Reconciler, error) {
	if normalizer == nil {
		return nil, errors.New("fact normalizer is required")
	}
	if measurer == nil {
		return nil, errors.New("measurement normalizer is required")
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{clock: clock, normalizer: normalizer, measurer: measurer, logger: logger}, nil
}

// Normalize derives the typed fact view for a host against the current graph.
func (r *Reconciler) Normalize(ctx context.Context, store RelationshipStore, host *HostPayload) (*NormalizedFacts, error) {
	return r.normalizer.Normalize(ctx, store, host)
}

// ProcessHost upserts the host's relationship row and returns the dependent
// rows that must be re-derived:
//
//   - when the host turns out to be a hypervisor, every guest currently
//     stranded as unmapped under its subscription-manager id;
//   - when the host is a mapped guest, its hypervisor, whose own derived
//     state depends on attached guests.
//
// Sibling follow-ups are independent of one another; callers may process them
// in any order but must process each exactly once per triggering event.
func (r *Reconciler) ProcessHost(ctx context.Context, store RelationshipStore, facts *NormalizedFacts, snapshot []byte) ([]FollowUp, error) {
	if err := r.upsert(ctx, store, facts, snapshot); err != nil {
		return nil, err
	}

	// A host can only be referenced as a hypervisor by subscription-manager id.
	if facts.IsHypervisor && facts.SubscriptionManagerID != "" {
		unmapped, err := store.UnmappedGuests(ctx, facts.OrgID, facts.SubscriptionManagerID)
		if err != nil {
			return nil, fmt.Errorf("find unmapped guests of %s: %w", facts.SubscriptionManagerID, err)
		}
		followUps := make([]FollowUp, 0, len(unmapped))
		for _, guest := range unmapped {
			followUps = append(followUps, FollowUp{Relationship: guest, Reason: ReasonGuestOfNewHypervisor})
		}
		return followUps, nil
	}

	if facts.IsGuest() && !facts.IsUnmappedGuest {
		hypervisor, err := store.FindBySubscriptionManagerID(ctx, facts.OrgID, facts.HypervisorUUID)
		if err != nil {
			return nil, fmt.Errorf("find hypervisor %s: %w", facts.HypervisorUUID, err)
		}
		if hypervisor != nil {
			return []FollowUp{{Relationship: *hypervisor, Reason: ReasonHypervisorOfNewGuest}}, nil
		}
	}

	return nil, nil
}

// RefreshHost re-derives a relationship row from its stored facts snapshot,
// persists the recomputed state, and returns the outgoing event describing
// it. This is how a hypervisor arrival (or departure) repairs its guests
// without their original events being redelivered. A snapshot that no longer
// decodes is unrecoverable for this row only.
func (r *Reconciler) RefreshHost(ctx context.Context, store RelationshipStore, rel HostRelationship, eventType string, timestamp time.Time) (UsageEvent, error) {
	var host HostPayload
	if err := json.Unmarshal(rel.LatestFacts, &host); err != nil {
		return UsageEvent{}, unrecoverable("decode stored facts for org=%s inventory=%s: %v", rel.OrgID, rel.InventoryID, err)
	}

	facts, err := r.normalizer.Normalize(ctx, store, &host)
	if err != nil {
		return UsageEvent{}, err
	}

	event := r.BuildEvent(eventType, facts, &host, timestamp)
	if err := r.upsert(ctx, store, facts, rel.LatestFacts); err != nil {
		return UsageEvent{}, err
	}
	return event, nil
}

// BuildEvent derives measurements for the host and assembles the outgoing
// usage event for it.
func (r *Reconciler) BuildEvent(eventType string, facts *NormalizedFacts, host *HostPayload, timestamp time.Time) UsageEvent {
	measurements := r.measurer.Measure(facts, ExtractSystemProfileFacts(host), ExtractRhsmFacts(host))
	return newUsageEvent(eventType, facts, measurements, timestamp)
}

func (r *Reconciler) upsert(ctx context.Context, store RelationshipStore, facts *NormalizedFacts, snapshot []byte) error {
	inventoryID, err := parseInventoryID(facts.InventoryID)
	if err != nil {
		return err
	}

	now := r.clock.Now().UTC()
	rel := &HostRelationship{
		OrgID:                 facts.OrgID,
		InventoryID:           inventoryID,
		SubscriptionManagerID: facts.SubscriptionManagerID,
		UnmappedGuest:         facts.IsUnmappedGuest,
		LatestFacts:           snapshot,
		CreationDate:          now,
		LastUpdated:           now,
	}
	if facts.IsGuest() {
		rel.HypervisorUUID = facts.HypervisorUUID
	}

	if err := store.Upsert(ctx, rel); err != nil {
		return fmt.Errorf("upsert relationship org=%s inventory=%s: %w", rel.OrgID, rel.InventoryID, err)
	}
	return nil
}

func parseInventoryID(value string) (uuid.UUID, error) {
	if value == "" {
		return uuid.Nil, unrecoverable("host event is missing an inventory id")
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, unrecoverable("invalid inventory id %q: %v", value, err)
	}
	return id, nil
}
