package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"
)

const (
	excludedBillingModel = "marketplace"
	excludedHostType     = "edge"
)

// EventHandler orchestrates one inbound inventory event: eligibility filter,
// normalization, reconciliation, and outbox appends, all inside a single
// transaction per event.
type EventHandler struct {
	stores        StoreProvider
	recon         *Reconciler
	clock         Clock
	cullingOffset time.Duration
	logger        *log.Logger
}

// NewEventHandler builds an EventHandler. cullingOffset is added to a host's
// stale timestamp to decide whether the host is already culled.
func NewEventHandler(stores StoreProvider, recon *Reconciler, clock Clock, cullingOffset time.Duration, logger *log.Logger) (*EventHandler, error) {
	if stores == nil {
		return nil, errors.New("store provider is required")
	}
	if recon == nil {
		return nil, errors.New("reconciler is required")
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &EventHandler{
		stores:        stores,
		recon:         recon,
		clock:         clock,
		cullingOffset: cullingOffset,
		logger:        logger,
	}, nil
}

// HandleCreateUpdate processes an inbound created/updated event. Skipped
// events are a fast no-op with no store mutation and no outbox entry.
func (h *EventHandler) HandleCreateUpdate(ctx context.Context, event *HostCreateUpdateEvent) error {
	if reason := h.skipReason(event); reason != "" {
		h.logger.Printf("INFO skipping host event org=%s inventory=%s: %s", event.Host.OrgID, event.Host.ID, reason)
		eventsSkipped.WithLabelValues(reason).Inc()
		return nil
	}

	snapshot, err := json.Marshal(event.Host)
	if err != nil {
		return unrecoverable("serialize host snapshot for org=%s inventory=%s: %v", event.Host.OrgID, event.Host.ID, err)
	}

	eventType := EventTypeInstanceUpdated
	if event.Type == HostEventCreated {
		eventType = EventTypeInstanceCreated
	}
	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = h.clock.Now()
	}

	var appended int
	err = h.stores.InTransaction(ctx, func(ctx context.Context, s Stores) error {
		facts, err := h.recon.Normalize(ctx, s.Relationships, &event.Host)
		if err != nil {
			return err
		}

		followUps, err := h.recon.ProcessHost(ctx, s.Relationships, facts, snapshot)
		if err != nil {
			return err
		}

		toSend := []UsageEvent{h.recon.BuildEvent(eventType, facts, &event.Host, timestamp)}
		for _, followUp := range followUps {
			dependent, err := h.recon.RefreshHost(ctx, s.Relationships, followUp.Relationship, EventTypeInstanceUpdated, timestamp)
			if err != nil {
				return fmt.Errorf("reprocess dependent (%s) org=%s inventory=%s: %w",
					followUp.Reason, followUp.Relationship.OrgID, followUp.Relationship.InventoryID, err)
			}
			toSend = append(toSend, dependent)
		}

		appended = len(toSend)
		return appendAll(ctx, s.Outbox, toSend)
	})
	if err != nil {
		return err
	}

	outboxAppended.Add(float64(appended))
	eventsProcessed.WithLabelValues(event.Type).Inc()
	return nil
}

// HandleDelete processes an inbound delete event. Deletes have no eligibility
// filter; a delete for an unknown identity still emits one minimal event built
// from the message's own identifiers. When the deleted host was a hypervisor,
// each previously-mapped guest is re-derived so its measurements revert to the
// unmapped computation.
func (h *EventHandler) HandleDelete(ctx context.Context, event *HostDeleteEvent) error {
	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = h.clock.Now()
	}

	var appended int
	err := h.stores.InTransaction(ctx, func(ctx context.Context, s Stores) error {
		rel, err := s.Relationships.FindByInventoryID(ctx, event.OrgID, event.ID)
		if err != nil {
			return err
		}

		var mappedGuests []HostRelationship
		if rel != nil && rel.SubscriptionManagerID != "" {
			mappedGuests, err = s.Relationships.MappedGuests(ctx, rel.OrgID, rel.SubscriptionManagerID)
			if err != nil {
				return err
			}
		}

		deleteEvent := h.buildDeleteEvent(ctx, s.Relationships, rel, event, timestamp)

		if rel != nil {
			if _, err := s.Relationships.Delete(ctx, rel.OrgID, rel.InventoryID); err != nil {
				return err
			}
		}

		toSend := []UsageEvent{deleteEvent}
		for _, guest := range mappedGuests {
			dependent, err := h.recon.RefreshHost(ctx, s.Relationships, guest, EventTypeInstanceUpdated, timestamp)
			if err != nil {
				return fmt.Errorf("reprocess guest of deleted hypervisor org=%s inventory=%s: %w",
					guest.OrgID, guest.InventoryID, err)
			}
			toSend = append(toSend, dependent)
		}

		appended = len(toSend)
		return appendAll(ctx, s.Outbox, toSend)
	})
	if err != nil {
		return err
	}

	outboxAppended.Add(float64(appended))
	eventsProcessed.WithLabelValues(HostEventDeleted).Inc()
	return nil
}

// buildDeleteEvent prefers a full event derived from the stored snapshot, so
// downstream consumers see the host's final known shape. It falls back to the
// minimal identifier-only form when no row existed or the snapshot no longer
// decodes.
func (h *EventHandler) buildDeleteEvent(ctx context.Context, store RelationshipStore, rel *HostRelationship, event *HostDeleteEvent, timestamp time.Time) UsageEvent {
	if rel != nil {
		var host HostPayload
		if err := json.Unmarshal(rel.LatestFacts, &host); err == nil {
			if facts, err := h.recon.Normalize(ctx, store, &host); err == nil {
				return h.recon.BuildEvent(EventTypeInstanceDeleted, facts, &host, timestamp)
			}
		}
		h.logger.Printf("WARN stored facts unusable for deleted host org=%s inventory=%s, emitting minimal event", event.OrgID, event.ID)
	}
	return newMinimalEvent(EventTypeInstanceDeleted, event.OrgID, uuidString(event.ID), uuidString(event.ID), event.InsightsID, timestamp)
}

// skipReason applies the eligibility filter: excluded billing model, excluded
// host type, or a host already past its stale timestamp plus culling offset.
func (h *EventHandler) skipReason(event *HostCreateUpdateEvent) string {
	rhsmFacts := ExtractRhsmFacts(&event.Host)
	if equalsIgnoreCase(rhsmFacts.BillingModel, excludedBillingModel) {
		return "billing_model"
	}

	spFacts := ExtractSystemProfileFacts(&event.Host)
	if equalsIgnoreCase(spFacts.HostType, excludedHostType) {
		return "host_type"
	}

	if stale := parseTimestamp(event.Host.StaleTimestamp); stale != nil {
		if !h.clock.Now().Before(stale.Add(h.cullingOffset)) {
			return "culled"
		}
	} else if event.Host.StaleTimestamp != "" {
		h.logger.Printf("WARN unparseable stale timestamp %q on org=%s inventory=%s", event.Host.StaleTimestamp, event.Host.OrgID, event.Host.ID)
	}

	return ""
}

func appendAll(ctx context.Context, outbox OutboxAppender, events []UsageEvent) error {
	for _, event := range events {
		if err := outbox.Append(ctx, event); err != nil {
			return err
		}
	}
	return nil
}
