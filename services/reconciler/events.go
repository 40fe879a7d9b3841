package reconciler

import (
	"time"

	"github.com/google/uuid"
)

// Inbound event type markers used by the host inventory service.
const (
	HostEventCreated = "created"
	HostEventUpdated = "updated"
	HostEventDeleted = "delete"
)

// Outgoing event types consumed by the usage pipeline.
const (
	EventTypeInstanceCreated = "INSTANCE_CREATED"
	EventTypeInstanceUpdated = "INSTANCE_UPDATED"
	EventTypeInstanceDeleted = "INSTANCE_DELETED"
)

const (
	eventServiceType = "RHEL System"
	eventSource      = "HOST_INVENTORY"

	// Outgoing events are valid for one hour from their (hour-truncated) timestamp.
	eventValidity = time.Hour
)

// hostEventEnvelope carries just enough of an inbound message to dispatch it.
type hostEventEnvelope struct {
	Type string `json:"type"`
}

// FactSet is one namespaced key/value bag attached to an inventory host.
type FactSet struct {
	Namespace string         `json:"namespace"`
	Facts     map[string]any `json:"facts"`
}

// HostPayload is the full host body carried by create/update events. It is
// also the shape persisted as the relationship row's latest facts snapshot.
type HostPayload struct {
	ID                    uuid.UUID      `json:"id"`
	OrgID                 string         `json:"org_id"`
	SubscriptionManagerID string         `json:"subscription_manager_id"`
	InsightsID            string         `json:"insights_id"`
	ProviderID            string         `json:"provider_id"`
	DisplayName           string         `json:"display_name"`
	StaleTimestamp        string         `json:"stale_timestamp"`
	Facts                 []FactSet      `json:"facts"`
	SystemProfile         map[string]any `json:"system_profile"`
}

// HostCreateUpdateEvent is an inbound "created" or "updated" message.
type HostCreateUpdateEvent struct {
	Type      string      `json:"type"`
	Host      HostPayload `json:"host"`
	Timestamp time.Time   `json:"timestamp"`
}

// HostDeleteEvent is an inbound "delete" message. It carries identifiers only.
type HostDeleteEvent struct {
	Type       string    `json:"type"`
	ID         uuid.UUID `json:"id"`
	OrgID      string    `json:"org_id"`
	InsightsID string    `json:"insights_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// Measurement is a single derived usage metric on an outgoing event.
type Measurement struct {
	MetricID string  `json:"metric_id"`
	Value    float64 `json:"value"`
}

// UsageEvent is the payload handed to the outbound transport.
type UsageEvent struct {
	ServiceType           string        `json:"service_type"`
	EventSource           string        `json:"event_source"`
	EventType             string        `json:"event_type"`
	Timestamp             time.Time     `json:"timestamp"`
	Expiration            time.Time     `json:"expiration"`
	OrgID                 string        `json:"org_id"`
	InstanceID            string        `json:"instance_id,omitempty"`
	InventoryID           string        `json:"inventory_id,omitempty"`
	InsightsID            string        `json:"insights_id,omitempty"`
	SubscriptionManagerID string        `json:"subscription_manager_id,omitempty"`
	HypervisorUUID        string        `json:"hypervisor_uuid,omitempty"`
	DisplayName           string        `json:"display_name,omitempty"`
	SLA                   string        `json:"sla,omitempty"`
	Usage                 string        `json:"usage,omitempty"`
	CloudProvider         string        `json:"cloud_provider,omitempty"`
	HardwareType          string        `json:"hardware_type,omitempty"`
	ProductIDs            []string      `json:"product_ids,omitempty"`
	ProductTags           []string      `json:"product_tag,omitempty"`
	IsVirtual             bool          `json:"is_virtual"`
	IsUnmappedGuest       bool          `json:"is_unmapped_guest"`
	IsHypervisor          bool          `json:"is_hypervisor"`
	Conversion            bool          `json:"conversion"`
	LastSeen              *time.Time    `json:"last_seen,omitempty"`
	Measurements          []Measurement `json:"measurements,omitempty"`
}

// newMinimalEvent builds the identifier-only skeleton shared by all outgoing
// events. The timestamp is truncated to the hour so repeated derivations of
// the same host in the same hour land on the same usage window.
func newMinimalEvent(eventType, orgID, inventoryID, instanceID, insightsID string, timestamp time.Time) UsageEvent {
	ts := timestamp.UTC().Truncate(eventValidity)
	return UsageEvent{
		ServiceType: eventServiceType,
		EventSource: eventSource,
		EventType:   eventType,
		Timestamp:   ts,
		Expiration:  ts.Add(eventValidity),
		OrgID:       orgID,
		InventoryID: inventoryID,
		InstanceID:  instanceID,
		InsightsID:  insightsID,
	}
}

// newUsageEvent builds a full outgoing event from normalized facts and measurements.
func newUsageEvent(eventType string, facts *NormalizedFacts, measurements NormalizedMeasurements, timestamp time.Time) UsageEvent {
	evt := newMinimalEvent(eventType, facts.OrgID, facts.InventoryID, facts.InstanceID, facts.InsightsID, timestamp)
	evt.SubscriptionManagerID = facts.SubscriptionManagerID
	evt.HypervisorUUID = facts.HypervisorUUID
	evt.DisplayName = facts.DisplayName
	evt.SLA = facts.SLA
	evt.Usage = facts.Usage
	evt.CloudProvider = facts.CloudProvider
	evt.HardwareType = facts.HardwareType
	evt.ProductIDs = facts.ProductIDs
	evt.ProductTags = facts.ProductTags
	evt.IsVirtual = facts.IsVirtual
	evt.IsUnmappedGuest = facts.IsUnmappedGuest
	evt.IsHypervisor = facts.IsHypervisor
	evt.Conversion = facts.Is3rdPartyMigrated
	evt.LastSeen = facts.LastSeen

	if cores, ok := measurements.Cores(); ok {
		evt.Measurements = append(evt.Measurements, Measurement{MetricID: "cores", Value: float64(cores)})
	}
	if sockets, ok := measurements.Sockets(); ok {
		evt.Measurements = append(evt.Measurements, Measurement{MetricID: "sockets", Value: float64(sockets)})
	}
	return evt
}
