package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestReconciler(t *testing.T) *Reconciler {
	t.Helper()
	clock := fixedClock{now: testNow}
	r, err := NewReconciler(
		clock,
		NewFactNormalizer(clock, 24*time.Hour, testLogger()),
		NewMeasurementNormalizer(false, testLogger()),
		testLogger(),
	)
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	return r
}

func mustSnapshot(t *testing.T, host HostPayload) []byte {
	t.Helper()
	data, err := json.Marshal(host)
	if err != nil {
		t.Fatalf("marshal host: %v", err)
	}
	return data
}

func TestProcessHostUpsertsRelationship(t *testing.T) {
	r := newTestReconciler(t)
	store := newMemRelationshipStore()
	ctx := context.Background()

	host := testHost("org1", uuid.New(), "subman-1")
	facts, err := r.Normalize(ctx, store, &host)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	followUps, err := r.ProcessHost(ctx, store, facts, mustSnapshot(t, host))
	if err != nil {
		t.Fatalf("ProcessHost: %v", err)
	}
	if len(followUps) != 0 {
		t.Errorf("unexpected follow-ups: %v", followUps)
	}

	rel, err := store.FindByInventoryID(ctx, "org1", host.ID)
	if err != nil || rel == nil {
		t.Fatalf("relationship row missing after upsert: %v", err)
	}
	if rel.SubscriptionManagerID != "subman-1" {
		t.Errorf("subman id = %q", rel.SubscriptionManagerID)
	}
	if rel.HypervisorUUID != "" || rel.UnmappedGuest {
		t.Errorf("standalone host stored with guest state: %+v", rel)
	}
}

func TestProcessHostHypervisorReturnsUnmappedGuests(t *testing.T) {
	r := newTestReconciler(t)
	store := newMemRelationshipStore()
	ctx := context.Background()

	// Two guests stranded waiting for this hypervisor, one already mapped.
	unmappedA := HostRelationship{OrgID: "org1", InventoryID: uuid.New(), HypervisorUUID: "subman-hv", UnmappedGuest: true}
	unmappedB := HostRelationship{OrgID: "org1", InventoryID: uuid.New(), HypervisorUUID: "subman-hv", UnmappedGuest: true}
	mapped := HostRelationship{OrgID: "org1", InventoryID: uuid.New(), HypervisorUUID: "subman-hv"}
	for _, rel := range []HostRelationship{unmappedA, unmappedB, mapped} {
		relCopy := rel
		_ = store.Upsert(ctx, &relCopy)
	}

	hypervisor := testHost("org1", uuid.New(), "subman-hv")
	facts, err := r.Normalize(ctx, store, &hypervisor)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !facts.IsHypervisor {
		t.Fatal("expected hypervisor-ness from guest back-references")
	}

	followUps, err := r.ProcessHost(ctx, store, facts, mustSnapshot(t, hypervisor))
	if err != nil {
		t.Fatalf("ProcessHost: %v", err)
	}
	if len(followUps) != 2 {
		t.Fatalf("follow-ups = %d, want the 2 unmapped guests", len(followUps))
	}
	for _, f := range followUps {
		if f.Reason != ReasonGuestOfNewHypervisor {
			t.Errorf("reason = %q", f.Reason)
		}
		if !f.Relationship.UnmappedGuest {
			t.Errorf("mapped guest returned as follow-up: %+v", f.Relationship)
		}
	}
}

func TestProcessHostMappedGuestReturnsHypervisor(t *testing.T) {
	r := newTestReconciler(t)
	store := newMemRelationshipStore()
	ctx := context.Background()

	hvID := uuid.New()
	_ = store.Upsert(ctx, &HostRelationship{
		OrgID:                 "org1",
		InventoryID:           hvID,
		SubscriptionManagerID: "subman-hv",
	})

	guest := testHost("org1", uuid.New(), "subman-guest")
	guest.Facts = []FactSet{
		factSet("satellite", map[string]any{"virtual_host_uuid": "subman-hv"}),
	}
	facts, err := r.Normalize(ctx, store, &guest)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if facts.IsUnmappedGuest {
		t.Fatal("guest should be mapped, hypervisor row exists")
	}

	followUps, err := r.ProcessHost(ctx, store, facts, mustSnapshot(t, guest))
	if err != nil {
		t.Fatalf("ProcessHost: %v", err)
	}
	if len(followUps) != 1 {
		t.Fatalf("follow-ups = %d, want the hypervisor", len(followUps))
	}
	if followUps[0].Reason != ReasonHypervisorOfNewGuest {
		t.Errorf("reason = %q", followUps[0].Reason)
	}
	if followUps[0].Relationship.InventoryID != hvID {
		t.Errorf("follow-up targets %s, want hypervisor row", followUps[0].Relationship.InventoryID)
	}

	rel, _ := store.FindByInventoryID(ctx, "org1", guest.ID)
	if rel == nil || rel.HypervisorUUID != "subman-hv" {
		t.Fatalf("guest row missing hypervisor link: %+v", rel)
	}
}

func TestProcessHostUnmappedGuestHasNoFollowUps(t *testing.T) {
	r := newTestReconciler(t)
	store := newMemRelationshipStore()
	ctx := context.Background()

	guest := testHost("org1", uuid.New(), "subman-guest")
	guest.Facts = []FactSet{
		factSet("satellite", map[string]any{"virtual_host_uuid": "subman-unknown"}),
	}
	facts, err := r.Normalize(ctx, store, &guest)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	followUps, err := r.ProcessHost(ctx, store, facts, mustSnapshot(t, guest))
	if err != nil {
		t.Fatalf("ProcessHost: %v", err)
	}
	if len(followUps) != 0 {
		t.Errorf("unexpected follow-ups: %v", followUps)
	}

	rel, _ := store.FindByInventoryID(ctx, "org1", guest.ID)
	if rel == nil || !rel.UnmappedGuest {
		t.Fatalf("guest row not stored as unmapped: %+v", rel)
	}
}

func TestUpsertOmitsHypervisorLinkForNonGuests(t *testing.T) {
	r := newTestReconciler(t)
	store := newMemRelationshipStore()
	ctx := context.Background()

	// A physical host may still carry a leftover hypervisor fact; the stored
	// row must not treat it as a guest.
	host := testHost("org1", uuid.New(), "subman-1")
	host.SystemProfile = map[string]any{"virtual_host_uuid": "subman-hv"}

	facts, err := r.Normalize(ctx, store, &host)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if facts.IsVirtual {
		t.Fatal("host should not be virtual")
	}

	if _, err := r.ProcessHost(ctx, store, facts, mustSnapshot(t, host)); err != nil {
		t.Fatalf("ProcessHost: %v", err)
	}

	rel, _ := store.FindByInventoryID(ctx, "org1", host.ID)
	if rel == nil || rel.HypervisorUUID != "" {
		t.Fatalf("non-guest stored with hypervisor link: %+v", rel)
	}
}

func TestRefreshHostRemapsStrandedGuest(t *testing.T) {
	r := newTestReconciler(t)
	store := newMemRelationshipStore()
	ctx := context.Background()

	guest := testHost("org1", uuid.New(), "subman-guest")
	guest.Facts = []FactSet{
		factSet("satellite", map[string]any{"virtual_host_uuid": "subman-hv"}),
	}
	guestRel := HostRelationship{
		OrgID:          "org1",
		InventoryID:    guest.ID,
		HypervisorUUID: "subman-hv",
		UnmappedGuest:  true,
		LatestFacts:    mustSnapshot(t, guest),
	}
	_ = store.Upsert(ctx, &guestRel)
	_ = store.Upsert(ctx, &HostRelationship{
		OrgID:                 "org1",
		InventoryID:           uuid.New(),
		SubscriptionManagerID: "subman-hv",
	})

	event, err := r.RefreshHost(ctx, store, guestRel, EventTypeInstanceUpdated, testNow)
	if err != nil {
		t.Fatalf("RefreshHost: %v", err)
	}
	if event.EventType != EventTypeInstanceUpdated {
		t.Errorf("event type = %q", event.EventType)
	}
	if event.IsUnmappedGuest {
		t.Error("refreshed guest should be mapped now")
	}

	rel, _ := store.FindByInventoryID(ctx, "org1", guest.ID)
	if rel == nil || rel.UnmappedGuest {
		t.Fatalf("guest row not remapped: %+v", rel)
	}
}

func TestRefreshHostBadSnapshotIsUnrecoverable(t *testing.T) {
	r := newTestReconciler(t)
	store := newMemRelationshipStore()

	rel := HostRelationship{
		OrgID:       "org1",
		InventoryID: uuid.New(),
		LatestFacts: []byte("{not json"),
	}
	_, err := r.RefreshHost(context.Background(), store, rel, EventTypeInstanceUpdated, testNow)
	if !errors.Is(err, ErrUnrecoverable) {
		t.Fatalf("err = %v, want unrecoverable", err)
	}
}

func TestParseInventoryID(t *testing.T) {
	if _, err := parseInventoryID(""); !errors.Is(err, ErrUnrecoverable) {
		t.Errorf("empty id err = %v, want unrecoverable", err)
	}
	if _, err := parseInventoryID("not-a-uuid"); !errors.Is(err, ErrUnrecoverable) {
		t.Errorf("bad id err = %v, want unrecoverable", err)
	}
	id := uuid.New()
	got, err := parseInventoryID(id.String())
	if err != nil || got != id {
		t.Errorf("parse = %v, %v", got, err)
	}
}

func TestBuildEventTimestamps(t *testing.T) {
	r := newTestReconciler(t)
	facts := &NormalizedFacts{OrgID: "org1", InventoryID: uuid.New().String()}
	host := testHost("org1", uuid.New(), "subman-1")

	event := r.BuildEvent(EventTypeInstanceCreated, facts, &host, testNow)
	wantTS := testNow.Truncate(time.Hour)
	if !event.Timestamp.Equal(wantTS) {
		t.Errorf("timestamp = %v, want hour-truncated %v", event.Timestamp, wantTS)
	}
	if !event.Expiration.Equal(wantTS.Add(time.Hour)) {
		t.Errorf("expiration = %v, want timestamp + 1h", event.Expiration)
	}
	if event.ServiceType != "RHEL System" || event.EventSource != "HOST_INVENTORY" {
		t.Errorf("unexpected envelope: %q/%q", event.ServiceType, event.EventSource)
	}
}
