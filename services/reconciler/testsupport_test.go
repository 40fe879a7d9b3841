package reconciler

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// memRelationshipStore is an in-memory RelationshipStore for exercising the
// reconciliation logic without a database.
type memRelationshipStore struct {
	rows map[string]HostRelationship
}

func newMemRelationshipStore() *memRelationshipStore {
	return &memRelationshipStore{rows: map[string]HostRelationship{}}
}

func rowKey(orgID string, inventoryID uuid.UUID) string {
	return orgID + "|" + inventoryID.String()
}

func (s *memRelationshipStore) clone() *memRelationshipStore {
	rows := make(map[string]HostRelationship, len(s.rows))
	for k, v := range s.rows {
		rows[k] = v
	}
	return &memRelationshipStore{rows: rows}
}

func (s *memRelationshipStore) Upsert(ctx context.Context, rel *HostRelationship) error {
	key := rowKey(rel.OrgID, rel.InventoryID)
	stored := *rel
	if existing, ok := s.rows[key]; ok {
		stored.CreationDate = existing.CreationDate
	}
	s.rows[key] = stored
	return nil
}

func (s *memRelationshipStore) FindByInventoryID(ctx context.Context, orgID string, inventoryID uuid.UUID) (*HostRelationship, error) {
	if rel, ok := s.rows[rowKey(orgID, inventoryID)]; ok {
		out := rel
		return &out, nil
	}
	return nil, nil
}

func (s *memRelationshipStore) FindBySubscriptionManagerID(ctx context.Context, orgID, subscriptionManagerID string) (*HostRelationship, error) {
	for _, rel := range s.rows {
		if rel.OrgID == orgID && rel.SubscriptionManagerID == subscriptionManagerID {
			out := rel
			return &out, nil
		}
	}
	return nil, nil
}

func (s *memRelationshipStore) Delete(ctx context.Context, orgID string, inventoryID uuid.UUID) (bool, error) {
	key := rowKey(orgID, inventoryID)
	if _, ok := s.rows[key]; !ok {
		return false, nil
	}
	delete(s.rows, key)
	return true, nil
}

func (s *memRelationshipStore) UnmappedGuests(ctx context.Context, orgID, hypervisorUUID string) ([]HostRelationship, error) {
	return s.guests(orgID, hypervisorUUID, true), nil
}

func (s *memRelationshipStore) MappedGuests(ctx context.Context, orgID, hypervisorUUID string) ([]HostRelationship, error) {
	return s.guests(orgID, hypervisorUUID, false), nil
}

func (s *memRelationshipStore) guests(orgID, hypervisorUUID string, unmapped bool) []HostRelationship {
	var out []HostRelationship
	for _, rel := range s.rows {
		if rel.OrgID == orgID && rel.HypervisorUUID == hypervisorUUID && rel.UnmappedGuest == unmapped {
			out = append(out, rel)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].InventoryID.String() < out[j].InventoryID.String()
	})
	return out
}

func (s *memRelationshipStore) GuestCount(ctx context.Context, orgID, subscriptionManagerID string) (int64, error) {
	var count int64
	for _, rel := range s.rows {
		if rel.OrgID == orgID && rel.HypervisorUUID == subscriptionManagerID {
			count++
		}
	}
	return count, nil
}

func (s *memRelationshipStore) HostExists(ctx context.Context, orgID, subscriptionManagerID string) (bool, error) {
	for _, rel := range s.rows {
		if rel.OrgID == orgID && rel.SubscriptionManagerID == subscriptionManagerID {
			return true, nil
		}
	}
	return false, nil
}

type memOutbox struct {
	events []UsageEvent
	fail   bool
}

var errAppendFailed = errors.New("append failed")

func (o *memOutbox) Append(ctx context.Context, event UsageEvent) error {
	if o.fail {
		return errAppendFailed
	}
	o.events = append(o.events, event)
	return nil
}

// memProvider implements StoreProvider with copy-on-begin semantics: the
// callback runs against a clone and results are published only on success, so
// tests can observe rollback behavior.
type memProvider struct {
	store      *memRelationshipStore
	outbox     []UsageEvent
	failAppend bool
}

func newMemProvider() *memProvider {
	return &memProvider{store: newMemRelationshipStore()}
}

func (p *memProvider) InTransaction(ctx context.Context, fn func(ctx context.Context, s Stores) error) error {
	txStore := p.store.clone()
	txOutbox := &memOutbox{fail: p.failAppend}
	if err := fn(ctx, Stores{Relationships: txStore, Outbox: txOutbox}); err != nil {
		return err
	}
	p.store.rows = txStore.rows
	p.outbox = append(p.outbox, txOutbox.events...)
	return nil
}

func factSet(namespace string, facts map[string]any) FactSet {
	return FactSet{Namespace: namespace, Facts: facts}
}

func testHost(orgID string, id uuid.UUID, subscriptionManagerID string) HostPayload {
	return HostPayload{
		ID:                    id,
		OrgID:                 orgID,
		SubscriptionManagerID: subscriptionManagerID,
		DisplayName:           "host-" + subscriptionManagerID,
		StaleTimestamp:        testNow.Add(48 * time.Hour).Format(time.RFC3339),
	}
}
