package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hostwatch/pkg/db"
)

// HostRelationship is one persisted row of the hypervisor/guest graph, keyed
// by (org, inventory id). The hypervisor link is a back-reference: guests name
// their hypervisor by subscription-manager id and are found by query, never by
// pointer traversal.
type HostRelationship struct {
	OrgID                 string
	InventoryID           uuid.UUID
	SubscriptionManagerID string
	HypervisorUUID        string
	UnmappedGuest         bool
	LatestFacts           []byte
	CreationDate          time.Time
	LastUpdated           time.Time
}

// RelationshipStore is the persistence port for the relationship graph. Row
// operations are atomic per (org, inventory id); implementations must allow
// concurrent writers on different identities.
type RelationshipStore interface {
	Upsert(ctx context.Context, rel *HostRelationship) error
	FindByInventoryID(ctx context.Context, orgID string, inventoryID uuid.UUID) (*HostRelationship, error)
	FindBySubscriptionManagerID(ctx context.Context, orgID, subscriptionManagerID string) (*HostRelationship, error)
	Delete(ctx context.Context, orgID string, inventoryID uuid.UUID) (bool, error)
	UnmappedGuests(ctx context.Context, orgID, hypervisorUUID string) ([]HostRelationship, error)
	MappedGuests(ctx context.Context, orgID, hypervisorUUID string) ([]HostRelationship, error)
	GuestCount(ctx context.Context, orgID, subscriptionManagerID string) (int64, error)
	HostExists(ctx context.Context, orgID, subscriptionManagerID string) (bool, error)
}

// OutboxAppender appends one durable outbox row per outgoing event. It is
// only ever called inside the transaction that mutates the relationship rows
// the event describes.
type OutboxAppender interface {
	Append(ctx context.Context, event UsageEvent) error
}

// Stores bundles the per-transaction store handles handed to handler code.
type Stores struct {
	Relationships RelationshipStore
	Outbox        OutboxAppender
}

// StoreProvider opens the shared transaction boundary for one inbound event:
// relationship mutations and outbox appends commit or roll back together.
type StoreProvider interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context, s Stores) error) error
}

type pgStoreProvider struct {
	pool *pgxpool.Pool
}

// NewStoreProvider returns a StoreProvider backed by the given pool.
func NewStoreProvider(pool *pgxpool.Pool) (StoreProvider, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	return &pgStoreProvider{pool: pool}, nil
}

func (p *pgStoreProvider) InTransaction(ctx context.Context, fn func(ctx context.Context, s Stores) error) error {
	return db.RunInTx(ctx, p.pool, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, Stores{
			Relationships: NewRelationshipStore(tx),
			Outbox:        NewOutboxStore(tx),
		})
	})
}

type hostRelationshipRow struct {
	OrgID                 string    `db:"org_id"`
	InventoryID           uuid.UUID `db:"inventory_id"`
	SubscriptionManagerID *string   `db:"subscription_manager_id"`
	HypervisorUUID        *string   `db:"hypervisor_uuid"`
	UnmappedGuest         bool      `db:"unmapped_guest"`
	LatestFacts           []byte    `db:"latest_facts"`
	CreationDate          time.Time `db:"creation_date"`
	LastUpdated           time.Time `db:"last_updated"`
}

func (r hostRelationshipRow) toDomain() HostRelationship {
	rel := HostRelationship{
		OrgID:         r.OrgID,
		InventoryID:   r.InventoryID,
		UnmappedGuest: r.UnmappedGuest,
		LatestFacts:   r.LatestFacts,
		CreationDate:  r.CreationDate,
		LastUpdated:   r.LastUpdated,
	}
	if r.SubscriptionManagerID != nil {
		rel.SubscriptionManagerID = *r.SubscriptionManagerID
	}
	if r.HypervisorUUID != nil {
		rel.HypervisorUUID = *r.HypervisorUUID
	}
	return rel
}

// pgRelationshipStore implements RelationshipStore on a pgx Querier, so the
// same code runs against the pool or inside a transaction.
type pgRelationshipStore struct {
	q db.Querier
}

// NewRelationshipStore binds a RelationshipStore to the given querier.
func NewRelationshipStore(q db.Querier) RelationshipStore {
	return &pgRelationshipStore{q: q}
}

func (s *pgRelationshipStore) Upsert(ctx context.Context, rel *HostRelationship) error {
	_, err := db.Exec(ctx, s.q, `
INSERT INTO host_relationships
	(org_id, inventory_id, subscription_manager_id, hypervisor_uuid, unmapped_guest, latest_facts, creation_date, last_updated)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $7)
ON CONFLICT (org_id, inventory_id) DO UPDATE SET
	subscription_manager_id = EXCLUDED.subscription_manager_id,
	hypervisor_uuid = EXCLUDED.hypervisor_uuid,
	unmapped_guest = EXCLUDED.unmapped_guest,
	latest_facts = EXCLUDED.latest_facts,
	last_updated = EXCLUDED.last_updated
`, rel.OrgID, rel.InventoryID, nullable(rel.SubscriptionManagerID), nullable(rel.HypervisorUUID),
		rel.UnmappedGuest, rel.LatestFacts, rel.LastUpdated)
	return err
}

func (s *pgRelationshipStore) FindByInventoryID(ctx context.Context, orgID string, inventoryID uuid.UUID) (*HostRelationship, error) {
	var row hostRelationshipRow
	err := db.Get(ctx, s.q, &row, `
SELECT org_id, inventory_id, subscription_manager_id, hypervisor_uuid, unmapped_guest, latest_facts, creation_date, last_updated
FROM host_relationships
WHERE org_id = $1 AND inventory_id = $2
`, orgID, inventoryID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rel := row.toDomain()
	return &rel, nil
}

func (s *pgRelationshipStore) FindBySubscriptionManagerID(ctx context.Context, orgID, subscriptionManagerID string) (*HostRelationship, error) {
	var row hostRelationshipRow
	err := db.Get(ctx, s.q, &row, `
SELECT org_id, inventory_id, subscription_manager_id, hypervisor_uuid, unmapped_guest, latest_facts, creation_date, last_updated
FROM host_relationships
WHERE org_id = $1 AND subscription_manager_id = $2
LIMIT 1
`, orgID, subscriptionManagerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rel := row.toDomain()
	return &rel, nil
}

func (s *pgRelationshipStore) Delete(ctx context.Context, orgID string, inventoryID uuid.UUID) (bool, error) {
	tag, err := db.Exec(ctx, s.q, `
DELETE FROM host_relationships WHERE org_id = $1 AND inventory_id = $2
`, orgID, inventoryID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgRelationshipStore) UnmappedGuests(ctx context.Context, orgID, hypervisorUUID string) ([]HostRelationship, error) {
	return s.guests(ctx, orgID, hypervisorUUID, true)
}

func (s *pgRelationshipStore) MappedGuests(ctx context.Context, orgID, hypervisorUUID string) ([]HostRelationship, error) {
	return s.guests(ctx, orgID, hypervisorUUID, false)
}

func (s *pgRelationshipStore) guests(ctx context.Context, orgID, hypervisorUUID string, unmapped bool) ([]HostRelationship, error) {
	var rows []hostRelationshipRow
	err := db.Select(ctx, s.q, &rows, `
SELECT org_id, inventory_id, subscription_manager_id, hypervisor_uuid, unmapped_guest, latest_facts, creation_date, last_updated
FROM host_relationships
WHERE org_id = $1 AND hypervisor_uuid = $2 AND unmapped_guest = $3
`, orgID, hypervisorUUID, unmapped)
	if err != nil {
		return nil, err
	}
	rels := make([]HostRelationship, 0, len(rows))
	for _, row := range rows {
		rels = append(rels, row.toDomain())
	}
	return rels, nil
}

func (s *pgRelationshipStore) GuestCount(ctx context.Context, orgID, subscriptionManagerID string) (int64, error) {
	var count int64
	err := db.Get(ctx, s.q, &count, `
SELECT count(*) FROM host_relationships WHERE org_id = $1 AND hypervisor_uuid = $2
`, orgID, subscriptionManagerID)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *pgRelationshipStore) HostExists(ctx context.Context, orgID, subscriptionManagerID string) (bool, error) {
	var exists bool
	err := db.Get(ctx, s.q, &exists, `
SELECT EXISTS (SELECT 1 FROM host_relationships WHERE org_id = $1 AND subscription_manager_id = $2)
`, orgID, subscriptionManagerID)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
