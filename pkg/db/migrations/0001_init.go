package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// HostRelationship records the last-seen state of one inventory host and its
// declared hypervisor reference. One row per (org, inventory id).
type HostRelationship struct {
	OrgID                 string         `gorm:"type:text;primaryKey"`
	InventoryID           uuid.UUID      `gorm:"type:uuid;primaryKey"`
	SubscriptionManagerID *string        `gorm:"type:text"`
	HypervisorUUID        *string        `gorm:"type:text"`
	UnmappedGuest         bool           `gorm:"type:boolean;not null;default:false"`
	LatestFacts           datatypes.JSON `gorm:"type:jsonb"`
	CreationDate          time.Time      `gorm:"type:timestamptz;not null;default:now()"`
	LastUpdated           time.Time      `gorm:"type:timestamptz;not null;default:now()"`
}

func (HostRelationship) TableName() string { return "host_relationships" }

// EventOutbox holds one pending outgoing usage event per row. Rows are removed
// only after the transport confirms delivery.
type EventOutbox struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey"`
	OrgID     string         `gorm:"type:text;not null"`
	Payload   datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedOn time.Time      `gorm:"type:timestamptz;not null;default:now()"`
}

func (EventOutbox) TableName() string { return "event_outbox" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&HostRelationship{},
		&EventOutbox{},
	); err != nil {
		return err
	}

	// Guest rows are looked up by the hypervisor they reference, and the
	// drainer reads outbox rows in per-org creation order.
	statements := []string{
		`CREATE INDEX IF NOT EXISTS idx_host_relationships_org_subman
			ON host_relationships (org_id, subscription_manager_id)`,
		`CREATE INDEX IF NOT EXISTS idx_host_relationships_org_hypervisor
			ON host_relationships (org_id, hypervisor_uuid)`,
		`CREATE INDEX IF NOT EXISTS idx_event_outbox_org_created
			ON event_outbox (org_id, created_on, id)`,
	}
	for _, stmt := range statements {
		if err := gormDB.WithContext(ctx).Exec(stmt).Error; err != nil {
			return err
		}
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&EventOutbox{},
		&HostRelationship{},
	)
}
