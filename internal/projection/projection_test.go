package projection_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/careflow-go/internal/eventstore"
	"github.com/careflow-go/internal/projection"
	"github.com/careflow-go/pkg/database"
	"github.com/careflow-go/pkg/logger"
)

func testRegistry() *eventstore.Registry {
	def := func(eventType, streamType string) eventstore.Definition {
		return eventstore.Definition{EventType: eventType, StreamType: streamType}
	}
	return eventstore.NewRegistry(
		eventstore.Definition{
			EventType: "organization.bootstrap.initiated", StreamType: "organization",
			Trigger: true, WorkflowType: "org-bootstrap", TaskQueue: "default",
		},
		def("organization.created", "organization"),
		def("organization.updated", "organization"),
		def("organization.activated", "organization"),
		def("organization.deactivated", "organization"),
		def("dns.configured", "organization"),
		def("dns.removed", "organization"),
		def("organization.renamed", "organization"), // no handler on purpose
		def("invitation.created", "invitation"),
		def("invitation.email.sent", "invitation"),
		def("invitation.cancelled", "invitation"),
		def("role.created", "role"),
		def("role.permission.granted", "role"),
		def("role.permission.revoked", "role"),
		def("user.created", "user"),
		def("user.activated", "user"),
		def("user.deactivated", "user"),
		def("contact.created", "contact"),
		def("contact.deleted", "contact"),
		def("user_roles.linked", "junction.user_roles"),
		def("user_roles.unlinked", "junction.user_roles"),
		def("owners.linked", "junction.owners"), // not on the allowlist
	)
}

func setup(t *testing.T) (*eventstore.Store, *projection.Router, *database.DB) {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), database.GormConfig())
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	db := database.Wrap(gormDB)

	log := logger.NewNop()
	require.NoError(t, eventstore.Migrate(db))
	require.NoError(t, projection.Migrate(db))

	router := projection.NewRouter(log)
	store := eventstore.New(db, testRegistry(), log, eventstore.WithProjector(router))
	return store, router, db
}

func appendEvent(t *testing.T, store *eventstore.Store, streamID, streamType, eventType string, data map[string]interface{}) *eventstore.Event {
	t.Helper()
	ev, err := store.Append(context.Background(), eventstore.AppendRequest{
		StreamID:   streamID,
		StreamType: streamType,
		EventType:  eventType,
		EventData:  data,
	})
	require.NoError(t, err)
	return ev
}

func TestOrganizationLifecycle(t *testing.T) {
	store, _, db := setup(t)

	appendEvent(t, store, "org-1", "organization", "organization.bootstrap.initiated",
		map[string]interface{}{"subdomain": "acme", "orgData": map[string]interface{}{"name": "Acme Care"}})

	var row projection.OrganizationView
	require.NoError(t, db.First(&row, "id = ?", "org-1").Error)
	assert.Equal(t, "Acme Care", row.Name)
	assert.Equal(t, "acme", row.Subdomain)
	assert.Equal(t, "provisioning", row.Status)
	assert.False(t, row.DNSConfigured)

	appendEvent(t, store, "org-1", "organization", "organization.created",
		map[string]interface{}{"name": "Acme Care Inc", "subdomain": "acme"})
	appendEvent(t, store, "org-1", "organization", "dns.configured",
		map[string]interface{}{"subdomain": "acme"})
	appendEvent(t, store, "org-1", "organization", "organization.activated", nil)

	require.NoError(t, db.First(&row, "id = ?", "org-1").Error)
	assert.Equal(t, "Acme Care Inc", row.Name)
	assert.Equal(t, "active", row.Status)
	assert.True(t, row.DNSConfigured)

	// Saga unwind path.
	appendEvent(t, store, "org-1", "organization", "dns.removed", nil)
	appendEvent(t, store, "org-1", "organization", "organization.deactivated", nil)

	require.NoError(t, db.First(&row, "id = ?", "org-1").Error)
	assert.Equal(t, "deactivated", row.Status)
	assert.False(t, row.DNSConfigured)
}

func TestInvitationLifecycle(t *testing.T) {
	store, _, db := setup(t)

	// The same snake_case payload the bootstrap workflow emits.
	appendEvent(t, store, "inv-1", "invitation", "invitation.created",
		map[string]interface{}{"organization_id": "org-1", "email": "a@acme.test", "name": "A", "role": "admin"})

	var row projection.InvitationView
	require.NoError(t, db.First(&row, "id = ?", "inv-1").Error)
	assert.Equal(t, "pending", row.Status)
	assert.Equal(t, "a@acme.test", row.Email)
	assert.Equal(t, "org-1", row.OrganizationID)
	assert.Equal(t, "admin", row.Role)

	appendEvent(t, store, "inv-1", "invitation", "invitation.email.sent", nil)
	require.NoError(t, db.First(&row, "id = ?", "inv-1").Error)
	assert.Equal(t, "sent", row.Status)
	require.NotNil(t, row.EmailSentAt)

	// Compensation keeps the row, flips the status.
	appendEvent(t, store, "inv-1", "invitation", "invitation.cancelled", nil)
	require.NoError(t, db.First(&row, "id = ?", "inv-1").Error)
	assert.Equal(t, "cancelled", row.Status)
}

func TestRolePermissionsAreIdempotent(t *testing.T) {
	store, router, db := setup(t)

	appendEvent(t, store, "role-1", "role", "role.created",
		map[string]interface{}{"organizationId": "org-1", "name": "nurse"})
	grant := appendEvent(t, store, "role-1", "role", "role.permission.granted",
		map[string]interface{}{"permission": "clients.read"})

	// Replaying the same grant leaves a single row.
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return router.Apply(tx, grant)
	}))

	var count int64
	require.NoError(t, db.Model(&projection.RolePermissionView{}).
		Where("role_id = ?", "role-1").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	appendEvent(t, store, "role-1", "role", "role.permission.revoked",
		map[string]interface{}{"permission": "clients.read"})
	require.NoError(t, db.Model(&projection.RolePermissionView{}).
		Where("role_id = ?", "role-1").Count(&count).Error)
	assert.Zero(t, count)
}

func TestSoftDeleteKeepsRow(t *testing.T) {
	store, _, db := setup(t)

	appendEvent(t, store, "contact-1", "contact", "contact.created",
		map[string]interface{}{"firstName": "Ada", "email": "ada@acme.test"})
	appendEvent(t, store, "contact-1", "contact", "contact.deleted", nil)

	var row projection.ContactView
	require.NoError(t, db.First(&row, "id = ?", "contact-1").Error)
	require.NotNil(t, row.DeletedAt)
	assert.Equal(t, "Ada", row.FirstName)
}

func TestStaleEventCannotOverwriteNewerState(t *testing.T) {
	store, router, db := setup(t)

	appendEvent(t, store, "user-1", "user", "user.created",
		map[string]interface{}{"email": "u@acme.test"})
	appendEvent(t, store, "user-1", "user", "user.activated", nil)

	// A delayed redelivery of an older deactivation must lose against the
	// activation that already landed.
	stale := &eventstore.Event{
		EventID:    "stale-1",
		StreamID:   "user-1",
		StreamType: "user",
		EventType:  "user.deactivated",
		EventData:  json.RawMessage("{}"),
		CreatedAt:  time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return router.Apply(tx, stale)
	}))

	var row projection.UserView
	require.NoError(t, db.First(&row, "id = ?", "user-1").Error)
	assert.Equal(t, "active", row.Status)
}

func TestJunctionLinkUnlink(t *testing.T) {
	store, router, db := setup(t)

	link := appendEvent(t, store, "user-1", "junction.user_roles", "user_roles.linked",
		map[string]interface{}{"leftId": "user-1", "rightId": "role-1"})

	var count int64
	require.NoError(t, db.Table("user_roles_view").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// Link replays converge on one row.
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return router.Apply(tx, link)
	}))
	require.NoError(t, db.Table("user_roles_view").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	appendEvent(t, store, "user-1", "junction.user_roles", "user_roles.unlinked",
		map[string]interface{}{"leftId": "user-1", "rightId": "role-1"})
	require.NoError(t, db.Table("user_roles_view").Count(&count).Error)
	assert.Zero(t, count)
}

func TestUnknownJunctionTableRejected(t *testing.T) {
	store, _, _ := setup(t)

	// The allowlist keeps catalog typos from becoming interpolated SQL. The
	// event still commits; the failure lands in processing_error.
	ev := appendEvent(t, store, "o-1", "junction.owners", "owners.linked",
		map[string]interface{}{"leftId": "a", "rightId": "b"})

	stored, err := store.GetByID(context.Background(), ev.EventID)
	require.NoError(t, err)
	require.NotNil(t, stored.ProcessingError)
	assert.Contains(t, *stored.ProcessingError, "unknown junction table")
	assert.Nil(t, stored.ProcessedAt)
}

func TestUnhandledEventTypeRecorded(t *testing.T) {
	store, _, _ := setup(t)

	ev := appendEvent(t, store, "org-1", "organization", "organization.renamed",
		map[string]interface{}{"name": "New Name"})

	stored, err := store.GetByID(context.Background(), ev.EventID)
	require.NoError(t, err)
	require.NotNil(t, stored.ProcessingError)
	assert.Equal(t, "unknown_event_type", *stored.ProcessingError)
}

func TestReplayReproducesLiveState(t *testing.T) {
	store, router, db := setup(t)
	log := logger.NewNop()

	appendEvent(t, store, "org-1", "organization", "organization.created",
		map[string]interface{}{"name": "Acme", "subdomain": "acme"})
	appendEvent(t, store, "org-1", "organization", "dns.configured", nil)
	appendEvent(t, store, "org-1", "organization", "organization.activated", nil)
	appendEvent(t, store, "org-2", "organization", "organization.created",
		map[string]interface{}{"name": "Beta", "subdomain": "beta"})
	appendEvent(t, store, "user-1", "user", "user.created",
		map[string]interface{}{"email": "u@acme.test"})
	appendEvent(t, store, "user-1", "junction.user_roles", "user_roles.linked",
		map[string]interface{}{"leftId": "user-1", "rightId": "role-1"})

	var live []projection.OrganizationView
	require.NoError(t, db.Order("id").Find(&live).Error)
	require.Len(t, live, 2)

	require.NoError(t, projection.NewReplayer(db, router, log).Replay(context.Background()))

	var rebuilt []projection.OrganizationView
	require.NoError(t, db.Order("id").Find(&rebuilt).Error)
	assert.Equal(t, live, rebuilt)

	var users, links int64
	require.NoError(t, db.Model(&projection.UserView{}).Count(&users).Error)
	require.NoError(t, db.Table("user_roles_view").Count(&links).Error)
	assert.Equal(t, int64(1), users)
	assert.Equal(t, int64(1), links)
}
