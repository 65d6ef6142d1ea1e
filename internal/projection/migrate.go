package projection

import (
	"fmt"

	"github.com/careflow-go/pkg/database"
)

// Migrate creates every projection table, including the junction allowlist
// tables which share the generic row shape.
func Migrate(db *database.DB) error {
	models := []interface{}{
		&OrganizationView{},
		&RoleView{},
		&RolePermissionView{},
		&InvitationView{},
		&ContactView{},
		&AddressView{},
		&PhoneView{},
		&ImpersonationView{},
		&ClientView{},
		&MedicationView{},
		&UserView{},
		&AccessGrantView{},
		&OrganizationUnitView{},
		&DosageView{},
		&MedicationHistoryView{},
		&PermissionView{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("migrate projection tables: %w", err)
	}

	for table := range junctionTables {
		if err := db.Table(table).AutoMigrate(&JunctionRow{}); err != nil {
			return fmt.Errorf("migrate junction table %s: %w", table, err)
		}
	}
	return nil
}

// Truncate empties every projection table. The replayer calls it before
// rebuilding; tests use it to verify replay fidelity against a live build.
func Truncate(db *database.DB) error {
	tables := []string{
		"organizations_view", "roles_view", "role_permissions_view",
		"invitations_view", "contacts_view", "addresses_view", "phones_view",
		"impersonations_view", "clients_view", "medications_view", "users_view",
		"access_grants_view", "organization_units_view", "dosages_view",
		"medication_history_view", "permissions_view",
	}
	for table := range junctionTables {
		tables = append(tables, table)
	}
	for _, table := range tables {
		if err := db.Exec("DELETE FROM " + table).Error; err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	return nil
}
