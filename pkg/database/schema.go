package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables deployment
// verification without coupling to the migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"wards":             "Ward rosters",
		"ward_sessions":     "Ward session lifecycle",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies column types match what the manager scans
func (v *SchemaValidator) ValidateTableStructure() error {
	wardColumns := map[string]string{
		"id":          "TEXT",
		"org_id":      "TEXT",
		"name":        "TEXT",
		"patient_ids": "TEXT",
		"staff":       "TEXT",
		"updated_at":  "DATETIME",
	}
	if err := v.validateColumns("wards", wardColumns); err != nil {
		return fmt.Errorf("wards table structure invalid: %w", err)
	}

	sessionColumns := map[string]string{
		"id":              "TEXT",
		"ward_id":         "TEXT",
		"org_id":          "TEXT",
		"start_time":      "DATETIME",
		"duration":        "TEXT",
		"started_by":      "TEXT",
		"started_by_role": "TEXT",
		"status":          "TEXT",
		"end_time":        "DATETIME",
		"end_reason":      "TEXT",
		"assignments":     "TEXT",
	}
	if err := v.validateColumns("ward_sessions", sessionColumns); err != nil {
		return fmt.Errorf("ward_sessions table structure invalid: %w", err)
	}
	return nil
}

// ValidateIndexes verifies that lookup indexes and the one-active-session
// unique index exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_ward_sessions_status":     "Active session listing",
		"idx_ward_sessions_ward":       "Per-ward active session lookup",
		"idx_ward_sessions_one_active": "At most one active session per ward",
		"idx_wards_org":                "Organisation ward listing",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints probes that foreign keys, the status check and the
// one-active-session index are enforced. Probe rows are removed afterwards.
func (v *SchemaValidator) ValidateConstraints() error {
	defer func() {
		_, _ = v.db.Exec("DELETE FROM ward_sessions WHERE id LIKE 'schema-probe-%'")
		_, _ = v.db.Exec("DELETE FROM wards WHERE id = 'schema-probe-ward'")
	}()

	insertSession := `
		INSERT INTO ward_sessions (id, ward_id, start_time, duration, started_by, started_by_role, status)
		VALUES (?, ?, CURRENT_TIMESTAMP, '15', 'probe', 'admin', ?)
	`

	if _, err := v.db.Exec(insertSession, "schema-probe-1", "schema-probe-missing", "active"); err == nil {
		return fmt.Errorf("foreign key constraint not enforced: ward_sessions.ward_id")
	}

	if _, err := v.db.Exec("INSERT INTO wards (id, name) VALUES ('schema-probe-ward', 'Probe')"); err != nil {
		return fmt.Errorf("failed to create probe ward: %w", err)
	}

	if _, err := v.db.Exec(insertSession, "schema-probe-2", "schema-probe-ward", "paused"); err == nil {
		return fmt.Errorf("check constraint not enforced: ward_sessions.status")
	}

	if _, err := v.db.Exec(insertSession, "schema-probe-3", "schema-probe-ward", "active"); err != nil {
		return fmt.Errorf("failed to create probe session: %w", err)
	}
	if _, err := v.db.Exec(insertSession, "schema-probe-4", "schema-probe-ward", "active"); err == nil {
		return fmt.Errorf("unique constraint not enforced: one active session per ward")
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue interface{}
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, ok := foundColumns[expectedCol]
		if !ok {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}
	return nil
}
