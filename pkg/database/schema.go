package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks that a database matches what the store expects.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check in order.
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	if err := v.ValidateIndexes(); err != nil {
		return err
	}
	return v.validateConstraints()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"patients":          "Patient directory",
		"diagnoses":         "Diagnosis session storage",
		"diagnosis_results": "Completed session results",
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

// ValidateTableStructure verifies column names and declared types.
func (v *SchemaValidator) ValidateTableStructure() error {
	tables := map[string]map[string]string{
		"diagnoses": {
			"id":         "INTEGER",
			"doctor_id":  "INTEGER",
			"patient_id": "INTEGER",
			"code":       "TEXT",
			"type":       "TEXT",
			"level":      "INTEGER",
			"state":      "TEXT",
			"expired_at": "DATETIME",
			"created_at": "DATETIME",
			"updated_at": "DATETIME",
		},
		"diagnosis_results": {
			"id":                  "INTEGER",
			"diagnosis_id":        "INTEGER",
			"original_file_path":  "TEXT",
			"processed_file_path": "TEXT",
			"score":               "REAL",
			"time_spent":          "REAL",
			"fps":                 "REAL",
			"created_at":          "DATETIME",
		},
		"patients": {
			"id":           "INTEGER",
			"patient_code": "TEXT",
			"name":         "TEXT",
		},
	}

	for table, columns := range tables {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}

	return nil
}

// ValidateIndexes verifies that the lookup indexes exist.
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_diagnoses_doctor_state":    "Live session per doctor",
		"idx_diagnoses_patient_created": "Record listing",
		"idx_diagnoses_state":           "Live session restore",
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

// validateConstraints verifies that the state check and result foreign key
// are enforced. Its probe rows are rolled back.
func (v *SchemaValidator) validateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`INSERT INTO patients (patient_code, name) VALUES ('__constraint_probe__', '')`)
	if err != nil {
		return fmt.Errorf("failed to create probe patient: %w", err)
	}
	patientID, _ := res.LastInsertId()

	_, err = tx.Exec(`
		INSERT INTO diagnoses (doctor_id, patient_id, code, type, level, state, expired_at, created_at, updated_at)
		VALUES (1, ?, '0000', 'FITBOX', 1, 'PAUSED', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, patientID)
	if err == nil {
		return fmt.Errorf("check constraint not enforced: diagnoses.state")
	}

	_, err = tx.Exec(`
		INSERT INTO diagnosis_results (diagnosis_id, original_file_path, processed_file_path, created_at)
		VALUES (-1, 'a', 'b', CURRENT_TIMESTAMP)
	`)
	if err == nil {
		return fmt.Errorf("foreign key constraint not enforced: diagnosis_results.diagnosis_id")
	}

	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

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
