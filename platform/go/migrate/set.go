// Package migrate defines the ordered, versioned schema definition applied to
// every clinic database. Scripts are written to be idempotent (CREATE ... IF
// NOT EXISTS) so that re-applying a migration against a database that already
// contains its objects is a no-op; repair relies on this.
package migrate

import (
	"fmt"
	"sort"

	sqlassets "github.com/vitalis-health/vitalis-saas/database"
)

// Migration is one schema-change script. Table names the primary object the
// script creates; integrity checks diff the live table inventory against it.
type Migration struct {
	Sequence int
	Name     string
	Table    string
	SQL      string
}

// Set is an ordered sequence of migrations. Use Validate before applying.
type Set []Migration

// ClinicSpace returns the canonical migration set for a clinic database.
func ClinicSpace() Set {
	return Set{
		{Sequence: 1, Name: "org_units", Table: "org_units", SQL: sqlassets.OrgUnitsSQL},
		{Sequence: 2, Name: "patients", Table: "patients", SQL: sqlassets.PatientsSQL},
		{Sequence: 3, Name: "appointments", Table: "appointments", SQL: sqlassets.AppointmentsSQL},
		{Sequence: 4, Name: "documents", Table: "documents", SQL: sqlassets.DocumentsSQL},
		{Sequence: 5, Name: "consents", Table: "consents", SQL: sqlassets.ConsentsSQL},
		{Sequence: 6, Name: "products", Table: "products", SQL: sqlassets.ProductsSQL},
	}
}

// Validate rejects sets whose sequence numbers are not contiguous and strictly
// increasing starting at 1, or whose entries are missing a table or script.
func (s Set) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("migration set is empty")
	}
	for i, m := range s {
		if m.Sequence != i+1 {
			return fmt.Errorf("migration %q: sequence %d at position %d breaks contiguous order", m.Name, m.Sequence, i)
		}
		if m.Table == "" {
			return fmt.Errorf("migration %q (seq %d): target table is required", m.Name, m.Sequence)
		}
		if m.SQL == "" {
			return fmt.Errorf("migration %q (seq %d): script is empty", m.Name, m.Sequence)
		}
	}
	return nil
}

// TargetTables returns the sorted table inventory the full set produces.
func (s Set) TargetTables() []string {
	tables := make([]string, 0, len(s))
	for _, m := range s {
		tables = append(tables, m.Table)
	}
	sort.Strings(tables)
	return tables
}

// MissingFrom returns the subset of migrations whose target table is absent
// from present, preserving sequence order. Used to plan repair without
// touching tables that already exist.
func (s Set) MissingFrom(present map[string]bool) Set {
	var missing Set
	for _, m := range s {
		if !present[m.Table] {
			missing = append(missing, m)
		}
	}
	return missing
}
