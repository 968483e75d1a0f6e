// Package tenant derives the deterministic per-clinic identifiers used by the
// provisioning and routing layers.
package tenant

import (
	"strings"

	"github.com/google/uuid"
)

// DatabasePrefix is the fixed prefix of every clinic database name.
const DatabasePrefix = "clinic_"

// BuildDatabaseName returns the canonical database name for a clinic:
// the fixed prefix plus the UUID with dashes normalized to underscores.
// The mapping is injective, so two clinics can never share a database name.
func BuildDatabaseName(clinicID uuid.UUID) string {
	return DatabasePrefix + strings.ReplaceAll(clinicID.String(), "-", "_")
}

// ShortID returns the first 8 hexadecimal characters of a UUID (without
// dashes), used for log fields and operator-facing labels.
func ShortID(id uuid.UUID) string {
	hex := strings.ReplaceAll(id.String(), "-", "")
	if len(hex) < 8 {
		return hex
	}
	return hex[:8]
}

// BuildStoragePrefix returns `<envKey>/<clinicShortID>/`, the per-clinic
// document storage prefix.
func BuildStoragePrefix(envKey string, id uuid.UUID) string {
	envKey = strings.TrimSuffix(envKey, "/")
	return envKey + "/" + ShortID(id) + "/"
}
