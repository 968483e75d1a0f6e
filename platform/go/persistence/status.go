package persistence

import "fmt"

// ClinicStatus is the closed set of provisioning states a clinic moves
// through. Transitions are serialized by RegistryStore.UpdateStatus; no other
// code path mutates the column.
type ClinicStatus string

const (
	// StatusNotProvisioned: registered, provisioning never attempted.
	StatusNotProvisioned ClinicStatus = "NOT_PROVISIONED"
	// StatusProvisioning: a provisioning or repair workflow is in flight.
	StatusProvisioning ClinicStatus = "PROVISIONING"
	// StatusProvisioned: database exists, schema applied, routable.
	StatusProvisioned ClinicStatus = "PROVISIONED"
	// StatusRolledBack: provisioning failed and compensation removed all
	// artifacts. Distinct from NOT_PROVISIONED so the failure stays visible.
	StatusRolledBack ClinicStatus = "ROLLED_BACK"
	// StatusBroken: compensation itself failed; operator attention required.
	StatusBroken ClinicStatus = "BROKEN"
)

// ParseClinicStatus validates a stored string against the closed enum.
func ParseClinicStatus(s string) (ClinicStatus, error) {
	switch ClinicStatus(s) {
	case StatusNotProvisioned, StatusProvisioning, StatusProvisioned, StatusRolledBack, StatusBroken:
		return ClinicStatus(s), nil
	default:
		return "", fmt.Errorf("unknown provisioning status %q", s)
	}
}
