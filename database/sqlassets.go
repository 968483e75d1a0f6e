package sqlassets

import _ "embed"

//go:embed schema/registry/clinics.sql
var ClinicsSQL string

//go:embed schema/clinic_space/0001_org_units.sql
var OrgUnitsSQL string

//go:embed schema/clinic_space/0002_patients.sql
var PatientsSQL string

//go:embed schema/clinic_space/0003_appointments.sql
var AppointmentsSQL string

//go:embed schema/clinic_space/0004_documents.sql
var DocumentsSQL string

//go:embed schema/clinic_space/0005_consents.sql
var ConsentsSQL string

//go:embed schema/clinic_space/0006_products.sql
var ProductsSQL string

//go:embed seed/default_org_unit.sql
var DefaultOrgUnitSQL string
