package root

import (
	"github.com/vitalis-health/vitalis-saas/apps/cli/cmd/auth"
	"github.com/vitalis-health/vitalis-saas/apps/cli/cmd/bootstrap"
	"github.com/vitalis-health/vitalis-saas/apps/cli/cmd/clinic"
)

func init() {
	Root().AddCommand(auth.Command())
	Root().AddCommand(bootstrap.Command())
	Root().AddCommand(clinic.Command())
}
