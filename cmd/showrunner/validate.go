package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jaakkos/showrunner/internal/app"
	"github.com/jaakkos/showrunner/internal/policy"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config and roster without starting anything",
	Long: `Load the config, validate it, and check the role roster for
missing dependencies and cycles. Exits non-zero when the roster could
not be scheduled.`,
	RunE: runValidate,
}

func runValidate(_ *cobra.Command, _ []string) error {
	cfg, err := policy.Load(cfgPath)
	if err != nil {
		return err
	}

	v := app.ValidateRoster(cfg.Roles)
	for _, warning := range v.Warnings {
		fmt.Printf("warning: %s\n", warning)
	}
	for _, problem := range v.Errors {
		fmt.Printf("error: %s\n", problem)
	}
	if !v.OK() {
		return fmt.Errorf("roster has %d error(s)", len(v.Errors))
	}

	fmt.Printf("ok: %d role(s), transport %s, state file %s\n",
		len(cfg.Roles), cfg.ToolTransport.Kind, cfg.StateFilePath())
	for _, r := range cfg.Roles {
		if len(r.DependsOn) == 0 {
			fmt.Printf("  %s: starts immediately\n", r.Role)
		} else {
			fmt.Printf("  %s: after %s\n", r.Role, strings.Join(r.DependsOn, ", "))
		}
	}
	return nil
}
