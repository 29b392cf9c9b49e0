package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/guardrail-sh/dispatch/config"
	"github.com/guardrail-sh/dispatch/mapping"
	"github.com/guardrail-sh/dispatch/policy"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration, mapping table and policy files",
	Long: `Load the configuration, the policy mapping document and every
policy definition the mappings reference, reporting the first error
found. Nothing is dispatched.`,
	Example: `  dispatch validate --config /etc/dispatch/config.yaml`,
	RunE:    runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	fmt.Printf("config ok: %s\n", cfgPath)

	table, err := mapping.Load(cfg.Mapping.Path)
	if err != nil {
		return err
	}
	fmt.Printf("mapping table ok: %d mapping(s), default=%v\n",
		len(table.Mappings), table.DefaultPolicy != nil && table.DefaultPolicy.Enabled)

	loader := policy.NewLoader(cfg.Policies.Dir)
	checked := map[string]bool{}
	verify := func(file, name string) error {
		key := file + "#" + name
		if checked[key] {
			return nil
		}
		checked[key] = true
		if _, err := loader.Load(file, name); err != nil {
			return err
		}
		fmt.Printf("policy ok: %s (%s)\n", name, file)
		return nil
	}

	for _, m := range table.Mappings {
		if err := verify(m.PolicyFile, m.PolicyName); err != nil {
			return err
		}
	}
	if table.DefaultPolicy != nil && table.DefaultPolicy.Enabled {
		if err := verify(table.DefaultPolicy.PolicyFile, table.DefaultPolicy.PolicyName); err != nil {
			return err
		}
	}

	fmt.Println("validation passed")
	return nil
}
