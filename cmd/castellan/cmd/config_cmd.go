package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.yaml.in/yaml/v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate Castellan configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the loaded configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		// PersistentPreRunE already loaded and validated; reaching here means
		// the file parsed and every per-options check passed.
		if err := Cfg.Validate(); err != nil {
			return err
		}
		fmt.Println("configuration is valid")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration after defaults and env overlays",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := yaml.Marshal(Cfg)
		if err != nil {
			return fmt.Errorf("marshaling config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
