package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/coswise/claude-code-by-agents/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify agenthub configuration.

Without arguments, displays the effective configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the value in the user config file.

Configuration is stored at ~/.config/agenthub/config.yaml
Project-specific overrides can be placed in .agenthub.yaml`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 2 {
			return setConfigKey(args[0], args[1])
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		values := displayValues(cfg)

		if len(args) == 1 {
			value, ok := values[args[0]]
			if !ok {
				return fmt.Errorf("unknown configuration key: %s", args[0])
			}
			fmt.Println(value)
			return nil
		}

		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s: %v\n", k, values[k])
		}
		return nil
	},
}

// displayValues returns the configuration with the API key masked.
func displayValues(cfg *config.Config) map[string]interface{} {
	values := cfg.Values()
	values["anthropic.api_key"] = config.MaskAPIKey(cfg.Anthropic.APIKey)
	return values
}

// setConfigKey updates one key in the user config file. Project overrides
// are not copied into it.
func setConfigKey(key, value string) error {
	cfg := config.Default()
	path := config.GetUserConfigPath()
	if _, err := os.Stat(path); err == nil {
		if cfg, err = config.LoadFromPath(path); err != nil {
			return err
		}
	}

	if err := config.Set(cfg, key, value); err != nil {
		return err
	}
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	if key == "anthropic.api_key" {
		value = config.MaskAPIKey(value)
	}
	fmt.Printf("Set %s = %s\n", key, value)
	return nil
}
