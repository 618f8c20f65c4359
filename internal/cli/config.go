package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/foodmap/internal/model"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage foodmap configuration",
	Long: `Manage foodmap configuration files and settings.

Configuration hierarchy (highest to lowest priority):
1. CLI flags
2. Environment variables (FOODMAP_*, e.g. FOODMAP_GEOCODE_NOMINATIM_EMAIL)
3. Config file (~/.foodmap/config.yaml)
4. Defaults`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  `Display the configuration after defaults, config file, environment variables and flags are applied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if configFileUsed != "" {
			fmt.Fprintf(os.Stderr, "Configuration file: %s\n\n", configFileUsed)
		} else {
			fmt.Fprintf(os.Stderr, "No configuration file found (using defaults)\n\n")
		}

		yamlData, err := yaml.Marshal(appConfig)
		if err != nil {
			return eris.Wrap(err, "marshal config")
		}

		_, err = cmd.OutOrStdout().Write(yamlData)
		return err
	},
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write the default configuration file",
	Long:        `Create ~/.foodmap/config.yaml (or the --config path) holding every option at its default value.`,
	Annotations: map[string]string{skipConfigAnnotation: "true"},
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		configPath := cfgFile
		if configPath == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return eris.Wrap(err, "find home directory")
			}
			configPath = filepath.Join(home, ".foodmap", "config.yaml")
		}

		if _, err := os.Stat(configPath); err == nil {
			return eris.Errorf("config file already exists: %s\nUse 'foodmap config show' to view it, or delete it first to recreate", configPath)
		}

		if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
			return eris.Wrap(err, "create config directory")
		}

		yamlData, err := yaml.Marshal(model.DefaultConfig())
		if err != nil {
			return eris.Wrap(err, "marshal config")
		}

		header := "# foodmap configuration\n" +
			"#\n" +
			"# Configuration hierarchy (highest to lowest priority):\n" +
			"#   1. CLI flags\n" +
			"#   2. Environment variables (FOODMAP_*)\n" +
			"#   3. This config file\n" +
			"#   4. Built-in defaults\n" +
			"#\n" +
			"# Nominatim asks heavy users to identify themselves:\n" +
			"#   geocode.nominatim.email: you@example.com\n\n"

		if err := os.WriteFile(configPath, append([]byte(header), yamlData...), 0o644); err != nil {
			return eris.Wrap(err, "write config file")
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "✓ Created default configuration: %s\n", configPath)
		fmt.Fprintf(out, "\nTo view the configuration:\n")
		fmt.Fprintf(out, "  foodmap config show\n")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}
