package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/foodmap/internal/model"
	"github.com/ppiankov/foodmap/internal/util"
)

const version = "foodmap v0.1.0"

// skipConfigAnnotation marks commands that run without reading the config
// file (config init creates it)
const skipConfigAnnotation = "foodmap/skip-config"

var (
	cfgFile   string
	verbose   bool
	logLevel  string
	logFormat string

	// Set by the root command before any subcommand runs
	appConfig      *model.Config
	configFileUsed string
)

// flagKeys maps command-line flags to configuration keys. A flag overrides
// the config file and environment only when it is set explicitly.
var flagKeys = map[string]string{
	"log-level":     "log.level",
	"log-format":    "log.format",
	"timeout":       "http.timeout",
	"user-agent":    "http.user_agent",
	"rps":           "crawl.requests_per_second",
	"max-retries":   "crawl.max_retries",
	"retry-delay":   "crawl.retry_delay",
	"reference":     "geocode.reference.path",
	"address-field": "geocode.address_field",
	"details":       "geocode.include_details",
	"esri":          "geocode.esri.enabled",
	"email":         "geocode.nominatim.email",
	"min-interval":  "geocode.nominatim.min_interval",
	"max-attempts":  "geocode.nominatim.max_attempts",
}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "foodmap",
	Short: "foodmap - St. Louis food inspection records, crawled and geocoded",
	Long: `foodmap turns the City of St. Louis food facility inspection portal into
mappable data in three stages:

  crawl     walk the portal and write one JSON record per facility
  geocode   attach lat/lon and a provenance tag to every record
  convert   flatten records into CSV, XLSX or GeoJSON

Each stage reads and writes plain JSONL so stages can be re-run alone.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[skipConfigAnnotation] != "" {
			appConfig = model.DefaultConfig()
			return util.InitLogger(appConfig.Log)
		}

		cfg, used, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if verbose && !cmd.Flags().Changed("log-level") {
			cfg.Log.Level = "debug"
		}
		if err := util.InitLogger(cfg.Log); err != nil {
			return err
		}

		appConfig = cfg
		configFileUsed = used
		if used != "" {
			zap.L().Debug("using config file", zap.String("path", used))
		}
		return nil
	},
}

// Execute runs the root command. SIGINT and SIGTERM cancel the running stage.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() { _ = zap.L().Sync() }()

	return rootCmd.ExecuteContext(ctx)
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.foodmap/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (debug logging)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")

	rootCmd.AddCommand(versionCmd)
}

// loadConfig layers, lowest to highest: built-in defaults, the config file,
// FOODMAP_* environment variables, explicitly set flags
func loadConfig(cmd *cobra.Command) (*model.Config, string, error) {
	v := viper.New()

	defaults, err := defaultSettings()
	if err != nil {
		return nil, "", err
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".foodmap"))
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	// FOODMAP_GEOCODE_NOMINATIM_EMAIL sets geocode.nominatim.email
	v.SetEnvPrefix("FOODMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, "", eris.Wrap(err, "read config file")
		}
	}

	for name, key := range flagKeys {
		if flag := cmd.Flags().Lookup(name); flag != nil {
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, "", eris.Wrapf(err, "bind flag --%s", name)
			}
		}
	}

	cfg := model.DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, "", eris.Wrap(err, "decode config")
	}

	return cfg, v.ConfigFileUsed(), nil
}

// defaultSettings flattens the built-in defaults into dotted viper keys so
// that every key can be overridden from the environment
func defaultSettings() (map[string]interface{}, error) {
	data, err := yaml.Marshal(model.DefaultConfig())
	if err != nil {
		return nil, eris.Wrap(err, "encode defaults")
	}

	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, eris.Wrap(err, "decode defaults")
	}

	flat := make(map[string]interface{})
	flatten("", tree, flat)
	return flat, nil
}

func flatten(prefix string, tree map[string]interface{}, out map[string]interface{}) {
	for key, value := range tree {
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = value
	}
}

// openInput opens path for reading; "-" is stdin
func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "open input")
	}
	return f, nil
}

// createOutput creates path for writing, making parent directories; "-" is stdout
func createOutput(path string) (io.WriteCloser, error) {
	if path == "-" {
		return nopWriteCloser{os.Stdout}, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrap(err, "create output directory")
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, eris.Wrap(err, "create output")
	}
	return f, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func printRule() {
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
}

func printBanner(title string) {
	fmt.Fprintf(os.Stderr, "\n")
	printRule()
	fmt.Fprintf(os.Stderr, "  %s\n", title)
	printRule()
	fmt.Fprintf(os.Stderr, "\n")
}
