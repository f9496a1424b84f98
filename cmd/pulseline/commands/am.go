package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/pulseline/am"
	"github.com/teranos/pulseline/errors"
	"github.com/teranos/pulseline/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Show and check pulseline configuration",
	Long: sym.AM + ` am - pulseline configuration ("I am")

Configuration sources (in order of precedence):
1. Command line flags
2. Environment variables (` + am.EnvPrefix + `_* prefix, e.g. ` + am.EnvPrefix + `_WORKER_WORKERS=4)
3. --config file, or the project config (./am.toml found walking up)
4. User config (~/.pulseline/am.toml)
5. System config (/etc/pulseline/am.toml)
6. Default values

Examples:
  pulseline am show                 # Effective configuration as TOML
  pulseline am show --format json
  pulseline am where                # Which file set which key
  pulseline am validate`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runAmShow,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where each setting comes from",
	Args:  cobra.NoArgs,
	RunE:  runAmWhere,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Args:  cobra.NoArgs,
	RunE:  runAmValidate,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd, amWhereCmd, amValidateCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	switch configFormat {
	case "toml":
		fmt.Println("# pulseline configuration")
		return cfg.WriteTOML(os.Stdout)
	case "json":
		return printJSON(cfg)
	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Printf("# pulseline configuration\n%s", string(data))
		return nil
	default:
		return errors.WithHint(errors.Newf("unsupported format: %s", configFormat), "Supported: toml, json, yaml")
	}
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}

	files := am.ConfigFiles()
	if len(files) == 0 {
		pterm.Info.Println("No config files found; using defaults and environment")
	} else {
		pterm.DefaultSection.Println("Config files (lowest precedence first)")
		for _, f := range files {
			fmt.Println("  " + f)
		}
	}

	settings := am.Settings()
	rows := make([][]string, 0, len(settings))
	for _, s := range settings {
		value, err := json.Marshal(s.Value)
		if err != nil {
			value = []byte(fmt.Sprint(s.Value))
		}
		rows = append(rows, []string{s.Key, string(value), string(s.Source), s.SourcePath})
	}
	pterm.DefaultSection.Println("Settings")
	return printTable([]string{"KEY", "VALUE", "SOURCE", "FROM"}, rows, "No settings")
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}
