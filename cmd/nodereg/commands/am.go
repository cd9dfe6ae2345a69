package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/nodereg/am"
	"github.com/teranos/nodereg/errors"
	"github.com/teranos/nodereg/sym"
	"gopkg.in/yaml.v3"
)

// AmCmd groups the configuration commands
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Show and validate nodereg configuration",
	Long: sym.AM + ` am: nodereg configuration

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/nodereg/am.toml)
3. User config (~/.nodereg/am.toml)
4. Project config (nodereg.toml, searched up from the working directory)
5. Environment variables (NODEREG_* prefix)

Examples:
  nodereg am show                 # Show current configuration
  nodereg am show --format json   # Show configuration as JSON
  nodereg am get cache.capacity   # Get one value
  nodereg am validate             # Validate the address space layout
  nodereg am where                # Show which file each setting came from`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., cache.capacity, pipeline.workers)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a tunable setting (cache.capacity, pipeline.workers)",
	Long: `Write a setting into the active config file, or ~/.nodereg/am.toml when none exists.
The previous file is rotated into .back1 (three backups are kept). A running 'pipeline run --follow'
picks up cache.capacity changes without a restart.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where each setting is loaded from",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amWhereCmd)
}

// configEncoders render the merged config for `am show --format`
var configEncoders = map[string]func(any) ([]byte, error){
	"json": func(v any) ([]byte, error) { return json.MarshalIndent(v, "", "  ") },
	"yaml": yaml.Marshal,
	"toml": toml.Marshal,
}

func runAmShow(cmd *cobra.Command, args []string) error {
	encode, ok := configEncoders[configFormat]
	if !ok {
		return errors.Newf("unsupported format %q (supported: toml, json, yaml)", configFormat)
	}
	cfg, err := am.Load()
	if err != nil {
		return err
	}
	data, err := encode(cfg)
	if err != nil {
		return errors.Wrapf(err, "failed to render config as %s", configFormat)
	}
	if configFormat != "json" {
		fmt.Fprintln(cmd.OutOrStdout(), "# nodereg configuration")
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(string(data), "\n"))
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	v := am.GetViper()
	if !v.IsSet(args[0]) {
		return errors.Wrapf(errors.ErrNotFound, "configuration key %q", args[0])
	}
	fmt.Fprintln(cmd.OutOrStdout(), v.Get(args[0]))
	return nil
}

// runAmValidate loads the merged config, which validates the partition layout
// and pipeline settings on the way in
func runAmValidate(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return err
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidRequest, "%s takes an integer, got %q", key, args[1])
	}

	path := am.GetUserConfigPath()
	if intro, err := am.GetConfigIntrospection(); err == nil && intro.ConfigFile != "" {
		path = intro.ConfigFile
	}

	switch key {
	case "cache.capacity":
		err = am.SetCacheCapacity(path, n)
	case "pipeline.workers":
		err = am.SetPipelineWorkers(path, n)
	default:
		return errors.Wrapf(errors.ErrInvalidRequest, "%s cannot be set from the CLI (supported: cache.capacity, pipeline.workers)", key)
	}
	if err != nil {
		return err
	}

	pterm.Success.Printfln("%s = %d written to %s", key, n, path)
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	intro, err := am.GetConfigIntrospection()
	if err != nil {
		return err
	}

	if intro.ConfigFile != "" {
		pterm.Info.Printfln("Active config file: %s", intro.ConfigFile)
	} else {
		pterm.Info.Println("No config file found, using defaults")
	}

	rows := pterm.TableData{{"Key", "Value", "Source", "Path"}}
	for _, s := range intro.Settings {
		rows = append(rows, []string{s.Key, fmt.Sprint(s.Value), string(s.Source), s.SourcePath})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}

	counts := intro.SourceCounts()
	fmt.Println()
	for _, src := range []am.ConfigSource{am.SourceDefault, am.SourceSystem, am.SourceUser, am.SourceProject, am.SourceEnvironment} {
		if counts[src] > 0 {
			fmt.Printf("  %-12s %d\n", src, counts[src])
		}
	}
	return nil
}
