package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/operator/marketsync/internal/storage/sqlite"
)

// defaultRuleSets seeds internal/extractor's rule directory with a
// starter list_page/detail_page/supplier_page TOML file an operator
// edits to match their marketplace's actual markup.
const defaultRuleSets = `# Starter extraction rules for marketsync.
# Each [[ruleset]] targets one response Kind, tagged by source_version.
# The Extractor tries the newest source_version first; edit or add
# rulesets here as the marketplace's markup changes. The first field in
# each ruleset is the "does this ruleset apply" probe.

[[ruleset]]
source_version = "v1"
kind = "list_page"
fingerprint = ""

  [[ruleset.fields]]
  field = "detail_urls"
  pattern = 'href="(/item/[0-9]+\.html)"'
  multiple = true

[[ruleset]]
source_version = "v1"
kind = "detail_page"
fingerprint = ""

  [[ruleset.fields]]
  field = "source_id"
  pattern = 'data-product-id="([0-9]+)"'

  [[ruleset.fields]]
  field = "title"
  pattern = '<h1[^>]*class="product-title"[^>]*>([^<]+)</h1>'

  [[ruleset.fields]]
  field = "price"
  pattern = '<span[^>]*class="price"[^>]*>([^<]+)</span>'

  [[ruleset.fields]]
  field = "moq"
  pattern = 'data-moq="([0-9]+)"'

  [[ruleset.fields]]
  field = "supplier_ref"
  pattern = 'data-supplier-id="([0-9]+)"'

  [[ruleset.fields]]
  field = "main_image_url"
  pattern = '<img[^>]*class="main-image"[^>]*src="([^"]+)"'

  [[ruleset.fields]]
  field = "detail_image_urls"
  pattern = '<img[^>]*class="detail-image"[^>]*src="([^"]+)"'
  multiple = true

[[ruleset]]
source_version = "v1"
kind = "supplier_page"
fingerprint = ""

  [[ruleset.fields]]
  field = "source_id"
  pattern = 'data-supplier-id="([0-9]+)"'

  [[ruleset.fields]]
  field = "name"
  pattern = '<h1[^>]*class="supplier-name"[^>]*>([^<]+)</h1>'

  [[ruleset.fields]]
  field = "business_type"
  pattern = 'data-business-type="(manufacturer|trader|individual)"'
`

const configHeader = `# marketsync configuration. Values here are overridden by recognized
# environment variables (DB_URL, QUEUE_URL, LOG_LEVEL,
# CONCURRENT_REQUESTS, DOWNLOAD_DELAY_MS, ROBOTS_RESPECT, DATA_DIR,
# IMAGE_DIR); env vars win.
`

// renderDefaultConfig marshals the starter settings rather than
// hard-coding a YAML string, so the generated file always parses with
// the same library stack that reads it back.
func renderDefaultConfig() ([]byte, error) {
	defaults := map[string]any{
		"db_url":              "sqlite://./marketsync.db",
		"queue_url":           "sqlite://./marketsync.db",
		"log_level":           "INFO",
		"concurrent_requests": 8,
		"download_delay_ms":   500,
		"robots_respect":      true,
		"data_dir":            "./data",
		"image_dir":           "./data/images",
	}
	body, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, err
	}
	return append([]byte(configHeader), body...), nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the schema and default config in the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		configDir := ".marketsync"
		configPath := filepath.Join(configDir, "config.yaml")
		if _, err := os.Stat(configPath); err == nil && !force {
			if !isatty.IsTerminal(os.Stdin.Fd()) {
				return fmt.Errorf("%w: %s already exists, pass --force to overwrite", errUsage, configPath)
			}
			overwrite := false
			confirm := huh.NewForm(huh.NewGroup(
				huh.NewConfirm().
					Title(configPath + " already exists").
					Description("Overwrite it with the default configuration?").
					Value(&overwrite),
			))
			if err := confirm.Run(); err != nil || !overwrite {
				return fmt.Errorf("%w: init aborted, %s left untouched", errUsage, configPath)
			}
		}
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("%w: creating %s: %v", errConfig, configDir, err)
		}
		configYAML, err := renderDefaultConfig()
		if err != nil {
			return fmt.Errorf("%w: rendering default config: %v", errConfig, err)
		}
		if err := os.WriteFile(configPath, configYAML, 0o644); err != nil {
			return fmt.Errorf("%w: writing %s: %v", errConfig, configPath, err)
		}

		if err := os.MkdirAll("data/rules", 0o755); err != nil {
			return fmt.Errorf("%w: creating data/rules: %v", errConfig, err)
		}
		rulesPath := filepath.Join("data", "rules", "default.toml")
		if _, err := os.Stat(rulesPath); err != nil || force {
			if err := os.WriteFile(rulesPath, []byte(defaultRuleSets), 0o644); err != nil {
				return fmt.Errorf("%w: writing %s: %v", errConfig, rulesPath, err)
			}
		}
		if err := os.MkdirAll("data/images", 0o755); err != nil {
			return fmt.Errorf("%w: creating data/images: %v", errConfig, err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := sqlite.Open(dbPathFromURL(cfg.DBURL))
		if err != nil {
			return fmt.Errorf("%w: creating schema: %v", errConfig, err)
		}
		defer store.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "initialized marketsync in %s\n  config: %s\n  rules:  %s\n  store:  %s\n",
			mustAbs("."), configPath, rulesPath, store.Path())
		return nil
	},
}

func mustAbs(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

func init() {
	initCmd.Flags().Bool("force", false, "overwrite an existing config and rules file")
	rootCmd.AddCommand(initCmd)
}
