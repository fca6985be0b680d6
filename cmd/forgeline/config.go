package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jxucoder/forgeline/internal/config"
	mobySandbox "github.com/jxucoder/forgeline/pkg/sandbox/moby"
)

// configKey describes a single configuration value.
type configKey struct {
	Key      string
	Desc     string
	Required bool
	Secret   bool
	Prefix   string // expected prefix for validation (e.g. "sk-ant-"), empty = no check
}

// allConfigKeys lists every value shown by "config show", in display order.
var allConfigKeys = []configKey{
	{"ANTHROPIC_API_KEY", "Anthropic API key", false, true, "sk-ant-"},
	{"OPENAI_API_KEY", "OpenAI API key", false, true, "sk-"},
	{"FORGELINE_LLM_MODEL", "Generation model override", false, false, ""},
	{"FORGELINE_CLASSIFIER_MODEL", "Model for ambiguous command classification", false, false, ""},
	{"GITHUB_TOKEN", "GitHub token for repository imports (optional for public repos)", false, true, ""},
	{"FORGELINE_DATABASE_URL", "postgres:// URL (default: SQLite in the data directory)", false, true, ""},
	{"FORGELINE_REDIS_URL", "Redis URL for the shared classifier cache", false, true, ""},
	{"FORGELINE_SANDBOX_PROVIDER", "Sandbox provider (docker, moby)", false, false, ""},
	{"FORGELINE_DOCKER_IMAGE", "Preview sandbox image", false, false, ""},
	{"FORGELINE_MINIO_ENDPOINT", "MinIO endpoint for version snapshots", false, false, ""},
	{"FORGELINE_MINIO_ACCESS_KEY", "MinIO access key", false, true, ""},
	{"FORGELINE_MINIO_SECRET_KEY", "MinIO secret key", false, true, ""},
	{"TELEGRAM_BOT_TOKEN", "Telegram bot token (from @BotFather)", false, true, ""},
	{"TELEGRAM_DEFAULT_PROJECT", "Default project for Telegram", false, false, ""},
	{"SLACK_BOT_TOKEN", "Slack Bot User OAuth Token (xoxb-...)", false, true, "xoxb-"},
	{"SLACK_APP_TOKEN", "Slack App-Level Token (xapp-...)", false, true, "xapp-"},
	{"SLACK_DEFAULT_PROJECT", "Default project for Slack", false, false, ""},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Forgeline configuration",
	Long: `Manage Forgeline configuration (API keys, tokens, sandbox settings).

Configuration is stored in ~/.forgeline/config.env and can be overridden
by environment variables.

  forgeline config setup              Interactive setup wizard
  forgeline config set KEY VALUE      Set a single config value
  forgeline config show               Show current configuration
  forgeline config path               Print config file path`,
}

var configSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	RunE:  runConfigSetup,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a config value",
	Long: `Set a single configuration value. Example:
  forgeline config set ANTHROPIC_API_KEY sk-ant-xxxxxxxx`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display all configured values. Secrets are masked.",
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print config file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), config.FilePath())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configSetupCmd, configSetCmd, configShowCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// ---------------------------------------------------------------------------
// Config file helpers
// ---------------------------------------------------------------------------

// loadConfigFile reads key=value pairs from the config file. A missing file
// yields an empty map.
func loadConfigFile() (map[string]string, error) {
	values, err := godotenv.Read(config.FilePath())
	if os.IsNotExist(err) {
		return make(map[string]string), nil
	}
	return values, err
}

// saveConfigFile writes key=value pairs to the config file.
func saveConfigFile(values map[string]string) error {
	path := config.FilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "# Forgeline configuration")
	fmt.Fprintln(f, "# Managed by: forgeline config")
	fmt.Fprintln(f, "# Environment variables override these values.")
	fmt.Fprintln(f)

	// Known keys first, then any extras in sorted order.
	written := make(map[string]bool)
	for _, ck := range allConfigKeys {
		if v, ok := values[ck.Key]; ok && v != "" {
			fmt.Fprintf(f, "%s=%s\n", ck.Key, v)
			written[ck.Key] = true
		}
	}

	var extras []string
	for k := range values {
		if !written[k] && values[k] != "" {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	for _, k := range extras {
		fmt.Fprintf(f, "%s=%s\n", k, values[k])
	}
	return nil
}

// effectiveValue returns the current value for a key, preferring env vars over config file.
func effectiveValue(key string, fileValues map[string]string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fileValues[key]
}

// maskSecret masks a secret string, showing only the first 4 and last 4 characters.
func maskSecret(s string) string {
	if len(s) <= 12 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

func findKey(name string) configKey {
	for _, ck := range allConfigKeys {
		if ck.Key == name {
			return ck
		}
	}
	return configKey{Key: name}
}

// ---------------------------------------------------------------------------
// config set / config show
// ---------------------------------------------------------------------------

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	fileValues, err := loadConfigFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	fileValues[key] = value
	if err := saveConfigFile(fileValues); err != nil {
		return err
	}

	if findKey(key).Secret {
		value = maskSecret(value)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	fileValues, err := loadConfigFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config file: %s\n\n", config.FilePath())

	for _, ck := range allConfigKeys {
		value := effectiveValue(ck.Key, fileValues)
		source := ""
		if os.Getenv(ck.Key) != "" {
			source = " (from env)"
		} else if fileValues[ck.Key] != "" {
			source = " (from config file)"
		}

		display := "(not set)"
		if value != "" {
			display = value
			if ck.Secret {
				display = maskSecret(value)
			}
		}
		fmt.Fprintf(out, "  %-28s %s%s\n", ck.Key, display, source)
	}

	if effectiveValue("ANTHROPIC_API_KEY", fileValues) == "" && effectiveValue("OPENAI_API_KEY", fileValues) == "" {
		fmt.Fprintln(out, "\n  ! set ANTHROPIC_API_KEY or OPENAI_API_KEY before running 'forgeline serve'")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Setup wizard
// ---------------------------------------------------------------------------

// wizard holds shared state for the interactive setup.
type wizard struct {
	reader     *bufio.Reader
	out        io.Writer
	fileValues map[string]string
}

func newWizard(in io.Reader, out io.Writer, fileValues map[string]string) *wizard {
	return &wizard{reader: bufio.NewReader(in), out: out, fileValues: fileValues}
}

// askYesNo asks a yes/no question. defaultYes controls what Enter means.
func (w *wizard) askYesNo(prompt string, defaultYes bool) (bool, error) {
	hint := "[Y/n]"
	if !defaultYes {
		hint = "[y/N]"
	}
	fmt.Fprintf(w.out, "  %s %s ", prompt, hint)
	input, err := w.reader.ReadString('\n')
	if err != nil && input == "" {
		return false, err
	}
	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" {
		return defaultYes, nil
	}
	return input == "y" || input == "yes", nil
}

// askValue prompts for a single value. Enter keeps the current one.
func (w *wizard) askValue(ck configKey) error {
	current := effectiveValue(ck.Key, w.fileValues)
	status := "not set"
	if current != "" {
		status = "set (" + current + ")"
		if ck.Secret {
			status = "set (" + maskSecret(current) + ")"
		}
	}
	fmt.Fprintf(w.out, "  %s  %s\n", ck.Key, status)

	for {
		fmt.Fprint(w.out, "  Value (Enter to keep): ")
		input, err := w.reader.ReadString('\n')
		if err != nil && input == "" {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			return nil
		}
		if ck.Prefix != "" && !strings.HasPrefix(input, ck.Prefix) {
			fmt.Fprintf(w.out, "  ! expected prefix %q. Try again or press Enter to skip.\n", ck.Prefix)
			continue
		}
		w.fileValues[ck.Key] = input
		return nil
	}
}

func runConfigSetup(cmd *cobra.Command, args []string) error {
	fileValues, err := loadConfigFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	w := newWizard(cmd.InOrStdin(), cmd.OutOrStdout(), fileValues)

	if err := w.run(); err != nil {
		return err
	}
	if err := saveConfigFile(w.fileValues); err != nil {
		return err
	}

	fmt.Fprintf(w.out, "\n  Saved to %s\n", config.FilePath())
	fmt.Fprintln(w.out, "  Start the server with: forgeline serve")
	return nil
}

func (w *wizard) run() error {
	fmt.Fprintln(w.out, "\n  Forgeline Setup")
	fmt.Fprintln(w.out, "  Press Enter at any prompt to keep the current value.")

	fmt.Fprintln(w.out, "\n  Step 1 of 4: LLM API key (at least one required)")
	for _, key := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY"} {
		if err := w.askValue(findKey(key)); err != nil {
			return err
		}
	}
	if effectiveValue("ANTHROPIC_API_KEY", w.fileValues) == "" && effectiveValue("OPENAI_API_KEY", w.fileValues) == "" {
		fmt.Fprintln(w.out, "  ! No LLM key configured. The server will not start without one.")
	}

	optional := []struct {
		title string
		keys  []string
	}{
		{"Step 2 of 4: GitHub imports (optional)", []string{"GITHUB_TOKEN"}},
		{"Step 3 of 4: Telegram bot (optional)", []string{"TELEGRAM_BOT_TOKEN", "TELEGRAM_DEFAULT_PROJECT"}},
		{"Step 4 of 4: Slack bot (optional)", []string{"SLACK_BOT_TOKEN", "SLACK_APP_TOKEN", "SLACK_DEFAULT_PROJECT"}},
	}
	for _, step := range optional {
		fmt.Fprintf(w.out, "\n  %s\n", step.title)
		ok, err := w.askYesNo("Configure?", false)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		for _, key := range step.keys {
			if err := w.askValue(findKey(key)); err != nil {
				return err
			}
		}
	}

	fmt.Fprintln(w.out)
	checkDocker(w.out)
	return nil
}

// checkDocker reports whether the Docker Engine API is reachable.
func checkDocker(out io.Writer) {
	p, err := mobySandbox.New()
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = p.Ping(ctx)
		cancel()
		p.Close()
	}
	if err != nil {
		fmt.Fprintln(out, "  ! Docker is not reachable. Forgeline needs Docker for preview sandboxes.")
		fmt.Fprintln(out, "    Install: https://docs.docker.com/get-docker/")
		return
	}
	fmt.Fprintln(out, "  Docker is running")
}
