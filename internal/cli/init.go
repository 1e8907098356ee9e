package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/approvalgate/internal/config"
)

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Writes the built-in defaults (classifier lists, engine rules, breaker
thresholds, polling and storage) to --config, ~/.approvalgate/config.yaml
by default. Edit the file to customize what the gate governs.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	content, err := defaultConfigYAML()
	if err != nil {
		return fmt.Errorf("generate default config: %w", err)
	}
	wrote, err := writeIfMissing(configPath, content)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if wrote {
		fmt.Fprintf(out, "Created %s\n\n", configPath)
	} else {
		fmt.Fprintf(out, "%s already exists (use --force to overwrite).\n\n", configPath)
	}
	fmt.Fprintln(out, "Verify:")
	fmt.Fprintln(out, "  approvalgate doctor")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Run the engine for remote agents:")
	fmt.Fprintln(out, "  approvalgate serve")
	return nil
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

func defaultConfigYAML() (string, error) {
	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return "", err
	}
	header := "# approvalgate configuration.\n" +
		"# Engine rules are CEL expressions over tool, kind, category, run_id and args;\n" +
		"# the first match wins. A rules list here replaces the built-in one.\n" +
		"# Environment variables (APPROVALGATE_*) override these values.\n\n"
	return header + string(data), nil
}
