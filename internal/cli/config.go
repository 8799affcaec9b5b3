package cli

import (
	"fmt"

	"github.com/harun/turnstile/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration with secrets masked",
	RunE:  runConfigShow,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, cfg.String())

	problems := config.NewValidator().ValidateConfig(cfg)
	if len(problems) == 0 {
		return nil
	}
	fmt.Fprintln(out, "\nProblems:")
	for _, p := range problems {
		fmt.Fprintf(out, "  - %v\n", p)
	}
	return fmt.Errorf("configuration has %d problem(s)", len(problems))
}
