package cmd

import (
	"fmt"
	"strings"

	"buildfarm/internal/store"

	"github.com/spf13/cobra"
)

var buildersCmd = &cobra.Command{
	Use:   "builders",
	Short: "Inspect and repair builder records",
}

var buildersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every registered builder",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, closeStore, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		builders, err := st.ListBuilders(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list builders: %w", err)
		}

		printBuilders(cmd, builders)
		return nil
	},
}

var buildersEnableCmd = &cobra.Command{
	Use:   "enable [name]",
	Short: "Re-enable a disabled builder",
	Long: `Re-enable a builder the orchestrator disabled after repeated failures.
Clears the failure counter and notes; the next discovery cycle puts the
builder back into rotation.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		st, closeStore, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		b, err := st.GetBuilderByName(cmd.Context(), name)
		if err != nil {
			return fmt.Errorf("failed to look up builder %s: %w", name, err)
		}
		if b.OK {
			cmd.Printf("Builder %s is already enabled\n", name)
			return nil
		}
		if b.FailNotes != nil {
			cmd.Printf("%sDisabled because:%s %s\n", colorDim, colorReset, *b.FailNotes)
		}

		if err := st.EnableBuilder(cmd.Context(), name); err != nil {
			return fmt.Errorf("failed to enable builder %s: %w", name, err)
		}
		cmd.Printf("%s✓%s Builder %s enabled\n", colorGreen, colorReset, name)
		return nil
	},
}

func printBuilders(cmd *cobra.Command, builders []store.Builder) {
	if len(builders) == 0 {
		cmd.Println("No builders registered")
		return
	}

	cmd.Printf("%s%-20s %-12s %-9s %-8s %s%s\n",
		colorBold, "NAME", "ARCHES", "CLEAN", "FAILURES", "STATE", colorReset)
	for _, b := range builders {
		state := colorGreen + "ok" + colorReset
		if !b.OK {
			state = colorRed + "disabled" + colorReset
			if b.FailNotes != nil {
				state += colorDim + " (" + firstLine(*b.FailNotes) + ")" + colorReset
			}
		}
		cmd.Printf("%-20s %-12s %-9s %-8d %s\n",
			b.Name, strings.Join(b.Processors, ","),
			colorizeClean(b.CleanStatus), b.FailureCount, state)
	}
}

func colorizeClean(cs store.CleanStatus) string {
	switch cs {
	case store.CleanStatusClean:
		return string(cs)
	case store.CleanStatusCleaning:
		return colorYellow + string(cs) + colorReset
	default:
		return colorRed + string(cs) + colorReset
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
)

func init() {
	buildersCmd.AddCommand(buildersListCmd)
	buildersCmd.AddCommand(buildersEnableCmd)
	rootCmd.AddCommand(buildersCmd)
}
