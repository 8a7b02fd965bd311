package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/food-classifier/internal/model"
	"github.com/Brownie44l1/food-classifier/internal/nutrition"
)

func NewVersionCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version":   cliVersion,
				"buildDate": cliBuildDate,
				"gitCommit": cliGitCommit,
			}
			return render(cmd.OutOrStdout(), root.Format(), info, func(w io.Writer) {
				fmt.Fprintf(w, "food-classifier version %s\n", cliVersion)
				fmt.Fprintf(w, "  Commit: %s\n", cliGitCommit)
				fmt.Fprintf(w, "  Built:  %s\n", cliBuildDate)
			})
		},
	}
}

func NewClassesCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "classes",
		Short: "List the classes of the configured class index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			labels, err := model.LoadLabels(root.Config().Model.ClassesPath)
			if err != nil {
				return err
			}
			out := map[string]any{"classes": []string(labels), "count": len(labels)}
			return render(cmd.OutOrStdout(), root.Format(), out, func(w io.Writer) {
				for i, l := range labels {
					fmt.Fprintf(w, "%3d  %s\n", i, l)
				}
			})
		},
	}
}

func NewNutritionCommand(root *RootCommand) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "nutrition <food>",
		Short: "Show the nutrition facts for a dish",
		Example: `  food-classifier nutrition kacchi biryani
  food-classifier nutrition --list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := nutrition.Embedded()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if list {
				keys := table.Keys()
				return render(w, root.Format(), keys, func(w io.Writer) {
					for _, k := range keys {
						fmt.Fprintln(w, k)
					}
				})
			}
			if len(args) == 0 {
				return fmt.Errorf("name a dish or use --list")
			}

			record, match := table.Resolve(strings.Join(args, " "))
			return render(w, root.Format(), record, func(w io.Writer) {
				fmt.Fprintf(w, "%s (%s match)\n", nutrition.DisplayName(record.Key), match)
				printRecord(w, record)
				if record.Origin != "" {
					fmt.Fprintf(w, "  Origin: %s\n", record.Origin)
				}
				if len(record.PopularVariants) > 0 {
					fmt.Fprintf(w, "  Variants: %s\n", strings.Join(record.PopularVariants, ", "))
				}
			})
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "List every dish in the table")

	return cmd
}
