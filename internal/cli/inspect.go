package cli

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/food-classifier/internal/nn"
	"github.com/Brownie44l1/food-classifier/internal/weights"
)

type inspectOutput struct {
	Path         string            `json:"path"`
	Architecture string            `json:"architecture"`
	Tensors      int               `json:"tensors"`
	Parameters   int64             `json:"parameters"`
	HeadOutputs  int               `json:"head_outputs,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func NewInspectCommand(root *RootCommand) *cobra.Command {
	var heuristic string

	cmd := &cobra.Command{
		Use:   "inspect <weights.safetensors|weights.pth>",
		Short: "Detect the backbone of a weights file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if heuristic == "" {
				heuristic = root.Config().Model.EfficientNetHeuristic
			}
			h, err := weights.ParseEfficientNetHeuristic(heuristic)
			if err != nil {
				return err
			}
			blob, err := weights.ReadFile(args[0])
			if err != nil {
				return err
			}

			arch := weights.InspectWith(blob, weights.InspectOptions{EfficientNet: h})
			out := inspectOutput{
				Path:         args[0],
				Architecture: arch.String(),
				Tensors:      blob.Len(),
				Parameters:   weights.ParamCount(blob),
				Metadata:     blob.Metadata,
			}
			if head, ok := blob.Get(nn.HeadWeightName(arch)); ok && len(head.Shape) == 2 {
				out.HeadOutputs = head.Shape[0]
			}
			return render(cmd.OutOrStdout(), root.Format(), out, func(w io.Writer) {
				fmt.Fprintf(w, "Architecture: %s\n", out.Architecture)
				fmt.Fprintf(w, "Tensors:      %d\n", out.Tensors)
				fmt.Fprintf(w, "Elements:     %d\n", out.Parameters)
				if out.HeadOutputs > 0 {
					fmt.Fprintf(w, "Classes:      %d\n", out.HeadOutputs)
				}
				keys := make([]string, 0, len(out.Metadata))
				for k := range out.Metadata {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(w, "  %s: %s\n", k, out.Metadata[k])
				}
			})
		},
	}

	cmd.Flags().StringVar(&heuristic, "efficientnet-heuristic", "", "B0/B3 detection: param_count or stage_marker (default from config)")

	return cmd
}

// NewSkeletonCommand writes randomly initialized weights for an
// architecture, which is enough to exercise the server end to end.
func NewSkeletonCommand(root *RootCommand) *cobra.Command {
	var (
		archName string
		classes  int
		seed     uint64
		out      string
	)

	cmd := &cobra.Command{
		Use:     "skeleton",
		Short:   "Write randomly initialized weights for an architecture",
		Example: `  food-classifier skeleton --arch resnet18 --classes 28 --out models/model.safetensors`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			arch, err := weights.ParseArchitecture(archName)
			if err != nil {
				return err
			}
			if classes < 1 {
				return fmt.Errorf("--classes must be at least 1, got %d", classes)
			}
			blob, err := nn.RandomBlob(arch, classes, seed)
			if err != nil {
				return err
			}

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := weights.Encode(f, blob); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s, %d classes, %d tensors)\n", out, arch, classes, blob.Len())
			return nil
		},
	}

	cmd.Flags().StringVar(&archName, "arch", "resnet18", "Architecture: resnet18, resnet50, efficientnet_b0, efficientnet_b3, densenet121")
	cmd.Flags().IntVar(&classes, "classes", 28, "Number of output classes")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "Random seed")
	cmd.Flags().StringVar(&out, "out", "model.safetensors", "Output file")

	return cmd
}
