package cli

import (
	"fmt"
	"image"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Brownie44l1/food-classifier/internal/model"
	"github.com/Brownie44l1/food-classifier/internal/nutrition"
	"github.com/Brownie44l1/food-classifier/internal/predict"
	"github.com/Brownie44l1/food-classifier/internal/preprocess"
)

type predictFlags struct {
	noTTA         bool
	augmentations int
	threshold     float64
	jsonOut       bool
}

func (f *predictFlags) register(fs *pflag.FlagSet) {
	fs.BoolVar(&f.noTTA, "no-tta", false, "Disable test-time augmentation")
	fs.IntVar(&f.augmentations, "augmentations", 0, "Distributions averaged under TTA, 2-5 (default from config)")
	fs.Float64Var(&f.threshold, "threshold", 0, "Confidence gate in percent, 30-90 (default from config)")
	fs.BoolVar(&f.jsonOut, "json", false, "Shorthand for --output json")
}

// apply overrides base with the flags the user set.
func (f *predictFlags) apply(fs *pflag.FlagSet, base predict.Options) predict.Options {
	if fs.Changed("no-tta") {
		base.UseTTA = !f.noTTA
	}
	if fs.Changed("augmentations") {
		base.AugmentationCount = f.augmentations
	}
	if fs.Changed("threshold") {
		base.ConfidenceThreshold = f.threshold
	}
	return base
}

type predictOutput struct {
	*model.PredictionResult
	DisplayName string           `json:"display_name"`
	Nutrition   nutrition.Record `json:"nutrition"`
}

type ensembleOutput struct {
	*model.EnsembleResult
	DisplayName string           `json:"display_name"`
	Nutrition   nutrition.Record `json:"nutrition"`
}

func NewPredictCommand(root *RootCommand) *cobra.Command {
	flags := &predictFlags{}

	cmd := &cobra.Command{
		Use:   "predict <image> [image...]",
		Short: "Classify one image, or 2-5 images of the same dish",
		Example: `  food-classifier predict plate.jpg
  food-classifier predict --no-tta --threshold 50 plate.jpg
  food-classifier predict --json a.jpg b.jpg c.jpg`,
		Args: cobra.RangeArgs(1, predict.MaxBatchImages),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := flags.apply(cmd.Flags(), root.Config().PredictOptions())
			if err := opts.Validate(); err != nil {
				return err
			}
			format := root.Format()
			if flags.jsonOut {
				format = OutputJSON
			}

			imgs := make([]image.Image, 0, len(args))
			for _, path := range args {
				img, err := readImage(path)
				if err != nil {
					return err
				}
				imgs = append(imgs, img)
			}

			svc, err := newService(root.Config())
			if err != nil {
				return err
			}
			defer svc.Close()

			w := cmd.OutOrStdout()
			if len(imgs) == 1 {
				res, err := svc.Predict(cmd.Context(), imgs[0], opts)
				if err != nil {
					return err
				}
				out := predictOutput{res, nutrition.DisplayName(res.Label), svc.LookupNutrition(res.Label)}
				return render(w, format, out, func(w io.Writer) { printPrediction(w, out) })
			}

			res, err := svc.PredictBatch(cmd.Context(), imgs, opts)
			if err != nil {
				return err
			}
			out := ensembleOutput{res, nutrition.DisplayName(res.Label), svc.LookupNutrition(res.Label)}
			return render(w, format, out, func(w io.Writer) { printEnsemble(w, out, args) })
		},
	}

	flags.register(cmd.Flags())

	return cmd
}

func readImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := preprocess.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

func printPrediction(w io.Writer, out predictOutput) {
	status := "confident"
	if !out.Valid {
		status = fmt.Sprintf("below threshold, best guess %s", nutrition.DisplayName(out.RawLabel))
	}
	fmt.Fprintf(w, "Prediction: %s (%.1f%%, %s)\n", out.DisplayName, out.Confidence, status)
	fmt.Fprintf(w, "Views averaged: %d\n", out.Distributions)
	printTop3(w, out.Top3)
	printRecord(w, out.Nutrition)
}

func printEnsemble(w io.Writer, out ensembleOutput, paths []string) {
	fmt.Fprintf(w, "Prediction: %s (%.1f%%)\n", out.DisplayName, out.Confidence)
	fmt.Fprintf(w, "Confident images: %d of %d (quorum %t)\n", out.ValidCount, out.ImageCount, out.Quorum)
	for i, p := range out.PerImage {
		fmt.Fprintf(w, "  %-24s %s %.1f%%\n", paths[i], p.Label, p.Confidence)
	}
	printTop3(w, out.Top3)
	printRecord(w, out.Nutrition)
}

func printTop3(w io.Writer, scores []model.LabelScore) {
	fmt.Fprintln(w, "Top 3:")
	for i, s := range scores {
		fmt.Fprintf(w, "  %d. %-20s %5.1f%%\n", i+1, nutrition.DisplayName(s.Label), s.Confidence)
	}
}

func printRecord(w io.Writer, r nutrition.Record) {
	fmt.Fprintf(w, "Nutrition (%s): %.0f kcal, protein %.0fg, carbs %.0fg, fat %.0fg, fiber %.0fg\n",
		r.ServingSize, r.Calories, r.Protein, r.Carbs, r.Fat, r.Fiber)
	if r.Description != "" {
		fmt.Fprintf(w, "  %s\n", r.Description)
	}
	if len(r.HealthTips) > 0 {
		fmt.Fprintf(w, "  Tips: %s\n", strings.Join(r.HealthTips, "; "))
	}
}
