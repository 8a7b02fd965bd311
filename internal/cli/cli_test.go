package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/food-classifier/internal/logger"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	logger.Reset()
	t.Cleanup(logger.Reset)

	root := NewRootCommand()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	root.Command().SetOut(stdout)
	root.Command().SetErr(stderr)
	root.Command().SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

// workspace writes random ResNet-18 weights, a class index and a config
// file pointing at both.
func workspace(t *testing.T) (dir, configPath string) {
	t.Helper()
	dir = t.TempDir()
	weightsPath := filepath.Join(dir, "model.safetensors")
	_, err := run(t, "skeleton", "--arch", "resnet18", "--classes", "3", "--seed", "5", "--out", weightsPath)
	require.NoError(t, err)

	classesPath := filepath.Join(dir, "class_index.json")
	require.NoError(t, os.WriteFile(classesPath, []byte(`{"0": "dal", "1": "biryani", "2": "roti"}`), 0o644))

	configPath = filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf(`
[model]
weights_path = %q
classes_path = %q

[logging]
level = "error"
`, weightsPath, classesPath)), 0o644))
	return dir, configPath
}

func writePNG(t *testing.T, dir, name string, shade uint8) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 40, 30))
	for i := range img.Pix {
		img.Pix[i] = shade + uint8(i%7)
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func TestVersion(t *testing.T) {
	SetVersion("1.2.3", "today", "abc123")
	t.Cleanup(func() { SetVersion("dev", "unknown", "unknown") })

	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "food-classifier version 1.2.3")

	out, err = run(t, "version", "-o", "json")
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "abc123", info["gitCommit"])

	out, err = run(t, "version", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "version: 1.2.3")

	_, err = run(t, "version", "-o", "xml")
	assert.Error(t, err)
}

func TestSkeletonThenInspect(t *testing.T) {
	dir, _ := workspace(t)

	out, err := run(t, "inspect", "-o", "json", filepath.Join(dir, "model.safetensors"))
	require.NoError(t, err)
	var info inspectOutput
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "ResNet-18", info.Architecture)
	assert.Equal(t, 3, info.HeadOutputs)
	assert.Equal(t, "ResNet-18", info.Metadata["architecture"])
	assert.Positive(t, info.Tensors)

	out, err = run(t, "inspect", filepath.Join(dir, "model.safetensors"))
	require.NoError(t, err)
	assert.Contains(t, out, "Architecture: ResNet-18")

	_, err = run(t, "inspect", filepath.Join(dir, "missing.safetensors"))
	assert.Error(t, err)

	_, err = run(t, "skeleton", "--arch", "vgg16", "--out", filepath.Join(dir, "x.safetensors"))
	assert.Error(t, err)
}

func TestClasses(t *testing.T) {
	_, configPath := workspace(t)

	out, err := run(t, "--config", configPath, "classes", "-o", "json")
	require.NoError(t, err)
	var resp struct {
		Classes []string `json:"classes"`
		Count   int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, []string{"dal", "biryani", "roti"}, resp.Classes)
	assert.Equal(t, 3, resp.Count)
}

func TestNutrition(t *testing.T) {
	out, err := run(t, "nutrition", "chicken", "biryani")
	require.NoError(t, err)
	assert.Contains(t, out, "Biryani (fuzzy match)")
	assert.Contains(t, out, "kcal")

	out, err = run(t, "nutrition", "--list", "-o", "json")
	require.NoError(t, err)
	var keys []string
	require.NoError(t, json.Unmarshal([]byte(out), &keys))
	assert.Len(t, keys, 28)

	_, err = run(t, "nutrition")
	assert.Error(t, err)
}

func TestPredictSingle(t *testing.T) {
	dir, configPath := workspace(t)
	img := writePNG(t, dir, "plate.png", 120)

	out, err := run(t, "--config", configPath, "predict", "--no-tta", "--threshold", "30", "--json", img)
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Contains(t, []any{"dal", "biryani", "roti"}, res["raw_class"])
	assert.Equal(t, float64(1), res["distributions"])
	assert.Len(t, res["top3"], 3)
	assert.NotNil(t, res["nutrition"])

	out, err = run(t, "--config", configPath, "predict", "--no-tta", img)
	require.NoError(t, err)
	assert.Contains(t, out, "Prediction:")
	assert.Contains(t, out, "Top 3:")
}

func TestPredictBatch(t *testing.T) {
	dir, configPath := workspace(t)
	a := writePNG(t, dir, "a.png", 10)
	b := writePNG(t, dir, "b.png", 200)

	out, err := run(t, "--config", configPath, "predict", "--no-tta", "-o", "json", a, b)
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, float64(2), res["image_count"])
	assert.Len(t, res["per_image"], 2)
	assert.Equal(t, res["quorum"], res["valid"])
}

func TestPredictRejects(t *testing.T) {
	dir, configPath := workspace(t)
	img := writePNG(t, dir, "a.png", 10)

	_, err := run(t, "--config", configPath, "predict", img, img, img, img, img, img)
	assert.Error(t, err, "more than five images")

	_, err = run(t, "--config", configPath, "predict", "--augmentations", "7", img)
	assert.Error(t, err)

	_, err = run(t, "--config", configPath, "predict", filepath.Join(dir, "missing.png"))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.png"), []byte("hello"), 0o644))
	_, err = run(t, "--config", configPath, "predict", filepath.Join(dir, "notes.png"))
	assert.Error(t, err)
}

func TestConfigErrors(t *testing.T) {
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "missing.toml"), "classes")
	assert.Error(t, err)
}
