package workload_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/rankcoord/internal/workload"
)

const unet3d = `
model:
  name: unet3d
  model_size: 499153191
framework: pytorch
workflow:
  generate_data: false
  train: true
dataset:
  data_folder: data/unet3d/
  format: npz
  num_files_train: 168
  record_length_bytes: 146600628
reader:
  data_loader: pytorch
  batch_size: 7
  read_threads: 4
train:
  epochs: 5
  computation_time: 0.25
`

func Test_Parse_Reads_DLIO_Subset_When_Given_Stock_Config(t *testing.T) {
	t.Parallel()

	cfg, err := workload.Parse([]byte(unet3d))
	require.NoError(t, err)

	assert.Equal(t, "unet3d", cfg.Name())
	assert.True(t, cfg.Trains())
	assert.Equal(t, "data/unet3d/", cfg.Dataset.DataFolder)
	assert.Equal(t, "npz", cfg.Dataset.Format)
	assert.Equal(t, 168, cfg.Dataset.NumFilesTrain)
	assert.Equal(t, 7, cfg.Reader.BatchSize)
	assert.Equal(t, 4, cfg.Reader.ReadThreads)
	assert.Equal(t, 5, cfg.Train.Epochs)
	assert.Equal(t, 250*time.Millisecond, cfg.Compute())
	assert.Equal(t, "**/*.npz", cfg.DefaultPattern())
}

func Test_Parse_Fills_Defaults_When_Sections_Missing(t *testing.T) {
	t.Parallel()

	cfg, err := workload.Parse([]byte("dataset:\n  data_folder: /data\n"))
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Reader.BatchSize)
	assert.Equal(t, 1, cfg.Reader.ReadThreads)
	assert.Equal(t, 1, cfg.Train.Epochs)
	assert.Zero(t, cfg.Compute())
	assert.Equal(t, "**/*", cfg.DefaultPattern())
	assert.Equal(t, "workload", cfg.Name())
}

func Test_Parse_Returns_Error_When_Workload_Unusable(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		yaml string
		want error
	}{
		{name: "GenerateData", yaml: "workflow:\n  generate_data: true\n", want: workload.ErrUnsupported},
		{name: "Checkpoint", yaml: "workflow:\n  checkpoint: true\n", want: workload.ErrUnsupported},
		{name: "NegativeEpochs", yaml: "train:\n  epochs: -1\n", want: workload.ErrInvalidWorkload},
		{name: "NegativeCompute", yaml: "train:\n  computation_time: -0.5\n", want: workload.ErrInvalidWorkload},
		{name: "NegativeThreads", yaml: "reader:\n  read_threads: -2\n", want: workload.ErrInvalidWorkload},
		{name: "WrongType", yaml: "reader:\n  batch_size: lots\n", want: workload.ErrInvalidWorkload},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			_, err := workload.Parse([]byte(testCase.yaml))
			require.ErrorIs(t, err, testCase.want)
		})
	}
}

func Test_Load_Names_Workload_After_File_When_Model_Unnamed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "resnet50_h100.yaml")
	require.NoError(t, os.WriteFile(path, []byte("train:\n  epochs: 2\n"), 0o600))

	cfg, err := workload.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "resnet50_h100", cfg.Name())
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, "dlio_resnet50_h100_4", workload.CoordinationID(cfg.Name(), 4))
}

func Test_Trains_Returns_False_When_Train_Disabled(t *testing.T) {
	t.Parallel()

	cfg, err := workload.Parse([]byte("workflow:\n  train: false\n"))
	require.NoError(t, err)
	assert.False(t, cfg.Trains())
}

func Test_Limit_Trims_To_NumFilesTrain_When_Set(t *testing.T) {
	t.Parallel()

	files := []string{"a", "b", "c"}

	cfg := workload.Config{}
	assert.Equal(t, files, cfg.Limit(files))

	cfg.Dataset.NumFilesTrain = 2
	assert.Equal(t, []string{"a", "b"}, cfg.Limit(files))

	cfg.Dataset.NumFilesTrain = 10
	assert.Equal(t, files, cfg.Limit(files))
}
