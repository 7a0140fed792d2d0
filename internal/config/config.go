package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Model kinds accepted by ModelConfig.Kind.
const (
	KindImaging    = "imaging"
	KindTabular    = "tabular"
	KindMultimodal = "multimodal"
)

// Config captures the runtime knobs for a train, infer or eval run.
type Config struct {
	Paths PathsConfig `yaml:"paths"`
	Train TrainConfig `yaml:"train"`
	Infer InferConfig `yaml:"infer"`
	Eval  EvalConfig  `yaml:"eval"`
	Model ModelConfig `yaml:"model"`
}

// PathsConfig locates inputs and outputs.
type PathsConfig struct {
	// DataRoots are site roots holding training shards.
	DataRoots []string `yaml:"data_roots"`
	// TestRoots are roots holding the shards used for inference.
	TestRoots          []string `yaml:"test_roots"`
	ModelDir           string   `yaml:"model_dir"`
	InferenceDir       string   `yaml:"inference_dir"`
	EvalDir            string   `yaml:"eval_dir"`
	PartitionFile      string   `yaml:"partition_file"`
	ForceResetModelDir bool     `yaml:"force_reset_model_dir"`
}

// ManagerTrainParams bounds the training loop.
type ManagerTrainParams struct {
	NumEpochs     int `yaml:"num_epochs"`
	StepsPerEpoch int `yaml:"steps_per_epoch"`
	NumGPUs       int `yaml:"num_gpus"`
}

// TrainConfig holds optimisation and data loading settings.
type TrainConfig struct {
	BatchSize                int                `yaml:"batch_size"`
	NumWorkers               int                `yaml:"num_workers"`
	LearningRate             float64            `yaml:"learning_rate"`
	WeightDecay              float64            `yaml:"weight_decay"`
	ResumeCheckpointFilename string             `yaml:"resume_checkpoint_filename"`
	PortionTrain             float64            `yaml:"portion_train"`
	OverridePartition        bool               `yaml:"override_partition"`
	ManagerTrainParams       ManagerTrainParams `yaml:"manager_train_params"`
	ManagerBestEpochSource   string             `yaml:"manager_best_epoch_source"`
	LRFactor                 float64            `yaml:"lr_factor"`
	LRPatience               int                `yaml:"lr_patience"`
	LogEvery                 int                `yaml:"log_every"`
	Seed                     int64              `yaml:"seed"`
}

// InferConfig controls the inference pass.
type InferConfig struct {
	InferFilename string `yaml:"infer_filename"`
	// Checkpoint is "best", "last" or a path to a checkpoint file.
	Checkpoint    string   `yaml:"checkpoint"`
	NumWorkers    int      `yaml:"num_workers"`
	OutputColumns []string `yaml:"output_columns"`
}

// EvalConfig controls how inference results are scored.
type EvalConfig struct {
	// OperationPoint is the class-1 probability at which a sample is called
	// positive; zero picks the arg-max class.
	OperationPoint  float64 `yaml:"operation_point"`
	ResultsFilename string  `yaml:"results_filename"`
}

// HeadConfig describes the classification head.
type HeadConfig struct {
	Name        string  `yaml:"name"`
	Layers      []int   `yaml:"layers"`
	DropoutRate float64 `yaml:"dropout_rate"`
	NumClasses  int     `yaml:"num_classes"`
}

// ModelConfig describes the model topology.
type ModelConfig struct {
	Kind string `yaml:"kind"`
	Grid int    `yaml:"grid"`

	Channels   []int  `yaml:"channels"`
	Downsample bool   `yaml:"downsample"`
	Pooling    string `yaml:"pooling"`
	Dim        string `yaml:"dim"`
	// ImagingProjection is the output width of a pointwise projection of
	// the imaging features; zero disables it.
	ImagingProjection int `yaml:"imaging_projection"`

	ContinuousWidth            int   `yaml:"continuous_width"`
	CategoricalWidth           int   `yaml:"categorical_width"`
	CategoricalEmbedding       []int `yaml:"categorical_embedding"`
	ContinuousEmbedding        []int `yaml:"continuous_embedding"`
	SeparateContinuousBackbone bool  `yaml:"separate_continuous_backbone"`
	CatTabular                 []int `yaml:"cat_tabular"`
	// TabularProjection is the output width of a linear projection of the
	// tabular features; zero disables it.
	TabularProjection int `yaml:"tabular_projection"`

	Head HeadConfig `yaml:"head"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	DataRoots    []string
	TestRoots    []string
	ModelDir     string
	Epochs       int
	Steps        int
	BatchSize    int
	NumWorkers   int
	LearningRate float64
	Seed         int64
	LogEvery     int
}

// Load reads and validates a Config from YAML. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg := &Config{}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if len(o.DataRoots) > 0 {
		c.Paths.DataRoots = o.DataRoots
	}
	if len(o.TestRoots) > 0 {
		c.Paths.TestRoots = o.TestRoots
	}
	if o.ModelDir != "" {
		c.Paths.ModelDir = o.ModelDir
	}
	if o.Epochs > 0 {
		c.Train.ManagerTrainParams.NumEpochs = o.Epochs
	}
	if o.Steps > 0 {
		c.Train.ManagerTrainParams.StepsPerEpoch = o.Steps
	}
	if o.BatchSize > 0 {
		c.Train.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.Train.NumWorkers = o.NumWorkers
		c.Infer.NumWorkers = o.NumWorkers
	}
	if o.LearningRate > 0 {
		c.Train.LearningRate = o.LearningRate
	}
	if o.Seed != 0 {
		c.Train.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.Train.LogEvery = o.LogEvery
	}
}

// Validate verifies the config is runnable and fills defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Paths.ModelDir == "" {
		return errors.New("paths.model_dir must be set")
	}
	if err := c.Train.validate(); err != nil {
		return err
	}
	c.Infer.defaults()
	if c.Eval.OperationPoint < 0 || c.Eval.OperationPoint >= 1 {
		return errors.Errorf("eval.operation_point must be in [0,1) (got %g)", c.Eval.OperationPoint)
	}
	if c.Eval.ResultsFilename == "" {
		c.Eval.ResultsFilename = "results.json"
	}
	return c.Model.validate()
}

func (t *TrainConfig) validate() error {
	if t.BatchSize <= 0 {
		return errors.Errorf("train.batch_size must be > 0 (got %d)", t.BatchSize)
	}
	if t.NumWorkers < 0 {
		return errors.Errorf("train.num_workers must be >= 0 (got %d)", t.NumWorkers)
	}
	if t.LearningRate <= 0 {
		return errors.Errorf("train.learning_rate must be > 0 (got %g)", t.LearningRate)
	}
	if t.WeightDecay < 0 {
		return errors.Errorf("train.weight_decay must be >= 0 (got %g)", t.WeightDecay)
	}
	if t.ManagerTrainParams.NumEpochs <= 0 {
		return errors.Errorf("train.manager_train_params.num_epochs must be > 0 (got %d)", t.ManagerTrainParams.NumEpochs)
	}
	if t.ManagerTrainParams.StepsPerEpoch <= 0 {
		return errors.Errorf("train.manager_train_params.steps_per_epoch must be > 0 (got %d)", t.ManagerTrainParams.StepsPerEpoch)
	}
	if t.PortionTrain == 0 {
		t.PortionTrain = 0.7
	}
	if t.PortionTrain < 0 || t.PortionTrain >= 1 {
		return errors.Errorf("train.portion_train must be in (0,1) (got %g)", t.PortionTrain)
	}
	if t.ManagerBestEpochSource == "" {
		t.ManagerBestEpochSource = "validation.auc"
	}
	if !strings.HasPrefix(t.ManagerBestEpochSource, "validation.") && !strings.HasPrefix(t.ManagerBestEpochSource, "train.") {
		return errors.Errorf("train.manager_best_epoch_source %q must start with train. or validation.", t.ManagerBestEpochSource)
	}
	if t.LRFactor == 0 {
		t.LRFactor = 0.5
	}
	if t.LRFactor <= 0 || t.LRFactor >= 1 {
		return errors.Errorf("train.lr_factor must be in (0,1) (got %g)", t.LRFactor)
	}
	if t.LRPatience <= 0 {
		t.LRPatience = 2
	}
	if t.LogEvery <= 0 {
		t.LogEvery = 50
	}
	return nil
}

func (i *InferConfig) defaults() {
	if i.InferFilename == "" {
		i.InferFilename = "infer.jsonl"
	}
	if i.Checkpoint == "" {
		i.Checkpoint = "best"
	}
	if len(i.OutputColumns) == 0 {
		i.OutputColumns = []string{"model.output.head_0", "data.gt.classification"}
	}
}

func (m *ModelConfig) validate() error {
	if m.Grid <= 0 {
		m.Grid = 16
	}
	if m.Pooling == "" {
		m.Pooling = "avg"
	}
	if m.Pooling != "avg" && m.Pooling != "max" {
		return errors.Errorf("model.pooling must be avg or max (got %q)", m.Pooling)
	}
	if m.Dim == "" {
		m.Dim = "2d"
	}
	if m.Dim != "2d" {
		return errors.Errorf("model.dim %q not supported for 2D image shards", m.Dim)
	}
	if m.Head.Name == "" {
		m.Head.Name = "head_0"
	}
	if m.Head.NumClasses == 0 {
		m.Head.NumClasses = 2
	}
	if m.Head.NumClasses < 2 {
		return errors.Errorf("model.head.num_classes must be >= 2 (got %d)", m.Head.NumClasses)
	}
	if m.Head.DropoutRate < 0 || m.Head.DropoutRate >= 1 {
		return errors.Errorf("model.head.dropout_rate must be in [0,1) (got %g)", m.Head.DropoutRate)
	}

	needsImaging := m.Kind == KindImaging || m.Kind == KindMultimodal
	needsTabular := m.Kind == KindTabular || m.Kind == KindMultimodal
	switch m.Kind {
	case KindImaging, KindTabular, KindMultimodal:
	default:
		return errors.Errorf("model.kind must be one of imaging, tabular, multimodal (got %q)", m.Kind)
	}
	if needsImaging && len(m.Channels) == 0 {
		return errors.New("model.channels must list at least one conv block")
	}
	if needsTabular && (m.ContinuousWidth <= 0 || m.CategoricalWidth <= 0) {
		return errors.New("model.continuous_width and model.categorical_width must be > 0")
	}
	if !needsImaging && m.ImagingProjection > 0 {
		return errors.New("model.imaging_projection needs an imaging backbone")
	}
	if m.Kind != KindMultimodal && m.TabularProjection > 0 {
		return errors.New("model.tabular_projection is only used by the multimodal model")
	}
	return nil
}

// UsesClinical reports whether the model reads the tabular inputs.
func (m ModelConfig) UsesClinical() bool {
	return m.Kind == KindTabular || m.Kind == KindMultimodal
}
