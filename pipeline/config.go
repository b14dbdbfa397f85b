package pipeline

import (
	"fmt"
	"time"

	"github.com/agentstation/gestalt"
	"github.com/agentstation/gestalt/middleware"
)

// ArtifactConfig configures one generated artifact.
type ArtifactConfig struct {
	// Key is the file name the artifact is stored under.
	Key string `mapstructure:"key"`
	// Runtime is the scripting runtime reported in the metadata. Only
	// script kinds carry one.
	Runtime string `mapstructure:"runtime"`
	// Refine enables validation against the reference guide.
	Refine bool `mapstructure:"refine"`
	// ImproveWithoutReference runs one improve pass when no reference is given.
	ImproveWithoutReference bool `mapstructure:"improve_without_reference"`
	// Guidance is the style guidance handed to the improver.
	Guidance string `mapstructure:"guidance"`
}

// Config holds the pipeline settings.
type Config struct {
	Artifacts      map[Kind]ArtifactConfig `mapstructure:"artifacts"`
	MetadataKey    string                  `mapstructure:"metadata_key"`
	MaxRefinements int                     `mapstructure:"max_refinements"`
	MaxExamples    int                     `mapstructure:"max_examples"`
	// NodeTimeout bounds each generator and the classifier call.
	NodeTimeout time.Duration `mapstructure:"node_timeout"`
	// GeneratorRetries retries a failed generator draft. The classifier is
	// never retried.
	GeneratorRetries int           `mapstructure:"generator_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
}

const scriptGuidance = "Review the script for correctness and numerical consistency. " +
	"Handle variable units, scaling factors and engineering constants the problem statement requires."

// DefaultConfig returns the standard artifact layout.
func DefaultConfig() Config {
	return Config{
		Artifacts: map[Kind]ArtifactConfig{
			KindPrimary:  {Key: "question.html"},
			KindSolution: {Key: "solution.html", Refine: true},
			KindScriptA:  {Key: "server.js", Runtime: "javascript", Refine: true, ImproveWithoutReference: true, Guidance: scriptGuidance},
			KindScriptB:  {Key: "server.py", Runtime: "python", Refine: true, Guidance: scriptGuidance},
		},
		MetadataKey:    "info.json",
		MaxRefinements: 3,
		MaxExamples:    2,
		NodeTimeout:    5 * time.Minute,
		RetryDelay:     time.Second,
	}
}

// Validate checks that every artifact has a distinct key and every script
// kind names its runtime.
func (c Config) Validate() error {
	seen := map[string]string{}
	claim := func(key, owner string) error {
		if key == "" {
			return fmt.Errorf("pipeline: %s has no artifact key", owner)
		}
		if other, dup := seen[key]; dup {
			return fmt.Errorf("%w: %q used by %s and %s", ErrDuplicateKey, key, other, owner)
		}
		seen[key] = owner
		return nil
	}

	for _, kind := range Kinds {
		ac, ok := c.Artifacts[kind]
		if !ok {
			return fmt.Errorf("pipeline: no artifact configured for %s", kind)
		}
		if err := claim(ac.Key, string(kind)); err != nil {
			return err
		}
	}
	if err := claim(c.MetadataKey, "metadata"); err != nil {
		return err
	}
	for _, kind := range scriptKinds {
		if c.Artifacts[kind].Runtime == "" {
			return fmt.Errorf("pipeline: %s has no runtime", kind)
		}
	}
	if c.MaxRefinements < 0 || c.MaxExamples < 0 || c.GeneratorRetries < 0 {
		return fmt.Errorf("pipeline: negative limits in config")
	}
	return nil
}

// RunRecorder observes finished runs.
type RunRecorder interface {
	RecordRun(status string, duration time.Duration)
}

type options struct {
	config      Config
	logger      gestalt.Logger
	tracer      gestalt.Tracer
	middlewares []middleware.Middleware
	recorder    RunRecorder
}

// Option configures a Pipeline.
type Option func(*options)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.config = cfg
	}
}

// WithLogger sets the logger for the pipeline and its graphs.
func WithLogger(logger gestalt.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracer traces every node of the pipeline.
func WithTracer(tracer gestalt.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithMiddleware wraps every top-level node.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) {
		o.middlewares = append(o.middlewares, mws...)
	}
}

// WithRunRecorder reports the status and duration of each run.
func WithRunRecorder(r RunRecorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}
