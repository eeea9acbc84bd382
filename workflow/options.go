package workflow

import (
	"errors"
	"log/slog"
	"time"

	"github.com/dshills/agentflow/workflow/emit"
)

// Option configures an Engine, Registry or Orchestrator.
//
// Options are shared across constructors; each constructor reads only the
// fields it needs. An option that receives an invalid value returns an error
// and the constructor fails.
//
// Example:
//
//	engine, err := workflow.NewEngine(agents,
//	    workflow.WithStepTimeout(30*time.Second),
//	    workflow.WithEmitter(emit.NewLogEmitter(os.Stderr, true)),
//	)
type Option func(*config) error

type config struct {
	emitter          emit.Emitter
	metrics          *Metrics
	logger           *slog.Logger
	stepTimeout      time.Duration
	executionTimeout time.Duration
	compiler         Compiler
	pool             *Pool
	clock            func() time.Time
	newID            func() string
}

func defaultConfig() config {
	return config{
		emitter:  emit.NewNullEmitter(),
		logger:   slog.Default(),
		compiler: DefaultCompiler,
		clock:    time.Now,
	}
}

func buildConfig(opts []Option) (config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return config{}, err
		}
	}
	return cfg, nil
}

// WithEmitter routes observability events to e.
func WithEmitter(e emit.Emitter) Option {
	return func(c *config) error {
		if e == nil {
			return errors.New("emitter must not be nil")
		}
		c.emitter = e
		return nil
	}
}

// WithMetrics records Prometheus metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(c *config) error {
		c.metrics = m
		return nil
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) error {
		if l == nil {
			return errors.New("logger must not be nil")
		}
		c.logger = l
		return nil
	}
}

// WithStepTimeout bounds every agent call with a deadline. Zero disables it.
func WithStepTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return errors.New("step timeout must not be negative")
		}
		c.stepTimeout = d
		return nil
	}
}

// WithExecutionTimeout bounds a whole background execution. Zero disables it.
func WithExecutionTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return errors.New("execution timeout must not be negative")
		}
		c.executionTimeout = d
		return nil
	}
}

// WithCompiler replaces the Compiler a Registry uses for raw documents.
func WithCompiler(comp Compiler) Option {
	return func(c *config) error {
		if comp == nil {
			return errors.New("compiler must not be nil")
		}
		c.compiler = comp
		return nil
	}
}

// WithPool sets the worker pool an Orchestrator dispatches onto.
func WithPool(p *Pool) Option {
	return func(c *config) error {
		if p == nil {
			return errors.New("pool must not be nil")
		}
		c.pool = p
		return nil
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *config) error {
		if now == nil {
			return errors.New("clock must not be nil")
		}
		c.clock = now
		return nil
	}
}

// WithIDGenerator overrides execution id generation.
func WithIDGenerator(gen func() string) Option {
	return func(c *config) error {
		if gen == nil {
			return errors.New("id generator must not be nil")
		}
		c.newID = gen
		return nil
	}
}
