// Package app builds every gestalt component from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentstation/gestalt"
	"github.com/agentstation/gestalt/batch"
	"github.com/agentstation/gestalt/collab/cache"
	"github.com/agentstation/gestalt/collab/httpjson"
	"github.com/agentstation/gestalt/collab/luarules"
	"github.com/agentstation/gestalt/collab/offline"
	"github.com/agentstation/gestalt/config"
	"github.com/agentstation/gestalt/fallback"
	"github.com/agentstation/gestalt/internal/logging"
	"github.com/agentstation/gestalt/internal/retry"
	"github.com/agentstation/gestalt/memory"
	"github.com/agentstation/gestalt/metrics"
	"github.com/agentstation/gestalt/middleware"
	"github.com/agentstation/gestalt/pipeline"
	"github.com/agentstation/gestalt/storage"
)

// App holds the wired components.
type App struct {
	Config   config.Config
	Slog     *slog.Logger
	Logger   gestalt.Logger
	Pipeline *pipeline.Pipeline
	// Repository is nil when storage is disabled.
	Repository *storage.Repository
	Registry   *prometheus.Registry
	Metrics    *metrics.Collector
	// Breakers and Memory are nil unless an HTTP collaborator is used.
	Breakers *fallback.Group
	Memory   memory.Store
	// RetrievalCache is nil when caching is disabled.
	RetrievalCache *cache.Retrievals

	closers []func() error
}

// Outcome is the result of one generation, saved when storage is enabled.
type Outcome struct {
	Result *pipeline.Result `json:"result,omitempty"`
	Record *storage.Record  `json:"record,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// CollaboratorStatus reports how the collaborators are wired and how the
// breakers and the retrieval cache are doing.
type CollaboratorStatus struct {
	Mode           string                  `json:"mode"`
	Validator      string                  `json:"validator"`
	Breakers       []fallback.CircuitStats `json:"breakers,omitempty"`
	RetrievalCache *cache.Stats            `json:"retrieval_cache,omitempty"`
}

// New builds the application. Logs go to logOut.
func New(cfg config.Config, logOut io.Writer) (*App, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	sl := logging.New(level, cfg.Log.Format, logOut)
	a := &App{
		Config:   cfg,
		Slog:     sl,
		Logger:   logging.NewAdapter(sl),
		Registry: prometheus.NewRegistry(),
	}

	if err := a.build(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.Config
	collector, err := metrics.NewCollector(a.Registry)
	if err != nil {
		return err
	}
	a.Metrics = collector

	collab, err := a.collaborators()
	if err != nil {
		return err
	}

	pc, err := cfg.PipelineConfig()
	if err != nil {
		return err
	}
	mws := []middleware.Middleware{middleware.Logging(a.Logger), middleware.Metrics(collector)}
	if n := cfg.Pipeline.MaxConcurrentNodes; n > 0 {
		mws = append(mws, middleware.Limit(n))
	}
	a.Pipeline, err = pipeline.New(collab,
		pipeline.WithConfig(pc),
		pipeline.WithLogger(a.Logger),
		pipeline.WithMiddleware(mws...),
		pipeline.WithRunRecorder(collector),
	)
	if err != nil {
		return err
	}

	if cfg.Storage.Dir != "" {
		files, err := storage.NewLocalStore(cfg.Storage.Dir)
		if err != nil {
			return err
		}
		dsn := cfg.Storage.Catalog
		if dsn == "" {
			dsn = filepath.Join(cfg.Storage.Dir, "catalog.db")
		}
		catalog, err := storage.OpenCatalog(dsn)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, catalog.Close)
		a.Repository = storage.NewRepository(files, catalog,
			storage.WithMetadataKey(pc.MetadataKey),
			storage.WithLogger(a.Logger),
		)
	}
	return nil
}

func (a *App) collaborators() (pipeline.Collaborators, error) {
	cc := a.Config.Collaborators
	var collab pipeline.Collaborators
	var client *httpjson.Client

	if cc.Mode == config.ModeHTTP || cc.Validator == config.ValidatorHTTP {
		var err error
		if client, err = a.httpClient(); err != nil {
			return collab, err
		}
	}

	switch cc.Mode {
	case config.ModeHTTP:
		collab.Classifier = client
		collab.Retriever = client
		collab.Generators = make(map[pipeline.Kind]pipeline.Generator, len(pipeline.Kinds))
		collab.Retrievers = make(map[pipeline.Kind]pipeline.Retriever, len(pipeline.Kinds))
		for _, kind := range pipeline.Kinds {
			collab.Generators[kind] = client
			collab.Retrievers[kind] = client.ForKind(kind)
		}
	default:
		overrides := make(map[pipeline.Kind]string, len(cc.Offline.Templates))
		for kind, path := range cc.Offline.Templates {
			text, err := os.ReadFile(path) //nolint:gosec // template paths come from configuration
			if err != nil {
				return collab, fmt.Errorf("app: template for %s: %w", kind, err)
			}
			overrides[pipeline.Kind(kind)] = string(text)
		}
		gens, err := offline.Generators(overrides)
		if err != nil {
			return collab, err
		}
		var corpus []offline.Example
		if cc.Offline.Corpus != "" {
			if corpus, err = offline.LoadCorpus(cc.Offline.Corpus); err != nil {
				return collab, err
			}
		}
		collab.Classifier = offline.NewClassifier()
		collab.Generators = gens
		base := offline.NewRetriever(corpus...)
		collab.Retriever = base
		collab.Retrievers = make(map[pipeline.Kind]pipeline.Retriever, len(pipeline.Kinds))
		for _, kind := range pipeline.Kinds {
			collab.Retrievers[kind] = base.ForKind(kind)
		}
	}
	if cc.Cache.Size > 0 {
		a.RetrievalCache = cache.NewRetrievals(cc.Cache.Size, cc.Cache.TTL)
		collab.Retriever = a.RetrievalCache.Wrap("", collab.Retriever)
		for kind, r := range collab.Retrievers {
			collab.Retrievers[kind] = a.RetrievalCache.Wrap(string(kind), r)
		}
	}

	switch cc.Validator {
	case config.ValidatorHTTP:
		collab.Validator = client
		collab.Improver = client
	default:
		rules := luarules.Default()
		if cc.Rules != "" {
			var err error
			if rules, err = luarules.Load(cc.Rules); err != nil {
				return collab, err
			}
		}
		collab.Validator = rules
		collab.Improver = rules
	}
	return collab, nil
}

func (a *App) httpClient() (*httpjson.Client, error) {
	cc := a.Config.Collaborators
	a.Breakers = fallback.NewGroup(
		fallback.WithMaxFailures(cc.Breaker.MaxFailures),
		fallback.WithResetTimeout(cc.Breaker.ResetTimeout),
		fallback.WithHalfOpenRequests(cc.Breaker.HalfOpenRequests),
		fallback.WithStateChangeCallback(func(name string, from, to fallback.CircuitState) {
			a.Logger.Warn(context.Background(), "circuit state changed", "endpoint", name, "from", from.String(), "to", to.String())
		}),
	)

	store, err := a.memory()
	if err != nil {
		return nil, err
	}
	a.Memory = store

	policy := retry.DefaultPolicy()
	policy.Retries = cc.HTTP.Retry.MaxRetries
	policy.InitialDelay = cc.HTTP.Retry.InitialDelay
	policy.MaxDelay = cc.HTTP.Retry.MaxDelay

	opts := []httpjson.Option{
		httpjson.WithTimeout(cc.HTTP.Timeout),
		httpjson.WithRetry(policy),
		httpjson.WithBreakers(a.Breakers),
		httpjson.WithMemory(store),
		httpjson.WithLogger(a.Logger),
	}
	for k, v := range cc.HTTP.Headers {
		opts = append(opts, httpjson.WithHeader(k, v))
	}
	return httpjson.New(cc.HTTP.BaseURL, opts...)
}

func (a *App) memory() (memory.Store, error) {
	mc := a.Config.Memory
	switch mc.Backend {
	case config.BackendRedis:
		opts := []memory.RedisOption{
			memory.WithRedisTTL(mc.TTL),
			memory.WithRedisMaxMessages(mc.MaxMessages),
		}
		if mc.Redis.Prefix != "" {
			opts = append(opts, memory.WithRedisPrefix(mc.Redis.Prefix))
		}
		store := memory.NewRedisStore(mc.Redis.Addr, mc.Redis.Password, mc.Redis.DB, opts...)
		a.closers = append(a.closers, store.Close)
		return store, nil
	case config.BackendMemory, "":
		return memory.NewBoundedStore(
			memory.WithMaxConversations(mc.MaxConversations),
			memory.WithMaxMessages(mc.MaxMessages),
			memory.WithTTL(mc.TTL),
		), nil
	default:
		return nil, fmt.Errorf("app: unknown memory backend %q", mc.Backend)
	}
}

// Generate runs the pipeline for one problem and stores the result.
// A failed run returns the partial result along with the error.
func (a *App) Generate(ctx context.Context, problem pipeline.Problem, key string) (Outcome, error) {
	res, err := a.Pipeline.Run(ctx, problem, key)
	out := Outcome{Result: res}
	if err != nil {
		out.Error = err.Error()
		return out, err
	}
	if a.Repository != nil {
		rec, err := a.Repository.Save(ctx, res)
		if err != nil {
			out.Error = err.Error()
			return out, fmt.Errorf("app: save result: %w", err)
		}
		out.Record = &rec
	}
	return out, nil
}

// GenerateBatch runs one independent pipeline per problem with the
// configured concurrency and stores every successful result.
func (a *App) GenerateBatch(ctx context.Context, problems []pipeline.Problem) []Outcome {
	outcomes := a.Pipeline.RunBatch(ctx, problems, a.Config.Batch.KeyPrefix,
		batch.WithConcurrency(a.Config.Batch.Concurrency))

	out := make([]Outcome, len(outcomes))
	for i, o := range outcomes {
		out[i] = Outcome{Result: o.Result}
		if o.Err != nil {
			out[i].Error = o.Err.Error()
			continue
		}
		if a.Repository == nil {
			continue
		}
		rec, err := a.Repository.Save(ctx, o.Result)
		if err != nil {
			a.Logger.Error(ctx, "batch result not stored", "index", i, "err", err)
			out[i].Error = err.Error()
			continue
		}
		out[i].Record = &rec
	}
	return out
}

// CollaboratorStatus returns the current collaborator status.
func (a *App) CollaboratorStatus() CollaboratorStatus {
	cc := a.Config.Collaborators
	status := CollaboratorStatus{Mode: cc.Mode, Validator: cc.Validator}
	if a.Breakers != nil {
		status.Breakers = a.Breakers.Stats()
	}
	if a.RetrievalCache != nil {
		stats := a.RetrievalCache.Stats()
		status.RetrievalCache = &stats
	}
	return status
}

// Close releases the catalog and remote connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
