// Package registry owns the process-wide model handles. Each handle is
// created on first use and shared by every job afterwards.
package registry

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/adverant/nexus/forensics-worker/internal/clients"
	"github.com/adverant/nexus/forensics-worker/internal/entities"
	"github.com/adverant/nexus/forensics-worker/internal/explain"
	"github.com/adverant/nexus/forensics-worker/internal/inference"
	"github.com/adverant/nexus/forensics-worker/internal/logging"
)

// Config selects the model server and the window the classifier expects.
type Config struct {
	ModelServerURL string
	Model          string
	Family         explain.ModelFamily
	Window         inference.Config
}

// Registry lazily builds the classifier client, the sliding-window engine,
// the explanation generator and the entity recognizer.
type Registry struct {
	cfg    Config
	logger *logging.Logger

	clientOnce sync.Once
	client     *clients.ModelClient

	engineOnce sync.Once
	engine     *inference.Engine
	engineErr  error

	explainOnce sync.Once
	explainer   *explain.Generator
	explainErr  error

	// a failed recognizer load is retried, so it is guarded by a mutex
	// rather than a sync.Once
	recMu      sync.Mutex
	recognizer entities.Recognizer
	loadRec    func() (entities.Recognizer, error)
}

// New creates an empty registry. Nothing is loaded until first use.
func New(cfg Config) *Registry {
	return &Registry{
		cfg:     cfg,
		logger:  logging.NewLogger("registry"),
		loadRec: loadDefaultRecognizer,
	}
}

func loadDefaultRecognizer() (entities.Recognizer, error) {
	prose, err := entities.NewProseRecognizer()
	if err != nil {
		return nil, err
	}
	return entities.Composite{prose, entities.DateRecognizer{}}, nil
}

// Client returns the shared model server client
func (r *Registry) Client() *clients.ModelClient {
	r.clientOnce.Do(func() {
		r.client = clients.NewModelClient(r.cfg.ModelServerURL, r.cfg.Model)
		r.logger.Info("Model server client created", "url", r.cfg.ModelServerURL, "model", r.cfg.Model)
	})
	return r.client
}

// Engine returns the shared sliding-window engine
func (r *Registry) Engine() (*inference.Engine, error) {
	r.engineOnce.Do(func() {
		r.engine, r.engineErr = inference.NewEngine(r.Client(), r.cfg.Window)
	})
	return r.engine, r.engineErr
}

// Explainer returns the shared explanation generator
func (r *Registry) Explainer() (*explain.Generator, error) {
	r.explainOnce.Do(func() {
		r.explainer, r.explainErr = explain.NewGenerator(r.Client(), r.cfg.Family, r.cfg.Window.InputSize, r.cfg.Window.Norm)
		if r.explainErr == nil {
			r.logger.Info("Explanation generator ready", "family", r.cfg.Family, "layer", r.explainer.Layer())
		}
	})
	return r.explainer, r.explainErr
}

// Recognizer implements entities.Provider. A failed load is not cached.
func (r *Registry) Recognizer() (entities.Recognizer, error) {
	r.recMu.Lock()
	defer r.recMu.Unlock()

	if r.recognizer != nil {
		return r.recognizer, nil
	}
	rec, err := r.loadRec()
	if err != nil {
		r.logger.Warn("Entity recognizer failed to load, will retry on next use", "error", err)
		return nil, fmt.Errorf("failed to load entity recognizer: %w", err)
	}
	r.recognizer = rec
	r.logger.Info("Entity recognizer loaded")
	return rec, nil
}

// InferFile runs the shared engine on the image at path.
func (r *Registry) InferFile(ctx context.Context, path string) (*inference.Result, error) {
	engine, err := r.Engine()
	if err != nil {
		return nil, err
	}
	return engine.InferFile(ctx, path)
}

// ExplainFile runs the shared generator on the image at path.
func (r *Registry) ExplainFile(ctx context.Context, path string) (*image.NRGBA, error) {
	gen, err := r.Explainer()
	if err != nil {
		return nil, err
	}
	return gen.ExplainFile(ctx, path)
}

// HealthCheck reports whether the model server is ready
func (r *Registry) HealthCheck(ctx context.Context) error {
	return r.Client().HealthCheck(ctx)
}
