package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/voidsync/voidsync/pkg/contracts"
)

// DefaultTimeout bounds a single plugin execution.
const DefaultTimeout = 5 * time.Second

// Outcome is the aggregate of one pipeline run.
type Outcome struct {
	// Content is the last successful content mutation, or the input
	// content when no plugin mutated it.
	Content  string
	Warnings []string
	Failures []contracts.PluginFailure
	Metadata map[string]any
}

// OK reports whether every participating plugin succeeded.
func (o *Outcome) OK() bool { return len(o.Failures) == 0 }

// Err returns the aggregated pipeline error for a failed run, nil
// otherwise.
func (o *Outcome) Err(stage Stage) error {
	if o.OK() {
		return nil
	}
	return &contracts.PipelineError{
		Stage:    string(stage),
		Failures: o.Failures,
		Warnings: o.Warnings,
	}
}

type registered struct {
	plugin   Plugin
	patterns []*regexp.Regexp
}

// Pipeline holds plugins in registration order and runs the matching
// subset per stage and path.
type Pipeline struct {
	mu      sync.RWMutex
	plugins []*registered
	timeout time.Duration
	logger  *slog.Logger
}

// NewPipeline creates an empty pipeline. A non-positive timeout falls
// back to DefaultTimeout.
func NewPipeline(timeout time.Duration, logger *slog.Logger) *Pipeline {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{timeout: timeout, logger: logger}
}

// Register appends a plugin. Patterns are compiled once here; an
// invalid pattern rejects the registration.
func (p *Pipeline) Register(pl Plugin) error {
	reg := &registered{plugin: pl}
	for _, pat := range pl.Patterns() {
		re, err := regexp.Compile(pat)
		if err != nil {
			return fmt.Errorf("%w: plugin %s pattern %q: %v", contracts.ErrInvalidInput, pl.ID(), pat, err)
		}
		reg.patterns = append(reg.patterns, re)
	}
	p.mu.Lock()
	p.plugins = append(p.plugins, reg)
	p.mu.Unlock()
	p.logger.Info("plugin registered", "plugin_id", pl.ID(), "kind", pl.Kind(), "stages", pl.Stages())
	return nil
}

// Lookup returns the registered plugin with the given id.
func (p *Pipeline) Lookup(id string) (Plugin, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, reg := range p.plugins {
		if reg.plugin.ID() == id {
			return reg.plugin, true
		}
	}
	return nil, false
}

// Plugins lists registered plugins in order.
func (p *Pipeline) Plugins() []Plugin {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Plugin, 0, len(p.plugins))
	for _, reg := range p.plugins {
		out = append(out, reg.plugin)
	}
	return out
}

// Run executes the plugins matching stage and path, in registration
// order, over a mutable shadow of pc. A plugin failure is recorded and
// the chain continues; the run as a whole fails if any plugin failed.
func (p *Pipeline) Run(ctx context.Context, stage Stage, pc Context) *Outcome {
	pc.Stage = stage
	outcome := &Outcome{Content: pc.Content, Metadata: pc.Metadata}
	if outcome.Metadata == nil {
		outcome.Metadata = make(map[string]any)
	}

	p.mu.RLock()
	selected := make([]*registered, 0, len(p.plugins))
	for _, reg := range p.plugins {
		if reg.plugin.Enabled() && stageMatch(reg.plugin.Stages(), stage) && reg.matches(pc.Path) {
			selected = append(selected, reg)
		}
	}
	p.mu.RUnlock()

	for _, reg := range selected {
		pc.Content = outcome.Content
		pc.Metadata = outcome.Metadata
		res := p.execute(ctx, reg.plugin, pc)

		outcome.Warnings = append(outcome.Warnings, res.Warnings...)
		for k, v := range res.Metadata {
			outcome.Metadata[k] = v
		}
		if !res.Success {
			msg := res.Err
			if msg == "" {
				msg = "plugin failed"
			}
			outcome.Failures = append(outcome.Failures, contracts.PluginFailure{
				PluginID: reg.plugin.ID(),
				Message:  msg,
			})
			p.logger.Warn("plugin failed", "plugin_id", reg.plugin.ID(), "stage", stage, "path", pc.Path, "error", msg)
			continue
		}
		if res.Content != nil {
			outcome.Content = *res.Content
		}
		if res.SkipRemaining {
			break
		}
	}
	return outcome
}

// execute runs one plugin under the per-plugin timeout. A timeout is a
// plugin failure, not a pipeline crash.
func (p *Pipeline) execute(ctx context.Context, pl Plugin, pc Context) Result {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		done <- pl.Execute(cctx, &pc)
	}()
	select {
	case res := <-done:
		return res
	case <-cctx.Done():
		return Result{Success: false, Err: fmt.Sprintf("timed out after %s", p.timeout)}
	}
}

func (r *registered) matches(path string) bool {
	if len(r.patterns) == 0 {
		return true
	}
	for _, re := range r.patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func stageMatch(stages []Stage, stage Stage) bool {
	for _, s := range stages {
		if s == stage {
			return true
		}
	}
	return false
}
