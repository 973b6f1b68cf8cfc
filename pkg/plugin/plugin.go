// Package plugin is the validation and processing pipeline run over
// proposed content at named stages of the change lifecycle. Plugins
// are ordered by registration, filtered by file pattern and stage, and
// executed sequentially over a mutable shadow of the invocation
// context: a successful plugin that returns replacement content feeds
// that content to the plugins after it.
package plugin

import (
	"context"
	"sync/atomic"
)

// Stage names a point in the change lifecycle where the pipeline runs.
type Stage string

const (
	StagePreSync    Stage = "PreSync"
	StageDuringSync Stage = "DuringSync"
	StagePostSync   Stage = "PostSync"
	StagePreCommit  Stage = "PreCommit"
	StagePostCommit Stage = "PostCommit"
)

// Kind categorizes a plugin's purpose.
type Kind string

const (
	KindValidator Kind = "validator"
	KindProcessor Kind = "processor"
	KindFormatter Kind = "formatter"
	KindAnalyzer  Kind = "analyzer"
	KindHook      Kind = "hook"
)

// Context is the invocation context handed to each plugin. The
// pipeline owns it; plugins must treat it as read-only and express
// mutations through their Result.
type Context struct {
	Path     string
	Content  string
	Original string
	Metadata map[string]any
	Stage    Stage
	AgentID  string
}

// Result is a plugin's verdict over one invocation.
type Result struct {
	Success bool
	// Err explains a failure; ignored when Success is true.
	Err string
	// Warnings are always propagated to the caller, never promoted to
	// errors.
	Warnings []string
	// Content, when non-nil, replaces the content seen by subsequent
	// plugins and becomes the pipeline's emitted content.
	Content *string
	// Metadata is shallow-merged into the shadow context.
	Metadata map[string]any
	// SkipRemaining short-circuits the rest of the chain.
	SkipRemaining bool
}

// Plugin is the narrow capability the pipeline dispatches through.
type Plugin interface {
	ID() string
	Kind() Kind
	Stages() []Stage
	// Patterns returns regexes over the normalized path; an empty list
	// applies the plugin to all paths.
	Patterns() []string
	Enabled() bool
	SetEnabled(bool)
	Execute(ctx context.Context, pc *Context) Result
}

// Base carries the declarative half of a plugin. Concrete plugins
// embed it and implement Execute.
type Base struct {
	id       string
	kind     Kind
	stages   []Stage
	patterns []string
	enabled  atomic.Bool
}

// NewBase constructs the shared plugin descriptor, enabled by default.
func NewBase(id string, kind Kind, stages []Stage, patterns []string) Base {
	b := Base{id: id, kind: kind, stages: stages, patterns: patterns}
	b.enabled.Store(true)
	return b
}

func (b *Base) ID() string         { return b.id }
func (b *Base) Kind() Kind         { return b.kind }
func (b *Base) Stages() []Stage    { return b.stages }
func (b *Base) Patterns() []string { return b.patterns }
func (b *Base) Enabled() bool      { return b.enabled.Load() }
func (b *Base) SetEnabled(v bool)  { b.enabled.Store(v) }
