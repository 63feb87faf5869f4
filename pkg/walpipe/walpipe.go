// Package walpipe is the public entry point: construct a Config, implement
// Sink, and call New to get a Pipeline that replicates a PostgreSQL
// database's changes into it.
package walpipe

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"walpipe/internal/config"
	"walpipe/internal/metrics"
	"walpipe/internal/pipeline"
	"walpipe/internal/source"
)

// Re-exported so callers only need to import this one package.
type (
	Config             = config.Config
	PipelineAction     = config.PipelineAction
	UnknownTypesPolicy = config.UnknownTypesPolicy
	TLSMode            = config.TLSMode

	Sink            = pipeline.Sink
	ResumptionState = pipeline.ResumptionState
	TableState      = pipeline.TableState
	TableStatus     = pipeline.TableStatus
	RowOp           = pipeline.RowOp
)

const (
	ActionBoth         = config.ActionBoth
	ActionBackfillOnly = config.ActionBackfillOnly
	ActionCDCOnly      = config.ActionCDCOnly

	UnknownTypesError = config.UnknownTypesError
	UnknownTypesBytes = config.UnknownTypesBytes

	TableNotStarted = pipeline.TableNotStarted
	TableCopying    = pipeline.TableCopying
	TableCopied     = pipeline.TableCopied

	OpInsert = pipeline.OpInsert
	OpUpdate = pipeline.OpUpdate
	OpDelete = pipeline.OpDelete
)

// DefaultConfig returns safe local-prototyping defaults; callers normally
// start from config.Load() instead (see cmd/walpipe-demo).
func DefaultConfig() Config { return config.DefaultConfig() }

// Pipeline is a constructed, ready-to-run replication session.
type Pipeline struct {
	src *source.Source
	eng *pipeline.Engine
}

// New builds the source (catalog pool, replication client, schema cache,
// value decoder) and the engine that will drive it against sink.
func New(ctx context.Context, cfg Config, sink Sink, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := metrics.GlobalMetrics

	src, err := source.New(ctx, cfg, logger, m)
	if err != nil {
		return nil, fmt.Errorf("build source: %w", err)
	}
	eng := pipeline.New(src, sink, cfg, logger, m)
	return &Pipeline{src: src, eng: eng}, nil
}

// Run executes the pipeline until ctx is cancelled or a fatal error occurs.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.src.Close()
	return p.eng.Run(ctx)
}

// State reports the engine's current phase and LSN watermarks, suitable
// for a health endpoint.
func (p *Pipeline) State() pipeline.State {
	return p.eng.State()
}
