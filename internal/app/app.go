// Package app wires configured backends into a registry and adapter
// set. Both binaries (API server and worker) build the same pipeline
// from the same config sections.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"crossquery.app/conductor/common/llm"
	"crossquery.app/conductor/core/config"
	"crossquery.app/conductor/internal/adapter"
	"crossquery.app/conductor/internal/adapter/arango"
	"crossquery.app/conductor/internal/adapter/gitlabissues"
	"crossquery.app/conductor/internal/adapter/postgres"
	"crossquery.app/conductor/internal/adapter/typesensesearch"
	"crossquery.app/conductor/internal/execute"
	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/registry"
)

// Well-known source ids. Each maps to one config section.
const (
	SourceWarehouse = "warehouse"
	SourceDocuments = "documents"
	SourceSearch    = "search"
	SourceIssues    = "issues"
)

// Backends holds everything built from the enabled config sections.
type Backends struct {
	Registry *registry.Registry
	Adapters adapter.Set

	warehousePool *pgxpool.Pool
}

// Build constructs adapters for every enabled source section and
// registers them. At least one source must be enabled.
func Build(ctx context.Context, cfg config.Config, translator llm.Client) (*Backends, error) {
	b := &Backends{Adapters: make(adapter.Set)}
	var sources []model.Source

	if cfg.Warehouse.Enabled() {
		pool, err := pgxpool.New(ctx, cfg.Warehouse.DSN)
		if err != nil {
			return nil, fmt.Errorf("connecting to warehouse: %w", err)
		}
		b.warehousePool = pool
		b.Adapters[SourceWarehouse] = postgres.New(SourceWarehouse, pool, translator, cfg.Warehouse.SchemaSummary)
		sources = append(sources, model.Source{
			ID:            SourceWarehouse,
			Kind:          model.SourceKindRelational,
			URI:           cfg.Warehouse.DSN,
			SchemaSummary: cfg.Warehouse.SchemaSummary,
			Caps: []model.Capability{
				model.CapTranslateNL,
				model.CapIntrospect,
				model.CapStreamingResults,
				model.CapExplain,
			},
		})
	}

	if cfg.ArangoDB.Enabled() {
		a, err := arango.New(ctx, SourceDocuments, arango.Config{
			URL:      cfg.ArangoDB.URL,
			Username: cfg.ArangoDB.Username,
			Password: cfg.ArangoDB.Password,
			Database: cfg.ArangoDB.Database,
		}, translator, cfg.ArangoDB.SchemaSummary)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("building arangodb adapter: %w", err)
		}
		b.Adapters[SourceDocuments] = a
		sources = append(sources, model.Source{
			ID:            SourceDocuments,
			Kind:          model.SourceKindDocument,
			URI:           cfg.ArangoDB.URL,
			SchemaSummary: cfg.ArangoDB.SchemaSummary,
			Caps: []model.Capability{
				model.CapTranslateNL,
				model.CapIntrospect,
			},
		})
	}

	if cfg.Typesense.Enabled() {
		var collections []string
		if cfg.Typesense.Collections != "" {
			for _, col := range strings.Split(cfg.Typesense.Collections, ",") {
				if col = strings.TrimSpace(col); col != "" {
					collections = append(collections, col)
				}
			}
		}
		b.Adapters[SourceSearch] = typesensesearch.New(
			SourceSearch, cfg.Typesense.URL, cfg.Typesense.APIKey,
			collections, translator, cfg.Typesense.SchemaSummary)
		sources = append(sources, model.Source{
			ID:            SourceSearch,
			Kind:          model.SourceKindVector,
			URI:           cfg.Typesense.URL,
			SchemaSummary: cfg.Typesense.SchemaSummary,
			Caps: []model.Capability{
				model.CapTranslateNL,
				model.CapIntrospect,
				model.CapVectorSearch,
			},
		})
	}

	if cfg.GitLab.Enabled() {
		a, err := gitlabissues.New(SourceIssues, cfg.GitLab.Token, cfg.GitLab.BaseURL, translator, cfg.GitLab.SchemaSummary)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("building gitlab adapter: %w", err)
		}
		b.Adapters[SourceIssues] = a
		uri := cfg.GitLab.BaseURL
		if uri == "" {
			uri = "https://gitlab.com"
		}
		sources = append(sources, model.Source{
			ID:            SourceIssues,
			Kind:          model.SourceKindMessagingAPI,
			URI:           uri,
			SchemaSummary: cfg.GitLab.SchemaSummary,
			Caps: []model.Capability{
				model.CapTranslateNL,
				model.CapIntrospect,
			},
		})
	}

	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources configured; enable at least one backend section")
	}

	reg, err := registry.New(sources)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("building registry: %w", err)
	}
	b.Registry = reg

	return b, nil
}

func (b *Backends) Close() {
	if b.warehousePool != nil {
		b.warehousePool.Close()
	}
}

// ExecOptions maps the orchestrator config section onto executor options.
func ExecOptions(cfg config.OrchestratorConfig) execute.Options {
	return execute.Options{
		MaxParallelism: cfg.MaxParallelism,
		PerSourceRate:  cfg.PerSourceLimit,
		MaxAttempts:    cfg.MaxAttempts,
		OpTimeout:      cfg.OpTimeout,
		GracePeriod:    cfg.GracePeriod,
	}
}
