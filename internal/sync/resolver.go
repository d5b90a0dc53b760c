package sync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/whiteshadow-gr/Hospify-sub000/internal/hat"
	"github.com/whiteshadow-gr/Hospify-sub000/internal/logging"
	"github.com/whiteshadow-gr/Hospify-sub000/pkg/models"
)

// SchemaClient is the part of the HAT API used to resolve a table.
type SchemaClient interface {
	LookupTable(ctx context.Context, token, name, source string) (*hat.Table, error)
	GetTable(ctx context.Context, token string, tableID int64) (*hat.Table, error)
	CreateTable(ctx context.Context, token string, def hat.TableDefinition) error
}

// Resolver maps a named remote table onto a SchemaDescriptor, creating the
// table when the HAT does not have it yet.
//
// A descriptor is cached once every sample field is resolved and kept until
// Invalidate is called. Resolver is not safe for concurrent use; the Syncer
// runs at most one cycle at a time.
type Resolver struct {
	client     SchemaClient
	sourceName string
	source     string
	fields     []string
	logger     *zap.Logger

	cached *models.SchemaDescriptor
}

// NewResolver creates a resolver for the sourceName/source table.
func NewResolver(client SchemaClient, sourceName, source string, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		client:     client,
		sourceName: sourceName,
		source:     source,
		fields:     models.SampleFields,
		logger:     logger.Named("resolver"),
	}
}

// Cached returns the cached descriptor, or nil when unresolved.
func (r *Resolver) Cached() *models.SchemaDescriptor {
	return r.cached
}

// Invalidate discards the cached descriptor; the next Resolve starts over.
func (r *Resolver) Invalidate() {
	if r.cached != nil {
		r.logger.Info("Discarding cached schema", zap.Int64("table_id", r.cached.TableID))
	}
	r.cached = nil
}

// Resolve returns the descriptor for the table.
//
// Lookup 404 leads to a single create followed by a second lookup. Any other
// lookup failure fails with KindSchemaLookupFailed and never creates. The
// returned descriptor may be incomplete when the table lacks some fields;
// incomplete descriptors are not cached.
func (r *Resolver) Resolve(ctx context.Context, token string) (*models.SchemaDescriptor, error) {
	if r.cached != nil {
		return r.cached, nil
	}

	table, err := r.probe(ctx, token)
	if errors.Is(err, hat.ErrTableNotFound) {
		if err := r.create(ctx, token); err != nil {
			return nil, err
		}
		table, err = r.probe(ctx, token)
		if errors.Is(err, hat.ErrTableNotFound) {
			return nil, newError(KindSchemaLookupFailed, "lookup table",
				fmt.Errorf("table %s/%s still missing after create: %w", r.sourceName, r.source, err))
		}
	}
	if err != nil {
		return nil, err
	}

	desc := r.describe(table)
	if !desc.Complete() {
		// the probe body may omit fields; ask for the table's field list
		fetched, err := r.client.GetTable(ctx, token, table.ID)
		if err != nil {
			return nil, r.classify(KindSchemaLookupFailed, "get table fields", err)
		}
		fetched.ID = table.ID
		desc = r.describe(fetched)
	}

	if missing := desc.Missing(r.fields); len(missing) > 0 {
		r.logger.Warn("Remote table is missing fields",
			zap.Int64("table_id", desc.TableID),
			zap.Strings("missing", missing))
		return desc, nil
	}

	r.logger.Info("Resolved schema",
		zap.String("name", r.sourceName),
		zap.String("source", r.source),
		zap.Int64("table_id", desc.TableID))
	r.cached = desc
	return desc, nil
}

func (r *Resolver) probe(ctx context.Context, token string) (*hat.Table, error) {
	table, err := r.client.LookupTable(ctx, token, r.sourceName, r.source)
	if err == nil {
		return table, nil
	}
	if errors.Is(err, hat.ErrTableNotFound) {
		r.logger.Info("Remote table not found",
			zap.String("name", r.sourceName),
			zap.String("source", r.source))
		return nil, err
	}
	return nil, r.classify(KindSchemaLookupFailed, "lookup table", err)
}

func (r *Resolver) create(ctx context.Context, token string) error {
	def := hat.TableDefinition{
		Name:   r.sourceName,
		Source: r.source,
		Fields: make([]hat.Field, 0, len(r.fields)),
	}
	for _, key := range r.fields {
		def.Fields = append(def.Fields, hat.Field{Name: key})
	}

	if err := r.client.CreateTable(ctx, token, def); err != nil {
		return r.classify(KindSchemaCreateFailed, "create table", err)
	}
	return nil
}

// classify maps a rejected token onto KindAuthRequired, everything else onto kind.
func (r *Resolver) classify(kind Kind, step string, err error) error {
	if errors.Is(err, hat.ErrUnauthorized) {
		kind = KindAuthRequired
	}
	r.logger.Warn("Schema step failed",
		zap.String("step", step),
		zap.Stringer("kind", kind),
		logging.Error(err))
	return newError(kind, step, err)
}

func (r *Resolver) describe(table *hat.Table) *models.SchemaDescriptor {
	byName := make(map[string]hat.Field, len(table.Fields))
	for _, f := range table.Fields {
		byName[f.Name] = f
	}

	desc := &models.SchemaDescriptor{
		SourceName: r.sourceName,
		Source:     r.source,
		TableID:    table.ID,
		Fields:     make([]models.SchemaField, 0, len(r.fields)),
	}
	for _, key := range r.fields {
		field := models.SchemaField{Key: key}
		if remote, ok := byName[key]; ok && remote.ID != 0 {
			field.RemoteID = remote.ID
			field.RemoteName = remote.Name
			field.Resolved = true
		}
		desc.Fields = append(desc.Fields, field)
	}
	return desc
}
