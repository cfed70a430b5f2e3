// Package weaviate implements [store.TargetStore] on the official Weaviate
// client. All access goes through the batch, data and GraphQL APIs; the
// migration engine never constructs GraphQL itself.
package weaviate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
	wmodels "github.com/weaviate/weaviate/entities/models"

	"github.com/talkbase/weavemigrate/pkg/models"
	"github.com/talkbase/weavemigrate/pkg/store"
)

// Config holds the connection parameters for the Weaviate instance.
type Config struct {
	Host   string // host:port, e.g. "localhost:8080"
	Scheme string // "http" or "https"
	APIKey string // optional bearer key
}

// Store is the Weaviate-backed target store.
type Store struct {
	client *weaviate.Client
}

// Open builds a client. Connectivity is not verified here; every phase that
// needs the instance calls Ping first, and a dry run never does.
func Open(cfg Config) (*Store, error) {
	wcfg := weaviate.Config{
		Host:   cfg.Host,
		Scheme: cfg.Scheme,
	}
	if cfg.APIKey != "" {
		wcfg.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}

	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, &store.ConnectionError{Store: "weaviate", Err: err}
	}
	return &Store{client: client}, nil
}

// Ping verifies the instance reports ready.
func (s *Store) Ping(ctx context.Context) error {
	ready, err := s.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return &store.ConnectionError{Store: "weaviate", Err: err}
	}
	if !ready {
		return &store.ConnectionError{Store: "weaviate", Err: errors.New("instance not ready")}
	}
	return nil
}

// EnsureSchema creates the classes the migration writes into when they do
// not exist yet. Property definitions are left to Weaviate's auto-schema;
// vectorization is disabled because migrated records carry no vectors.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, entity := range models.AllEntityTypes {
		class := entity.Class()
		exists, err := s.client.Schema().ClassExistenceChecker().WithClassName(class).Do(ctx)
		if err != nil {
			return &store.ConnectionError{Store: "weaviate", Err: err}
		}
		if exists {
			continue
		}
		err = s.client.Schema().ClassCreator().WithClass(&wmodels.Class{
			Class:      class,
			Vectorizer: "none",
		}).Do(ctx)
		if err != nil {
			return fmt.Errorf("failed to create class %s: %w", class, err)
		}
	}
	return nil
}

// BulkInsert loads a batch of objects in a single call. Weaviate's batch API
// has upsert semantics for objects with explicit IDs, so re-inserting an
// already-migrated record overwrites it instead of duplicating it.
func (s *Store) BulkInsert(ctx context.Context, class string, objs []store.Object) error {
	if len(objs) == 0 {
		return nil
	}

	batch := make([]*wmodels.Object, 0, len(objs))
	for _, o := range objs {
		batch = append(batch, &wmodels.Object{
			Class:      class,
			ID:         strfmt.UUID(o.ID),
			Properties: o.Properties,
		})
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(batch...).Do(ctx)
	if err != nil {
		return fmt.Errorf("batch insert into %s failed: %w", class, err)
	}

	// The batch call can succeed while individual objects fail; surface the
	// first per-object error so the caller can retry the whole batch.
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return fmt.Errorf("batch insert into %s rejected object %s: %s",
				class, r.ID, r.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// PutObject creates or replaces a single object. Implemented as a
// single-object batch to get upsert semantics.
func (s *Store) PutObject(ctx context.Context, class string, obj store.Object) error {
	return s.BulkInsert(ctx, class, []store.Object{obj})
}

// FetchByID returns the property map of the object, or (nil, nil) when the
// object does not exist.
func (s *Store) FetchByID(ctx context.Context, class, id string) (map[string]any, error) {
	objs, err := s.client.Data().ObjectsGetter().
		WithClassName(class).
		WithID(id).
		Do(ctx)
	if err != nil {
		var clientErr *fault.WeaviateClientError
		if errors.As(err, &clientErr) && clientErr.StatusCode == 404 {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch %s/%s: %w", class, id, err)
	}
	if len(objs) == 0 || objs[0] == nil {
		return nil, nil
	}

	props, ok := objs[0].Properties.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected property shape for %s/%s: %T", class, id, objs[0].Properties)
	}
	return props, nil
}

// Count returns the number of objects in the class via a meta aggregation.
func (s *Store) Count(ctx context.Context, class string) (int64, error) {
	meta := graphql.Field{
		Name:   "meta",
		Fields: []graphql.Field{{Name: "count"}},
	}
	resp, err := s.client.GraphQL().Aggregate().
		WithClassName(class).
		WithFields(meta).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to aggregate %s: %w", class, err)
	}
	if err := graphqlErr(resp); err != nil {
		return 0, fmt.Errorf("failed to aggregate %s: %w", class, err)
	}

	rows, err := classRows(resp, "Aggregate", class)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	m, _ := rows[0].(map[string]any)
	metaMap, _ := m["meta"].(map[string]any)
	count, ok := metaMap["count"].(float64)
	if !ok {
		return 0, fmt.Errorf("unexpected aggregate shape for %s", class)
	}
	return int64(count), nil
}

// Query returns up to limit property maps with the requested fields.
func (s *Store) Query(ctx context.Context, class string, fields []string, limit int) ([]map[string]any, error) {
	return s.get(ctx, class, fields, limit, nil)
}

// QueryModifiedSince returns objects whose migrationTimestamp is at or after
// since.
func (s *Store) QueryModifiedSince(ctx context.Context, class string, since time.Time, fields []string) ([]map[string]any, error) {
	where := filters.Where().
		WithPath([]string{"migrationTimestamp"}).
		WithOperator(filters.GreaterThanEqual).
		WithValueDate(since)
	return s.get(ctx, class, fields, 0, where)
}

func (s *Store) get(ctx context.Context, class string, fields []string, limit int, where *filters.WhereBuilder) ([]map[string]any, error) {
	gfields := make([]graphql.Field, 0, len(fields))
	for _, f := range fields {
		gfields = append(gfields, graphql.Field{Name: f})
	}

	q := s.client.GraphQL().Get().WithClassName(class).WithFields(gfields...)
	if limit > 0 {
		q = q.WithLimit(limit)
	}
	if where != nil {
		q = q.WithWhere(where)
	}

	resp, err := q.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", class, err)
	}
	if err := graphqlErr(resp); err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", class, err)
	}

	rows, err := classRows(resp, "Get", class)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if m, ok := row.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// DeleteMigrated batch-deletes every object stamped migratedFromSource=true.
// Batch deletes are capped per call, so it loops until the class is clean.
func (s *Store) DeleteMigrated(ctx context.Context, class string) (int64, error) {
	where := filters.Where().
		WithPath([]string{"migratedFromSource"}).
		WithOperator(filters.Equal).
		WithValueBoolean(true)

	var total int64
	for {
		resp, err := s.client.Batch().ObjectsBatchDeleter().
			WithClassName(class).
			WithWhere(where).
			WithOutput("minimal").
			Do(ctx)
		if err != nil {
			return total, fmt.Errorf("failed to delete migrated %s objects: %w", class, err)
		}
		if resp == nil || resp.Results == nil || resp.Results.Successful == 0 {
			return total, nil
		}
		total += resp.Results.Successful
		if resp.Results.Matches <= resp.Results.Successful {
			return total, nil
		}
	}
}

// Close is a no-op; the underlying client is stateless HTTP.
func (s *Store) Close() error { return nil }

func graphqlErr(resp *wmodels.GraphQLResponse) error {
	if resp == nil {
		return errors.New("empty graphql response")
	}
	if len(resp.Errors) > 0 {
		return errors.New(resp.Errors[0].Message)
	}
	return nil
}

// classRows digs the per-class result list out of a GraphQL response of the
// form {Data: {<root>: {<class>: [...]}}}.
func classRows(resp *wmodels.GraphQLResponse, root, class string) ([]any, error) {
	rootAny, ok := resp.Data[root]
	if !ok {
		return nil, fmt.Errorf("graphql response missing %s root", root)
	}
	rootMap, ok := rootAny.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected graphql %s shape: %T", root, rootAny)
	}
	rows, ok := rootMap[class].([]any)
	if !ok {
		// A class with no objects can come back as null.
		return nil, nil
	}
	return rows, nil
}
