package mongo

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"goa.design/cascade/engine/visibility"
)

func TestEnsureIndexes(t *testing.T) {
	fc := newFakeCollection()
	err := ensureIndexes(context.Background(), fc)
	require.NoError(t, err)
	require.Equal(t, 3, fc.indexesCreated)
}

func TestUpsertAndGet(t *testing.T) {
	store := mustNewTestStore()
	rec := visibility.Record{
		RunID:        "run-1",
		WorkflowID:   "order-42",
		WorkflowType: "order-fulfillment",
		TaskQueue:    "orders",
		Status:       "Running",
		StartTime:    time.Now().UTC(),
	}
	require.NoError(t, store.Upsert(context.Background(), rec))

	stored, err := store.Get(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, rec.RunID, stored.RunID)
	require.Equal(t, rec.WorkflowID, stored.WorkflowID)
	require.Equal(t, rec.WorkflowType, stored.WorkflowType)
	require.Equal(t, "Running", stored.Status)

	rec.Status = "Completed"
	rec.CloseTime = time.Now().UTC()
	require.NoError(t, store.Upsert(context.Background(), rec))
	updated, err := store.Get(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, "Completed", updated.Status)
	require.False(t, updated.CloseTime.IsZero())
}

func TestUpsertValidation(t *testing.T) {
	store := mustNewTestStore()
	err := store.Upsert(context.Background(), visibility.Record{WorkflowID: "wf"})
	require.EqualError(t, err, "run id is required")
	err = store.Upsert(context.Background(), visibility.Record{RunID: "run"})
	require.EqualError(t, err, "workflow id is required")
}

func TestGetMissing(t *testing.T) {
	store := mustNewTestStore()
	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, visibility.ErrNotFound)
}

func TestGetOpenByWorkflowID(t *testing.T) {
	store := mustNewTestStore()
	closed := visibility.Record{
		RunID: "run-1", WorkflowID: "order-42", Status: "Completed",
		StartTime: time.Now().Add(-time.Hour),
	}
	open := visibility.Record{
		RunID: "run-2", WorkflowID: "order-42", Status: "Running",
		StartTime: time.Now(),
	}
	require.NoError(t, store.Upsert(context.Background(), closed))
	require.NoError(t, store.Upsert(context.Background(), open))

	got, err := store.GetOpenByWorkflowID(context.Background(), "order-42")
	require.NoError(t, err)
	require.Equal(t, "run-2", got.RunID)

	_, err = store.GetOpenByWorkflowID(context.Background(), "unknown")
	require.ErrorIs(t, err, visibility.ErrNotFound)
}

func TestListFiltersAndSorts(t *testing.T) {
	store := mustNewTestStore()
	base := time.Now().UTC()
	for i, rec := range []visibility.Record{
		{RunID: "run-a", WorkflowID: "order-1", WorkflowType: "order", Status: "Running"},
		{RunID: "run-b", WorkflowID: "order-2", WorkflowType: "order", Status: "Completed"},
		{RunID: "run-c", WorkflowID: "billing-1", WorkflowType: "billing", Status: "Running"},
	} {
		rec.StartTime = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Upsert(context.Background(), rec))
	}

	recs, err := store.List(context.Background(), visibility.Filter{WorkflowType: "order"}, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "run-b", recs[0].RunID) // most recent start first

	recs, err = store.List(context.Background(), visibility.Filter{OnlyOpen: true}, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	recs, err = store.List(context.Background(), visibility.Filter{WorkflowIDPrefix: "order-"}, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestDelete(t *testing.T) {
	store := mustNewTestStore()
	rec := visibility.Record{RunID: "run-1", WorkflowID: "wf", Status: "Completed", StartTime: time.Now()}
	require.NoError(t, store.Upsert(context.Background(), rec))
	require.NoError(t, store.Delete(context.Background(), "run-1"))
	_, err := store.Get(context.Background(), "run-1")
	require.ErrorIs(t, err, visibility.ErrNotFound)
}

func mustNewTestStore() *Store {
	fc := newFakeCollection()
	st, err := newStoreWithCollection(nil, fc, time.Second)
	if err != nil {
		panic(err)
	}
	return st
}

type fakeCollection struct {
	mu             sync.Mutex
	indexesCreated int
	docs           map[string]runDocument
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]runDocument)}
}

func (c *fakeCollection) matchLocked(filter bson.M) []runDocument {
	var out []runDocument
	for _, doc := range c.docs {
		if runID, ok := filter["run_id"].(string); ok && doc.RunID != runID {
			continue
		}
		if wfID, ok := filter["workflow_id"].(string); ok && doc.WorkflowID != wfID {
			continue
		}
		if re, ok := filter["workflow_id"].(bson.M); ok {
			prefix := strings.TrimPrefix(re["$regex"].(string), "^")
			if !strings.HasPrefix(doc.WorkflowID, prefix) {
				continue
			}
		}
		if wt, ok := filter["workflow_type"].(string); ok && doc.WorkflowType != wt {
			continue
		}
		if st, ok := filter["status"].(string); ok && doc.Status != st {
			continue
		}
		out = append(out, doc)
	}
	return out
}

func (c *fakeCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	matched := c.matchLocked(filter.(bson.M))
	if len(matched) == 0 {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	doc := matched[0]
	return fakeSingleResult{doc: &doc}
}

func (c *fakeCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	c.mu.Lock()
	matched := c.matchLocked(filter.(bson.M))
	c.mu.Unlock()
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StartTime.Equal(matched[j].StartTime) {
			return matched[i].RunID < matched[j].RunID
		}
		return matched[i].StartTime.After(matched[j].StartTime)
	})
	if len(opts) > 0 && opts[0].Limit != nil && int64(len(matched)) > *opts[0].Limit {
		matched = matched[:*opts[0].Limit]
	}
	return &fakeCursor{docs: matched, pos: -1}, nil
}

func (c *fakeCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	runID := filter.(bson.M)["run_id"].(string)
	doc, existed := c.docs[runID]
	up := update.(bson.M)
	if set, ok := up["$set"].(runDocument); ok {
		start := doc.StartTime
		doc = set
		if existed {
			doc.StartTime = start
		}
	}
	if soi, ok := up["$setOnInsert"].(bson.M); ok && !existed {
		if ts, ok := soi["start_time"].(time.Time); ok {
			doc.StartTime = ts
		}
	}
	c.docs[runID] = doc
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeCollection) DeleteOne(ctx context.Context, filter any,
	opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	runID := filter.(bson.M)["run_id"].(string)
	if _, ok := c.docs[runID]; !ok {
		return &mongodriver.DeleteResult{}, nil
	}
	delete(c.docs, runID)
	return &mongodriver.DeleteResult{DeletedCount: 1}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{parent: c}
}

type fakeIndexView struct {
	parent *fakeCollection
}

func (v fakeIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	if len(model.Keys.(bson.D)) == 0 {
		return "", errors.New("missing keys")
	}
	v.parent.indexesCreated++
	return "idx", nil
}

type fakeSingleResult struct {
	doc *runDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	target, ok := val.(*runDocument)
	if !ok {
		return errors.New("unsupported target")
	}
	*target = *r.doc
	return nil
}

type fakeCursor struct {
	docs []runDocument
	pos  int
}

func (c *fakeCursor) Next(ctx context.Context) bool {
	c.pos++
	return c.pos < len(c.docs)
}

func (c *fakeCursor) Decode(val any) error {
	target, ok := val.(*runDocument)
	if !ok {
		return errors.New("unsupported target")
	}
	*target = c.docs[c.pos]
	return nil
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Close(ctx context.Context) error { return nil }
