// Package mongo hosts the MongoDB-backed visibility store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/cascade"
	"goa.design/cascade/engine/visibility"
)

const (
	defaultRunsCollection = "workflow_runs"
	defaultOpTimeout      = 5 * time.Second
	defaultListLimit      = 100
	visibilityClientName  = "visibility-mongo"
)

// Options configures the Mongo visibility store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements visibility.Store backed by a MongoDB collection.
type Store struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Store backed by MongoDB. It creates the collection indexes
// before returning.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultRunsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newStoreWithCollection(opts.Client, wrapper, timeout)
}

func newStoreWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*Store, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

// Name implements visibility.Store.
func (s *Store) Name() string {
	return visibilityClientName
}

// Ping implements visibility.Store.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Upsert implements visibility.Store.
func (s *Store) Upsert(ctx context.Context, rec visibility.Record) error {
	if rec.RunID == "" {
		return errors.New("run id is required")
	}
	if rec.WorkflowID == "" {
		return errors.New("workflow id is required")
	}
	doc := fromRecord(rec)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"run_id": rec.RunID}
	update := bson.M{
		"$set": doc,
		"$setOnInsert": bson.M{
			"start_time": doc.StartTime,
		},
	}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// Get implements visibility.Store.
func (s *Store) Get(ctx context.Context, runID string) (visibility.Record, error) {
	if runID == "" {
		return visibility.Record{}, errors.New("run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := s.coll.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return visibility.Record{}, visibility.ErrNotFound
		}
		return visibility.Record{}, err
	}
	return doc.toRecord(), nil
}

// GetOpenByWorkflowID implements visibility.Store.
func (s *Store) GetOpenByWorkflowID(ctx context.Context, workflowID string) (visibility.Record, error) {
	if workflowID == "" {
		return visibility.Record{}, errors.New("workflow id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"workflow_id": workflowID, "status": "Running"}
	var doc runDocument
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return visibility.Record{}, visibility.ErrNotFound
		}
		return visibility.Record{}, err
	}
	return doc.toRecord(), nil
}

// List implements visibility.Store.
func (s *Store) List(ctx context.Context, f visibility.Filter, limit int) ([]visibility.Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	filter := bson.M{}
	if f.WorkflowIDPrefix != "" {
		filter["workflow_id"] = bson.M{"$regex": "^" + escapeRegex(f.WorkflowIDPrefix)}
	}
	if f.WorkflowType != "" {
		filter["workflow_type"] = f.WorkflowType
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.OnlyOpen {
		filter["status"] = "Running"
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().
		SetSort(bson.D{{Key: "start_time", Value: -1}, {Key: "run_id", Value: 1}}).
		SetLimit(int64(limit))
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var recs []visibility.Record
	for cur.Next(ctx) {
		var doc runDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		recs = append(recs, doc.toRecord())
	}
	return recs, cur.Err()
}

// Delete implements visibility.Store.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.DeleteOne(ctx, bson.M{"run_id": runID})
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// escapeRegex quotes regex metacharacters so workflow id prefixes match
// literally.
func escapeRegex(s string) string {
	const meta = `\.+*?()|[]{}^$`
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		for j := 0; j < len(meta); j++ {
			if s[i] == meta[j] {
				out = append(out, '\\')
				break
			}
		}
		out = append(out, s[i])
	}
	return string(out)
}

type runDocument struct {
	RunID              string                     `bson:"run_id"`
	WorkflowID         string                     `bson:"workflow_id"`
	WorkflowType       string                     `bson:"workflow_type"`
	TaskQueue          string                     `bson:"task_queue"`
	Status             string                     `bson:"status"`
	StartTime          time.Time                  `bson:"start_time"`
	CloseTime          time.Time                  `bson:"close_time,omitempty"`
	HistoryLength      int64                      `bson:"history_length"`
	ContinuedFromRunID string                     `bson:"continued_from_run_id,omitempty"`
	Stuck              bool                       `bson:"stuck,omitempty"`
	Memo               map[string]cascade.Payload `bson:"memo,omitempty"`
	SearchAttributes   map[string]cascade.Payload `bson:"search_attributes,omitempty"`
}

func fromRecord(rec visibility.Record) runDocument {
	return runDocument{
		RunID:              rec.RunID,
		WorkflowID:         rec.WorkflowID,
		WorkflowType:       rec.WorkflowType,
		TaskQueue:          rec.TaskQueue,
		Status:             rec.Status,
		StartTime:          rec.StartTime.UTC(),
		CloseTime:          rec.CloseTime.UTC(),
		HistoryLength:      rec.HistoryLength,
		ContinuedFromRunID: rec.ContinuedFromRunID,
		Stuck:              rec.Stuck,
		Memo:               clonePayloads(rec.Memo),
		SearchAttributes:   clonePayloads(rec.SearchAttributes),
	}
}

func (doc runDocument) toRecord() visibility.Record {
	return visibility.Record{
		RunID:              doc.RunID,
		WorkflowID:         doc.WorkflowID,
		WorkflowType:       doc.WorkflowType,
		TaskQueue:          doc.TaskQueue,
		Status:             doc.Status,
		StartTime:          doc.StartTime,
		CloseTime:          doc.CloseTime,
		HistoryLength:      doc.HistoryLength,
		ContinuedFromRunID: doc.ContinuedFromRunID,
		Stuck:              doc.Stuck,
		Memo:               clonePayloads(doc.Memo),
		SearchAttributes:   clonePayloads(doc.SearchAttributes),
	}
}

func clonePayloads(src map[string]cascade.Payload) map[string]cascade.Payload {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]cascade.Payload, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func ensureIndexes(ctx context.Context, coll collection) error {
	indexes := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "status", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "start_time", Value: -1}},
		},
	}
	for _, index := range indexes {
		if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
			return err
		}
	}
	return nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	return c.coll.Find(ctx, filter, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
