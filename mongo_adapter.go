package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/event"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// MongoAdapter fronts a pooled MongoDB client. Every operation returns an
// OperationResult; none of them panic or return bare driver errors.
//
// The adapter never dials on construction. Call Connect first.
type MongoAdapter struct {
	cfg  MongoConfig
	core *adapterCore

	connectMu sync.Mutex // serializes Connect and Disconnect

	mu     sync.RWMutex
	client *mongo.Client
	db     *mongo.Database
}

// FindOptions shapes Find and FindOne. Sort and Projection accept any
// BSON-marshalable document, usually bson.D.
type FindOptions struct {
	Sort       any
	Projection any
	Limit      int64
	Skip       int64
}

// UpdateOptions shapes the update and replace operations.
type UpdateOptions struct {
	Upsert bool
}

// UpdateResult reports the outcome of an update or replace.
type UpdateResult struct {
	MatchedCount  int64  `json:"matchedCount"`
	ModifiedCount int64  `json:"modifiedCount"`
	UpsertedCount int64  `json:"upsertedCount"`
	UpsertedID    string `json:"upsertedId,omitempty"`
}

// IndexKey is one field of an index. Order is 1 or -1; Type names a special
// index kind ("text", "2dsphere", "hashed") and overrides Order.
type IndexKey struct {
	Field string `json:"field"`
	Order int    `json:"order,omitempty"`
	Type  string `json:"type,omitempty"`
}

// IndexSpec describes an index to create.
type IndexSpec struct {
	Keys   []IndexKey
	Name   string
	Unique bool
	Sparse bool
	TTL    time.Duration
}

// IndexInfo describes an existing index.
type IndexInfo struct {
	Name   string        `json:"name"`
	Keys   []IndexKey    `json:"keys"`
	Unique bool          `json:"unique"`
	Sparse bool          `json:"sparse"`
	TTL    time.Duration `json:"ttl,omitempty"`
}

// NewMongoAdapter validates cfg and builds an adapter in the disconnected
// state.
func NewMongoAdapter(cfg MongoConfig, opts ...Option) (*MongoAdapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	a := &MongoAdapter{cfg: cfg}
	a.core = newAdapterCore(BackendMongo, cfg.OperationTimeout, newSettings(opts))
	a.core.ready = a.hasClient
	return a, nil
}

// Backend returns BackendMongo.
func (a *MongoAdapter) Backend() Backend { return BackendMongo }

func (a *MongoAdapter) hasClient() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client != nil
}

// Client returns the raw driver client, or nil when disconnected.
func (a *MongoAdapter) Client() *mongo.Client {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client
}

// Database returns the configured database handle, or nil when disconnected.
func (a *MongoAdapter) Database() *mongo.Database {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.db
}

// Status returns the current connection status.
func (a *MongoAdapter) Status() ConnectionStatus { return a.core.status.get() }

// IsConnected reports whether the status is connected.
func (a *MongoAdapter) IsConnected() bool { return a.core.status.get() == StatusConnected }

// LastError returns the error recorded with the latest status update.
func (a *MongoAdapter) LastError() error { return a.core.status.err() }

// Connect dials the server and pings the primary, retrying with backoff.
// Calling it while connected is a no-op.
func (a *MongoAdapter) Connect(ctx context.Context) OperationResult[ConnectionStatus] {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	// A live client is connected or reconnecting; the driver handles the latter.
	if a.hasClient() {
		return Ok(a.Status(), "mongodb already connected")
	}

	err := a.core.connectWithRetry(ctx, a.cfg.Retry, a.dial)
	if err != nil {
		return FailWith(StatusError, err, "mongodb connect failed")
	}
	a.core.logger.Info("connected", "database", a.cfg.Database)
	return Ok(StatusConnected, "mongodb connected")
}

func (a *MongoAdapter) dial(ctx context.Context) error {
	opts := options.Client().
		ApplyURI(a.cfg.URI).
		SetConnectTimeout(a.cfg.ConnectTimeout).
		SetServerSelectionTimeout(a.cfg.ServerSelectionTimeout).
		SetServerMonitor(a.serverMonitor())
	if a.cfg.AppName != "" {
		opts.SetAppName(a.cfg.AppName)
	}
	if a.cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(a.cfg.MaxPoolSize)
	}
	if a.cfg.MinPoolSize > 0 {
		opts.SetMinPoolSize(a.cfg.MinPoolSize)
	}

	// mongo.Connect does no I/O; an error here is a bad URI or option.
	client, err := mongo.Connect(opts)
	if err != nil {
		return &BackendError{Backend: BackendMongo, Operation: "Connect", Kind: ErrInvalidConfig, Cause: err}
	}

	pingCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return wrapError(BackendMongo, "Connect", err)
	}

	a.mu.Lock()
	a.client = client
	a.db = client.Database(a.cfg.Database)
	a.mu.Unlock()
	return nil
}

// serverMonitor turns driver heartbeats into status transitions. Events are
// ignored until a client has been installed.
func (a *MongoAdapter) serverMonitor() *event.ServerMonitor {
	return &event.ServerMonitor{
		ServerHeartbeatFailed:    a.onHeartbeatFailed,
		ServerHeartbeatSucceeded: a.onHeartbeatSucceeded,
	}
}

func (a *MongoAdapter) onHeartbeatFailed(e *event.ServerHeartbeatFailedEvent) {
	if !a.hasClient() {
		return
	}
	a.core.status.compareAndSet(StatusConnected, StatusReconnecting, e.Failure)
}

func (a *MongoAdapter) onHeartbeatSucceeded(*event.ServerHeartbeatSucceededEvent) {
	if !a.hasClient() {
		return
	}
	a.core.status.compareAndSet(StatusReconnecting, StatusConnected, nil)
}

// Disconnect stops live change streams and closes the client. Calling it
// while disconnected is a no-op.
func (a *MongoAdapter) Disconnect(ctx context.Context) OperationResult[ConnectionStatus] {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	a.mu.Lock()
	client := a.client
	a.client = nil
	a.db = nil
	a.mu.Unlock()

	if client == nil {
		a.core.status.set(StatusDisconnected, nil)
		return Ok(StatusDisconnected, "mongodb already disconnected")
	}

	a.core.subs.stopAll()

	if err := client.Disconnect(ctx); err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
		err = wrapError(BackendMongo, "Disconnect", err)
		a.core.status.set(StatusError, err)
		return FailWith(StatusError, err, "mongodb disconnect failed")
	}
	a.core.status.set(StatusDisconnected, nil)
	return Ok(StatusDisconnected, "mongodb disconnected")
}

// Health pings the primary and reports latency. A failed ping leaves the
// client in place; the driver keeps monitoring the deployment.
func (a *MongoAdapter) Health(ctx context.Context) OperationResult[BackendHealth] {
	client := a.Client()
	if client == nil {
		h := healthOf(BackendMongo, a.Status(), 0, ErrNotConnected)
		return FailWith(h, newBackendError(BackendMongo, "Health", ErrNotConnected), "mongodb is not connected")
	}

	pingCtx, cancel := context.WithTimeout(ctx, a.cfg.ServerSelectionTimeout)
	defer cancel()

	start := time.Now()
	err := client.Ping(pingCtx, readpref.Primary())
	latency := time.Since(start)
	if err != nil {
		err = wrapError(BackendMongo, "Health", err)
		return FailWith(healthOf(BackendMongo, a.Status(), latency, err), err, "mongodb ping failed")
	}

	a.core.status.compareAndSet(StatusReconnecting, StatusConnected, nil)
	h := healthOf(BackendMongo, a.Status(), latency, nil)
	if !h.Healthy {
		return FailWith(h, newBackendError(BackendMongo, "Health", ErrNotConnected), h.Error)
	}
	return Ok(h, fmt.Sprintf("mongodb ping %s", latency))
}

func (a *MongoAdapter) collection(op, name string) (*mongo.Collection, error) {
	if err := checkName(BackendMongo, op, "collection", name); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.db == nil {
		return nil, newBackendError(BackendMongo, op, ErrNotConnected)
	}
	return a.db.Collection(name), nil
}

func filterOrAll(filter any) any {
	if filter == nil {
		return bson.D{}
	}
	return filter
}

// InsertOne inserts doc and returns its id as a string.
func (a *MongoAdapter) InsertOne(ctx context.Context, coll string, doc any) OperationResult[string] {
	return invoke(ctx, a.core, "InsertOne", coll, func(ctx context.Context) (string, error) {
		c, err := a.collection("InsertOne", coll)
		if err != nil {
			return "", err
		}
		res, err := c.InsertOne(ctx, toMongoDocument(doc))
		if err != nil {
			return "", err
		}
		return idString(res.InsertedID), nil
	})
}

// InsertMany inserts docs in order and returns their ids.
func (a *MongoAdapter) InsertMany(ctx context.Context, coll string, docs []any) OperationResult[[]string] {
	if len(docs) == 0 {
		return failed[[]string](rejectf(BackendMongo, "InsertMany", ErrInvalidData, "no documents to insert"), "InsertMany")
	}
	return invoke(ctx, a.core, "InsertMany", coll, func(ctx context.Context) ([]string, error) {
		c, err := a.collection("InsertMany", coll)
		if err != nil {
			return nil, err
		}
		prepared := make([]any, len(docs))
		for i, d := range docs {
			prepared[i] = toMongoDocument(d)
		}
		res, err := c.InsertMany(ctx, prepared)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(res.InsertedIDs))
		for i, id := range res.InsertedIDs {
			ids[i] = idString(id)
		}
		return ids, nil
	})
}

// FindOne returns the first document matching filter. No match is ErrNotFound.
func (a *MongoAdapter) FindOne(ctx context.Context, coll string, filter any, opts FindOptions) OperationResult[Document] {
	return invoke(ctx, a.core, "FindOne", coll, func(ctx context.Context) (Document, error) {
		c, err := a.collection("FindOne", coll)
		if err != nil {
			return nil, err
		}
		o := options.FindOne()
		if opts.Sort != nil {
			o.SetSort(opts.Sort)
		}
		if opts.Projection != nil {
			o.SetProjection(opts.Projection)
		}
		if opts.Skip > 0 {
			o.SetSkip(opts.Skip)
		}
		var m bson.M
		if err := c.FindOne(ctx, filterOrAll(filter), o).Decode(&m); err != nil {
			return nil, err
		}
		return documentFromBSON(m), nil
	})
}

// FindByID looks a document up by its string id.
func (a *MongoAdapter) FindByID(ctx context.Context, coll, id string) OperationResult[Document] {
	if err := checkName(BackendMongo, "FindByID", "id", id); err != nil {
		return failed[Document](err, "FindByID")
	}
	return a.FindOne(ctx, coll, mongoIDFilter(id), FindOptions{})
}

// Find returns every document matching filter.
func (a *MongoAdapter) Find(ctx context.Context, coll string, filter any, opts FindOptions) OperationResult[[]Document] {
	if opts.Limit < 0 || opts.Skip < 0 {
		return failed[[]Document](rejectf(BackendMongo, "Find", ErrInvalidQuery, "limit and skip must be non-negative"), "Find")
	}
	return invoke(ctx, a.core, "Find", coll, func(ctx context.Context) ([]Document, error) {
		c, err := a.collection("Find", coll)
		if err != nil {
			return nil, err
		}
		o := options.Find()
		if opts.Sort != nil {
			o.SetSort(opts.Sort)
		}
		if opts.Projection != nil {
			o.SetProjection(opts.Projection)
		}
		if opts.Limit > 0 {
			o.SetLimit(opts.Limit)
		}
		if opts.Skip > 0 {
			o.SetSkip(opts.Skip)
		}
		cursor, err := c.Find(ctx, filterOrAll(filter), o)
		if err != nil {
			return nil, err
		}
		var ms []bson.M
		if err := cursor.All(ctx, &ms); err != nil {
			return nil, err
		}
		return documentsFromBSON(ms), nil
	})
}

func toUpdateResult(res *mongo.UpdateResult) UpdateResult {
	out := UpdateResult{
		MatchedCount:  res.MatchedCount,
		ModifiedCount: res.ModifiedCount,
		UpsertedCount: res.UpsertedCount,
	}
	if res.UpsertedID != nil {
		out.UpsertedID = idString(res.UpsertedID)
	}
	return out
}

// UpdateOne applies update to the first document matching filter.
func (a *MongoAdapter) UpdateOne(ctx context.Context, coll string, filter, update any, opts UpdateOptions) OperationResult[UpdateResult] {
	return invoke(ctx, a.core, "UpdateOne", coll, func(ctx context.Context) (UpdateResult, error) {
		c, err := a.collection("UpdateOne", coll)
		if err != nil {
			return UpdateResult{}, err
		}
		res, err := c.UpdateOne(ctx, filterOrAll(filter), update, options.UpdateOne().SetUpsert(opts.Upsert))
		if err != nil {
			return UpdateResult{}, err
		}
		return toUpdateResult(res), nil
	})
}

// UpdateMany applies update to every document matching filter.
func (a *MongoAdapter) UpdateMany(ctx context.Context, coll string, filter, update any, opts UpdateOptions) OperationResult[UpdateResult] {
	return invoke(ctx, a.core, "UpdateMany", coll, func(ctx context.Context) (UpdateResult, error) {
		c, err := a.collection("UpdateMany", coll)
		if err != nil {
			return UpdateResult{}, err
		}
		res, err := c.UpdateMany(ctx, filterOrAll(filter), update, options.UpdateMany().SetUpsert(opts.Upsert))
		if err != nil {
			return UpdateResult{}, err
		}
		return toUpdateResult(res), nil
	})
}

// UpdateByID applies update to the document with the given id.
func (a *MongoAdapter) UpdateByID(ctx context.Context, coll, id string, update any, opts UpdateOptions) OperationResult[UpdateResult] {
	if err := checkName(BackendMongo, "UpdateByID", "id", id); err != nil {
		return failed[UpdateResult](err, "UpdateByID")
	}
	return invoke(ctx, a.core, "UpdateByID", coll, func(ctx context.Context) (UpdateResult, error) {
		c, err := a.collection("UpdateByID", coll)
		if err != nil {
			return UpdateResult{}, err
		}
		res, err := c.UpdateByID(ctx, mongoID(id), update, options.UpdateOne().SetUpsert(opts.Upsert))
		if err != nil {
			return UpdateResult{}, err
		}
		return toUpdateResult(res), nil
	})
}

// ReplaceOne swaps the first document matching filter for replacement.
func (a *MongoAdapter) ReplaceOne(ctx context.Context, coll string, filter, replacement any, opts UpdateOptions) OperationResult[UpdateResult] {
	return invoke(ctx, a.core, "ReplaceOne", coll, func(ctx context.Context) (UpdateResult, error) {
		c, err := a.collection("ReplaceOne", coll)
		if err != nil {
			return UpdateResult{}, err
		}
		res, err := c.ReplaceOne(ctx, filterOrAll(filter), toMongoDocument(replacement), options.Replace().SetUpsert(opts.Upsert))
		if err != nil {
			return UpdateResult{}, err
		}
		return toUpdateResult(res), nil
	})
}

// DeleteOne removes the first document matching filter and returns the
// number removed (0 or 1).
func (a *MongoAdapter) DeleteOne(ctx context.Context, coll string, filter any) OperationResult[int64] {
	return invoke(ctx, a.core, "DeleteOne", coll, func(ctx context.Context) (int64, error) {
		c, err := a.collection("DeleteOne", coll)
		if err != nil {
			return 0, err
		}
		res, err := c.DeleteOne(ctx, filterOrAll(filter))
		if err != nil {
			return 0, err
		}
		return res.DeletedCount, nil
	})
}

// DeleteByID removes the document with the given id.
func (a *MongoAdapter) DeleteByID(ctx context.Context, coll, id string) OperationResult[int64] {
	if err := checkName(BackendMongo, "DeleteByID", "id", id); err != nil {
		return failed[int64](err, "DeleteByID")
	}
	return a.DeleteOne(ctx, coll, mongoIDFilter(id))
}

// DeleteMany removes every document matching filter. A nil filter empties
// the collection.
func (a *MongoAdapter) DeleteMany(ctx context.Context, coll string, filter any) OperationResult[int64] {
	return invoke(ctx, a.core, "DeleteMany", coll, func(ctx context.Context) (int64, error) {
		c, err := a.collection("DeleteMany", coll)
		if err != nil {
			return 0, err
		}
		res, err := c.DeleteMany(ctx, filterOrAll(filter))
		if err != nil {
			return 0, err
		}
		return res.DeletedCount, nil
	})
}

// CountDocuments counts documents matching filter.
func (a *MongoAdapter) CountDocuments(ctx context.Context, coll string, filter any) OperationResult[int64] {
	return invoke(ctx, a.core, "CountDocuments", coll, func(ctx context.Context) (int64, error) {
		c, err := a.collection("CountDocuments", coll)
		if err != nil {
			return 0, err
		}
		return c.CountDocuments(ctx, filterOrAll(filter))
	})
}

// Aggregate runs pipeline and returns the resulting documents. Output
// documents without an _id carry an empty id.
func (a *MongoAdapter) Aggregate(ctx context.Context, coll string, pipeline any) OperationResult[[]Document] {
	if pipeline == nil {
		pipeline = mongo.Pipeline{}
	}
	return invoke(ctx, a.core, "Aggregate", coll, func(ctx context.Context) ([]Document, error) {
		c, err := a.collection("Aggregate", coll)
		if err != nil {
			return nil, err
		}
		cursor, err := c.Aggregate(ctx, pipeline)
		if err != nil {
			return nil, err
		}
		var ms []bson.M
		if err := cursor.All(ctx, &ms); err != nil {
			return nil, err
		}
		return documentsFromBSON(ms), nil
	})
}

func (s IndexSpec) validate() error {
	if len(s.Keys) == 0 {
		return errors.New("index needs at least one key")
	}
	for _, k := range s.Keys {
		if k.Field == "" {
			return errors.New("index key field must not be empty")
		}
		if k.Type == "" && k.Order != 1 && k.Order != -1 {
			return fmt.Errorf("index key %q: order must be 1 or -1", k.Field)
		}
	}
	if s.TTL < 0 {
		return errors.New("index TTL must be non-negative")
	}
	if s.TTL > 0 && len(s.Keys) != 1 {
		return errors.New("TTL indexes must have exactly one key")
	}
	return nil
}

func (s IndexSpec) model() mongo.IndexModel {
	keys := make(bson.D, 0, len(s.Keys))
	for _, k := range s.Keys {
		var v any = k.Order
		if k.Type != "" {
			v = k.Type
		}
		keys = append(keys, bson.E{Key: k.Field, Value: v})
	}
	o := options.Index()
	if s.Name != "" {
		o.SetName(s.Name)
	}
	if s.Unique {
		o.SetUnique(true)
	}
	if s.Sparse {
		o.SetSparse(true)
	}
	if s.TTL > 0 {
		o.SetExpireAfterSeconds(int32(s.TTL / time.Second))
	}
	return mongo.IndexModel{Keys: keys, Options: o}
}

// CreateIndex creates an index and returns its name.
func (a *MongoAdapter) CreateIndex(ctx context.Context, coll string, spec IndexSpec) OperationResult[string] {
	if err := spec.validate(); err != nil {
		return failed[string](rejectf(BackendMongo, "CreateIndex", ErrInvalidData, "%w", err), "CreateIndex")
	}
	return invoke(ctx, a.core, "CreateIndex", coll, func(ctx context.Context) (string, error) {
		c, err := a.collection("CreateIndex", coll)
		if err != nil {
			return "", err
		}
		return c.Indexes().CreateOne(ctx, spec.model())
	})
}

// DropIndex drops the named index and returns the name back.
func (a *MongoAdapter) DropIndex(ctx context.Context, coll, name string) OperationResult[string] {
	if err := checkName(BackendMongo, "DropIndex", "index name", name); err != nil {
		return failed[string](err, "DropIndex")
	}
	return invoke(ctx, a.core, "DropIndex", coll, func(ctx context.Context) (string, error) {
		c, err := a.collection("DropIndex", coll)
		if err != nil {
			return "", err
		}
		if err := c.Indexes().DropOne(ctx, name); err != nil {
			return "", err
		}
		return name, nil
	})
}

// ListIndexes describes every index on coll.
func (a *MongoAdapter) ListIndexes(ctx context.Context, coll string) OperationResult[[]IndexInfo] {
	return invoke(ctx, a.core, "ListIndexes", coll, func(ctx context.Context) ([]IndexInfo, error) {
		c, err := a.collection("ListIndexes", coll)
		if err != nil {
			return nil, err
		}
		specs, err := c.Indexes().ListSpecifications(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]IndexInfo, 0, len(specs))
		for _, s := range specs {
			info, err := indexInfoFromSpec(s)
			if err != nil {
				return nil, err
			}
			out = append(out, info)
		}
		return out, nil
	})
}

func indexInfoFromSpec(s mongo.IndexSpecification) (IndexInfo, error) {
	info := IndexInfo{Name: s.Name}
	if s.Unique != nil {
		info.Unique = *s.Unique
	}
	if s.Sparse != nil {
		info.Sparse = *s.Sparse
	}
	if s.ExpireAfterSeconds != nil {
		info.TTL = time.Duration(*s.ExpireAfterSeconds) * time.Second
	}

	var keys bson.D
	if err := bson.Unmarshal(s.KeysDocument, &keys); err != nil {
		return IndexInfo{}, fmt.Errorf("failed to decode keys of index %s: %w", s.Name, err)
	}
	for _, e := range keys {
		k := IndexKey{Field: e.Key}
		switch v := e.Value.(type) {
		case int32:
			k.Order = int(v)
		case int64:
			k.Order = int(v)
		case float64:
			k.Order = int(v)
		case string:
			k.Type = v
		}
		info.Keys = append(info.Keys, k)
	}
	return info, nil
}

// ListCollections returns the collection names of the database, sorted.
func (a *MongoAdapter) ListCollections(ctx context.Context) OperationResult[[]string] {
	return invoke(ctx, a.core, "ListCollections", a.cfg.Database, func(ctx context.Context) ([]string, error) {
		db := a.Database()
		if db == nil {
			return nil, newBackendError(BackendMongo, "ListCollections", ErrNotConnected)
		}
		names, err := db.ListCollectionNames(ctx, bson.D{})
		if err != nil {
			return nil, err
		}
		sort.Strings(names)
		return names, nil
	})
}

// ExportCollection returns every document in coll.
func (a *MongoAdapter) ExportCollection(ctx context.Context, coll string) OperationResult[[]Document] {
	return a.Find(ctx, coll, nil, FindOptions{Sort: bson.D{{Key: "_id", Value: 1}}})
}

type mongoChange struct {
	OperationType string `bson:"operationType"`
	DocumentKey   bson.M `bson:"documentKey"`
	FullDocument  bson.M `bson:"fullDocument"`
}

func (c mongoChange) event() (ChangeEvent, bool) {
	ev := ChangeEvent{ID: idString(c.DocumentKey["_id"]), OldIndex: -1, NewIndex: -1}
	switch c.OperationType {
	case "insert":
		ev.Type = ChangeAdded
	case "update", "replace":
		ev.Type = ChangeModified
	case "delete":
		ev.Type = ChangeRemoved
	default:
		return ChangeEvent{}, false
	}
	if c.FullDocument != nil {
		ev.Document = documentFromBSON(c.FullDocument)
	}
	return ev, true
}

// Watch opens a change stream on coll and delivers inserts, updates,
// replaces and deletes to handler until the subscription is stopped. The
// stream requires a replica set or sharded cluster.
func (a *MongoAdapter) Watch(ctx context.Context, coll string, pipeline any, handler ChangeHandler) OperationResult[*Subscription] {
	if handler == nil {
		return failed[*Subscription](rejectf(BackendMongo, "Watch", ErrInvalidData, "handler must not be nil"), "Watch")
	}
	if pipeline == nil {
		pipeline = mongo.Pipeline{}
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	res := invoke(ctx, a.core, "Watch", coll, func(context.Context) (*mongo.ChangeStream, error) {
		c, err := a.collection("Watch", coll)
		if err != nil {
			return nil, err
		}
		return c.Watch(streamCtx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	})
	if !res.Success {
		cancel()
		return Fail[*Subscription](res.Err, res.Message)
	}
	stream := res.Data

	sub := newSubscription(BackendMongo, coll, cancel, a.core.untrackSubscription)
	a.core.trackSubscription(sub)

	go func() {
		defer stream.Close(context.Background())
		for stream.Next(streamCtx) {
			var change mongoChange
			if err := stream.Decode(&change); err != nil {
				handler(ChangeEvent{}, wrapError(BackendMongo, "Watch", err))
				continue
			}
			if ev, ok := change.event(); ok {
				a.core.metrics.Increment(MetricSubscriptionEvents, "backend", string(BackendMongo))
				handler(ev, nil)
			}
		}
		if streamCtx.Err() != nil {
			sub.finish(nil)
			return
		}
		err := wrapError(BackendMongo, "Watch", stream.Err())
		if err == nil {
			// invalidate event: the collection was dropped or renamed
			err = newBackendError(BackendMongo, "Watch", ErrNotFound)
		}
		handler(ChangeEvent{}, err)
		sub.finish(err)
	}()

	return Ok(sub, "watching "+coll)
}

// WithTransaction runs fn inside a session transaction, retrying on
// transient errors as the driver does. Operations inside fn must use the
// context passed to it.
func (a *MongoAdapter) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) OperationResult[struct{}] {
	if fn == nil {
		return failed[struct{}](rejectf(BackendMongo, "WithTransaction", ErrInvalidData, "transaction function must not be nil"), "WithTransaction")
	}
	return invoke(ctx, a.core, "WithTransaction", a.cfg.Database, func(ctx context.Context) (struct{}, error) {
		client := a.Client()
		if client == nil {
			return struct{}{}, newBackendError(BackendMongo, "WithTransaction", ErrNotConnected)
		}
		sess, err := client.StartSession()
		if err != nil {
			return struct{}{}, err
		}
		defer sess.EndSession(context.WithoutCancel(ctx))

		_, err = sess.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
			return nil, fn(txCtx)
		})
		if err != nil {
			return struct{}{}, &BackendError{
				Backend:   BackendMongo,
				Operation: "WithTransaction",
				Kind:      ErrTransactionFailed,
				Cause:     wrapError(BackendMongo, "WithTransaction", err),
			}
		}
		return struct{}{}, nil
	})
}

// toMongoDocument maps the normalized "id" key back to _id so documents read
// through the adapter can be written back unchanged. An explicit _id wins over
// "id", and ShadowedIDField is stored as "id".
func toMongoDocument(doc any) any {
	var m map[string]any
	switch d := doc.(type) {
	case Document:
		m = d
	case map[string]any:
		m = d
	default:
		return doc
	}
	id, hasID := m[IDField]
	shadow, hasShadow := m[ShadowedIDField]
	if !hasID && !hasShadow {
		return doc
	}
	out := make(bson.M, len(m))
	for k, v := range m {
		if k == IDField || k == ShadowedIDField {
			continue
		}
		out[k] = v
	}
	if hasShadow {
		out[IDField] = shadow
	}
	if _, hasNative := m["_id"]; !hasNative && hasID {
		if s, ok := id.(string); ok {
			out["_id"] = mongoID(s)
		} else {
			out["_id"] = id
		}
	}
	return out
}
