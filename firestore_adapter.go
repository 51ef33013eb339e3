package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Health probes read this document. It does not need to exist.
const (
	healthCollection = "_ecdb"
	healthDocument   = "health"
)

// emulatorProject is used against the emulator when no project id is set.
const emulatorProject = "demo-ecdb"

// DeleteField, used as a value in UpdateDocument, removes the field.
var DeleteField any = firestore.Delete

// FirestoreAdapter fronts a lazily created Firestore client. Every operation
// returns an OperationResult.
type FirestoreAdapter struct {
	cfg  FirestoreConfig
	core *adapterCore

	connectMu sync.Mutex

	mu     sync.RWMutex
	client *firestore.Client
	conn   *grpc.ClientConn // emulator connection, owned by the adapter
}

// SetOptions shapes SetDocument.
type SetOptions struct {
	Merge bool
}

// WriteResult reports when a write was applied.
type WriteResult struct {
	UpdateTime time.Time `json:"updateTime"`
}

// WriteKind names a write in a batch.
type WriteKind string

const (
	WriteSet    WriteKind = "set"
	WriteUpdate WriteKind = "update"
	WriteDelete WriteKind = "delete"
	WriteCreate WriteKind = "create"
)

// WriteOp is one write of BatchWrite or BulkWrite. For set and create an
// empty ID asks for a generated one.
type WriteOp struct {
	Kind       WriteKind
	Collection string
	ID         string
	Data       map[string]any
	Merge      bool
}

// BulkWriteError pairs a failed write with its position in the input.
type BulkWriteError struct {
	Index int
	Err   error
}

func (e BulkWriteError) Error() string {
	return fmt.Sprintf("write %d: %v", e.Index, e.Err)
}

// BulkWriteResult summarizes a non-atomic bulk write.
type BulkWriteResult struct {
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Errors    []BulkWriteError `json:"-"`
}

// NewFirestoreAdapter validates cfg and builds an adapter without creating an
// SDK client.
func NewFirestoreAdapter(cfg FirestoreConfig, opts ...Option) (*FirestoreAdapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	a := &FirestoreAdapter{cfg: cfg}
	a.core = newAdapterCore(BackendFirestore, cfg.OperationTimeout, newSettings(opts))
	a.core.ready = a.hasClient
	return a, nil
}

// Backend returns BackendFirestore.
func (a *FirestoreAdapter) Backend() Backend { return BackendFirestore }

func (a *FirestoreAdapter) hasClient() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client != nil
}

// Client returns the SDK client, or nil when disconnected.
func (a *FirestoreAdapter) Client() *firestore.Client {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client
}

// Status returns the current connection status.
func (a *FirestoreAdapter) Status() ConnectionStatus { return a.core.status.get() }

// IsConnected reports whether the status is connected.
func (a *FirestoreAdapter) IsConnected() bool { return a.core.status.get() == StatusConnected }

// LastError returns the error recorded with the latest status update.
func (a *FirestoreAdapter) LastError() error { return a.core.status.err() }

// Connect creates the SDK client. The SDK dials lazily, so unless
// ProbeOnConnect is set a successful Connect says nothing about reachability.
func (a *FirestoreAdapter) Connect(ctx context.Context) OperationResult[ConnectionStatus] {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	if a.hasClient() {
		return Ok(a.Status(), "firestore already connected")
	}

	err := a.core.connectWithRetry(ctx, a.cfg.Retry, a.open)
	if err != nil {
		return FailWith(StatusError, err, "firestore connect failed")
	}
	a.core.logger.Info("connected", "project", a.cfg.ProjectID, "database", a.cfg.DatabaseID, "emulator", a.cfg.EmulatorHost != "")
	return Ok(StatusConnected, "firestore connected")
}

func (a *FirestoreAdapter) open(ctx context.Context) error {
	client, conn, err := a.newClient(ctx)
	if err != nil {
		return &BackendError{Backend: BackendFirestore, Operation: "Connect", Kind: ErrInvalidConfig, Cause: err}
	}

	if a.cfg.ProbeOnConnect {
		probeCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
		defer cancel()
		if err := probe(probeCtx, client); err != nil {
			_ = closeClient(client, conn)
			return wrapError(BackendFirestore, "Connect", err)
		}
	}

	a.mu.Lock()
	a.client = client
	a.conn = conn
	a.mu.Unlock()
	return nil
}

func (a *FirestoreAdapter) newClient(ctx context.Context) (*firestore.Client, *grpc.ClientConn, error) {
	var (
		opts []option.ClientOption
		conn *grpc.ClientConn
	)
	project := a.cfg.ProjectID

	switch {
	case a.cfg.EmulatorHost != "":
		var err error
		conn, err = grpc.NewClient(a.cfg.EmulatorHost,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithPerRPCCredentials(emulatorOwner{}),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to dial emulator %s: %w", a.cfg.EmulatorHost, err)
		}
		opts = append(opts, option.WithGRPCConn(conn))
		if project == "" {
			project = emulatorProject
		}
	case a.cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(a.cfg.CredentialsFile))
	}

	var (
		client *firestore.Client
		err    error
	)
	if a.cfg.DatabaseID == firestore.DefaultDatabaseID {
		client, err = firestore.NewClient(ctx, project, opts...)
	} else {
		client, err = firestore.NewClientWithDatabase(ctx, project, a.cfg.DatabaseID, opts...)
	}
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return nil, nil, err
	}
	return client, conn, nil
}

// emulatorOwner sends the bearer token the emulator accepts as admin.
type emulatorOwner struct{}

func (emulatorOwner) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer owner"}, nil
}

func (emulatorOwner) RequireTransportSecurity() bool { return false }

// probe reads the health document. A missing document still proves the
// backend answered.
func probe(ctx context.Context, client *firestore.Client) error {
	_, err := client.Collection(healthCollection).Doc(healthDocument).Get(ctx)
	if err != nil && !errors.Is(wrapError(BackendFirestore, "probe", err), ErrNotFound) {
		return err
	}
	return nil
}

func closeClient(client *firestore.Client, conn *grpc.ClientConn) error {
	err := client.Close()
	if conn != nil {
		// Already closed by the client in most cases.
		_ = conn.Close()
	}
	return err
}

// Disconnect stops all subscriptions and closes the client.
func (a *FirestoreAdapter) Disconnect(ctx context.Context) OperationResult[ConnectionStatus] {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	if !a.hasClient() {
		a.core.status.set(StatusDisconnected, nil)
		return Ok(StatusDisconnected, "firestore already disconnected")
	}

	a.core.subs.stopAll()

	a.mu.Lock()
	client, conn := a.client, a.conn
	a.client, a.conn = nil, nil
	a.mu.Unlock()

	if err := closeClient(client, conn); err != nil {
		err = wrapError(BackendFirestore, "Disconnect", err)
		a.core.status.set(StatusError, err)
		return FailWith(StatusError, err, "firestore disconnect failed")
	}
	a.core.status.set(StatusDisconnected, nil)
	return Ok(StatusDisconnected, "firestore disconnected")
}

// Health reads the health document and reports latency.
func (a *FirestoreAdapter) Health(ctx context.Context) OperationResult[BackendHealth] {
	client := a.Client()
	if client == nil {
		h := healthOf(BackendFirestore, a.Status(), 0, ErrNotConnected)
		return FailWith(h, newBackendError(BackendFirestore, "Health", ErrNotConnected), "firestore is not connected")
	}

	probeCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()

	start := time.Now()
	err := probe(probeCtx, client)
	latency := time.Since(start)
	if err != nil {
		err = wrapError(BackendFirestore, "Health", err)
		return FailWith(healthOf(BackendFirestore, a.Status(), latency, err), err, "firestore probe failed")
	}

	a.core.status.compareAndSet(StatusReconnecting, StatusConnected, nil)
	h := healthOf(BackendFirestore, a.Status(), latency, nil)
	if !h.Healthy {
		return FailWith(h, newBackendError(BackendFirestore, "Health", ErrNotConnected), h.Error)
	}
	return Ok(h, fmt.Sprintf("firestore probe %s", latency))
}

func (a *FirestoreAdapter) collection(op, name string) (*firestore.CollectionRef, error) {
	if err := checkName(BackendFirestore, op, "collection", name); err != nil {
		return nil, err
	}
	client := a.Client()
	if client == nil {
		return nil, newBackendError(BackendFirestore, op, ErrNotConnected)
	}
	return client.Collection(name), nil
}

func (a *FirestoreAdapter) doc(op, coll, id string) (*firestore.DocumentRef, error) {
	if err := checkName(BackendFirestore, op, "id", id); err != nil {
		return nil, err
	}
	c, err := a.collection(op, coll)
	if err != nil {
		return nil, err
	}
	return c.Doc(id), nil
}

func writeResult(wr *firestore.WriteResult) WriteResult {
	if wr == nil {
		return WriteResult{}
	}
	return WriteResult{UpdateTime: wr.UpdateTime}
}

// GetDocument reads one document. A missing document is ErrNotFound.
func (a *FirestoreAdapter) GetDocument(ctx context.Context, coll, id string) OperationResult[Document] {
	return invoke(ctx, a.core, "GetDocument", coll+"/"+id, func(ctx context.Context) (Document, error) {
		ref, err := a.doc("GetDocument", coll, id)
		if err != nil {
			return nil, err
		}
		snap, err := ref.Get(ctx)
		if err != nil {
			return nil, err
		}
		if !snap.Exists() {
			return nil, newBackendError(BackendFirestore, "GetDocument", ErrNotFound)
		}
		return documentFromSnapshot(snap), nil
	})
}

// SetDocument writes data at coll/id, replacing the document unless Merge is
// set.
func (a *FirestoreAdapter) SetDocument(ctx context.Context, coll, id string, data any, opts SetOptions) OperationResult[WriteResult] {
	return invoke(ctx, a.core, "SetDocument", coll+"/"+id, func(ctx context.Context) (WriteResult, error) {
		ref, err := a.doc("SetDocument", coll, id)
		if err != nil {
			return WriteResult{}, err
		}
		var setOpts []firestore.SetOption
		if opts.Merge {
			setOpts = append(setOpts, firestore.MergeAll)
		}
		wr, err := ref.Set(ctx, toFirestoreData(data), setOpts...)
		if err != nil {
			return WriteResult{}, err
		}
		return writeResult(wr), nil
	})
}

// AddDocument stores data under a generated id and returns the id.
func (a *FirestoreAdapter) AddDocument(ctx context.Context, coll string, data any) OperationResult[string] {
	return invoke(ctx, a.core, "AddDocument", coll, func(ctx context.Context) (string, error) {
		c, err := a.collection("AddDocument", coll)
		if err != nil {
			return "", err
		}
		ref, _, err := c.Add(ctx, toFirestoreData(data))
		if err != nil {
			return "", err
		}
		return ref.ID, nil
	})
}

// updatesFrom turns a field map into SDK updates. Keys are field paths, so
// "address.city" updates a nested field. The id key is ignored.
func updatesFrom(fields map[string]any) []firestore.Update {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k != IDField {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	updates := make([]firestore.Update, 0, len(keys))
	for _, k := range keys {
		path := k
		if k == ShadowedIDField {
			path = IDField
		}
		updates = append(updates, firestore.Update{Path: path, Value: fields[k]})
	}
	return updates
}

// UpdateDocument changes the given fields of an existing document. Updating
// a missing document is ErrNotFound.
func (a *FirestoreAdapter) UpdateDocument(ctx context.Context, coll, id string, fields map[string]any) OperationResult[WriteResult] {
	updates := updatesFrom(fields)
	if len(updates) == 0 {
		return failed[WriteResult](rejectf(BackendFirestore, "UpdateDocument", ErrInvalidData, "no fields to update"), "UpdateDocument")
	}
	return invoke(ctx, a.core, "UpdateDocument", coll+"/"+id, func(ctx context.Context) (WriteResult, error) {
		ref, err := a.doc("UpdateDocument", coll, id)
		if err != nil {
			return WriteResult{}, err
		}
		wr, err := ref.Update(ctx, updates)
		if err != nil {
			return WriteResult{}, err
		}
		return writeResult(wr), nil
	})
}

// DeleteDocument removes coll/id. Deleting a missing document succeeds.
func (a *FirestoreAdapter) DeleteDocument(ctx context.Context, coll, id string) OperationResult[WriteResult] {
	return invoke(ctx, a.core, "DeleteDocument", coll+"/"+id, func(ctx context.Context) (WriteResult, error) {
		ref, err := a.doc("DeleteDocument", coll, id)
		if err != nil {
			return WriteResult{}, err
		}
		wr, err := ref.Delete(ctx)
		if err != nil {
			return WriteResult{}, err
		}
		return writeResult(wr), nil
	})
}

func documentsFromIterator(it *firestore.DocumentIterator) ([]Document, error) {
	defer it.Stop()
	docs := []Document{}
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, documentFromSnapshot(snap))
	}
}

// GetCollection reads every document of coll.
func (a *FirestoreAdapter) GetCollection(ctx context.Context, coll string) OperationResult[[]Document] {
	return invoke(ctx, a.core, "GetCollection", coll, func(ctx context.Context) ([]Document, error) {
		c, err := a.collection("GetCollection", coll)
		if err != nil {
			return nil, err
		}
		return documentsFromIterator(c.Documents(ctx))
	})
}

// ExportCollection returns every document in coll.
func (a *FirestoreAdapter) ExportCollection(ctx context.Context, coll string) OperationResult[[]Document] {
	return a.GetCollection(ctx, coll)
}

// ListCollections returns the root collection ids, sorted.
func (a *FirestoreAdapter) ListCollections(ctx context.Context) OperationResult[[]string] {
	return invoke(ctx, a.core, "ListCollections", a.cfg.DatabaseID, func(ctx context.Context) ([]string, error) {
		client := a.Client()
		if client == nil {
			return nil, newBackendError(BackendFirestore, "ListCollections", ErrNotConnected)
		}
		it := client.Collections(ctx)
		names := []string{}
		for {
			ref, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return nil, err
			}
			names = append(names, ref.ID)
		}
		sort.Strings(names)
		return names, nil
	})
}

func (a *FirestoreAdapter) checkQuery(op string, spec QuerySpec) error {
	if err := spec.Validate(); err != nil {
		return rejectf(BackendFirestore, op, ErrInvalidQuery, "%w", err)
	}
	return nil
}

// Query runs spec against coll.
func (a *FirestoreAdapter) Query(ctx context.Context, coll string, spec QuerySpec) OperationResult[[]Document] {
	if err := a.checkQuery("Query", spec); err != nil {
		return failed[[]Document](err, "Query")
	}
	return invoke(ctx, a.core, "Query", coll, func(ctx context.Context) ([]Document, error) {
		c, err := a.collection("Query", coll)
		if err != nil {
			return nil, err
		}
		return documentsFromIterator(spec.apply(c.Query).Documents(ctx))
	})
}

// countAlias names the count aggregation in the response.
const countAlias = "count"

// Count returns how many documents match spec without reading them.
func (a *FirestoreAdapter) Count(ctx context.Context, coll string, spec QuerySpec) OperationResult[int64] {
	if err := a.checkQuery("Count", spec); err != nil {
		return failed[int64](err, "Count")
	}
	spec.Select = nil
	return invoke(ctx, a.core, "Count", coll, func(ctx context.Context) (int64, error) {
		c, err := a.collection("Count", coll)
		if err != nil {
			return 0, err
		}
		q := spec.apply(c.Query)
		res, err := q.NewAggregationQuery().WithCount(countAlias).Get(ctx)
		if err != nil {
			return 0, err
		}
		v, ok := res[countAlias].(*firestorepb.Value)
		if !ok {
			return 0, fmt.Errorf("%w: unexpected count result %T", ErrInvalidData, res[countAlias])
		}
		return v.GetIntegerValue(), nil
	})
}

// SubscribeDocument delivers the current state of coll/id and every later
// change to handler.
func (a *FirestoreAdapter) SubscribeDocument(ctx context.Context, coll, id string, handler DocumentHandler) OperationResult[*Subscription] {
	const op = "SubscribeDocument"
	if handler == nil {
		return failed[*Subscription](rejectf(BackendFirestore, op, ErrInvalidData, "handler must not be nil"), op)
	}
	ref, err := a.doc(op, coll, id)
	if err != nil {
		return failed[*Subscription](err, op)
	}
	if !a.core.isReady() {
		return Fail[*Subscription](newBackendError(BackendFirestore, op, ErrNotConnected), op+": firestore is not connected")
	}

	sub := a.listen(ctx, coll+"/"+id, func(ctx context.Context) (func() error, func()) {
		it := ref.Snapshots(ctx)
		next := func() error {
			snap, err := it.Next()
			if err != nil {
				return err
			}
			ds := DocumentSnapshot{ID: id, Exists: snap.Exists(), ReadTime: snap.ReadTime}
			if ds.Exists {
				ds.Document = documentFromSnapshot(snap)
			}
			handler(ds, nil)
			return nil
		}
		return next, it.Stop
	}, func(err error) { handler(DocumentSnapshot{ID: id}, err) })

	return Ok(sub, "subscribed to "+coll+"/"+id)
}

// SubscribeQuery delivers the result set of spec and its changes to handler.
func (a *FirestoreAdapter) SubscribeQuery(ctx context.Context, coll string, spec QuerySpec, handler QueryHandler) OperationResult[*Subscription] {
	const op = "SubscribeQuery"
	if handler == nil {
		return failed[*Subscription](rejectf(BackendFirestore, op, ErrInvalidData, "handler must not be nil"), op)
	}
	if err := a.checkQuery(op, spec); err != nil {
		return failed[*Subscription](err, op)
	}
	c, err := a.collection(op, coll)
	if err != nil {
		return failed[*Subscription](err, op)
	}
	if !a.core.isReady() {
		return Fail[*Subscription](newBackendError(BackendFirestore, op, ErrNotConnected), op+": firestore is not connected")
	}
	q := spec.apply(c.Query)

	sub := a.listen(ctx, coll, func(ctx context.Context) (func() error, func()) {
		it := q.Snapshots(ctx)
		next := func() error {
			qs, err := it.Next()
			if err != nil {
				return err
			}
			docs, err := documentsFromIterator(qs.Documents)
			if err != nil {
				return err
			}
			handler(QuerySnapshot{Documents: docs, Changes: changesFrom(qs.Changes), ReadTime: qs.ReadTime}, nil)
			return nil
		}
		return next, it.Stop
	}, func(err error) { handler(QuerySnapshot{}, err) })

	return Ok(sub, "subscribed to "+coll)
}

func changesFrom(changes []firestore.DocumentChange) []ChangeEvent {
	out := make([]ChangeEvent, 0, len(changes))
	for _, ch := range changes {
		ev := ChangeEvent{
			ID:       ch.Doc.Ref.ID,
			Document: documentFromSnapshot(ch.Doc),
			OldIndex: ch.OldIndex,
			NewIndex: ch.NewIndex,
		}
		switch ch.Kind {
		case firestore.DocumentAdded:
			ev.Type = ChangeAdded
		case firestore.DocumentModified:
			ev.Type = ChangeModified
		case firestore.DocumentRemoved:
			ev.Type = ChangeRemoved
		}
		out = append(out, ev)
	}
	return out
}

// listen runs a snapshot listener until it is unsubscribed. When the stream
// breaks with an availability error the adapter goes to reconnecting and the
// listener is reopened with backoff; a later snapshot restores connected.
// Other errors, or running out of retries, end the subscription. An adapter
// left reconnecting, or one whose backend failed, then goes to error.
func (a *FirestoreAdapter) listen(
	ctx context.Context,
	target string,
	open func(ctx context.Context) (next func() error, stop func()),
	onError func(error),
) *Subscription {
	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := newSubscription(BackendFirestore, target, cancel, a.core.untrackSubscription)
	a.core.trackSubscription(sub)
	retry := a.cfg.Retry

	go func() {
		attempt := 0
		for {
			next, stop := open(listenCtx)
			var err error
			for {
				if err = next(); err != nil {
					break
				}
				attempt = 0
				a.core.metrics.Increment(MetricSubscriptionEvents, "backend", string(BackendFirestore))
				a.core.status.compareAndSet(StatusReconnecting, StatusConnected, nil)
			}
			stop()

			if listenCtx.Err() != nil {
				sub.finish(nil)
				return
			}
			err = wrapError(BackendFirestore, "Subscribe", err)
			onError(err)
			fault := isBackendFault(err)
			if !fault || attempt >= retry.MaxRetries {
				if fault {
					a.core.status.compareAndSet(StatusConnected, StatusError, err)
				}
				a.core.status.compareAndSet(StatusReconnecting, StatusError, err)
				sub.finish(err)
				return
			}

			a.core.status.compareAndSet(StatusConnected, StatusReconnecting, err)
			select {
			case <-listenCtx.Done():
				sub.finish(nil)
				return
			case <-time.After(retry.Backoff(attempt)):
			}
			attempt++
		}
	}()

	return sub
}

// validateWrites checks a batch before anything is sent.
func validateWrites(op string, writes []WriteOp) error {
	if len(writes) == 0 {
		return rejectf(BackendFirestore, op, ErrInvalidData, "no writes")
	}
	for i, w := range writes {
		if w.Collection == "" {
			return rejectf(BackendFirestore, op, ErrInvalidData, "write %d: collection must not be empty", i)
		}
		switch w.Kind {
		case WriteSet, WriteCreate:
		case WriteUpdate:
			if w.ID == "" {
				return rejectf(BackendFirestore, op, ErrInvalidData, "write %d: update needs an id", i)
			}
			if len(updatesFrom(w.Data)) == 0 {
				return rejectf(BackendFirestore, op, ErrInvalidData, "write %d: no fields to update", i)
			}
		case WriteDelete:
			if w.ID == "" {
				return rejectf(BackendFirestore, op, ErrInvalidData, "write %d: delete needs an id", i)
			}
		default:
			return rejectf(BackendFirestore, op, ErrInvalidData, "write %d: unknown kind %q", i, w.Kind)
		}
	}
	return nil
}

func refFor(client *firestore.Client, w WriteOp) *firestore.DocumentRef {
	c := client.Collection(w.Collection)
	if w.ID == "" {
		return c.NewDoc()
	}
	return c.Doc(w.ID)
}

func setOptions(merge bool) []firestore.SetOption {
	if merge {
		return []firestore.SetOption{firestore.MergeAll}
	}
	return nil
}

// BatchWrite applies up to MaxBatchWrites writes atomically: all of them or
// none. It returns the number of writes applied.
func (a *FirestoreAdapter) BatchWrite(ctx context.Context, writes []WriteOp) OperationResult[int] {
	if err := validateWrites("BatchWrite", writes); err != nil {
		return failed[int](err, "BatchWrite")
	}
	if len(writes) > MaxBatchWrites {
		return failed[int](rejectf(BackendFirestore, "BatchWrite", ErrInvalidData,
			"%d writes exceed the limit of %d", len(writes), MaxBatchWrites), "BatchWrite")
	}

	return invoke(ctx, a.core, "BatchWrite", fmt.Sprintf("%d writes", len(writes)), func(ctx context.Context) (int, error) {
		client := a.Client()
		if client == nil {
			return 0, newBackendError(BackendFirestore, "BatchWrite", ErrNotConnected)
		}
		a.core.metrics.Histogram(MetricBatchSize, float64(len(writes)), "backend", string(BackendFirestore))
		err := client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			for _, w := range writes {
				ref := refFor(client, w)
				var err error
				switch w.Kind {
				case WriteSet:
					err = tx.Set(ref, withoutID(w.Data), setOptions(w.Merge)...)
				case WriteCreate:
					err = tx.Create(ref, withoutID(w.Data))
				case WriteUpdate:
					err = tx.Update(ref, updatesFrom(w.Data))
				case WriteDelete:
					err = tx.Delete(ref)
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
		return len(writes), nil
	})
}

// BulkWrite sends writes through the SDK bulk writer. Writes are applied
// independently; failures are reported per write. The result fails only when
// the bulk writer could not run at all.
func (a *FirestoreAdapter) BulkWrite(ctx context.Context, writes []WriteOp) OperationResult[BulkWriteResult] {
	if err := validateWrites("BulkWrite", writes); err != nil {
		return failed[BulkWriteResult](err, "BulkWrite")
	}

	res := invoke(ctx, a.core, "BulkWrite", fmt.Sprintf("%d writes", len(writes)), func(ctx context.Context) (BulkWriteResult, error) {
		client := a.Client()
		if client == nil {
			return BulkWriteResult{}, newBackendError(BackendFirestore, "BulkWrite", ErrNotConnected)
		}
		a.core.metrics.Histogram(MetricBatchSize, float64(len(writes)), "backend", string(BackendFirestore))

		bw := client.BulkWriter(ctx)
		jobs := make([]*firestore.BulkWriterJob, len(writes))
		var out BulkWriteResult
		for i, w := range writes {
			ref := refFor(client, w)
			var (
				job *firestore.BulkWriterJob
				err error
			)
			switch w.Kind {
			case WriteSet:
				job, err = bw.Set(ref, withoutID(w.Data), setOptions(w.Merge)...)
			case WriteCreate:
				job, err = bw.Create(ref, withoutID(w.Data))
			case WriteUpdate:
				job, err = bw.Update(ref, updatesFrom(w.Data))
			case WriteDelete:
				job, err = bw.Delete(ref)
			}
			if err != nil {
				out.Errors = append(out.Errors, BulkWriteError{Index: i, Err: wrapError(BackendFirestore, "BulkWrite", err)})
				continue
			}
			jobs[i] = job
		}
		bw.End()

		for i, job := range jobs {
			if job == nil {
				continue
			}
			if _, err := job.Results(); err != nil {
				out.Errors = append(out.Errors, BulkWriteError{Index: i, Err: wrapError(BackendFirestore, "BulkWrite", err)})
				continue
			}
			out.Succeeded++
		}
		sort.Slice(out.Errors, func(i, j int) bool { return out.Errors[i].Index < out.Errors[j].Index })
		out.Failed = len(out.Errors)
		return out, nil
	})
	if res.Success && res.Data.Failed > 0 {
		res.Message = fmt.Sprintf("%d of %d writes failed", res.Data.Failed, len(writes))
	}
	return res
}

// FirestoreTx is the view of a Firestore transaction handed to
// RunTransaction callbacks. All reads must happen before the first write.
type FirestoreTx struct {
	tx     *firestore.Transaction
	client *firestore.Client
}

func (t *FirestoreTx) ref(op, coll, id string) (*firestore.DocumentRef, error) {
	if err := checkName(BackendFirestore, op, "collection", coll); err != nil {
		return nil, err
	}
	if err := checkName(BackendFirestore, op, "id", id); err != nil {
		return nil, err
	}
	return t.client.Collection(coll).Doc(id), nil
}

// Get reads coll/id inside the transaction.
func (t *FirestoreTx) Get(coll, id string) (Document, error) {
	ref, err := t.ref("Tx.Get", coll, id)
	if err != nil {
		return nil, err
	}
	snap, err := t.tx.Get(ref)
	if err != nil {
		return nil, wrapError(BackendFirestore, "Tx.Get", err)
	}
	if !snap.Exists() {
		return nil, newBackendError(BackendFirestore, "Tx.Get", ErrNotFound)
	}
	return documentFromSnapshot(snap), nil
}

// Query runs spec inside the transaction.
func (t *FirestoreTx) Query(coll string, spec QuerySpec) ([]Document, error) {
	if err := checkName(BackendFirestore, "Tx.Query", "collection", coll); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, rejectf(BackendFirestore, "Tx.Query", ErrInvalidQuery, "%w", err)
	}
	docs, err := documentsFromIterator(t.tx.Documents(spec.apply(t.client.Collection(coll).Query)))
	if err != nil {
		return nil, wrapError(BackendFirestore, "Tx.Query", err)
	}
	return docs, nil
}

// Set writes data at coll/id.
func (t *FirestoreTx) Set(coll, id string, data any, opts SetOptions) error {
	ref, err := t.ref("Tx.Set", coll, id)
	if err != nil {
		return err
	}
	return wrapError(BackendFirestore, "Tx.Set", t.tx.Set(ref, toFirestoreData(data), setOptions(opts.Merge)...))
}

// Create writes data at coll/id, failing if the document exists.
func (t *FirestoreTx) Create(coll, id string, data any) error {
	ref, err := t.ref("Tx.Create", coll, id)
	if err != nil {
		return err
	}
	return wrapError(BackendFirestore, "Tx.Create", t.tx.Create(ref, toFirestoreData(data)))
}

// Update changes fields of coll/id.
func (t *FirestoreTx) Update(coll, id string, fields map[string]any) error {
	ref, err := t.ref("Tx.Update", coll, id)
	if err != nil {
		return err
	}
	updates := updatesFrom(fields)
	if len(updates) == 0 {
		return rejectf(BackendFirestore, "Tx.Update", ErrInvalidData, "no fields to update")
	}
	return wrapError(BackendFirestore, "Tx.Update", t.tx.Update(ref, updates))
}

// Delete removes coll/id.
func (t *FirestoreTx) Delete(coll, id string) error {
	ref, err := t.ref("Tx.Delete", coll, id)
	if err != nil {
		return err
	}
	return wrapError(BackendFirestore, "Tx.Delete", t.tx.Delete(ref))
}

// RunTransaction runs fn in a Firestore transaction. The SDK retries fn when
// the transaction is contended, so fn must be safe to run more than once.
func (a *FirestoreAdapter) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx *FirestoreTx) error) OperationResult[struct{}] {
	if fn == nil {
		return failed[struct{}](rejectf(BackendFirestore, "RunTransaction", ErrInvalidData, "transaction function must not be nil"), "RunTransaction")
	}
	return invoke(ctx, a.core, "RunTransaction", a.cfg.DatabaseID, func(ctx context.Context) (struct{}, error) {
		client := a.Client()
		if client == nil {
			return struct{}{}, newBackendError(BackendFirestore, "RunTransaction", ErrNotConnected)
		}
		err := client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
			return fn(ctx, &FirestoreTx{tx: tx, client: client})
		})
		if err != nil {
			return struct{}{}, &BackendError{
				Backend:   BackendFirestore,
				Operation: "RunTransaction",
				Kind:      ErrTransactionFailed,
				Cause:     wrapError(BackendFirestore, "RunTransaction", err),
			}
		}
		return struct{}{}, nil
	})
}
