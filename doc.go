// Package db puts MongoDB and Google Cloud Firestore behind one connection
// lifecycle, one error vocabulary, and one result envelope.
//
// # Overview
//
// Each backend is wrapped by an adapter that owns its client, tracks a
// connection status, and returns every operation as an OperationResult:
//
//   - MongoAdapter: CRUD, aggregation, indexes, change streams, transactions
//   - FirestoreAdapter: documents, structured queries, counts, snapshot
//     listeners, atomic batches, bulk writes, transactions
//   - Facade: connects, disconnects, and probes every configured adapter
//     concurrently and aggregates the outcome
//
// Full observability is built in: structured logging through the Logger
// interface (zap in production), Prometheus metrics through the Metrics
// interface, and optional publication of status changes to Redis.
//
// # Quick Start
//
//	cfg, err := db.LoadConfig("config.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	f, err := db.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer f.Close()
//
//	if res := f.Connect(ctx); !res.Success {
//		log.Printf("connect: %s", res.Message)
//	}
//
//	res := f.Mongo().InsertOne(ctx, "users", db.Document{"email": "alice@example.com"})
//	if !res.Success {
//		return res.Err
//	}
//	id := res.Data
//
// # Results
//
// Operations never panic and never return a bare error. An OperationResult
// carries Success, Data, Err and a human readable Message; Success is true
// exactly when Err is nil. Use Unwrap for the usual (value, error) form:
//
//	doc, err := f.Firestore().GetDocument(ctx, "users", id).Unwrap()
//	if db.IsNotFound(err) {
//		// ...
//	}
//
// Failed results carry a *BackendError whose Kind is one of the package
// sentinels (ErrNotFound, ErrAlreadyExists, ErrNotConnected, ErrTimeout, ...)
// and whose Cause is the driver error. errors.Is(err, db.ErrNotFound) and
// errors.As into a mongo.WriteException both work on the same error.
//
// # Connection status
//
// Every adapter moves through five states:
//
//	disconnected -> connecting -> connected
//	                    |             |
//	                    v             v
//	                  error <-- reconnecting
//
// Connect retries with exponential backoff and jitter (RetryConfig). The
// MongoDB adapter follows server heartbeats to move between connected and
// reconnecting; the Firestore adapter does the same when a snapshot listener
// loses its stream. Register a StatusListener with WithStatusListener to
// observe transitions.
//
// Data operations are only attempted while the adapter is connected or
// reconnecting. Otherwise they fail fast with ErrNotConnected. Each adapter
// also runs its calls through a CircuitBreaker so a failing backend is not
// hammered.
//
// # Documents
//
// Document is a map[string]any. Both adapters return the document id under
// the "id" key as a string: Mongo ObjectIDs are rendered as hex and Firestore
// document ids are copied from the reference. Input documents may carry "id"
// too; it is mapped back to _id for Mongo and stripped for Firestore. A stored
// field that is itself named "id" is returned as "id_" and written back as "id".
//
// # Subscriptions
//
// MongoAdapter.Watch, FirestoreAdapter.SubscribeDocument and
// FirestoreAdapter.SubscribeQuery return a *Subscription. Handlers run on the
// subscription's goroutine. Unsubscribe stops delivery and waits for the
// goroutine to exit; Disconnect stops every open subscription.
//
// # Configuration
//
// Config is read from YAML by LoadConfig and overridden by the environment:
//
//	mongodb:
//	  uri: mongodb://localhost:27017
//	  database: app
//	  retry:
//	    max_retries: 5
//	firestore:
//	  project_id: my-project
//	  emulator_host: localhost:8080
//	logging:
//	  level: info
//	status_channel:
//	  enabled: true
//	  prefix: app
//
// A nil section means the backend is not configured. MONGODB_URI,
// FIRESTORE_PROJECT_ID and FIRESTORE_EMULATOR_HOST create their section when
// set.
//
// # Observability
//
//	logger, _ := db.NewProductionZapLogger()
//	metrics := db.NewPrometheusMetrics(prometheus.NewRegistry())
//	f, _ := db.New(cfg, db.WithLogger(logger), db.WithMetrics(metrics))
//
// With status_channel enabled, every transition is written to
// <prefix>:status:<backend> and published on <prefix>:status. Other processes
// read it with ReadPublishedStatus or FollowPublishedStatus; dbctl status does
// exactly that.
package db
