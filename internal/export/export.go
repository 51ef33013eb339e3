// Package export writes collection snapshots as JSON Lines to a file
// directory, a GCS bucket, or an S3-compatible bucket.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"google.golang.org/api/option"

	"github.com/ecdevz/db"
)

const (
	// DefaultDirPermissions is used for directories created by FileSink.
	DefaultDirPermissions = 0o755
	// DefaultFilePermissions is used for snapshot files written by FileSink.
	DefaultFilePermissions = 0o644
)

// Sink receives named snapshot objects.
type Sink interface {
	Write(ctx context.Context, name string, r io.Reader) error
	Close() error
}

// FileSink writes snapshots under a local directory.
type FileSink struct {
	dir string
}

// NewFileSink creates a sink rooted at dir. The directory is created on first
// write.
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

func (s *FileSink) Write(ctx context.Context, name string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := filepath.Join(s.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), DefaultDirPermissions); err != nil {
		return err
	}

	// Write to a temp file and rename so readers never see a partial snapshot.
	tmp := p + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, DefaultFilePermissions)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, p)
}

func (s *FileSink) Close() error { return nil }

func (s *FileSink) String() string { return "file://" + s.dir }

// GCSSink writes snapshots to a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
	owned  bool
}

// NewGCSSink wraps an existing client. The caller keeps ownership of it.
func NewGCSSink(client *storage.Client, bucket, prefix string) *GCSSink {
	return &GCSSink{client: client, bucket: bucket, prefix: prefix}
}

func (s *GCSSink) Write(ctx context.Context, name string, r io.Reader) error {
	obj := s.client.Bucket(s.bucket).Object(objectKey(s.prefix, name))
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/x-ndjson"

	if _, err := io.Copy(writer, r); err != nil {
		writer.Close()
		return fmt.Errorf("failed to upload gs://%s/%s: %w", s.bucket, obj.ObjectName(), err)
	}
	return writer.Close()
}

func (s *GCSSink) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func (s *GCSSink) String() string { return "gs://" + path.Join(s.bucket, s.prefix) }

// S3Sink writes snapshots to an S3 or S3-compatible bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink wraps an existing client.
func NewS3Sink(client *s3.Client, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Sink) Write(ctx context.Context, name string, r io.Reader) error {
	// PutObject needs a seekable body to sign the payload.
	body, ok := r.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	key := objectKey(s.prefix, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// Close is a no-op; the S3 client holds no resources.
func (s *S3Sink) Close() error { return nil }

func (s *S3Sink) String() string { return "s3://" + path.Join(s.bucket, s.prefix) }

func objectKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// SinkOptions configures the clients ParseSinkURL builds.
type SinkOptions struct {
	// GCSCredentialsFile is a service account JSON file; ADC is used if empty.
	GCSCredentialsFile string

	// S3Endpoint points the S3 client at a compatible store such as MinIO.
	// Path-style addressing is used when it is set.
	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
}

// ParseSinkURL builds a sink from gs://bucket/prefix, s3://bucket/prefix or
// file://dir. A bare path is treated as a directory.
func ParseSinkURL(ctx context.Context, raw string, opts SinkOptions) (Sink, error) {
	if raw == "" {
		return nil, db.WithContext(db.ErrInvalidConfig, map[string]interface{}{
			"field":  "sink",
			"reason": "destination is required",
		})
	}
	if !strings.Contains(raw, "://") {
		return NewFileSink(raw), nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, db.WithContext(db.ErrInvalidConfig, map[string]interface{}{
			"field": "sink",
			"value": raw,
			"cause": err.Error(),
		})
	}
	prefix := strings.TrimPrefix(u.Path, "/")

	switch u.Scheme {
	case "file":
		dir := u.Host + u.Path
		if dir == "" {
			return nil, invalidSink(raw, "missing directory")
		}
		return NewFileSink(dir), nil

	case "gs":
		if u.Host == "" {
			return nil, invalidSink(raw, "missing bucket")
		}
		var clientOpts []option.ClientOption
		if opts.GCSCredentialsFile != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(opts.GCSCredentialsFile))
		}
		client, err := storage.NewClient(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCS client: %w", err)
		}
		sink := NewGCSSink(client, u.Host, prefix)
		sink.owned = true
		return sink, nil

	case "s3":
		if u.Host == "" {
			return nil, invalidSink(raw, "missing bucket")
		}
		client, err := newS3Client(ctx, opts)
		if err != nil {
			return nil, err
		}
		return NewS3Sink(client, u.Host, prefix), nil
	}
	return nil, invalidSink(raw, "unsupported scheme "+u.Scheme)
}

func invalidSink(raw, reason string) error {
	return db.WithContext(db.ErrInvalidConfig, map[string]interface{}{
		"field":  "sink",
		"value":  raw,
		"reason": reason,
	})
}

func newS3Client(ctx context.Context, opts SinkOptions) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.S3Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.S3Region))
	}
	if opts.S3AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.S3AccessKey, opts.S3SecretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.Region == "" {
		// MinIO ignores the region but the SDK requires one.
		cfg.Region = "us-east-1"
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.S3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// WriteJSONL writes one JSON object per line.
func WriteJSONL(w io.Writer, docs []db.Document) (int, error) {
	enc := json.NewEncoder(w)
	for i, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return i, db.WithContext(db.ErrInvalidData, map[string]interface{}{
				"id":    doc.ID(),
				"cause": err.Error(),
			})
		}
	}
	return len(docs), nil
}

// Summary describes one finished export.
type Summary struct {
	Collection string        `json:"collection"`
	Object     string        `json:"object"`
	Documents  int           `json:"documents"`
	Bytes      int           `json:"bytes"`
	Duration   time.Duration `json:"duration"`
}

// Exporter copies collections from a DocumentSource into a Sink.
type Exporter struct {
	logger db.Logger
	now    func() time.Time

	// Timestamped appends the export time to object names so repeated
	// exports do not overwrite each other.
	Timestamped bool
}

// NewExporter creates an exporter. A nil logger discards output.
func NewExporter(logger db.Logger) *Exporter {
	if logger == nil {
		logger = &db.NoOpLogger{}
	}
	return &Exporter{logger: logger, now: time.Now}
}

// ObjectName returns the name a snapshot of collection is written under.
func (e *Exporter) ObjectName(collection string) string {
	if !e.Timestamped {
		return collection + ".jsonl"
	}
	return fmt.Sprintf("%s-%s.jsonl", collection, e.now().UTC().Format("20060102T150405Z"))
}

// Export reads every document of collection from source and writes it to
// sink as JSON Lines.
func (e *Exporter) Export(ctx context.Context, source db.DocumentSource, collection string, sink Sink) db.OperationResult[Summary] {
	start := e.now()

	res := source.ExportCollection(ctx, collection)
	if !res.Success {
		e.logger.Warn("export read failed", "collection", collection, "error", res.Err)
		return db.Fail[Summary](res.Err, "export of "+collection+" failed: "+res.Message)
	}

	var buf bytes.Buffer
	n, err := WriteJSONL(&buf, res.Data)
	if err != nil {
		return db.Fail[Summary](err, "export of "+collection+" failed to encode")
	}

	summary := Summary{
		Collection: collection,
		Object:     e.ObjectName(collection),
		Documents:  n,
		Bytes:      buf.Len(),
	}
	if err := sink.Write(ctx, summary.Object, bytes.NewReader(buf.Bytes())); err != nil {
		e.logger.Error("export write failed", "collection", collection, "object", summary.Object, "error", err)
		return db.Fail[Summary](fmt.Errorf("%w: %w", db.ErrBackendUnavailable, err), "export of "+collection+" failed to write")
	}
	summary.Duration = e.now().Sub(start)

	e.logger.Info("export complete",
		"collection", collection,
		"object", summary.Object,
		"documents", n,
		"bytes", summary.Bytes)
	return db.Ok(summary, fmt.Sprintf("exported %d documents from %s", n, collection))
}
