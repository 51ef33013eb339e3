package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ecdevz/db"
)

type fakeSource struct {
	docs map[string][]db.Document
	err  error
}

func (f *fakeSource) ExportCollection(ctx context.Context, collection string) db.OperationResult[[]db.Document] {
	if f.err != nil {
		return db.Fail[[]db.Document](f.err, "export failed")
	}
	return db.Ok(f.docs[collection], "")
}

type failingSink struct{ err error }

func (s failingSink) Write(ctx context.Context, name string, r io.Reader) error { return s.err }
func (s failingSink) Close() error                                              { return nil }

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			t.Fatalf("Invalid JSON line %q: %v", scanner.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestWriteJSONL(t *testing.T) {
	var buf bytes.Buffer
	n, err := WriteJSONL(&buf, []db.Document{
		{"id": "a", "n": 1},
		{"id": "b", "tags": []any{"x", "y"}},
	})
	if err != nil {
		t.Fatalf("WriteJSONL failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 documents written, got %d", n)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"id":"a"`) {
		t.Errorf("Expected first line to hold document a, got %s", lines[0])
	}
}

func TestWriteJSONL_Unencodable(t *testing.T) {
	var buf bytes.Buffer
	n, err := WriteJSONL(&buf, []db.Document{
		{"id": "ok"},
		{"id": "bad", "ch": make(chan int)},
	})
	if !errors.Is(err, db.ErrInvalidData) {
		t.Fatalf("Expected ErrInvalidData, got %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 document before the failure, got %d", n)
	}
}

func TestFileSink_Write(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(dir)

	if err := sink.Write(context.Background(), "nested/users.jsonl", strings.NewReader("{}\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "nested", "users.jsonl"))
	if err != nil {
		t.Fatalf("Expected snapshot file: %v", err)
	}
	if string(data) != "{}\n" {
		t.Errorf("Unexpected content %q", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "nested", "users.jsonl.tmp")); !os.IsNotExist(err) {
		t.Error("Expected temp file to be renamed away")
	}
}

func TestFileSink_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewFileSink(t.TempDir()).Write(ctx, "x.jsonl", strings.NewReader(""))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix, name, want string
	}{
		{"", "users.jsonl", "users.jsonl"},
		{"backups", "users.jsonl", "backups/users.jsonl"},
		{"/backups/daily/", "users.jsonl", "backups/daily/users.jsonl"},
	}
	for _, tt := range tests {
		if got := objectKey(tt.prefix, tt.name); got != tt.want {
			t.Errorf("objectKey(%q, %q) = %q, want %q", tt.prefix, tt.name, got, tt.want)
		}
	}
}

func TestParseSinkURL_File(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, raw := range []string{dir, "file://" + dir} {
		sink, err := ParseSinkURL(ctx, raw, SinkOptions{})
		if err != nil {
			t.Fatalf("ParseSinkURL(%q) failed: %v", raw, err)
		}
		fs, ok := sink.(*FileSink)
		if !ok {
			t.Fatalf("Expected *FileSink, got %T", sink)
		}
		if fs.dir != dir {
			t.Errorf("Expected dir %q, got %q", dir, fs.dir)
		}
	}
}

func TestParseSinkURL_S3(t *testing.T) {
	sink, err := ParseSinkURL(context.Background(), "s3://snapshots/daily", SinkOptions{
		S3Endpoint:  "http://localhost:9000",
		S3AccessKey: "minioadmin",
		S3SecretKey: "minioadmin",
	})
	if err != nil {
		t.Fatalf("ParseSinkURL failed: %v", err)
	}
	s3s, ok := sink.(*S3Sink)
	if !ok {
		t.Fatalf("Expected *S3Sink, got %T", sink)
	}
	if s3s.bucket != "snapshots" || s3s.prefix != "daily" {
		t.Errorf("Unexpected bucket/prefix %q/%q", s3s.bucket, s3s.prefix)
	}
	if s3s.String() != "s3://snapshots/daily" {
		t.Errorf("Unexpected String() %q", s3s.String())
	}
}

func TestParseSinkURL_Invalid(t *testing.T) {
	tests := []string{
		"",
		"ftp://host/path",
		"s3:///no-bucket",
		"gs:///no-bucket",
	}
	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseSinkURL(context.Background(), raw, SinkOptions{})
			if !errors.Is(err, db.ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig for %q, got %v", raw, err)
			}
		})
	}
}

func TestExporter_Export(t *testing.T) {
	dir := t.TempDir()
	source := &fakeSource{docs: map[string][]db.Document{
		"users": {
			{"id": "u1", "name": "Ada"},
			{"id": "u2", "name": "Grace"},
		},
	}}

	res := NewExporter(nil).Export(context.Background(), source, "users", NewFileSink(dir))
	if !res.Success {
		t.Fatalf("Export failed: %v", res.Err)
	}
	if res.Data.Documents != 2 {
		t.Errorf("Expected 2 documents, got %d", res.Data.Documents)
	}
	if res.Data.Object != "users.jsonl" {
		t.Errorf("Expected object users.jsonl, got %s", res.Data.Object)
	}

	lines := readLines(t, filepath.Join(dir, "users.jsonl"))
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(lines))
	}
	if lines[1]["name"] != "Grace" {
		t.Errorf("Expected second document Grace, got %v", lines[1])
	}
	if res.Data.Bytes == 0 {
		t.Error("Expected byte count to be recorded")
	}
}

func TestExporter_EmptyCollection(t *testing.T) {
	dir := t.TempDir()
	res := NewExporter(nil).Export(context.Background(), &fakeSource{}, "empty", NewFileSink(dir))
	if !res.Success {
		t.Fatalf("Export failed: %v", res.Err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "empty.jsonl"))
	if err != nil {
		t.Fatalf("Expected an empty snapshot file: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("Expected empty file, got %q", data)
	}
}

func TestExporter_SourceFailure(t *testing.T) {
	source := &fakeSource{err: db.ErrNotConnected}
	res := NewExporter(nil).Export(context.Background(), source, "users", NewFileSink(t.TempDir()))
	if res.Success {
		t.Fatal("Expected export to fail")
	}
	if !res.Is(db.ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", res.Err)
	}
}

func TestExporter_SinkFailure(t *testing.T) {
	source := &fakeSource{docs: map[string][]db.Document{"users": {{"id": "u1"}}}}
	sinkErr := errors.New("disk full")

	res := NewExporter(nil).Export(context.Background(), source, "users", failingSink{err: sinkErr})
	if res.Success {
		t.Fatal("Expected export to fail")
	}
	if !errors.Is(res.Err, sinkErr) {
		t.Errorf("Expected sink error in chain, got %v", res.Err)
	}
	if !res.Is(db.ErrBackendUnavailable) {
		t.Errorf("Expected ErrBackendUnavailable, got %v", res.Err)
	}
}

func TestExporter_TimestampedName(t *testing.T) {
	e := NewExporter(nil)
	e.Timestamped = true
	e.now = func() time.Time { return time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC) }

	if got := e.ObjectName("orders"); got != "orders-20260301T123000Z.jsonl" {
		t.Errorf("Unexpected object name %q", got)
	}
}
