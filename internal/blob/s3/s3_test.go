package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/takarun/takaledger/internal/domain"
)

type memBlobs struct {
	objects map[string][]byte
	puts    int
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.puts++
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.ObjectInfo, error) {
	var out []domain.ObjectInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

type fakeAudit struct {
	rows      []domain.AuditEntry
	deleteErr error
}

func (f *fakeAudit) ExportBefore(_ context.Context, before time.Time, limit int) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for _, r := range f.rows {
		if r.CreatedAt.Before(before) && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeAudit) DeleteThrough(_ context.Context, before time.Time, maxID int64) (int64, error) {
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	kept := f.rows[:0]
	var n int64
	for _, r := range f.rows {
		if r.CreatedAt.Before(before) && r.ID <= maxID {
			n++
			continue
		}
		kept = append(kept, r)
	}
	f.rows = kept
	return n, nil
}

type fakeJobs struct{ rows []domain.MirrorJob }

func (f *fakeJobs) ExportSettledBefore(_ context.Context, before time.Time, limit int) ([]domain.MirrorJob, error) {
	var out []domain.MirrorJob
	for _, j := range f.rows {
		if j.State != domain.MirrorPending && j.UpdatedAt.Before(before) && len(out) < limit {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobs) DeleteJobs(_ context.Context, ids []int64) (int64, error) {
	drop := map[int64]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	kept := f.rows[:0]
	var n int64
	for _, j := range f.rows {
		if drop[j.ID] {
			n++
			continue
		}
		kept = append(kept, j)
	}
	f.rows = kept
	return n, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func auditRows(n int, at time.Time) []domain.AuditEntry {
	rows := make([]domain.AuditEntry, n)
	for i := range rows {
		rows[i] = domain.AuditEntry{ID: int64(i + 1), Event: "mirror_abandoned", CreatedAt: at}
	}
	return rows
}

func TestArchiveAudit_Batches(t *testing.T) {
	old := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	blobs := newMemBlobs()
	audit := &fakeAudit{rows: auditRows(5, old)}
	a := NewArchiver(blobs, blobs, audit, &fakeJobs{}, 2, discard())

	n, err := a.ArchiveAudit(context.Background(), old.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("ArchiveAudit: %v", err)
	}
	if n != 5 {
		t.Fatalf("archived = %d, want 5", n)
	}
	if len(audit.rows) != 0 {
		t.Fatalf("rows left = %d", len(audit.rows))
	}
	want := "archive/audit/2025-01/000000000001-000000000002.jsonl"
	body, ok := blobs.objects[want]
	if !ok {
		t.Fatalf("missing batch %s in %v", want, blobs.objects)
	}
	if lines := strings.Count(string(body), "\n"); lines != 2 {
		t.Errorf("batch lines = %d, want 2", lines)
	}
	if len(blobs.objects) != 3 {
		t.Errorf("batches = %d, want 3", len(blobs.objects))
	}
}

func TestArchiveAudit_ResumesAfterFailedDelete(t *testing.T) {
	old := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	blobs := newMemBlobs()
	audit := &fakeAudit{rows: auditRows(3, old), deleteErr: errors.New("conn reset")}
	a := NewArchiver(blobs, blobs, audit, &fakeJobs{}, 10, discard())

	if _, err := a.ArchiveAudit(context.Background(), old.AddDate(0, 0, 1)); err == nil {
		t.Fatal("expected delete failure")
	}
	if blobs.puts != 1 {
		t.Fatalf("puts = %d, want 1", blobs.puts)
	}

	audit.deleteErr = nil
	n, err := a.ArchiveAudit(context.Background(), old.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if n != 3 {
		t.Fatalf("archived = %d, want 3", n)
	}
	if blobs.puts != 1 {
		t.Errorf("batch uploaded again: puts = %d", blobs.puts)
	}
}

func TestArchiveMirrorJobs_SkipsPending(t *testing.T) {
	old := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	jobs := &fakeJobs{rows: []domain.MirrorJob{
		{ID: 1, State: domain.MirrorConfirmed, UpdatedAt: old},
		{ID: 2, State: domain.MirrorPending, UpdatedAt: old},
		{ID: 3, State: domain.MirrorAbandoned, UpdatedAt: old},
	}}
	blobs := newMemBlobs()
	a := NewArchiver(blobs, blobs, &fakeAudit{}, jobs, 100, discard())

	n, err := a.ArchiveMirrorJobs(context.Background(), old.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("ArchiveMirrorJobs: %v", err)
	}
	if n != 2 {
		t.Fatalf("archived = %d, want 2", n)
	}
	if len(jobs.rows) != 1 || jobs.rows[0].ID != 2 {
		t.Fatalf("remaining = %+v, want only the pending job", jobs.rows)
	}
	if _, ok := blobs.objects["archive/mirror_jobs/2025-02/000000000001-000000000003.jsonl"]; !ok {
		t.Errorf("unexpected keys %v", blobs.objects)
	}
}

func TestTrackStore_RoundTrip(t *testing.T) {
	blobs := newMemBlobs()
	ts := NewTrackStore(blobs, blobs)
	points := []domain.GPSPoint{{Lat: 35.68, Lng: 139.76, Timestamp: 1000}, {Lat: 35.69, Lng: 139.77, Timestamp: 1010}}

	key, err := ts.PutTrack(context.Background(), "u1", "run1", points)
	if err != nil {
		t.Fatalf("PutTrack: %v", err)
	}
	if key != "tracks/u1/run1.json" {
		t.Fatalf("key = %q", key)
	}
	got, err := ts.GetTrack(context.Background(), key)
	if err != nil {
		t.Fatalf("GetTrack: %v", err)
	}
	if len(got) != 2 || got[1].Timestamp != 1010 {
		t.Errorf("track = %+v", got)
	}
	if _, err := ts.GetTrack(context.Background(), "tracks/u1/none.json"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing track err = %v", err)
	}
}

func TestEndpointURL(t *testing.T) {
	cases := []struct {
		in   string
		ssl  bool
		want string
	}{
		{"https://r2.example.com", false, "https://r2.example.com"},
		{"minio:9000", false, "http://minio:9000"},
		{"minio:9000", true, "https://minio:9000"},
	}
	for _, c := range cases {
		if got := endpointURL(c.in, c.ssl); got != c.want {
			t.Errorf("endpointURL(%q, %v) = %q, want %q", c.in, c.ssl, got, c.want)
		}
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(&types.NoSuchKey{}) {
		t.Error("NoSuchKey not recognised")
	}
	if !isNotFound(&types.NotFound{}) {
		t.Error("NotFound not recognised")
	}
	if isNotFound(errors.New("timeout")) || isNotFound(nil) {
		t.Error("false positive")
	}
}
