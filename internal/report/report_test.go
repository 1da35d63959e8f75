package report

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/scanhive-labs/scanhive-go/internal/domain"
)

type fakeStore struct {
	bucket string
	object string
	body   []byte
}

func (f *fakeStore) PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.bucket = bucket
	f.object = object
	body, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.body = body
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func TestArchiveWritesReportObject(t *testing.T) {
	store := &fakeStore{}
	a := NewArchiver(store, "scanhive-reports", slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := a.Archive(context.Background(), ExecutionReport{
		ScanJobID:    "job-9",
		UserID:       "user-1",
		Status:       domain.ScanStatusCompleted,
		TotalDomains: 600,
		TotalBatches: 3,
	})
	if err != nil {
		t.Fatalf("Archive() err=%v", err)
	}
	if store.object != "scans/job-9/report.json" {
		t.Fatalf("object=%q, want scans/job-9/report.json", store.object)
	}
	var rep ExecutionReport
	if err := json.Unmarshal(store.body, &rep); err != nil {
		t.Fatalf("archived body not json: %v", err)
	}
	if rep.TotalBatches != 3 || rep.Status != domain.ScanStatusCompleted {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestNilArchiverIsNoOp(t *testing.T) {
	var a *Archiver
	if err := a.Archive(context.Background(), ExecutionReport{ScanJobID: "job-9"}); err != nil {
		t.Fatalf("nil archiver should no-op, got %v", err)
	}
	if got := NewArchiver(nil, "bucket", nil); got != nil {
		t.Fatalf("NewArchiver(nil store) should be nil")
	}
}
