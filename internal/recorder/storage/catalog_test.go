package storage

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestPostgresCatalog(t *testing.T) {
	dsn := os.Getenv("CLIPCAM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CLIPCAM_TEST_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := NewPostgresCatalog(ctx, PostgresConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("NewPostgresCatalog: %v", err)
	}
	defer c.Close()

	clip := "test_" + time.Now().UTC().Format("20060102_150405.000000000")
	rec := &UploadRecord{
		DeviceID:   "test",
		ClipName:   clip,
		Backend:    "presign",
		Status:     UploadSucceeded,
		SizeBytes:  1234,
		DurationMS: 56,
	}
	if err := c.RecordUpload(ctx, rec); err != nil {
		t.Fatalf("RecordUpload: %v", err)
	}
	if rec.ID == 0 || rec.CreatedAt.IsZero() {
		t.Fatalf("record not populated: %+v", rec)
	}

	recent, err := c.RecentUploads(ctx, 10)
	if err != nil {
		t.Fatalf("RecentUploads: %v", err)
	}
	found := false
	for _, r := range recent {
		if r.ClipName == clip && r.Status == UploadSucceeded && r.SizeBytes == 1234 {
			found = true
		}
	}
	if !found {
		t.Fatalf("recorded upload %q not in recent uploads", clip)
	}
}

func TestNewPostgresCatalogRejectsEmptyDSN(t *testing.T) {
	if _, err := NewPostgresCatalog(context.Background(), PostgresConfig{}); err == nil {
		t.Fatal("expected error")
	}
}
