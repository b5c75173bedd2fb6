package db

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/mediasearch-backend/pkg/config"
	"github.com/angelmondragon/mediasearch-backend/pkg/logger"
)

func TestNewOpensSQLite(t *testing.T) {
	client, err := New(context.Background(), config.DBConfig{Driver: "sqlite", DSN: "file::memory:", MaxOpenConns: 1}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer client.Close()

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected ping error: %v", err)
	}
	if client.DB() == nil {
		t.Fatal("expected gorm handle")
	}
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(context.Background(), config.DBConfig{Driver: "sqlite"}, nil); err == nil {
		t.Fatal("expected missing dsn error")
	}
}

func TestDialectorFor(t *testing.T) {
	cases := []struct {
		driver  string
		want    string
		wantErr bool
	}{
		{driver: "", want: "postgres"},
		{driver: "Postgres", want: "postgres"},
		{driver: "sqlite", want: "sqlite"},
		{driver: "mysql", wantErr: true},
	}
	for _, tc := range cases {
		d, err := dialectorFor(config.DBConfig{Driver: tc.driver, DSN: "file::memory:"})
		if tc.wantErr {
			if err == nil {
				t.Fatalf("driver %q: expected error", tc.driver)
			}
			continue
		}
		if err != nil {
			t.Fatalf("driver %q: unexpected error %v", tc.driver, err)
		}
		if d.Name() != tc.want {
			t.Fatalf("driver %q: expected dialector %s, got %s", tc.driver, tc.want, d.Name())
		}
	}
}

func TestGormLoggerTrace(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := logger.New(logger.Options{ServiceName: "test", Level: logger.ParseLevel("debug"), Output: buf})
	gl := newGormLogger(logg, 10*time.Millisecond)
	query := func() (string, int64) { return "UPDATE upload_batches SET processed_uploads = processed_uploads + 1", 1 }
	ctx := context.Background()

	gl.Trace(ctx, time.Now().Add(-time.Second), query, nil)
	if !strings.Contains(buf.String(), "db.slow_query") {
		t.Fatalf("expected slow query warning, got %s", buf.String())
	}

	buf.Reset()
	gl.Trace(ctx, time.Now(), query, gorm.ErrRecordNotFound)
	if buf.Len() != 0 {
		t.Fatalf("record not found should not be logged, got %s", buf.String())
	}

	buf.Reset()
	gl.Trace(ctx, time.Now(), query, errors.New("deadlock detected"))
	if !strings.Contains(buf.String(), "db.query_failed") {
		t.Fatalf("expected query failure log, got %s", buf.String())
	}

	buf.Reset()
	gl.LogMode(gormlogger.Silent).Trace(ctx, time.Now().Add(-time.Second), query, errors.New("boom"))
	if buf.Len() != 0 {
		t.Fatalf("silent mode should drop everything, got %s", buf.String())
	}
}

func TestGormLoggerWorksWithGorm(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: newGormLogger(nil, 0)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var n int
	if err := conn.Raw("SELECT 1").Scan(&n).Error; err != nil || n != 1 {
		t.Fatalf("expected SELECT 1 to succeed, got %d / %v", n, err)
	}
}
