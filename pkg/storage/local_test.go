package storage

import (
	"context"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/angelmondragon/mediasearch-backend/pkg/config"
	"github.com/angelmondragon/mediasearch-backend/pkg/enums"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(config.StorageConfig{UploadPath: t.TempDir(), ThumbnailWidth: 64, ThumbnailHeight: 48})
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return l
}

func TestSaveOriginalAndThumbnail(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()
	userID, uploadID := uuid.New(), uuid.New()

	src := filepath.Join(t.TempDir(), "photo.png")
	if err := imaging.Save(imaging.New(320, 200, color.NRGBA{R: 200, A: 255}), src); err != nil {
		t.Fatalf("seed image: %v", err)
	}
	f, err := os.Open(src)
	if err != nil {
		t.Fatalf("open seed: %v", err)
	}
	defer f.Close()

	rel, size, err := l.SaveOriginal(ctx, userID, uploadID, "Photo.PNG", f)
	if err != nil {
		t.Fatalf("SaveOriginal: %v", err)
	}
	if size == 0 {
		t.Fatal("expected bytes written")
	}
	want := userID.String() + "/" + uploadID.String() + "/original.png"
	if rel != want {
		t.Fatalf("expected rel %s, got %s", want, rel)
	}

	thumbRel, err := l.GenerateThumbnail(ctx, userID, uploadID, rel, enums.FileTypeImage)
	if err != nil {
		t.Fatalf("GenerateThumbnail: %v", err)
	}
	abs, err := l.AbsPath(thumbRel)
	if err != nil {
		t.Fatalf("AbsPath: %v", err)
	}
	w, h, err := ImageSize(abs)
	if err != nil {
		t.Fatalf("ImageSize: %v", err)
	}
	if w != 64 || h != 48 {
		t.Fatalf("expected 64x48 thumbnail, got %dx%d", w, h)
	}

	if err := l.Delete(ctx, userID, uploadID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(abs); !os.IsNotExist(err) {
		t.Fatalf("expected thumbnail removed, stat err=%v", err)
	}
}

func TestExtractFramesUsesRunnerAndCaps(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()
	userID, uploadID := uuid.New(), uuid.New()

	rel, _, err := l.SaveOriginal(ctx, userID, uploadID, "clip.mp4", strings.NewReader("not really a video"))
	if err != nil {
		t.Fatalf("SaveOriginal: %v", err)
	}

	var gotArgs []string
	l.WithRunner(func(ctx context.Context, name string, args ...string) error {
		gotArgs = args
		pattern := args[len(args)-1]
		for i := 1; i <= 5; i++ {
			path := strings.Replace(pattern, "%04d", []string{"0001", "0002", "0003", "0004", "0005"}[i-1], 1)
			if err := os.WriteFile(path, []byte("jpg"), 0o644); err != nil {
				return err
			}
		}
		return nil
	})

	frames, err := l.ExtractFrames(ctx, rel, 3)
	if err != nil {
		t.Fatalf("ExtractFrames: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if filepath.Base(frames[0]) != "frame_0001.jpg" || filepath.Base(frames[2]) != "frame_0003.jpg" {
		t.Fatalf("frames out of order: %v", frames)
	}
	if !containsPair(gotArgs, "-frames:v", "3") {
		t.Fatalf("expected frame cap passed to ffmpeg, args=%v", gotArgs)
	}
}

func TestAbsPathRejectsTraversal(t *testing.T) {
	l := newTestLocal(t)
	got, err := l.AbsPath("../../etc/passwd")
	if err != nil {
		t.Fatalf("cleaned traversal should stay under root: %v", err)
	}
	if !strings.HasPrefix(got, l.Root()) {
		t.Fatalf("expected %s under %s", got, l.Root())
	}
	if _, err := l.AbsPath(""); err == nil {
		t.Fatal("expected empty path to fail")
	}
}

func containsPair(args []string, key, value string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == key && args[i+1] == value {
			return true
		}
	}
	return false
}
