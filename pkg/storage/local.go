package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/angelmondragon/mediasearch-backend/pkg/config"
	"github.com/angelmondragon/mediasearch-backend/pkg/enums"
)

const (
	thumbnailName = "thumbnail.jpg"
	framesDirName = "frames"
)

// CommandRunner executes an external binary. Tests swap it out to avoid
// depending on ffmpeg being installed.
type CommandRunner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("%s: %w", name, err)
		}
		return fmt.Errorf("%s: %w: %s", name, err, msg)
	}
	return nil
}

// Local stores originals, thumbnails and extracted frames on the filesystem,
// scoped as <root>/<user_id>/<upload_id>/.
type Local struct {
	root        string
	thumbWidth  int
	thumbHeight int
	ffmpeg      string
	run         CommandRunner
}

// NewLocal creates the storage root if needed.
func NewLocal(cfg config.StorageConfig) (*Local, error) {
	root := strings.TrimSpace(cfg.UploadPath)
	if root == "" {
		return nil, errors.New("upload path is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve upload path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create upload path: %w", err)
	}
	ffmpeg := cfg.FFmpegBinary
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	w, h := cfg.ThumbnailWidth, cfg.ThumbnailHeight
	if w <= 0 {
		w = 256
	}
	if h <= 0 {
		h = 256
	}
	return &Local{root: abs, thumbWidth: w, thumbHeight: h, ffmpeg: ffmpeg, run: execRunner}, nil
}

// WithRunner replaces the external command runner.
func (l *Local) WithRunner(run CommandRunner) *Local {
	if run != nil {
		l.run = run
	}
	return l
}

// Root returns the absolute storage root.
func (l *Local) Root() string {
	return l.root
}

func (l *Local) uploadDir(userID, uploadID uuid.UUID) string {
	return filepath.Join(l.root, userID.String(), uploadID.String())
}

// AbsPath resolves a storage-relative path, rejecting anything that escapes the root.
func (l *Local) AbsPath(rel string) (string, error) {
	if rel == "" {
		return "", errors.New("empty storage path")
	}
	full := filepath.Join(l.root, filepath.Clean("/"+rel))
	if !strings.HasPrefix(full, l.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes storage root", rel)
	}
	return full, nil
}

func (l *Local) relPath(full string) string {
	rel, err := filepath.Rel(l.root, full)
	if err != nil {
		return full
	}
	return filepath.ToSlash(rel)
}

// SaveOriginal writes the uploaded bytes and returns the relative path and size.
func (l *Local) SaveOriginal(ctx context.Context, userID, uploadID uuid.UUID, filename string, r io.Reader) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	dir := l.uploadDir(userID, uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create upload dir: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	full := filepath.Join(dir, "original"+ext)

	f, err := os.Create(full)
	if err != nil {
		return "", 0, fmt.Errorf("create original: %w", err)
	}
	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil {
		_ = os.Remove(full)
		return "", 0, fmt.Errorf("write original: %w", copyErr)
	}
	if closeErr != nil {
		return "", 0, fmt.Errorf("close original: %w", closeErr)
	}
	return l.relPath(full), n, nil
}

// GenerateThumbnail writes a cropped JPEG thumbnail next to the original. Videos
// are thumbnailed from their first frame.
func (l *Local) GenerateThumbnail(ctx context.Context, userID, uploadID uuid.UUID, rel string, fileType enums.FileType) (string, error) {
	src, err := l.AbsPath(rel)
	if err != nil {
		return "", err
	}
	dir := l.uploadDir(userID, uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	if fileType == enums.FileTypeVideo {
		firstFrame := filepath.Join(dir, "first_frame.jpg")
		if err := l.run(ctx, l.ffmpeg, "-hide_banner", "-loglevel", "error", "-y", "-i", src, "-frames:v", "1", firstFrame); err != nil {
			return "", fmt.Errorf("extract first frame: %w", err)
		}
		defer os.Remove(firstFrame)
		src = firstFrame
	}

	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode source: %w", err)
	}
	thumb := imaging.Fill(img, l.thumbWidth, l.thumbHeight, imaging.Center, imaging.Lanczos)
	out := filepath.Join(dir, thumbnailName)
	if err := imaging.Save(thumb, out, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("save thumbnail: %w", err)
	}
	return l.relPath(out), nil
}

// ExtractFrames samples at most one frame per second, capped at maxFrames, and
// returns absolute frame paths in playback order.
func (l *Local) ExtractFrames(ctx context.Context, rel string, maxFrames int) ([]string, error) {
	src, err := l.AbsPath(rel)
	if err != nil {
		return nil, err
	}
	if maxFrames <= 0 {
		maxFrames = 1
	}
	framesDir := filepath.Join(filepath.Dir(src), framesDirName)
	if err := os.RemoveAll(framesDir); err != nil {
		return nil, fmt.Errorf("reset frames dir: %w", err)
	}
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create frames dir: %w", err)
	}

	pattern := filepath.Join(framesDir, "frame_%04d.jpg")
	if err := l.run(ctx, l.ffmpeg,
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", src,
		"-vf", "fps=1",
		"-frames:v", strconv.Itoa(maxFrames),
		pattern,
	); err != nil {
		return nil, fmt.Errorf("extract frames: %w", err)
	}

	frames, err := filepath.Glob(filepath.Join(framesDir, "frame_*.jpg"))
	if err != nil {
		return nil, err
	}
	sort.Strings(frames)
	if len(frames) > maxFrames {
		frames = frames[:maxFrames]
	}
	if len(frames) == 0 {
		return nil, errors.New("no frames extracted")
	}
	return frames, nil
}

// Delete removes every file stored for the upload.
func (l *Local) Delete(ctx context.Context, userID, uploadID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return os.RemoveAll(l.uploadDir(userID, uploadID))
}

// ImageSize reports decoded dimensions without loading the full image.
func ImageSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
