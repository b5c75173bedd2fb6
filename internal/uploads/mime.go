package uploads

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/angelmondragon/mediasearch-backend/pkg/enums"
)

var extensionsByMIME = map[string]string{
	"image/jpeg":      "jpg",
	"image/jpg":       "jpg",
	"image/png":       "png",
	"image/webp":      "webp",
	"image/heic":      "heic",
	"image/heif":      "heif",
	"video/mp4":       "mp4",
	"video/quicktime": "mov",
	"video/x-msvideo": "avi",
	"video/webm":      "webm",
	"video/mpeg":      "mpeg",
	"video/x-flv":     "flv",
}

func allowedMIMEList() string {
	list := make([]string, 0, len(extensionsByMIME))
	for mime := range extensionsByMIME {
		list = append(list, mime)
	}
	sort.Strings(list)
	return strings.Join(list, ", ")
}

// detectMIME sniffs the leading bytes of r. The declared content type is only used
// when the content itself is not recognised.
func detectMIME(r io.ReadSeeker, declared string) (string, error) {
	detected, err := mimetype.DetectReader(r)
	if err != nil {
		return "", fmt.Errorf("sniff content type: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind upload: %w", err)
	}
	mime := normalizeMIME(detected.String())
	if mime == "application/octet-stream" || mime == "" {
		mime = normalizeMIME(declared)
	}
	return mime, nil
}

func normalizeMIME(value string) string {
	if idx := strings.Index(value, ";"); idx >= 0 {
		value = value[:idx]
	}
	return strings.ToLower(strings.TrimSpace(value))
}

// classifyMIME returns the file type for a supported MIME type.
func classifyMIME(mime string) (enums.FileType, error) {
	if _, ok := extensionsByMIME[mime]; !ok {
		return "", fmt.Errorf("MIME type %s is not supported (allowed: %s)", mime, allowedMIMEList())
	}
	fileType, ok := enums.FileTypeFromMIME(mime)
	if !ok {
		return "", fmt.Errorf("MIME type %s is not supported", mime)
	}
	return fileType, nil
}
