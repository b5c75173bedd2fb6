package enums

import (
	"fmt"
	"strings"
)

// FileType distinguishes still images from videos.
type FileType string

const (
	FileTypeImage FileType = "image"
	FileTypeVideo FileType = "video"
)

var validFileTypes = []FileType{
	FileTypeImage,
	FileTypeVideo,
}

func (f FileType) String() string {
	return string(f)
}

func (f FileType) IsValid() bool {
	for _, candidate := range validFileTypes {
		if candidate == f {
			return true
		}
	}
	return false
}

func ParseFileType(value string) (FileType, error) {
	for _, candidate := range validFileTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid file type %q", value)
}

// FileTypeFromMIME classifies a MIME type, returning false for anything that
// is neither image nor video.
func FileTypeFromMIME(mimeType string) (FileType, bool) {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return FileTypeImage, true
	case strings.HasPrefix(mimeType, "video/"):
		return FileTypeVideo, true
	}
	return "", false
}
