package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxImageBytes bounds one decoded reference image.
const MaxImageBytes = 10 << 20

var ErrInvalidImage = errors.New("storage: invalid image data")

// Image is a decoded reference image ready for hosting.
type Image struct {
	Data        []byte
	ContentType string
}

// Host exchanges image bytes for a URL the generation provider can fetch.
type Host interface {
	Upload(ctx context.Context, img Image) (string, error)
}

// DecodeImage accepts a data URL (data:image/png;base64,...) or bare base64.
func DecodeImage(ref string) (Image, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Image{}, ErrInvalidImage
	}
	payload := ref
	declared := ""
	if strings.HasPrefix(ref, "data:") {
		meta, data, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
		if !ok || !strings.HasSuffix(meta, ";base64") {
			return Image{}, fmt.Errorf("%w: expected base64 data url", ErrInvalidImage)
		}
		declared = strings.TrimSuffix(meta, ";base64")
		payload = data
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return Image{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
	}
	if len(data) == 0 {
		return Image{}, ErrInvalidImage
	}
	if len(data) > MaxImageBytes {
		return Image{}, fmt.Errorf("%w: %d bytes exceeds limit", ErrInvalidImage, len(data))
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		if strings.HasPrefix(declared, "image/") {
			contentType = declared
		} else {
			return Image{}, fmt.Errorf("%w: not an image (%s)", ErrInvalidImage, contentType)
		}
	}
	return Image{Data: data, ContentType: contentType}, nil
}

// ObjectKey names a new upload as refs/YYYY/MM/DD/<uuid>.<ext>.
func ObjectKey(img Image, now time.Time) string {
	return path.Join("refs", now.UTC().Format("2006/01/02"), uuid.NewString()+extension(img.ContentType))
}

func extension(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
