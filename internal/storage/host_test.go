package storage

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestDecodeImage(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString(pngBytes)
	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr bool
	}{
		{name: "data url", ref: "data:image/png;base64," + encoded, want: "image/png"},
		{name: "bare base64", ref: encoded, want: "image/png"},
		{name: "unpadded", ref: strings.TrimRight(encoded, "="), want: "image/png"},
		{name: "empty", ref: "", wantErr: true},
		{name: "not base64 data url", ref: "data:image/png," + encoded, wantErr: true},
		{name: "garbage", ref: "%%%not-base64%%%", wantErr: true},
		{name: "text payload", ref: base64.StdEncoding.EncodeToString([]byte("hello world")), wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			img, err := DecodeImage(tc.ref)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidImage) {
					t.Fatalf("expected ErrInvalidImage, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeImage error: %v", err)
			}
			if img.ContentType != tc.want {
				t.Fatalf("content type = %q, want %q", img.ContentType, tc.want)
			}
			if string(img.Data) != string(pngBytes) {
				t.Fatalf("decoded bytes mismatch")
			}
		})
	}
}

func TestObjectKey(t *testing.T) {
	now := time.Date(2026, 10, 14, 23, 0, 0, 0, time.UTC)
	key := ObjectKey(Image{ContentType: "image/png"}, now)
	if !strings.HasPrefix(key, "refs/2026/10/14/") || !strings.HasSuffix(key, ".png") {
		t.Fatalf("unexpected key %q", key)
	}
	if other := ObjectKey(Image{ContentType: "image/png"}, now); other == key {
		t.Fatalf("keys must be unique, got %q twice", key)
	}
}
