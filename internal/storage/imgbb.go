package storage

import (
	"context"
	"fmt"

	"genstudio/internal/domain"
	"genstudio/internal/infra/credentials"
	"genstudio/internal/providers/imgbb"
)

// ImgBBHost uploads through ImgBB, the default host.
type ImgBBHost struct {
	client *imgbb.Client
	key    credentials.KeyFunc
}

// NewImgBBHost wraps client. When key is non-nil it is consulted on every
// upload and a non-empty result replaces the client's own key.
func NewImgBBHost(client *imgbb.Client, key credentials.KeyFunc) *ImgBBHost {
	return &ImgBBHost{client: client, key: key}
}

func (h *ImgBBHost) Upload(ctx context.Context, img Image) (string, error) {
	client := h.client
	if h.key != nil {
		k, err := h.key(ctx)
		if err != nil {
			return "", fmt.Errorf("imgbb: resolve api key: %w", err)
		}
		if k != "" {
			client = client.WithAPIKey(k)
		}
	}
	if !client.HasCredentials() {
		return "", fmt.Errorf("%w: imgbb api key", domain.ErrNotConfigured)
	}
	return client.Upload(ctx, img.Data, "")
}

var _ Host = (*ImgBBHost)(nil)
