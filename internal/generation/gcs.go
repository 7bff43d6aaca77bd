package generation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSStore writes artifacts to a Google Cloud Storage bucket. Locators
// have the form gs://bucket/object.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore connects with the service account key at credentialsFile, or
// with application default credentials when it is empty.
func NewGCSStore(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return NewGCSStoreWithClient(client, bucket, prefix), nil
}

func NewGCSStoreWithClient(client *storage.Client, bucket, prefix string) *GCSStore {
	return &GCSStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (g *GCSStore) object(name string) string {
	if g.prefix == "" {
		return name
	}
	return g.prefix + "/" + name
}

func (g *GCSStore) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	objName := g.object(name)
	w := g.client.Bucket(g.bucket).Object(objName).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "private, max-age=0"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to write GCS object %s: %w", objName, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer for %s: %w", objName, err)
	}

	return "gs://" + g.bucket + "/" + objName, nil
}

func (g *GCSStore) Delete(ctx context.Context, locator string) error {
	rest, ok := strings.CutPrefix(locator, "gs://"+g.bucket+"/")
	if !ok {
		return fmt.Errorf("not a locator in bucket %s: %q", g.bucket, locator)
	}
	err := g.client.Bucket(g.bucket).Object(rest).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete GCS object %s: %w", rest, err)
	}
	return nil
}

func (g *GCSStore) Close() error {
	return g.client.Close()
}

var _ ArtifactStore = (*GCSStore)(nil)
