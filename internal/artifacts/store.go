// Package artifacts stores built image tarballs in an S3 compatible
// bucket (MinIO or AWS).
package artifacts

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store wraps a minio client bound to a single bucket.
type Store struct {
	mc     *minio.Client
	Bucket string
}

// Options configures the artifact store connection.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

func normalizeEndpoint(endpoint string, useSSL bool) (host string, secure bool) {
	secure = useSSL
	if endpoint == "" {
		return "", secure
	}
	// a scheme in the endpoint wins over the UseSSL flag
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		if u, err := url.Parse(endpoint); err == nil {
			secure = u.Scheme == "https"
			return u.Host, secure
		}
	}
	return endpoint, secure
}

// New connects to the artifact store and makes sure the bucket exists.
func New(ctx context.Context, opts Options) (*Store, error) {
	endpoint, secure := normalizeEndpoint(opts.Endpoint, opts.UseSSL)
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, err
	}
	s := &Store{mc: mc, Bucket: opts.Bucket}
	exists, err := mc.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}
	return s, nil
}

// ImageKey returns the object key for an image tarball.
func ImageKey(target, version string) string {
	return path.Join(version, target+".tar")
}

// UploadImage stores the tarball at localPath under the target/version key
// and returns the key.
func (s *Store) UploadImage(ctx context.Context, target, version, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return "", err
	}
	key := ImageKey(target, version)
	_, err = s.mc.PutObject(ctx, s.Bucket, key, f, stat.Size(),
		minio.PutObjectOptions{ContentType: "application/x-tar"})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

// Download opens the stored tarball for reading.
func (s *Store) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.mc.GetObject(ctx, s.Bucket, key, minio.GetObjectOptions{})
}

// List returns the keys stored under prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	for obj := range s.mc.ListObjects(ctx, s.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		out = append(out, obj.Key)
	}
	return out, nil
}

// Delete removes a stored tarball.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.mc.RemoveObject(ctx, s.Bucket, key, minio.RemoveObjectOptions{})
}
