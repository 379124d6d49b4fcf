// Package objstore resolves band locations that live in an S3-compatible
// object store or under allowed local roots, and reads them as rasters.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
	"github.com/senbox-org/sen2like/internal/security"
)

// Environment variables holding object store credentials.
const (
	EnvAccessKey = "HARMONIZE_S3_ACCESS_KEY"
	EnvSecretKey = "HARMONIZE_S3_SECRET_KEY"
)

// ErrUnsupportedScheme is returned for locations that are neither local
// paths nor s3:// URIs.
var ErrUnsupportedScheme = errors.New("unsupported location scheme")

// Object names one object of a bucket.
type Object struct {
	Bucket string
	Key    string
}

// ParseLocation splits a band location. ok is false for local paths.
func ParseLocation(loc string) (obj Object, ok bool, err error) {
	if !strings.Contains(loc, "://") {
		return Object{}, false, nil
	}
	u, err := url.Parse(loc)
	if err != nil {
		return Object{}, false, fmt.Errorf("%w: %v", product.ErrConfig, err)
	}
	if u.Scheme != "s3" {
		return Object{}, false, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return Object{}, false, fmt.Errorf("%w: s3 location %q needs a bucket and a key", product.ErrConfig, loc)
	}
	return Object{Bucket: u.Host, Key: key}, true, nil
}

// Fetcher downloads one object to a local file.
type Fetcher interface {
	Fetch(ctx context.Context, obj Object, dest string) error
}

// MinIOFetcher fetches objects with the MinIO client.
type MinIOFetcher struct {
	mc *minio.Client
}

// NewMinIOFetcher connects lazily to endpoint with static credentials.
func NewMinIOFetcher(endpoint, accessKey, secretKey string, secure bool) (*MinIOFetcher, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinIOFetcher{mc: mc}, nil
}

// NewMinIOFetcherFromEnv reads credentials from EnvAccessKey and
// EnvSecretKey.
func NewMinIOFetcherFromEnv(endpoint string, secure bool) (*MinIOFetcher, error) {
	access, secret := os.Getenv(EnvAccessKey), os.Getenv(EnvSecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("%w: %s and %s must be set for %s", product.ErrConfig, EnvAccessKey, EnvSecretKey, endpoint)
	}
	return NewMinIOFetcher(endpoint, access, secret, secure)
}

func (f *MinIOFetcher) Fetch(ctx context.Context, obj Object, dest string) error {
	if err := f.mc.FGetObject(ctx, obj.Bucket, obj.Key, dest, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("download s3://%s/%s: %w", obj.Bucket, obj.Key, err)
	}
	return nil
}

// Reader is a raster.Reader over mixed locations. Remote bands are fetched
// once into CacheDir, payload and sidecar both, and then read from disk.
// Local locations must lie inside one of AllowedDirs.
type Reader struct {
	Remote      Fetcher
	Local       raster.Reader
	CacheDir    string
	AllowedDirs []string
}

// NewReader reads local files through a raster.FileStore on the OS
// filesystem. remote may be nil when no location is remote.
func NewReader(remote Fetcher, cacheDir string, allowedDirs []string) *Reader {
	return &Reader{
		Remote:      remote,
		Local:       raster.NewFileStore(nil),
		CacheDir:    cacheDir,
		AllowedDirs: allowedDirs,
	}
}

func (r *Reader) ReadBand(ctx context.Context, location string, id raster.BandID) (*raster.Band, error) {
	obj, remote, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}
	if !remote {
		if err := security.ValidatePathWithinAllowedDirs(location, r.AllowedDirs); err != nil {
			return nil, fmt.Errorf("%w: %v", product.ErrConfig, err)
		}
		return r.Local.ReadBand(ctx, location, id)
	}

	local, err := r.fetch(ctx, obj)
	if err != nil {
		return nil, err
	}
	return r.Local.ReadBand(ctx, local, id)
}

// fetch mirrors the object's payload and sidecar under
// CacheDir/<bucket>/<key> and returns the local base path.
func (r *Reader) fetch(ctx context.Context, obj Object) (string, error) {
	if r.Remote == nil {
		return "", fmt.Errorf("%w: no object store configured for s3://%s/%s", product.ErrConfig, obj.Bucket, obj.Key)
	}
	base := strings.TrimSuffix(strings.TrimSuffix(obj.Key, ".f32"), ".json")
	base = strings.TrimPrefix(path.Clean("/"+base), "/")
	local, err := security.JoinWithin(r.CacheDir, obj.Bucket, filepath.FromSlash(base))
	if err != nil {
		return "", fmt.Errorf("%w: %v", product.ErrConfig, err)
	}
	for _, ext := range []string{".json", ".f32"} {
		dest := local + ext
		if _, err := os.Stat(dest); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return "", fmt.Errorf("%w: %v", product.ErrFatalIO, err)
		}
		if err := r.Remote.Fetch(ctx, Object{Bucket: obj.Bucket, Key: base + ext}, dest); err != nil {
			return "", fmt.Errorf("%w: %v", product.ErrFatalIO, err)
		}
		tracef("fetched s3://%s/%s%s", obj.Bucket, base, ext)
	}
	return local, nil
}
