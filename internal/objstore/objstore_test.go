package objstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senbox-org/sen2like/internal/fsutil"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
	"github.com/senbox-org/sen2like/internal/testutil"
)

func TestParseLocation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		loc     string
		want    Object
		remote  bool
		wantErr bool
	}{
		{name: "local path", loc: "/data/LC08/B04"},
		{name: "s3", loc: "s3://landsat/c2/196/030/B04", want: Object{Bucket: "landsat", Key: "c2/196/030/B04"}, remote: true},
		{name: "missing key", loc: "s3://landsat/", wantErr: true},
		{name: "other scheme", loc: "gs://bucket/key", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, remote, err := ParseLocation(tt.loc)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.remote, remote)
			assert.Equal(t, tt.want, got)
		})
	}
}

// bucketFetcher serves objects from a directory laid out as
// <root>/<bucket>/<key> and counts requests.
type bucketFetcher struct {
	root string

	mu    sync.Mutex
	calls []string
}

func (f *bucketFetcher) Fetch(_ context.Context, obj Object, dest string) error {
	f.mu.Lock()
	f.calls = append(f.calls, obj.Bucket+"/"+obj.Key)
	f.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(f.root, obj.Bucket, filepath.FromSlash(obj.Key)))
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

func TestReader_Remote(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bucketRoot := t.TempDir()
	g := testutil.Tile(t).Grid(30)
	store := raster.NewFileStore(fsutil.OSFileSystem{})
	require.NoError(t, store.WriteBand(ctx, filepath.Join(bucketRoot, "landsat", "LC08", "B04"), testutil.UniformBand("B04", g, 0.25)))

	fetcher := &bucketFetcher{root: bucketRoot}
	r := NewReader(fetcher, t.TempDir(), nil)

	b, err := r.ReadBand(ctx, "s3://landsat/LC08/B04", "B04")
	require.NoError(t, err)
	assert.Equal(t, g, b.Grid)
	assert.InDelta(t, 0.25, b.Data[0], 1e-6)
	assert.ElementsMatch(t, []string{"landsat/LC08/B04.json", "landsat/LC08/B04.f32"}, fetcher.calls)

	// second read is served from the cache
	_, err = r.ReadBand(ctx, "s3://landsat/LC08/B04.f32", "B04")
	require.NoError(t, err)
	assert.Len(t, fetcher.calls, 2)

	_, err = r.ReadBand(ctx, "s3://landsat/LC08/B05", "B05")
	assert.ErrorIs(t, err, product.ErrFatalIO)
}

func TestReader_RemoteKeyCannotEscapeCache(t *testing.T) {
	t.Parallel()

	cache := t.TempDir()
	fetcher := &bucketFetcher{root: t.TempDir()}
	r := NewReader(fetcher, cache, nil)
	_, err := r.ReadBand(context.Background(), "s3://bucket/../../../etc/passwd", "B04")
	require.Error(t, err)
	require.NotEmpty(t, fetcher.calls)
	assert.Equal(t, "bucket/etc/passwd.json", fetcher.calls[0])
}

func TestReader_Local(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	allowed := t.TempDir()
	g := testutil.Tile(t).Grid(30)
	loc := filepath.Join(allowed, "S2A", "B04")
	require.NoError(t, raster.NewFileStore(nil).WriteBand(ctx, loc, testutil.UniformBand("B04", g, 0.1)))

	r := NewReader(nil, t.TempDir(), []string{allowed})
	b, err := r.ReadBand(ctx, loc, "B04")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, b.Data[0], 1e-6)

	_, err = r.ReadBand(ctx, filepath.Join(t.TempDir(), "B04"), "B04")
	assert.ErrorIs(t, err, product.ErrConfig)

	_, err = r.ReadBand(ctx, "s3://bucket/B04", "B04")
	assert.ErrorIs(t, err, product.ErrConfig, "remote location without a fetcher")
}

func TestNewMinIOFetcherFromEnv(t *testing.T) {
	t.Setenv(EnvAccessKey, "")
	t.Setenv(EnvSecretKey, "")
	_, err := NewMinIOFetcherFromEnv("localhost:9000", false)
	assert.ErrorIs(t, err, product.ErrConfig)

	t.Setenv(EnvAccessKey, "minio")
	t.Setenv(EnvSecretKey, "minio123")
	f, err := NewMinIOFetcherFromEnv("localhost:9000", false)
	require.NoError(t, err)
	assert.NotNil(t, f.mc)
}
