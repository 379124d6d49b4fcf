package raster

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"

	"github.com/senbox-org/sen2like/internal/fsutil"
)

// ErrNotFound is returned by readers for a location that holds no band.
var ErrNotFound = errors.New("raster: band not found")

// Reader loads a band from a location. Locations are opaque to callers.
type Reader interface {
	ReadBand(ctx context.Context, location string, id BandID) (*Band, error)
}

// Writer persists a band to a location.
type Writer interface {
	WriteBand(ctx context.Context, location string, b *Band) error
}

// ReadWriter combines both directions.
type ReadWriter interface {
	Reader
	Writer
}

// MemoryStore keeps bands in a map. Bands are cloned on the way in and out.
type MemoryStore struct {
	mu    sync.RWMutex
	bands map[string]*Band
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bands: make(map[string]*Band)}
}

func (s *MemoryStore) ReadBand(ctx context.Context, location string, id BandID) (*Band, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bands[location]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	out := b.Clone()
	if id != "" {
		out.ID = id
	}
	return out, nil
}

func (s *MemoryStore) WriteBand(ctx context.Context, location string, b *Band) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bands[location] = b.Clone()
	return nil
}

// Locations lists stored locations, mostly for tests.
func (s *MemoryStore) Locations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.bands))
	for k := range s.bands {
		out = append(out, k)
	}
	return out
}

// sidecar describes the binary payload written next to it.
type sidecar struct {
	Band     BandID `json:"band"`
	Grid     Grid   `json:"grid"`
	Encoding string `json:"encoding"`
}

const encodingFloat32LE = "float32le"

// FileStore stores each band as a raw little-endian float32 payload (.f32)
// with a JSON sidecar (.json) carrying its grid.
type FileStore struct {
	FS fsutil.FileSystem
}

// NewFileStore returns a store on the given filesystem, or the OS
// filesystem when fs is nil.
func NewFileStore(fs fsutil.FileSystem) *FileStore {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	return &FileStore{FS: fs}
}

func basePath(location string) string {
	return strings.TrimSuffix(strings.TrimSuffix(location, ".f32"), ".json")
}

func (s *FileStore) ReadBand(ctx context.Context, location string, id BandID) (*Band, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := basePath(location)
	meta, err := s.FS.ReadFile(base + ".json")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, location, err)
	}
	var sc sidecar
	if err := json.Unmarshal(meta, &sc); err != nil {
		return nil, fmt.Errorf("%w: sidecar %s: %v", ErrCorrupt, base, err)
	}
	if sc.Encoding != "" && sc.Encoding != encodingFloat32LE {
		return nil, fmt.Errorf("%w: unsupported encoding %q", ErrCorrupt, sc.Encoding)
	}
	payload, err := s.FS.ReadFile(base + ".f32")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, location, err)
	}
	if len(payload)%4 != 0 {
		return nil, fmt.Errorf("%w: %s payload is %d bytes", ErrCorrupt, base, len(payload))
	}
	data := make([]float32, len(payload)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
	}
	if id == "" {
		id = sc.Band
	}
	return FromData(id, sc.Grid, data)
}

func (s *FileStore) WriteBand(ctx context.Context, location string, b *Band) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	base := basePath(location)
	if err := s.FS.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return err
	}
	meta, err := json.MarshalIndent(sidecar{Band: b.ID, Grid: b.Grid, Encoding: encodingFloat32LE}, "", "  ")
	if err != nil {
		return err
	}
	payload := make([]byte, len(b.Data)*4)
	for i, v := range b.Data {
		binary.LittleEndian.PutUint32(payload[i*4:], math.Float32bits(v))
	}
	if err := s.FS.WriteFile(base+".f32", payload, 0o644); err != nil {
		return err
	}
	return s.FS.WriteFile(base+".json", meta, 0o644)
}
