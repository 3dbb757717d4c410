package buffer

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ghalamif/aegisbridge/internal/adapters/observability"
	"github.com/ghalamif/aegisbridge/internal/domain"
	"github.com/ghalamif/aegisbridge/internal/ports"
)

// frame: [2 bytes size][id][8 bytes value][8 bytes unix ms], size excludes itself
const (
	sizeLen      = 2
	frameTailLen = 16
	maxIDLen     = math.MaxUint16 - frameTailLen
)

var ErrBufferFull = errors.New("buffer: max size reached")

// FrameSize is the number of bytes a point occupies on disk.
func FrameSize(p domain.DataPoint) int {
	return sizeLen + len(p.ID) + frameTailLen
}

func encodable(p domain.DataPoint) bool {
	return !p.IsString && len(p.ID) <= maxIDLen
}

func writeFrames(w io.Writer, points []domain.DataPoint) (int, int64, error) {
	var (
		n     int
		bytes int64
		buf   []byte
	)
	for _, p := range points {
		if !encodable(p) {
			continue
		}
		buf = buf[:0]
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(p.ID)+frameTailLen))
		buf = append(buf, p.ID...)
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.DoubleValue))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(p.Timestamp.UnixMilli()))
		if _, err := w.Write(buf); err != nil {
			return n, bytes, err
		}
		n++
		bytes += int64(len(buf))
	}
	return n, bytes, nil
}

// readFrames decodes frames until EOF. A torn frame at the tail is ignored.
func readFrames(r io.Reader) ([]domain.DataPoint, error) {
	br := bufio.NewReader(r)
	var out []domain.DataPoint
	for {
		var hdr [sizeLen]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return out, nil
			}
			return out, fmt.Errorf("buffer read header: %w", err)
		}
		size := int(binary.LittleEndian.Uint16(hdr[:]))
		if size < frameTailLen {
			return out, fmt.Errorf("buffer frame size %d: corrupt", size)
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(br, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return out, nil
			}
			return out, fmt.Errorf("buffer read body: %w", err)
		}
		idLen := size - frameTailLen
		value := math.Float64frombits(binary.LittleEndian.Uint64(body[idLen : idLen+8]))
		ms := int64(binary.LittleEndian.Uint64(body[idLen+8:]))
		out = append(out, domain.NewNumericPoint(string(body[:idLen]), time.UnixMilli(ms).UTC(), value))
	}
}

// WriteBufferToFile appends the numeric points to path and returns how many
// were written. String points are not buffered.
func WriteBufferToFile(points []domain.DataPoint, path string) (int, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriterSize(f, 1<<16)
	n, _, werr := writeFrames(w, points)
	if werr == nil {
		werr = w.Flush()
	}
	return n, errors.Join(werr, f.Close())
}

// ReadBufferFromFile returns every complete frame stored at path. A missing
// file reads as empty.
func ReadBufferFromFile(path string) ([]domain.DataPoint, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return readFrames(f)
}

type Config struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
	// MaxSizeBytes caps the file; zero means unbounded.
	MaxSizeBytes int64 `yaml:"max_size_bytes" validate:"gte=0"`
	// DrainBatch is the number of points handed to push per call.
	DrainBatch int `yaml:"drain_batch" validate:"gte=0"`
}

// FileBuffer is a single-writer spillover file for data points that could
// not be pushed. All access goes through its mutex.
type FileBuffer struct {
	mu         sync.Mutex
	path       string
	maxSize    int64
	drainBatch int
	sizeBytes  int64
	obs        ports.Observability
}

type Option func(*FileBuffer)

func WithObservability(obs ports.Observability) Option {
	return func(b *FileBuffer) {
		if obs != nil {
			b.obs = obs
		}
	}
}

func NewFileBuffer(cfg Config, opts ...Option) (*FileBuffer, error) {
	if cfg.Path == "" {
		return nil, errors.New("buffer: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	b := &FileBuffer{
		path:       cfg.Path,
		maxSize:    cfg.MaxSizeBytes,
		drainBatch: cfg.DrainBatch,
		obs:        observability.Nop(),
	}
	if b.drainBatch <= 0 {
		b.drainBatch = 10000
	}
	for _, opt := range opts {
		opt(b)
	}
	stat, err := os.Stat(b.path)
	switch {
	case err == nil:
		b.sizeBytes = stat.Size()
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}
	b.obs.SetGauge(observability.GaugeBufferSize, float64(b.sizeBytes))
	return b, nil
}

func (b *FileBuffer) Path() string { return b.path }

// Write appends points. Points beyond the size cap are dropped and reported
// with ErrBufferFull; the points that fit are still stored.
func (b *FileBuffer) Write(points []domain.DataPoint) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	accepted := points
	var full bool
	if b.maxSize > 0 {
		room := b.maxSize - b.sizeBytes
		accepted = make([]domain.DataPoint, 0, len(points))
		for _, p := range points {
			if !encodable(p) {
				continue
			}
			sz := int64(FrameSize(p))
			if sz > room {
				full = true
				break
			}
			room -= sz
			accepted = append(accepted, p)
		}
	}

	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		b.obs.IncCounter(observability.MetricBufferDropped, float64(len(points)))
		return 0, fmt.Errorf("buffer open: %w", err)
	}
	w := bufio.NewWriterSize(f, 1<<16)
	n, written, werr := writeFrames(w, accepted)
	if werr == nil {
		werr = w.Flush()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		// a partial write leaves at most a torn tail, which readers skip
		b.refreshSizeLocked()
		b.obs.IncCounter(observability.MetricBufferDropped, float64(len(points)))
		return 0, fmt.Errorf("buffer write: %w", werr)
	}

	b.sizeBytes += written
	b.obs.IncCounter(observability.MetricBufferWritten, float64(n))
	if dropped := len(points) - n; dropped > 0 {
		b.obs.IncCounter(observability.MetricBufferDropped, float64(dropped))
	}
	b.obs.SetGauge(observability.GaugeBufferSize, float64(b.sizeBytes))
	if full {
		return n, ErrBufferFull
	}
	return n, nil
}

// Drain reads the whole file and hands it to push in batches. The file is
// truncated only when every batch was accepted; otherwise it is left intact
// and the next drain replays it from the start.
func (b *FileBuffer) Drain(ctx context.Context, push func(context.Context, []domain.DataPoint) bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sizeBytes == 0 {
		return 0, nil
	}
	points, err := ReadBufferFromFile(b.path)
	if err != nil {
		return 0, err
	}
	for start := 0; start < len(points); start += b.drainBatch {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		end := min(start+b.drainBatch, len(points))
		if !push(ctx, points[start:end]) {
			return 0, errors.New("buffer drain: push rejected")
		}
	}
	if err := os.Truncate(b.path, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("buffer truncate: %w", err)
	}
	b.sizeBytes = 0
	b.obs.IncCounter(observability.MetricBufferReplayed, float64(len(points)))
	b.obs.SetGauge(observability.GaugeBufferSize, 0)
	return len(points), nil
}

func (b *FileBuffer) Empty() bool {
	return b.SizeBytes() == 0
}

func (b *FileBuffer) SizeBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sizeBytes
}

func (b *FileBuffer) refreshSizeLocked() {
	if stat, err := os.Stat(b.path); err == nil {
		b.sizeBytes = stat.Size()
	}
}
