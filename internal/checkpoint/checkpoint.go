// Package checkpoint persists learner parameter snapshots by name.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/rand/protometa/internal/learner"
	"github.com/zeebo/xxh3"
)

// Version is the current snapshot format version.
const Version = 1

const (
	ext        = ".ckpt"
	headerSize = 4 + 2 + 8
)

var magic = [4]byte{'P', 'M', 'C', 'K'}

var (
	// ErrCheckpointIO wraps filesystem failures while reading or writing.
	ErrCheckpointIO = errors.New("checkpoint io")

	// ErrNotFound indicates no checkpoint exists under the requested name.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCorrupt indicates a checkpoint file that fails header or digest checks.
	ErrCorrupt = errors.New("checkpoint corrupt")

	// ErrInvalidName indicates a name that is empty or contains a path separator.
	ErrInvalidName = errors.New("invalid checkpoint name")
)

// Config configures checkpoint behavior.
type Config struct {
	// Dir is the directory holding checkpoint files.
	Dir string

	// Family prefixes training run checkpoint names.
	Family string

	// StableName is the baseline checkpoint restored for episodic testing.
	StableName string

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Dir:        "saved_models",
		Family:     "ProtoNet",
		StableName: "Supervised-stable",
	}
}

// RunName returns the checkpoint name of a training run.
func RunName(family, stamp string) string {
	return family + "-" + stamp
}

// Snapshot is a saved parameter state.
type Snapshot struct {
	// Version for forward compatibility.
	Version int `json:"version"`

	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`

	// Epoch is the meta-epoch that produced the snapshot, zero if unknown.
	Epoch int     `json:"epoch,omitempty"`
	F1    float64 `json:"f1,omitempty"`
	Loss  float64 `json:"loss,omitempty"`

	Params learner.State `json:"params"`
}

// Summary returns a one-line description of the snapshot.
func (s Snapshot) Summary() string {
	var n int
	for _, v := range s.Params {
		n += len(v)
	}
	summary := fmt.Sprintf("%s | %d tensors, %s values | saved %s",
		s.Name, len(s.Params), humanize.Comma(int64(n)), humanize.Time(s.CreatedAt))
	if s.Epoch > 0 {
		summary += fmt.Sprintf(" | epoch %d f1 %.4f", s.Epoch, s.F1)
	}
	return summary
}

// Saver persists snapshots.
type Saver interface {
	Save(name string, s Snapshot) error
}

// Loader reads snapshots back.
type Loader interface {
	Load(name string) (Snapshot, error)
}

// SaveLoader is both a Saver and a Loader.
type SaveLoader interface {
	Saver
	Loader
}

// Store keeps snapshots as zstd-compressed JSON files with an xxh3 digest.
type Store struct {
	mu     sync.Mutex
	config Config
	logger *slog.Logger
	enc    *zstd.Encoder
	dec    *zstd.Decoder
}

// NewStore creates a checkpoint store rooted at cfg.Dir.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("new store: %w: empty directory", ErrCheckpointIO)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("new store: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("new store: zstd decoder: %w", err)
	}
	return &Store{
		config: cfg,
		logger: cfg.Logger,
		enc:    enc,
		dec:    dec,
	}, nil
}

// Close releases the codec resources.
func (st *Store) Close() error {
	st.dec.Close()
	return st.enc.Close()
}

// Dir returns the store directory.
func (st *Store) Dir() string {
	return st.config.Dir
}

// Path returns the file path for a checkpoint name.
func (st *Store) Path(name string) string {
	return filepath.Join(st.config.Dir, name+ext)
}

// Save writes a snapshot atomically, replacing any previous file of the same name.
func (st *Store) Save(name string, s Snapshot) error {
	if err := validName(name); err != nil {
		return err
	}
	s.Version = Version
	s.Name = name
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	payload := st.enc.EncodeAll(data, nil)

	var buf bytes.Buffer
	buf.Grow(headerSize + len(payload))
	buf.Write(magic[:])
	_ = binary.Write(&buf, binary.LittleEndian, uint16(Version))
	_ = binary.Write(&buf, binary.LittleEndian, xxh3.Hash(payload))
	buf.Write(payload)

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := os.MkdirAll(st.config.Dir, 0o755); err != nil {
		return fmt.Errorf("%w: create checkpoint directory: %w", ErrCheckpointIO, err)
	}

	// Write atomically via temp file
	path := st.Path(name)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("%w: write temp checkpoint: %w", ErrCheckpointIO, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: rename checkpoint: %w", ErrCheckpointIO, err)
	}

	st.logger.Debug("checkpoint saved",
		"name", name,
		"size", humanize.Bytes(uint64(buf.Len())),
		"raw", humanize.Bytes(uint64(len(data))),
	)
	return nil
}

// Load reads the named snapshot.
func (st *Store) Load(name string) (Snapshot, error) {
	if err := validName(name); err != nil {
		return Snapshot{}, err
	}
	path := st.Path(name)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{}, fmt.Errorf("load checkpoint %s: %w", name, ErrNotFound)
		}
		return Snapshot{}, fmt.Errorf("%w: read checkpoint: %w", ErrCheckpointIO, err)
	}

	if len(raw) < headerSize || !bytes.Equal(raw[:4], magic[:]) {
		return Snapshot{}, fmt.Errorf("load checkpoint %s: %w: bad header", name, ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(raw[4:6]); v != Version {
		return Snapshot{}, fmt.Errorf("load checkpoint %s: %w: unsupported version %d", name, ErrCorrupt, v)
	}
	payload := raw[headerSize:]
	if want, got := binary.LittleEndian.Uint64(raw[6:14]), xxh3.Hash(payload); want != got {
		return Snapshot{}, fmt.Errorf("load checkpoint %s: %w: digest mismatch", name, ErrCorrupt)
	}

	data, err := st.dec.DecodeAll(payload, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load checkpoint %s: %w: %w", name, ErrCorrupt, err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("load checkpoint %s: %w: %w", name, ErrCorrupt, err)
	}

	st.logger.Debug("checkpoint loaded", "name", name, "size", humanize.Bytes(uint64(len(raw))))
	return s, nil
}

// Exists reports whether a checkpoint of that name is on disk.
func (st *Store) Exists(name string) bool {
	if validName(name) != nil {
		return false
	}
	_, err := os.Stat(st.Path(name))
	return err == nil
}

// List returns the names of all checkpoints in the store, sorted.
func (st *Store) List() ([]string, error) {
	entries, err := os.ReadDir(st.config.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list checkpoints: %w", ErrCheckpointIO, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ext))
	}
	sort.Strings(names)
	return names, nil
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
