package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ahrdadan/snapq/internal/events"
	"github.com/ahrdadan/snapq/internal/imaging"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StagingDirName is the hidden subdirectory holding raw and in-progress files.
const StagingDirName = ".staging"

var (
	// ErrStage wraps failures writing the raw screenshot.
	ErrStage = errors.New("failed to stage screenshot")
	// ErrResize wraps failures producing or committing the final image.
	ErrResize = errors.New("failed to resize screenshot")
)

// Artifact describes a published image.
type Artifact struct {
	Name   string `json:"name"`
	File   string `json:"file"`
	Path   string `json:"-"`
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Size   int64  `json:"size"`
}

// Store publishes artifacts into a single flat directory.
type Store struct {
	dir        string
	stagingDir string
	publicBase string
	log        *zap.Logger
	hub        *events.Hub

	// mu orders publish renames against sweeper removals.
	mu sync.Mutex
}

// NewStore creates dir (and its staging area) if needed. publicBase is the
// URL prefix under which dir is served, e.g. http://localhost:8000/archives.
func NewStore(dir, publicBase string, log *zap.Logger, hub *events.Hub) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact dir: %w", err)
	}
	staging := filepath.Join(abs, StagingDirName)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}

	return &Store{
		dir:        abs,
		stagingDir: staging,
		publicBase: strings.TrimRight(publicBase, "/"),
		log:        log.Named("artifact"),
		hub:        hub,
	}, nil
}

// Dir returns the absolute artifact directory.
func (s *Store) Dir() string { return s.dir }

// StagingDir returns the absolute staging directory.
func (s *Store) StagingDir() string { return s.stagingDir }

// Path returns the filesystem path of the artifact called name.
func (s *Store) Path(name string) (string, error) {
	if !ValidName(name) {
		return "", ErrInvalidName
	}
	return filepath.Join(s.dir, FileName(name)), nil
}

// URL returns the public URL of the artifact called name.
func (s *Store) URL(name string) string {
	return s.publicBase + "/" + FileName(name)
}

// Publish writes raw to staging, resizes it to width and atomically moves the
// result to {name}.png. The public file only appears once resizing has
// succeeded, and no staged file survives the call.
func (s *Store) Publish(name string, raw []byte, width int, requestID string) (*Artifact, error) {
	final, err := s.Path(name)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	rawPath := filepath.Join(s.stagingDir, fmt.Sprintf("%s-%s-original%s", name, id, Ext))
	if err := os.WriteFile(rawPath, raw, 0o644); err != nil {
		_ = os.Remove(rawPath)
		return nil, fmt.Errorf("%w: %w", ErrStage, err)
	}
	defer func() {
		if err := os.Remove(rawPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("failed to remove raw screenshot", zap.String("path", rawPath), zap.Error(err))
		}
	}()

	tmpPath := filepath.Join(s.stagingDir, fmt.Sprintf("%s-%s%s.tmp", name, id, Ext))
	art, err := s.resizeInto(tmpPath, rawPath, width)
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: %w", ErrResize, err)
	}

	s.mu.Lock()
	err = os.Rename(tmpPath, final)
	s.mu.Unlock()
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: %w", ErrResize, err)
	}

	art.Name = name
	art.File = FileName(name)
	art.Path = final
	art.URL = s.URL(name)

	s.log.Info("artifact published",
		zap.String("file", art.File),
		zap.Int("width", art.Width),
		zap.Int("height", art.Height),
		zap.String("size", humanize.Bytes(uint64(art.Size))),
		zap.String("request_id", requestID))

	s.hub.Emit(events.Event{
		Type:      events.ArtifactCreated,
		Name:      art.File,
		URL:       art.URL,
		Size:      art.Size,
		RequestID: requestID,
	})
	return art, nil
}

func (s *Store) resizeInto(tmpPath, rawPath string, width int) (*Artifact, error) {
	in, err := os.Open(rawPath)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	out, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	size, err := imaging.Resize(out, in, width)
	if err != nil {
		out.Close()
		return nil, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return nil, err
	}
	info, err := out.Stat()
	if err != nil {
		out.Close()
		return nil, err
	}
	if err := out.Close(); err != nil {
		return nil, err
	}

	return &Artifact{Width: size.X, Height: size.Y, Size: info.Size()}, nil
}

// removeUnchanged deletes path only if it is still the file described by
// seen. It reports false when a publish replaced the file in the meantime.
func (s *Store) removeUnchanged(path string, seen fs.FileInfo) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := os.Lstat(path)
	if err != nil {
		return false, err
	}
	if !os.SameFile(cur, seen) || !cur.ModTime().Equal(seen.ModTime()) {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, err
	}
	return true, nil
}
