// Package store implements the staging store and promotion manager: one
// immutable timestamp-named file per captured frame, plus per-descriptor
// pointers that are only ever retargeted with an atomic symlink swap.
//
// On-disk layout per camera (external tooling depends on these names):
//
//	<root>/<airport>/<index>/{timestamp}_original.{ext}
//	<root>/<airport>/<index>/{timestamp}_{height}.{ext}
//	<root>/<airport>/<index>/original.{ext}          -> latest original
//	<root>/<airport>/<index>/current_{height}.{ext}  -> latest variant
//	<root>/<airport>/<index>/current.{ext}           -> default serving variant
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aviationwx/wxcam/internal/camera"
)

var (
	// ErrNotFound means no content has ever been promoted for the descriptor.
	ErrNotFound = errors.New("no promoted content")
	// ErrDuplicateTimestamp means a frame for the same camera already claims
	// this capture second; the caller must disambiguate or reject.
	ErrDuplicateTimestamp = errors.New("frame with identical timestamp already staged")
)

// Ref points at one staged content file.
type Ref struct {
	Key       camera.Key
	Desc      camera.Descriptor
	Timestamp int64
	Path      string
}

// Backend is the small filesystem surface the store needs. Wrapping it in
// an interface keeps the write-then-link and symlink-swap invariants in
// one testable place.
type Backend interface {
	MkdirAll(dir string) error
	WriteFileAtomic(path string, data []byte) error
	Rename(oldPath, newPath string) error
	SwapSymlink(target, link string) error
	ReadLink(link string) (string, error)
	Stat(path string) (os.FileInfo, error)
	Chtimes(path string, mtime time.Time) error
	Remove(path string) error
}

type osBackend struct{}

// OSBackend returns the real filesystem implementation.
func OSBackend() Backend { return osBackend{} }

func (osBackend) MkdirAll(dir string) error { return os.MkdirAll(dir, 0o755) }

// WriteFileAtomic writes data to a temp file in the destination directory
// and hard-links it into place. Linking publishes the complete file in one
// step and fails with fs.ErrExist when the path is already taken, so two
// writers racing on the same name cannot silently replace each other.
func (osBackend) WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Link(tmpName, path); err != nil {
		return fmt.Errorf("publish file: %w", err)
	}
	return nil
}

func (osBackend) Rename(oldPath, newPath string) error { return os.Rename(oldPath, newPath) }

// SwapSymlink atomically retargets link to target by creating a temporary
// symlink next to it and renaming over the stable name. rename(2) replaces
// the old link in a single step, so readers resolve either the previous
// target or the new one, never nothing.
func (osBackend) SwapSymlink(target, link string) error {
	tmp := fmt.Sprintf("%s.swap-%d", link, time.Now().UnixNano())
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create temp symlink: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("swap symlink: %w", err)
	}
	return nil
}

func (osBackend) ReadLink(link string) (string, error)  { return os.Readlink(link) }
func (osBackend) Stat(path string) (os.FileInfo, error) { return os.Stat(path) }
func (osBackend) Remove(path string) error              { return os.Remove(path) }

func (osBackend) Chtimes(path string, mtime time.Time) error {
	return os.Chtimes(path, mtime, mtime)
}

// Store writes staged frames and manages promoted pointers under root.
type Store struct {
	root   string
	fs     Backend
	logger *slog.Logger
}

func New(root string, fs Backend, logger *slog.Logger) *Store {
	return &Store{root: root, fs: fs, logger: logger}
}

// Root returns the content root directory.
func (s *Store) Root() string { return s.root }

// CameraDir returns the directory holding all content for one camera.
func (s *Store) CameraDir(key camera.Key) string {
	return filepath.Join(s.root, key.Airport, strconv.Itoa(key.Index))
}

// ContentName builds the timestamped content filename for a descriptor.
func ContentName(desc camera.Descriptor, ts int64) string {
	if desc.IsOriginal() {
		return fmt.Sprintf("%d_original.%s", ts, desc.Format.Ext())
	}
	return fmt.Sprintf("%d_%d.%s", ts, desc.Height, desc.Format.Ext())
}

// PointerName returns the stable pointer filename for a descriptor.
func PointerName(desc camera.Descriptor) string {
	if desc.IsOriginal() {
		return "original." + desc.Format.Ext()
	}
	return fmt.Sprintf("current_%d.%s", desc.Height, desc.Format.Ext())
}

// ParseContentName recovers the capture timestamp embedded in a content
// filename such as "1719849600_480.webp".
func ParseContentName(name string) (int64, error) {
	tsPart, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("content name %q has no timestamp prefix", name)
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("content name %q has invalid timestamp: %w", name, err)
	}
	return ts, nil
}

// ContentPath returns the absolute timestamped path for a descriptor.
func (s *Store) ContentPath(key camera.Key, desc camera.Descriptor, ts int64) string {
	return filepath.Join(s.CameraDir(key), ContentName(desc, ts))
}

// PointerPath returns the absolute stable pointer path for a descriptor.
func (s *Store) PointerPath(key camera.Key, desc camera.Descriptor) string {
	return filepath.Join(s.CameraDir(key), PointerName(desc))
}

// Stage writes an original frame at its timestamped path. The file is
// immutable once written; a second frame claiming the same second fails
// with ErrDuplicateTimestamp, even when both writers race on it.
func (s *Store) Stage(key camera.Key, payload []byte, ts int64, format camera.Format) (Ref, error) {
	desc := camera.Original(format)
	path := s.ContentPath(key, desc, ts)
	if err := s.fs.MkdirAll(filepath.Dir(path)); err != nil {
		return Ref{}, fmt.Errorf("create camera directory: %w", err)
	}
	if err := s.fs.WriteFileAtomic(path, payload); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return Ref{}, fmt.Errorf("stage %s at %d: %w", key, ts, ErrDuplicateTimestamp)
		}
		return Ref{}, fmt.Errorf("stage %s: %w", key, err)
	}
	if err := s.fs.Chtimes(path, time.Unix(ts, 0)); err != nil {
		s.logger.Warn("backdate staged frame failed", "camera", key.String(), "path", path, "err", err)
	}
	return Ref{Key: key, Desc: desc, Timestamp: ts, Path: path}, nil
}

// AdoptVariant renames an encoder's finished output from tmpPath to the
// variant's final timestamped path and backdates its modification time to
// the capture time, so downstream freshness checks see when the photo was
// taken rather than when the encode finished.
func (s *Store) AdoptVariant(key camera.Key, desc camera.Descriptor, ts int64, tmpPath string) (Ref, error) {
	path := s.ContentPath(key, desc, ts)
	if err := s.fs.MkdirAll(filepath.Dir(path)); err != nil {
		return Ref{}, fmt.Errorf("create camera directory: %w", err)
	}
	if err := s.fs.Rename(tmpPath, path); err != nil {
		return Ref{}, fmt.Errorf("adopt variant %s: %w", desc, err)
	}
	if err := s.fs.Chtimes(path, time.Unix(ts, 0)); err != nil {
		s.logger.Warn("backdate variant failed", "camera", key.String(), "path", path, "err", err)
	}
	return Ref{Key: key, Desc: desc, Timestamp: ts, Path: path}, nil
}

// Promote retargets the descriptor's stable pointer at ref's content. The
// content must already be durable at its final path; the swap is the only
// mutation a reader can observe.
func (s *Store) Promote(ref Ref) error {
	link := s.PointerPath(ref.Key, ref.Desc)
	if _, err := s.fs.Stat(ref.Path); err != nil {
		return fmt.Errorf("refusing to promote %s, content not readable: %w", ref.Desc, err)
	}
	if err := s.fs.SwapSymlink(filepath.Base(ref.Path), link); err != nil {
		return fmt.Errorf("promote %s for %s: %w", ref.Desc, ref.Key, err)
	}
	return nil
}

// PromoteCurrent additionally points the camera's default serving pointer
// (current.{ext}) at ref. Used for the configured default variant so the
// dashboard can embed one stable URL.
func (s *Store) PromoteCurrent(ref Ref) error {
	link := filepath.Join(s.CameraDir(ref.Key), "current."+ref.Desc.Format.Ext())
	if _, err := s.fs.Stat(ref.Path); err != nil {
		return fmt.Errorf("refusing to promote current, content not readable: %w", err)
	}
	if err := s.fs.SwapSymlink(filepath.Base(ref.Path), link); err != nil {
		return fmt.Errorf("promote current for %s: %w", ref.Key, err)
	}
	return nil
}

// Resolve returns the absolute path of the promoted content for the
// descriptor, or ErrNotFound when nothing was ever promoted for it.
func (s *Store) Resolve(key camera.Key, desc camera.Descriptor) (string, error) {
	link := s.PointerPath(key, desc)
	target, err := s.fs.ReadLink(link)
	if err != nil {
		return "", fmt.Errorf("resolve %s for %s: %w", desc, key, ErrNotFound)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(link), target)
	}
	if _, err := s.fs.Stat(target); err != nil {
		return "", fmt.Errorf("resolve %s for %s, dangling pointer: %w", desc, key, ErrNotFound)
	}
	return target, nil
}

// ResolveOrOriginal resolves desc, silently falling back to the camera's
// original descriptor when the requested variant has not been generated
// yet. Serving a larger original beats serving an error.
func (s *Store) ResolveOrOriginal(key camera.Key, desc camera.Descriptor, sourceFormat camera.Format) (string, error) {
	path, err := s.Resolve(key, desc)
	if err == nil {
		return path, nil
	}
	if !errors.Is(err, ErrNotFound) || desc.IsOriginal() {
		return "", err
	}
	return s.Resolve(key, camera.Original(sourceFormat))
}

// ResolveOriginal finds the promoted original regardless of its native
// format. PNG is last: PNG sources are re-encoded to JPEG before serving,
// so a PNG original pointer only exists for legacy content.
func (s *Store) ResolveOriginal(key camera.Key) (Ref, error) {
	for _, f := range []camera.Format{camera.FormatJPEG, camera.FormatWebP, camera.FormatGIF, camera.FormatAVIF, camera.FormatPNG} {
		desc := camera.Original(f)
		path, err := s.Resolve(key, desc)
		if err != nil {
			continue
		}
		ts, err := ParseContentName(filepath.Base(path))
		if err != nil {
			continue
		}
		return Ref{Key: key, Desc: desc, Timestamp: ts, Path: path}, nil
	}
	return Ref{}, fmt.Errorf("resolve original for %s: %w", key, ErrNotFound)
}

// PromotedTimestamp reports the capture timestamp of the currently promoted
// content for desc, or false when nothing is promoted.
func (s *Store) PromotedTimestamp(key camera.Key, desc camera.Descriptor) (int64, bool) {
	path, err := s.Resolve(key, desc)
	if err != nil {
		return 0, false
	}
	ts, err := ParseContentName(filepath.Base(path))
	if err != nil {
		return 0, false
	}
	return ts, true
}
