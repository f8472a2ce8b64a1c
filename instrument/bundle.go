package instrument

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// CompressThreshold is the bundle size above which the profile directory
// is archived into a single .tar.gz.
const CompressThreshold = 8 << 20

// Bundle is the artifact directory of one run: the raw trace, the
// derived symbol map, unwind metadata, and the serialized results. It is
// the only surface an external uploader needs.
type Bundle struct {
	// RunID names the bundle; artifact paths embed it.
	RunID string
	dir   string
	// Path is the final location: the directory, or the archive if the
	// bundle was compressed.
	Path string
}

// NewBundle creates a fresh profile directory under outputDir.
func NewBundle(outputDir string) (*Bundle, error) {
	id := uuid.NewString()
	dir := filepath.Join(outputDir, "profile-"+id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating bundle directory: %w", err)
	}
	return &Bundle{RunID: id, dir: dir, Path: dir}, nil
}

// Dir returns the working directory of the bundle. Invalid after
// Finalize compresses it.
func (b *Bundle) Dir() string { return b.dir }

// AddFile moves an existing artifact into the bundle under name.
func (b *Bundle) AddFile(name, src string) error {
	dst := filepath.Join(b.dir, name)
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Rename fails across filesystems; fall back to a copy.
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// WriteJSON serializes v as an artifact under name.
func (b *Bundle) WriteJSON(name string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(b.dir, name), append(raw, '\n'), 0o644)
}

// Create opens a new artifact for streaming writes.
func (b *Bundle) Create(name string) (*os.File, error) {
	return os.Create(filepath.Join(b.dir, name))
}

// Finalize seals the bundle. When its total size exceeds the threshold
// the directory is replaced by one compressed archive.
func (b *Bundle) Finalize() error {
	size, err := dirSize(b.dir)
	if err != nil {
		return err
	}
	if size <= CompressThreshold {
		return nil
	}
	archive := b.dir + ".tar.gz"
	if err := archiveDir(b.dir, archive); err != nil {
		return fmt.Errorf("compressing bundle: %w", err)
	}
	if err := os.RemoveAll(b.dir); err != nil {
		log.WithError(err).Warn("leaving uncompressed bundle directory behind")
	}
	b.Path = archive
	log.WithField("bundle", archive).WithField("raw_bytes", size).Debug("bundle compressed")
	return nil
}

// perfMapDir is where JIT runtimes drop their perf-<pid>.map symbol
// files.
const perfMapDir = "/tmp"

// harvestPerfMaps copies the JIT symbol maps of the run's benchmark
// processes into the bundle. Most targets are ahead-of-time compiled and
// have none; only maps belonging to the given pids are taken.
func harvestPerfMaps(b *Bundle, dir string, pids map[int32]struct{}) error {
	for pid := range pids {
		name := fmt.Sprintf("perf-%d.map", pid)
		src, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		dst, err := b.Create(name)
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("harvesting %s: %w", name, err)
		}
		log.WithField("map", name).Debug("jit symbol map harvested")
	}
	return nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func archiveDir(dir, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	tw := tar.NewWriter(zw)

	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join(filepath.Base(dir), rel))
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := tw.Close(); err != nil {
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
