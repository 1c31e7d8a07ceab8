// Package bundle builds the light-curve archive of a dataset. Archives are
// content-addressed by the set of source files: datasets referencing the
// same files share one physical archive.
package bundle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/klauspost/compress/zip"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"lcc-server/internal/domain"
)

// DefaultMaxFiles is the largest file list bundled when none is configured.
const DefaultMaxFiles = 20000

// ManifestName is the archive entry listing every source file.
const ManifestName = "manifest.json"

// Entry statuses in the manifest.
const (
	StatusIncluded = "included"
	StatusMissing  = "missing"
)

// ManifestEntry describes one source file of an archive.
type ManifestEntry struct {
	Source string `json:"source"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
}

// Outcome reports what Bundle did for one dataset.
type Outcome struct {
	SetID       string
	CacheKey    string
	ArchivePath string
	// WasBuilt is false when an existing archive was linked.
	WasBuilt bool
	// TooManyFiles is set when the file list exceeded the limit; no
	// archive exists and the dataset is complete without one.
	TooManyFiles bool
	Manifest     []ManifestEntry
}

// Converter turns one source light curve into the common interchange
// format.
type Converter interface {
	// Convert writes the converted form of src to w and returns the name
	// of its archive entry.
	Convert(ctx context.Context, src string, w io.Writer) (string, error)
}

// CopyConverter stores source files unchanged.
type CopyConverter struct{}

// Convert implements Converter.
func (CopyConverter) Convert(_ context.Context, src string, w io.Writer) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck
	if _, err := io.Copy(w, f); err != nil {
		return "", err
	}
	return filepath.Base(src), nil
}

// Bundler builds and links archives.
type Bundler struct {
	repo      domain.DatasetRepository
	dir       string
	maxFiles  int
	workers   int
	converter Converter
	logger    *slog.Logger

	group singleflight.Group
}

// NewBundler creates a Bundler writing archives to dir.
func NewBundler(repo domain.DatasetRepository, dir string, maxFiles, workers int, converter Converter, logger *slog.Logger) *Bundler {
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	if workers <= 0 {
		workers = 4
	}
	if converter == nil {
		converter = CopyConverter{}
	}
	return &Bundler{repo: repo, dir: dir, maxFiles: maxFiles, workers: workers, converter: converter, logger: logger}
}

// ArchivePath is where a dataset's archive lives.
func (b *Bundler) ArchivePath(setid string) string {
	return filepath.Join(b.dir, "lightcurves-"+setid+".zip")
}

// CacheKey is the BLAKE3-256 digest, hex encoded, of the JSON encoding of
// the sorted file list.
func CacheKey(files []string) (string, error) {
	sorted := slices.Clone(files)
	slices.Sort(sorted)
	data, err := json.Marshal(sorted)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// built is the shared result of one archive build.
type built struct {
	setid    string
	path     string
	manifest []ManifestEntry
}

// Bundle produces the archive for setid, linking an existing archive with
// the same cache key when one is on disk. Within one process at most one
// build per cache key runs at a time; callers arriving during a build
// link its result. The dataset is marked complete afterwards.
func (b *Bundler) Bundle(ctx context.Context, setid string, files []string) (*Outcome, error) {
	out := &Outcome{SetID: setid}
	if len(files) > b.maxFiles {
		out.TooManyFiles = true
		b.logger.Warn("too many light curves to bundle", "setid", setid, "files", len(files), "max", b.maxFiles)
		return out, b.repo.SaveBundle(ctx, setid, "", "", domain.DatasetComplete)
	}
	if len(files) == 0 {
		return out, b.repo.SaveBundle(ctx, setid, "", "", domain.DatasetComplete)
	}

	key, err := CacheKey(files)
	if err != nil {
		return nil, fmt.Errorf("bundle cache key: %w", err)
	}
	out.CacheKey = key
	out.ArchivePath = b.ArchivePath(setid)

	if src, ok := b.existing(ctx, key, setid); ok {
		return b.link(ctx, out, src)
	}

	v, err, _ := b.group.Do(key, func() (any, error) {
		if src, ok := b.existing(ctx, key, setid); ok {
			return &built{path: src}, nil
		}
		manifest, err := b.build(ctx, out.ArchivePath, files)
		if err != nil {
			return nil, err
		}
		if err := b.repo.SaveBundle(ctx, setid, key, out.ArchivePath, domain.DatasetComplete); err != nil {
			return nil, err
		}
		return &built{setid: setid, path: out.ArchivePath, manifest: manifest}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("build archive for %s: %w", setid, err)
	}

	res := v.(*built)
	if res.setid != setid {
		return b.link(ctx, out, res.path)
	}
	out.WasBuilt = true
	out.Manifest = res.manifest
	b.logger.Info("light curve archive built", "setid", setid, "files", len(files), "key", key)
	return out, nil
}

// existing finds another dataset's archive with the same key that is still
// on disk.
func (b *Bundler) existing(ctx context.Context, key, setid string) (string, bool) {
	d, err := b.repo.FindByCacheKey(ctx, key, setid)
	if err != nil {
		var nf *domain.NotFoundError
		if !errors.As(err, &nf) {
			b.logger.Warn("bundle cache lookup failed", "key", key, "error", err)
		}
		return "", false
	}
	if _, err := os.Stat(d.LCZipPath); err != nil {
		return "", false
	}
	return d.LCZipPath, true
}

// link points the dataset's archive path at src.
func (b *Bundler) link(ctx context.Context, out *Outcome, src string) (*Outcome, error) {
	target, err := filepath.Abs(src)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, err
	}
	if err := os.Remove(out.ArchivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replace archive link: %w", err)
	}
	if err := os.Symlink(target, out.ArchivePath); err != nil {
		if lerr := os.Link(target, out.ArchivePath); lerr != nil {
			return nil, fmt.Errorf("link archive: %w", errors.Join(err, lerr))
		}
	}
	if err := b.repo.SaveBundle(ctx, out.SetID, out.CacheKey, out.ArchivePath, domain.DatasetComplete); err != nil {
		return nil, err
	}
	b.logger.Info("light curve archive linked", "setid", out.SetID, "source", target)
	return out, nil
}

// build converts every file on a bounded worker pool into a staging
// directory and zips the results with a manifest.
func (b *Bundler) build(ctx context.Context, archive string, files []string) ([]ManifestEntry, error) {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, err
	}
	staging, err := os.MkdirTemp(b.dir, ".bundle-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(staging) //nolint:errcheck

	sorted := slices.Clone(files)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	manifest := make([]ManifestEntry, len(sorted))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for i, src := range sorted {
		g.Go(func() error {
			manifest[i] = b.convert(gctx, src, filepath.Join(staging, strconv.Itoa(i)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	uniqueNames(manifest)
	if err := b.writeZip(archive, staging, manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

func (b *Bundler) convert(ctx context.Context, src, dst string) ManifestEntry {
	entry := ManifestEntry{Source: src, Status: StatusMissing}
	f, err := os.Create(dst)
	if err != nil {
		b.logger.Warn("light curve staging failed", "source", src, "error", err)
		return entry
	}
	name, err := b.converter.Convert(ctx, src, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			b.logger.Warn("light curve conversion failed", "source", src, "error", err)
		}
		return entry
	}
	entry.Name = name
	entry.Status = StatusIncluded
	return entry
}

// uniqueNames disambiguates entries that converted to the same name.
func uniqueNames(manifest []ManifestEntry) {
	seen := make(map[string]int)
	for i := range manifest {
		e := &manifest[i]
		if e.Status != StatusIncluded {
			continue
		}
		if n := seen[e.Name]; n > 0 {
			seen[e.Name] = n + 1
			e.Name = fmt.Sprintf("%d-%s", n, e.Name)
			continue
		}
		seen[e.Name] = 1
	}
}

func (b *Bundler) writeZip(archive, staging string, manifest []ManifestEntry) error {
	tmp, err := os.CreateTemp(b.dir, ".tmp-"+filepath.Base(archive)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	zw := zip.NewWriter(tmp)
	for i, e := range manifest {
		if e.Status != StatusIncluded {
			continue
		}
		if err := addFile(zw, e.Name, filepath.Join(staging, strconv.Itoa(i))); err != nil {
			tmp.Close() //nolint:errcheck,gosec
			return err
		}
	}
	w, err := zw.Create(ManifestName)
	if err == nil {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err = enc.Encode(manifest)
	}
	if err == nil {
		err = zw.Close()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	return os.Rename(tmp.Name(), archive)
}

func addFile(zw *zip.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
