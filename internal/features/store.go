// Package features stores derived datasets (signals, factors, model
// inputs) next to the raw lake. Files are opaque to the store; the catalog
// tracks identity, version and checksum so consumers can pin or follow
// latest.
package features

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"candlelake/internal/lake"
	"candlelake/internal/manifest"
)

// reservedSets are catalog types that are not feature sets.
var reservedSets = []string{lake.TypeRaw, lake.TypeAlt, lake.TypeTicks}

// Store copies feature files under <root>/features/<set>/<version>/ and
// catalogs them.
type Store struct {
	root string
	man  *manifest.Manifest
	log  *logrus.Entry
}

func NewStore(root string, man *manifest.Manifest, log *logrus.Logger) *Store {
	return &Store{
		root: root,
		man:  man,
		log:  logrus.NewEntry(log).WithField("component", "features"),
	}
}

func validSetName(set string) error {
	if set == "" || strings.ContainsAny(set, "/\\") {
		return fmt.Errorf("%w: feature set %q", lake.ErrInvalidIdentity, set)
	}
	for _, r := range reservedSets {
		if set == r {
			return fmt.Errorf("%w: feature set %q is reserved", lake.ErrInvalidIdentity, set)
		}
	}
	return nil
}

// Upload copies src into the store under set/version, keeping the base
// filename, and catalogs it. An upload with the same set, version and
// filename replaces the previous one.
func (s *Store) Upload(ctx context.Context, src io.Reader, filename, set, version string, id lake.Identity) (manifest.Entry, error) {
	if err := validSetName(set); err != nil {
		return manifest.Entry{}, err
	}
	if version == "" || strings.ContainsAny(version, "/\\") {
		return manifest.Entry{}, fmt.Errorf("%w: version %q", lake.ErrInvalidIdentity, version)
	}
	if err := id.Validate(); err != nil {
		return manifest.Entry{}, err
	}
	id = id.Normalize()
	filename = filepath.Base(filename)

	dir := filepath.Join(s.root, "features", set, version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return manifest.Entry{}, fmt.Errorf("create feature dir: %w", err)
	}
	dst := filepath.Join(dir, filename)
	tmp := dst + ".tmp"
	fd, err := os.Create(tmp)
	if err != nil {
		return manifest.Entry{}, fmt.Errorf("create feature file: %w", err)
	}
	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(fd, h), src)
	if err != nil {
		fd.Close()
		os.Remove(tmp)
		return manifest.Entry{}, fmt.Errorf("copy feature file: %w", err)
	}
	if err := fd.Sync(); err != nil {
		fd.Close()
		os.Remove(tmp)
		return manifest.Entry{}, err
	}
	if err := fd.Close(); err != nil {
		os.Remove(tmp)
		return manifest.Entry{}, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return manifest.Entry{}, fmt.Errorf("publish feature file: %w", err)
	}

	entry := manifest.Entry{
		Exchange: id.Exchange,
		Market:   id.Market,
		Symbol:   id.Symbol,
		Type:     set,
		Path:     dst,
		FileSize: size,
		Checksum: hex.EncodeToString(h.Sum(nil)),
		Version:  version,
	}
	entryID, err := s.man.Upsert(ctx, entry)
	if err != nil {
		return manifest.Entry{}, err
	}
	entry.ID = entryID
	s.log.WithFields(logrus.Fields{"set": set, "version": version, "path": dst}).Info("feature uploaded")
	return entry, nil
}

// Sets lists the feature sets present in the catalog.
func (s *Store) Sets(ctx context.Context) ([]string, error) {
	return s.man.DistinctTypes(ctx, reservedSets...)
}

// List returns the catalog entries of one feature set.
func (s *Store) List(ctx context.Context, set string) ([]manifest.Entry, error) {
	if err := validSetName(set); err != nil {
		return nil, err
	}
	return s.man.Find(ctx, manifest.Filter{Type: set})
}

// Find returns feature entries across sets, narrowed by any subset of
// set name and identity fields. Partition types never show up here.
func (s *Store) Find(ctx context.Context, set string, id lake.Identity) ([]manifest.Entry, error) {
	id = id.Normalize()
	filter := manifest.Filter{Exchange: id.Exchange, Market: id.Market, Symbol: id.Symbol}
	if set != "" {
		if err := validSetName(set); err != nil {
			return nil, err
		}
		filter.Type = set
		return s.man.Find(ctx, filter)
	}
	sets, err := s.Sets(ctx)
	if err != nil {
		return nil, err
	}
	var out []manifest.Entry
	for _, name := range sets {
		filter.Type = name
		entries, err := s.man.Find(ctx, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

// Latest returns the newest version of a feature set for one identity.
func (s *Store) Latest(ctx context.Context, set string, id lake.Identity) (manifest.Entry, error) {
	if err := validSetName(set); err != nil {
		return manifest.Entry{}, err
	}
	return s.man.LatestVersion(ctx, set, id)
}

// Open returns a reader over the stored file of one catalog entry,
// verifying the checksum is still the recorded one.
func (s *Store) Open(ctx context.Context, entryID int64) (io.ReadCloser, manifest.Entry, error) {
	entry, err := s.man.Get(ctx, entryID)
	if err != nil {
		return nil, manifest.Entry{}, err
	}
	fd, err := os.Open(entry.Path)
	if err != nil {
		return nil, manifest.Entry{}, err
	}
	h := sha256.New()
	if _, err := io.Copy(h, fd); err != nil {
		fd.Close()
		return nil, manifest.Entry{}, err
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != entry.Checksum {
		fd.Close()
		return nil, manifest.Entry{}, fmt.Errorf("%w: %s has checksum %s, catalog says %s",
			lake.ErrChecksumMismatch, entry.Path, sum, entry.Checksum)
	}
	if _, err := fd.Seek(0, io.SeekStart); err != nil {
		fd.Close()
		return nil, manifest.Entry{}, err
	}
	return fd, entry, nil
}

// Delete removes one feature entry and its file, pruning emptied set and
// version directories.
func (s *Store) Delete(ctx context.Context, entryID int64) error {
	entries, err := s.man.DeleteBy(ctx, manifest.Filter{ID: entryID})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("feature entry %d: %w", entryID, lake.ErrNotFound)
	}
	e := entries[0]
	if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	dir := filepath.Dir(e.Path)
	base := filepath.Join(s.root, "features")
	for dir != base && strings.HasPrefix(dir, base) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}
