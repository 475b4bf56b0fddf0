package importer

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cellular-imaging/omero-ingest/internal/domain"
)

// RewireSymlinks walks the owner's managed tree and repoints every
// symlink whose target lives under stagingDir at the corresponding
// shared-storage path from processed. Replacement is
// create-new-then-rename so the repository never observes a broken link.
// Returns the number of symlinks rewired.
func RewireSymlinks(managedDir, stagingDir string, processed []domain.ProcessedFile) (int, error) {
	// alt path -> shared-storage twin, both exact and staging-relative.
	byAlt := make(map[string]string, len(processed))
	byRel := make(map[string]string, len(processed))
	for _, f := range processed {
		byAlt[filepath.Clean(f.AltPath)] = f.FullPath
		if rel, err := filepath.Rel(stagingDir, f.AltPath); err == nil && !strings.HasPrefix(rel, "..") {
			byRel[rel] = f.FullPath
		}
	}

	rewired := 0
	err := filepath.WalkDir(managedDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// The owner tree appears as the repository creates it; a
			// missing root just means nothing to rewire yet.
			if os.IsNotExist(err) && path == managedDir {
				return filepath.SkipAll
			}
			return err
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}

		target, err := os.Readlink(path)
		if err != nil {
			return fmt.Errorf("readlink %s: %w", path, err)
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		target = filepath.Clean(target)

		rel, err := filepath.Rel(stagingDir, target)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil // points elsewhere; not ours
		}

		newTarget, ok := byAlt[target]
		if !ok {
			newTarget, ok = byRel[rel]
		}
		if !ok {
			return fmt.Errorf("no shared-storage twin for staged file %s (link %s)", target, path)
		}

		if err := replaceSymlink(path, newTarget); err != nil {
			return err
		}
		rewired++
		return nil
	})
	if err != nil {
		return rewired, err
	}
	return rewired, nil
}

// replaceSymlink atomically swaps the symlink at path to point at target.
func replaceSymlink(path, target string) error {
	tmp := path + ".rewire"
	if err := os.Symlink(target, tmp); err != nil {
		if os.IsExist(err) {
			// Leftover from an interrupted rewire; replace it.
			os.Remove(tmp)
			err = os.Symlink(target, tmp)
		}
		if err != nil {
			return fmt.Errorf("create symlink %s: %w", tmp, err)
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace symlink %s: %w", path, err)
	}
	return nil
}
