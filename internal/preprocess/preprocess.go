// Package preprocess runs an order's container recipe to materialise
// derived inputs before import. One container run per source file; the
// container writes to shared storage (the .processed/ subtree next to the
// source) and to a fast-local staging directory scoped by order uuid.
package preprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cellular-imaging/omero-ingest/internal/domain"
	"github.com/cellular-imaging/omero-ingest/internal/pkg/cmdrun"
	"github.com/cellular-imaging/omero-ingest/internal/pkg/logger"
)

// ProcessedDirName is the reserved subpath for derived files on shared
// storage, created next to each source file.
const ProcessedDirName = ".processed"

// Runner executes a container command. Swapped out in tests.
type Runner func(ctx context.Context, c cmdrun.Command) (*cmdrun.Result, error)

// Preprocessor launches containers through the configured runtime.
type Preprocessor struct {
	Runtime    string // container runtime binary, default "podman"
	UsernsMode string // forwarded as --userns when set

	runner Runner
}

// New creates a preprocessor. usernsMode comes from PODMAN_USERNS_MODE.
func New(usernsMode string) *Preprocessor {
	return &Preprocessor{Runtime: "podman", UsernsMode: usernsMode, runner: cmdrun.Run}
}

// NewWithRunner creates a preprocessor with a custom runner (tests).
func NewWithRunner(usernsMode string, r Runner) *Preprocessor {
	p := New(usernsMode)
	p.runner = r
	return p
}

// Run executes the order's recipe once per source file and returns the
// derived files that replace the order's inputs for the importer.
// stagingDir is the order's fast-local directory
// (<managed-root>/<owner>/OMERO_inplace/<uuid>). Any failure wraps
// domain.ErrPreprocessFailed.
func (p *Preprocessor) Run(ctx context.Context, order *domain.Order, stagingDir string) ([]domain.ProcessedFile, error) {
	pre := order.Preprocessing
	if pre == nil {
		return nil, fmt.Errorf("%w: order %s has no preprocessing row", domain.ErrPreprocessFailed, order.UUID)
	}

	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create staging dir: %v", domain.ErrPreprocessFailed, err)
	}

	var all []domain.ProcessedFile
	for _, file := range order.Files {
		processedDir := filepath.Join(filepath.Dir(file), ProcessedDirName)
		if err := os.MkdirAll(processedDir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", domain.ErrPreprocessFailed, processedDir, err)
		}

		cmd := p.buildCommand(pre, file, processedDir, stagingDir)
		logger.Debug("running preprocessing container", "uuid", order.UUID, "cmd", cmd.String())

		res, err := p.runner(ctx, cmd)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrPreprocessFailed, err)
		}
		if res.ExitCode != 0 {
			return nil, fmt.Errorf("%w: container exited %d: %s",
				domain.ErrPreprocessFailed, res.ExitCode, lastLine(res.Stderr))
		}

		files, ok := parseTail(res.Stdout, filepath.Dir(file), stagingDir)
		if !ok {
			logger.Warn("unparseable container tail, scanning staging dir",
				"uuid", order.UUID, "file", file)
			files, err = scanStaging(stagingDir, processedDir)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrPreprocessFailed, err)
			}
		}
		all = append(all, files...)
	}

	if len(all) == 0 {
		return nil, fmt.Errorf("%w: container produced no usable files for %s",
			domain.ErrPreprocessFailed, order.UUID)
	}
	return all, nil
}

// buildCommand renders the container runtime argv for one source file.
func (p *Preprocessor) buildCommand(pre *domain.Preprocessing, file, processedDir, stagingDir string) cmdrun.Command {
	input := strings.ReplaceAll(pre.InputFile, "{Files}", file)

	args := []string{"run", "--rm"}
	if p.UsernsMode != "" {
		args = append(args, "--userns", p.UsernsMode)
	}
	// The source's directory is mounted read-only so {Files} resolves
	// inside the container; output folders are bind-mounted read-write.
	args = append(args,
		"-v", fmt.Sprintf("%s:%s:ro", filepath.Dir(file), filepath.Dir(file)),
		"-v", fmt.Sprintf("%s:%s", processedDir, pre.OutputFolder),
	)
	if pre.AltOutputFolder != "" {
		args = append(args, "-v", fmt.Sprintf("%s:%s", stagingDir, pre.AltOutputFolder))
	}
	args = append(args, pre.Container)
	for _, key := range sortedKeys(pre.ExtraParams) {
		args = append(args, "--"+key, pre.ExtraParams[key])
	}
	args = append(args, "--inputfile", input, "--outputfolder", pre.OutputFolder)

	return cmdrun.Command{Path: p.Runtime, Args: args}
}

// tailEntry is one element of the container's structured tail output.
type tailEntry struct {
	Name      string              `json:"name"`
	FullPath  string              `json:"full_path"`
	AltPath   string              `json:"alt_path"`
	KeyValues []map[string]string `json:"keyvalues"`
}

// parseTail decodes the last non-empty stdout line as a JSON sequence of
// entries. Relative full_paths resolve against the source file's
// directory; relative alt_paths against the staging directory.
func parseTail(stdout, sourceDir, stagingDir string) ([]domain.ProcessedFile, bool) {
	line := lastLine(stdout)
	if line == "" {
		return nil, false
	}

	var entries []tailEntry
	if err := json.Unmarshal([]byte(line), &entries); err != nil {
		return nil, false
	}
	if len(entries) == 0 {
		return nil, false
	}

	files := make([]domain.ProcessedFile, 0, len(entries))
	for _, e := range entries {
		if e.FullPath == "" || e.AltPath == "" {
			continue
		}
		full := e.FullPath
		if !filepath.IsAbs(full) {
			full = filepath.Join(sourceDir, full)
		}
		alt := e.AltPath
		if !filepath.IsAbs(alt) {
			alt = filepath.Join(stagingDir, alt)
		}
		kv := make(map[string]string)
		for _, m := range e.KeyValues {
			for k, v := range m {
				kv[k] = v
			}
		}
		name := e.Name
		if name == "" {
			name = filepath.Base(full)
		}
		files = append(files, domain.ProcessedFile{
			Name: name, FullPath: full, AltPath: alt, KeyValues: kv,
		})
	}
	if len(files) == 0 {
		return nil, false
	}
	return files, true
}

// scanStaging is the fallback when the tail is unusable: every regular
// file under the staging directory becomes a derived input, with its
// shared-storage twin under the .processed/ subtree.
func scanStaging(stagingDir, processedDir string) ([]domain.ProcessedFile, error) {
	var files []domain.ProcessedFile
	err := filepath.WalkDir(stagingDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return err
		}
		files = append(files, domain.ProcessedFile{
			Name:     filepath.Base(path),
			AltPath:  path,
			FullPath: filepath.Join(processedDir, rel),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan staging dir %s: %w", stagingDir, err)
	}
	return files, nil
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic argv ordering keeps container invocations reproducible
	// across runs.
	sort.Strings(keys)
	return keys
}
