package omero

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cellular-imaging/omero-ingest/internal/config"
	"github.com/cellular-imaging/omero-ingest/internal/pkg/cmdrun"
)

// ImportCLI builds invocations of the repository's import command line.
// One invocation per order; stdout/stderr are captured into per-order
// files by the caller.
type ImportCLI struct {
	Binary string
	cfg    *config.Config
}

// NewImportCLI creates a builder using the boot configuration for host,
// parallelism, and skip flags.
func NewImportCLI(cfg *config.Config) *ImportCLI {
	return &ImportCLI{Binary: "omero", cfg: cfg}
}

// ImportRequest describes one import invocation.
type ImportRequest struct {
	Session *Session
	// Target is the destination container, e.g. "Dataset:151". Empty for
	// screen imports, where the plate is linked after the fact.
	Target string
	Paths  []string
}

// BuildCommand renders the full argv. Transfer mode is always ln_s: the
// repository stores symlinks, never copies.
func (ic *ImportCLI) BuildCommand(req ImportRequest) cmdrun.Command {
	cfg := ic.cfg

	sub := "import"
	if cfg.UseRegisterZarr {
		sub = "register-zarr"
	}
	args := []string{
		sub,
		"-s", cfg.OMERO.Host,
		"-p", strconv.Itoa(cfg.OMERO.Port),
		"-k", req.Session.Key,
		"--transfer=ln_s",
		"--parallel-upload", strconv.Itoa(cfg.ParallelUploadPerWorker),
		"--parallel-fileset", strconv.Itoa(cfg.ParallelFilesetsPerWorker),
	}

	if cfg.SkipAll {
		args = append(args, "--skip", "all")
	} else {
		if cfg.SkipChecksum {
			args = append(args, "--skip", "checksum")
		}
		if cfg.SkipMinMax {
			args = append(args, "--skip", "minmax")
		}
		if cfg.SkipThumbnails {
			args = append(args, "--skip", "thumbnails")
		}
		if cfg.SkipUpgrade {
			args = append(args, "--skip", "upgrade")
		}
	}

	if req.Target != "" {
		args = append(args, "-T", req.Target)
	}
	args = append(args, req.Paths...)

	return cmdrun.Command{Path: ic.Binary, Args: args}
}

// ObjectRef identifies one imported repository object.
type ObjectRef struct {
	Type string // "Image" or "Plate"
	ID   int64
}

// ParseObjectIDs extracts imported object identifiers from CLI stdout.
// Accepted line shapes: "Image:12,13", "Plate:7", or a bare integer
// (treated as an Image). Anything else is ignored as log noise.
func ParseObjectIDs(stdout string) []ObjectRef {
	var refs []ObjectRef
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if id, err := strconv.ParseInt(line, 10, 64); err == nil {
			refs = append(refs, ObjectRef{Type: "Image", ID: id})
			continue
		}
		typ, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		typ = strings.TrimSpace(typ)
		if typ != "Image" && typ != "Plate" {
			continue
		}
		for _, part := range strings.Split(rest, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				continue
			}
			refs = append(refs, ObjectRef{Type: typ, ID: id})
		}
	}
	return refs
}

// String renders a ref as "Type:ID", the CLI's own notation.
func (r ObjectRef) String() string {
	return fmt.Sprintf("%s:%d", r.Type, r.ID)
}
