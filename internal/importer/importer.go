// Package importer drives one validated order through the repository's
// import CLI: session, destination check, invocation, object-id capture,
// symlink rewiring, and metadata attachment.
package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cellular-imaging/omero-ingest/internal/domain"
	"github.com/cellular-imaging/omero-ingest/internal/omero"
	"github.com/cellular-imaging/omero-ingest/internal/pkg/cmdrun"
	"github.com/cellular-imaging/omero-ingest/internal/pkg/logger"
	"github.com/cellular-imaging/omero-ingest/internal/preprocess"
	"github.com/cellular-imaging/omero-ingest/internal/validate"
)

// Gateway is the slice of the repository client the importer needs.
type Gateway interface {
	SessionFor(ctx context.Context, user, group string) (*omero.Session, error)
	ContainerExists(ctx context.Context, containerType string, id int64) (bool, error)
	LinkPlateToScreen(ctx context.Context, s *omero.Session, plateID, screenID int64) error
	AttachMapAnnotation(ctx context.Context, s *omero.Session, objectType string, objectID int64, kv map[string]string) error
}

// CommandBuilder renders the import CLI argv. Satisfied by
// *omero.ImportCLI.
type CommandBuilder interface {
	BuildCommand(req omero.ImportRequest) cmdrun.Command
}

// Runner executes the CLI with output captured to files. Swapped in tests.
type Runner func(ctx context.Context, c cmdrun.Command, stdoutPath, stderrPath string) (*cmdrun.Result, error)

// Importer runs imports for validated orders.
type Importer struct {
	gateway Gateway
	cli     CommandBuilder
	runner  Runner

	// ManagedRoot is the repository's managed filesystem tree.
	ManagedRoot string
	// LogDir holds the per-order CLI log and error files.
	LogDir string
}

// New creates an importer.
func New(gateway Gateway, cli CommandBuilder, managedRoot, logDir string) *Importer {
	return &Importer{
		gateway:     gateway,
		cli:         cli,
		runner:      cmdrun.RunToFiles,
		ManagedRoot: managedRoot,
		LogDir:      logDir,
	}
}

// NewWithRunner creates an importer with a custom CLI runner (tests).
func NewWithRunner(gateway Gateway, cli CommandBuilder, managedRoot, logDir string, r Runner) *Importer {
	imp := New(gateway, cli, managedRoot, logDir)
	imp.runner = r
	return imp
}

// StagingDir returns the order's fast-local staging directory for the
// given session identity: <managed-root>/<owner>_<uid>/OMERO_inplace/<uuid>.
func (i *Importer) StagingDir(s *omero.Session, uuid string) string {
	return filepath.Join(i.ManagedRoot, s.OwnerDir(), "OMERO_inplace", uuid)
}

// Session opens the order's sudo session. Exposed separately because the
// preprocessor needs the staging path (derived from the session identity)
// before the import itself runs.
func (i *Importer) Session(ctx context.Context, order *validate.ValidatedOrder) (*omero.Session, error) {
	s, err := i.gateway.SessionFor(ctx, order.UserName, order.GroupName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrImportFailed, err)
	}
	return s, nil
}

// Run imports the order. processed is nil for plain imports; when set,
// the alt paths are imported and managed symlinks are rewired to the
// shared-storage twins afterwards. The per-order CLI log files are
// preserved on disk whether the import succeeds or fails.
func (i *Importer) Run(ctx context.Context, s *omero.Session, order *validate.ValidatedOrder, processed []domain.ProcessedFile) error {
	// Fail fast if the destination container is gone.
	containerType := "datasets"
	if order.DestinationType == domain.DestinationScreen {
		containerType = "screens"
	}
	exists, err := i.gateway.ContainerExists(ctx, containerType, order.DestinationID)
	if err != nil {
		return fmt.Errorf("%w: check destination %s %d: %v",
			domain.ErrImportFailed, order.DestinationType, order.DestinationID, err)
	}
	if !exists {
		return fmt.Errorf("%w: destination %s %d does not exist",
			domain.ErrImportFailed, order.DestinationType, order.DestinationID)
	}

	target := ""
	if order.DestinationType == domain.DestinationDataset {
		target = fmt.Sprintf("Dataset:%d", order.DestinationID)
	}

	paths := order.Files
	if processed != nil {
		paths = make([]string, len(processed))
		for n, f := range processed {
			paths[n] = f.AltPath
		}
	}

	cmd := i.cli.BuildCommand(omero.ImportRequest{Session: s, Target: target, Paths: paths})
	logPath := filepath.Join(i.LogDir, fmt.Sprintf("cli.%s.logs", order.UUID))
	errPath := filepath.Join(i.LogDir, fmt.Sprintf("cli.%s.errs", order.UUID))

	logger.Info("invoking import CLI", "uuid", order.UUID, "paths", len(paths), "target", target)
	res, err := i.runner(ctx, cmd, logPath, errPath)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrImportFailed, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: import CLI exited %d (see %s)",
			domain.ErrImportFailed, res.ExitCode, errPath)
	}

	refs := omero.ParseObjectIDs(res.Stdout)
	if len(refs) == 0 {
		return fmt.Errorf("%w: import CLI exited 0 but returned no object ids", domain.ErrImportFailed)
	}

	if order.DestinationType == domain.DestinationScreen {
		for _, ref := range refs {
			if ref.Type != "Plate" {
				continue
			}
			if err := i.gateway.LinkPlateToScreen(ctx, s, ref.ID, order.DestinationID); err != nil {
				return fmt.Errorf("%w: link plate %d to screen %d: %v",
					domain.ErrImportFailed, ref.ID, order.DestinationID, err)
			}
		}
	}

	if processed != nil {
		stagingDir := i.StagingDir(s, order.UUID)
		ownerDir := filepath.Join(i.ManagedRoot, s.OwnerDir())
		rewired, err := RewireSymlinks(ownerDir, stagingDir, processed)
		if err != nil {
			// Leave the staging directory for operator inspection; the
			// repository-side import is not rolled back.
			return fmt.Errorf("%w: %v", domain.ErrRewireFailed, err)
		}
		logger.Info("rewired managed symlinks", "uuid", order.UUID, "count", rewired)
		if err := os.RemoveAll(stagingDir); err != nil {
			return fmt.Errorf("%w: remove staging dir %s: %v",
				domain.ErrRewireFailed, stagingDir, err)
		}
	}

	if err := i.attachMetadata(ctx, s, order, processed, refs); err != nil {
		return err
	}

	logger.Info("import completed", "uuid", order.UUID, "objects", len(refs))
	return nil
}

// attachMetadata attaches the CSV-sourced map and the preprocessor
// keyvalues to every imported object.
func (i *Importer) attachMetadata(ctx context.Context, s *omero.Session, order *validate.ValidatedOrder, processed []domain.ProcessedFile, refs []omero.ObjectRef) error {
	kv := make(map[string]string)

	for _, file := range order.Files {
		dir := filepath.Dir(file)
		for _, candidate := range []string{
			filepath.Join(dir, "metadata.csv"),
			filepath.Join(dir, preprocess.ProcessedDirName, "metadata.csv"),
		} {
			fromCSV, err := ReadMetadataCSV(candidate)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", domain.ErrImportFailed, candidate, err)
			}
			for k, v := range fromCSV {
				kv[k] = v
			}
		}
	}

	// Preprocessor keyvalues concatenate into the same namespace.
	for _, f := range processed {
		for k, v := range f.KeyValues {
			kv[k] = v
		}
	}

	if len(kv) == 0 {
		return nil
	}
	for _, ref := range refs {
		if err := i.gateway.AttachMapAnnotation(ctx, s, ref.Type, ref.ID, kv); err != nil {
			return fmt.Errorf("%w: annotate %s: %v", domain.ErrImportFailed, ref, err)
		}
	}
	return nil
}
