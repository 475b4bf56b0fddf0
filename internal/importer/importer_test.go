package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellular-imaging/omero-ingest/internal/domain"
	"github.com/cellular-imaging/omero-ingest/internal/omero"
	"github.com/cellular-imaging/omero-ingest/internal/pkg/cmdrun"
	"github.com/cellular-imaging/omero-ingest/internal/validate"
)

type fakeGateway struct {
	session     *omero.Session
	containers  map[string]bool // "datasets/151" -> exists
	links       []string        // "plate->screen"
	annotations map[string]map[string]string
	linkErr     error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		session: &omero.Session{
			Key: "sess-1", UserName: "researcher", UserID: 5,
			GroupName: "Demo", ExpiresAt: time.Now().Add(time.Hour),
		},
		containers:  map[string]bool{},
		annotations: map[string]map[string]string{},
	}
}

func (g *fakeGateway) SessionFor(_ context.Context, _, _ string) (*omero.Session, error) {
	return g.session, nil
}

func (g *fakeGateway) ContainerExists(_ context.Context, containerType string, id int64) (bool, error) {
	return g.containers[fmt.Sprintf("%s/%d", containerType, id)], nil
}

func (g *fakeGateway) LinkPlateToScreen(_ context.Context, _ *omero.Session, plateID, screenID int64) error {
	if g.linkErr != nil {
		return g.linkErr
	}
	g.links = append(g.links, fmt.Sprintf("%d->%d", plateID, screenID))
	return nil
}

func (g *fakeGateway) AttachMapAnnotation(_ context.Context, _ *omero.Session, objectType string, objectID int64, kv map[string]string) error {
	g.annotations[fmt.Sprintf("%s:%d", objectType, objectID)] = kv
	return nil
}

type fakeBuilder struct{ last omero.ImportRequest }

func (b *fakeBuilder) BuildCommand(req omero.ImportRequest) cmdrun.Command {
	b.last = req
	return cmdrun.Command{Path: "omero", Args: []string{"import"}}
}

func stdoutRunner(stdout string, exitCode int) Runner {
	return func(_ context.Context, _ cmdrun.Command, stdoutPath, stderrPath string) (*cmdrun.Result, error) {
		os.MkdirAll(filepath.Dir(stdoutPath), 0o755)
		os.WriteFile(stdoutPath, []byte(stdout), 0644)
		os.WriteFile(stderrPath, nil, 0644)
		return &cmdrun.Result{ExitCode: exitCode, Stdout: stdout}, nil
	}
}

func datasetOrder(t *testing.T) *validate.ValidatedOrder {
	t.Helper()
	dir := t.TempDir()
	source := filepath.Join(dir, "x.tif")
	require.NoError(t, os.WriteFile(source, []byte("pixels"), 0644))
	return &validate.ValidatedOrder{
		Order: domain.Order{
			UUID:            "a-uuid",
			GroupName:       "Demo",
			UserName:        "researcher",
			DestinationID:   151,
			DestinationType: domain.DestinationDataset,
			Files:           []string{source},
		},
		UserID:  5,
		GroupID: 3,
	}
}

func TestRunDatasetImport(t *testing.T) {
	g := newFakeGateway()
	g.containers["datasets/151"] = true
	builder := &fakeBuilder{}
	logDir := t.TempDir()

	imp := NewWithRunner(g, builder, t.TempDir(), logDir, stdoutRunner("Image:42\n", 0))
	order := datasetOrder(t)

	s, err := imp.Session(context.Background(), order)
	require.NoError(t, err)
	require.NoError(t, imp.Run(context.Background(), s, order, nil))

	assert.Equal(t, "Dataset:151", builder.last.Target)
	assert.Equal(t, order.Files, builder.last.Paths)
	assert.Empty(t, g.links)
	assert.Empty(t, g.annotations) // no metadata.csv, no preprocessing

	// Per-order CLI logs are preserved.
	assert.FileExists(t, filepath.Join(logDir, "cli.a-uuid.logs"))
	assert.FileExists(t, filepath.Join(logDir, "cli.a-uuid.errs"))
}

func TestRunMissingDestination(t *testing.T) {
	g := newFakeGateway()
	imp := NewWithRunner(g, &fakeBuilder{}, t.TempDir(), t.TempDir(), stdoutRunner("Image:42\n", 0))
	order := datasetOrder(t)

	err := imp.Run(context.Background(), g.session, order, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrImportFailed)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestRunCLIFailure(t *testing.T) {
	g := newFakeGateway()
	g.containers["datasets/151"] = true
	imp := NewWithRunner(g, &fakeBuilder{}, t.TempDir(), t.TempDir(), stdoutRunner("", 2))

	err := imp.Run(context.Background(), g.session, datasetOrder(t), nil)
	assert.ErrorIs(t, err, domain.ErrImportFailed)
}

func TestRunNoObjectIDs(t *testing.T) {
	g := newFakeGateway()
	g.containers["datasets/151"] = true
	imp := NewWithRunner(g, &fakeBuilder{}, t.TempDir(), t.TempDir(), stdoutRunner("chatty log, no ids\n", 0))

	err := imp.Run(context.Background(), g.session, datasetOrder(t), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrImportFailed)
	assert.Contains(t, err.Error(), "no object ids")
}

func TestRunAttachesCSVMetadata(t *testing.T) {
	g := newFakeGateway()
	g.containers["datasets/151"] = true
	order := datasetOrder(t)
	dir := filepath.Dir(order.Files[0])
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.csv"),
		[]byte("key,value\nstain,dapi\nmagnification,40x\n"), 0644))

	imp := NewWithRunner(g, &fakeBuilder{}, t.TempDir(), t.TempDir(), stdoutRunner("Image:42\n", 0))
	require.NoError(t, imp.Run(context.Background(), g.session, order, nil))

	assert.Equal(t, map[string]string{"stain": "dapi", "magnification": "40x"}, g.annotations["Image:42"])
}

func screenFixture(t *testing.T) (*Importer, *fakeGateway, *validate.ValidatedOrder, []domain.ProcessedFile, string, string) {
	t.Helper()
	g := newFakeGateway()
	g.containers["screens/451"] = true

	managedRoot := t.TempDir()
	sharedDir := t.TempDir()

	order := datasetOrder(t)
	order.UUID = "b-uuid"
	order.DestinationID = 451
	order.DestinationType = domain.DestinationScreen

	imp := NewWithRunner(g, &fakeBuilder{}, managedRoot, t.TempDir(), stdoutRunner("Plate:7\n", 0))

	staging := imp.StagingDir(g.session, "b-uuid")
	require.NoError(t, os.MkdirAll(staging, 0o755))
	staged := filepath.Join(staging, "plate.ome.tiff")
	require.NoError(t, os.WriteFile(staged, []byte("ome"), 0644))

	processedDir := filepath.Join(sharedDir, ".processed")
	require.NoError(t, os.MkdirAll(processedDir, 0o755))
	full := filepath.Join(processedDir, "plate.ome.tiff")
	require.NoError(t, os.WriteFile(full, []byte("ome"), 0644))

	// The repository's managed tree holds a symlink to the staged file.
	managedFiles := filepath.Join(managedRoot, g.session.OwnerDir(), "2026-08", "b-fileset")
	require.NoError(t, os.MkdirAll(managedFiles, 0o755))
	link := filepath.Join(managedFiles, "plate.ome.tiff")
	require.NoError(t, os.Symlink(staged, link))

	processed := []domain.ProcessedFile{{
		Name:      "plate.ome.tiff",
		AltPath:   staged,
		FullPath:  full,
		KeyValues: map[string]string{"saveoption": "single"},
	}}
	return imp, g, order, processed, link, staging
}

func TestRunScreenImportWithRewiring(t *testing.T) {
	imp, g, order, processed, link, staging := screenFixture(t)

	s, err := imp.Session(context.Background(), order)
	require.NoError(t, err)
	require.NoError(t, imp.Run(context.Background(), s, order, processed))

	// Plate linked to the screen.
	assert.Equal(t, []string{"7->451"}, g.links)

	// Managed symlink now points at shared storage.
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, processed[0].FullPath, target)

	// Staging directory is gone.
	_, err = os.Stat(staging)
	assert.True(t, os.IsNotExist(err))

	// Preprocessor keyvalues attached to the plate.
	assert.Equal(t, map[string]string{"saveoption": "single"}, g.annotations["Plate:7"])
}

func TestRunRewireFailureLeavesStaging(t *testing.T) {
	imp, g, order, processed, link, staging := screenFixture(t)

	// Point the managed link at a staged path with no shared twin.
	orphan := filepath.Join(staging, "orphan.bin")
	require.NoError(t, os.WriteFile(orphan, []byte("x"), 0644))
	require.NoError(t, os.Remove(link))
	require.NoError(t, os.Symlink(orphan, link))

	err := imp.Run(context.Background(), g.session, order, processed)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRewireFailed)

	// Staging is left in place for inspection.
	assert.DirExists(t, staging)
}
