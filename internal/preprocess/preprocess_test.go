package preprocess

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellular-imaging/omero-ingest/internal/domain"
	"github.com/cellular-imaging/omero-ingest/internal/pkg/cmdrun"
)

func fixtureOrder(t *testing.T) (*domain.Order, string) {
	t.Helper()
	dataDir := t.TempDir()
	source := filepath.Join(dataDir, "plate.db")
	require.NoError(t, os.WriteFile(source, []byte("db"), 0644))

	order := &domain.Order{
		UUID:            "b-uuid",
		GroupName:       "Demo",
		UserName:        "researcher",
		DestinationID:   451,
		DestinationType: domain.DestinationScreen,
		Files:           []string{source},
		Preprocessing: &domain.Preprocessing{
			Container:       "conv:latest",
			InputFile:       "{Files}",
			OutputFolder:    "/data",
			AltOutputFolder: "/out",
			ExtraParams:     map[string]string{"saveoption": "single"},
		},
	}
	staging := filepath.Join(t.TempDir(), "OMERO_inplace", "b-uuid")
	return order, staging
}

func TestRunParsesStructuredTail(t *testing.T) {
	order, staging := fixtureOrder(t)
	sourceDir := filepath.Dir(order.Files[0])

	var gotCmd cmdrun.Command
	runner := func(_ context.Context, c cmdrun.Command) (*cmdrun.Result, error) {
		gotCmd = c
		tail := `[{"name":"plate.ome.tiff","full_path":"` + sourceDir + `/.processed/plate.ome.tiff",` +
			`"alt_path":"` + staging + `/plate.ome.tiff","keyvalues":[{"stain":"dapi"},{"rows":"8"}]}]`
		return &cmdrun.Result{ExitCode: 0, Stdout: "converting...\n" + tail + "\n"}, nil
	}

	p := NewWithRunner("keep-id", runner)
	files, err := p.Run(context.Background(), order, staging)
	require.NoError(t, err)
	require.Len(t, files, 1)

	assert.Equal(t, "plate.ome.tiff", files[0].Name)
	assert.Equal(t, filepath.Join(sourceDir, ".processed", "plate.ome.tiff"), files[0].FullPath)
	assert.Equal(t, filepath.Join(staging, "plate.ome.tiff"), files[0].AltPath)
	assert.Equal(t, map[string]string{"stain": "dapi", "rows": "8"}, files[0].KeyValues)

	// Command shape.
	argv := strings.Join(gotCmd.Args, " ")
	assert.Equal(t, "podman", gotCmd.Path)
	assert.Contains(t, argv, "run --rm")
	assert.Contains(t, argv, "--userns keep-id")
	assert.Contains(t, argv, sourceDir+"/.processed:/data")
	assert.Contains(t, argv, staging+":/out")
	assert.Contains(t, argv, "conv:latest --saveoption single")
	assert.Contains(t, argv, "--inputfile "+order.Files[0])
	assert.Contains(t, argv, "--outputfolder /data")

	// Shared .processed/ dir was created next to the source.
	info, err := os.Stat(filepath.Join(sourceDir, ProcessedDirName))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestRunSubstitutesFilesToken(t *testing.T) {
	order, staging := fixtureOrder(t)
	order.Preprocessing.InputFile = "sqlite:{Files}?mode=ro"

	var gotCmd cmdrun.Command
	runner := func(_ context.Context, c cmdrun.Command) (*cmdrun.Result, error) {
		gotCmd = c
		return &cmdrun.Result{ExitCode: 0, Stdout: `[{"name":"x","full_path":"/a/x","alt_path":"/b/x"}]`}, nil
	}

	_, err := NewWithRunner("", runner).Run(context.Background(), order, staging)
	require.NoError(t, err)
	argv := strings.Join(gotCmd.Args, " ")
	assert.Contains(t, argv, "--inputfile sqlite:"+order.Files[0]+"?mode=ro")
	assert.NotContains(t, argv, "{Files}")
	assert.NotContains(t, argv, "--userns")
}

func TestRunNonZeroExit(t *testing.T) {
	order, staging := fixtureOrder(t)
	runner := func(_ context.Context, _ cmdrun.Command) (*cmdrun.Result, error) {
		return &cmdrun.Result{ExitCode: 2, Stderr: "conversion blew up\n"}, nil
	}

	_, err := NewWithRunner("", runner).Run(context.Background(), order, staging)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPreprocessFailed)
	assert.Contains(t, err.Error(), "conversion blew up")
}

func TestRunFallbackScansStaging(t *testing.T) {
	order, staging := fixtureOrder(t)
	sourceDir := filepath.Dir(order.Files[0])

	runner := func(_ context.Context, _ cmdrun.Command) (*cmdrun.Result, error) {
		// Simulate the container writing output but emitting a chatty,
		// unparseable tail.
		require.NoError(t, os.MkdirAll(staging, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(staging, "plate.ome.tiff"), []byte("ome"), 0644))
		return &cmdrun.Result{ExitCode: 0, Stdout: "done converting plate.db\n"}, nil
	}

	files, err := NewWithRunner("", runner).Run(context.Background(), order, staging)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, filepath.Join(staging, "plate.ome.tiff"), files[0].AltPath)
	assert.Equal(t, filepath.Join(sourceDir, ProcessedDirName, "plate.ome.tiff"), files[0].FullPath)
	assert.Empty(t, files[0].KeyValues)
}

func TestRunEmptyTailAndEmptyStaging(t *testing.T) {
	order, staging := fixtureOrder(t)
	runner := func(_ context.Context, _ cmdrun.Command) (*cmdrun.Result, error) {
		return &cmdrun.Result{ExitCode: 0, Stdout: "[]\n"}, nil
	}

	_, err := NewWithRunner("", runner).Run(context.Background(), order, staging)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPreprocessFailed)
	assert.Contains(t, err.Error(), "no usable files")
}

func TestParseTailRelativePaths(t *testing.T) {
	files, ok := parseTail(`[{"full_path":".processed/x.tiff","alt_path":"x.tiff"}]`,
		"/data/g", "/fast/b-uuid")
	require.True(t, ok)
	require.Len(t, files, 1)
	assert.Equal(t, "/data/g/.processed/x.tiff", files[0].FullPath)
	assert.Equal(t, "/fast/b-uuid/x.tiff", files[0].AltPath)
	assert.Equal(t, "x.tiff", files[0].Name)
}

func TestParseTailRejectsGarbage(t *testing.T) {
	_, ok := parseTail("not json", "/d", "/s")
	assert.False(t, ok)
	_, ok = parseTail("", "/d", "/s")
	assert.False(t, ok)
	_, ok = parseTail(`{"an":"object"}`, "/d", "/s")
	assert.False(t, ok)
}
