package pipeline_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/blob"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/store"
)

func discardHandler() slog.Handler {
	return slog.NewTextHandler(io.Discard, nil)
}

func openIntakeDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err, "open test database")
	t.Cleanup(func() { db.Close() })
	return db
}

// writeSource drops an extract file into the simulated FINEOS source area.
func writeSource(t *testing.T, dir, name string) string {
	t.Helper()
	loc := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(loc), 0o755), "create source dir")
	require.NoError(t, os.WriteFile(loc, []byte("HEADER\nvalue\n"), 0o644), "write source file")
	return filepath.ToSlash(loc)
}

func claimantIntakeConfig(source, archive string) pipeline.IntakeConfig {
	return pipeline.IntakeConfig{
		SourcePrefix: filepath.ToSlash(source),
		ArchiveRoot:  filepath.ToSlash(archive),
		Type:         store.ReferenceFileTypeFineosClaimantExtract,
		Files:        pipeline.ClaimantExtractFiles(),
	}
}

func TestCopyExtractFilesToArchive(t *testing.T) {
	ctx := context.Background()
	db := openIntakeDB(t)
	bs := blob.NewLocalStore()
	source := t.TempDir()
	archive := t.TempDir()
	cfg := claimantIntakeConfig(source, archive)

	writeSource(t, source, "2021-01-15-12-00-00-VBI_REQUESTEDABSENCE_SOM.csv")
	writeSource(t, source, "2021-01-15-12-00-00-Employee_feed.csv")
	writeSource(t, source, "2021-01-16-12-00-00-VBI_REQUESTEDABSENCE_SOM.csv")
	writeSource(t, source, "2021-01-16-12-00-00-Employee_feed.csv")
	// Stray files without a known suffix or date-group are ignored.
	writeSource(t, source, "readme.txt")
	writeSource(t, source, "Employee_feed.csv")

	result, err := pipeline.CopyExtractFilesToArchive(ctx, db, bs, cfg, discardHandler())
	require.NoError(t, err, "intake should stage both complete groups")

	require.Len(t, result.CopiedByDateGroup, 2, "two date-groups staged")
	assert.Empty(t, result.AlreadyProcessed, "nothing processed yet")
	assert.Empty(t, result.TooOld, "no cutoff configured")

	old := result.CopiedByDateGroup["2021-01-15-12-00-00"]
	require.Len(t, old, 2, "both files of the older group staged")
	assert.Equal(t,
		pipeline.ReceivedPath(cfg.ArchiveRoot, "2021-01-15-12-00-00", "2021-01-15-12-00-00-Employee_feed.csv"),
		old[0], "received locations carry the date-group folder and prefixed name")

	for _, locs := range result.CopiedByDateGroup {
		for _, loc := range locs {
			ok, err := bs.Exists(ctx, loc)
			require.NoError(t, err)
			assert.True(t, ok, "staged file exists at %s", loc)
		}
	}
}

func TestCopyExtractFilesToArchiveDuplicate(t *testing.T) {
	ctx := context.Background()
	db := openIntakeDB(t)
	bs := blob.NewLocalStore()
	source := t.TempDir()
	archive := t.TempDir()
	cfg := claimantIntakeConfig(source, archive)

	writeSource(t, source, "2021-01-15-12-00-00-VBI_REQUESTEDABSENCE_SOM.csv")
	writeSource(t, source, "2021-01-15-12-00-00-Employee_feed.csv")
	// Same logical file again from a dated subfolder: maps to the same
	// received destination.
	writeSource(t, source, "drop2/2021-01-15-12-00-00-Employee_feed.csv")

	_, err := pipeline.CopyExtractFilesToArchive(ctx, db, bs, cfg, discardHandler())
	require.Error(t, err, "colliding destinations are fatal")
	assert.ErrorIs(t, err, pipeline.ErrDuplicateExtractFile)
	assert.Contains(t, err.Error(), "Employee_feed.csv", "error names the offender")

	received, err := bs.List(ctx, pipeline.JoinPath(cfg.ArchiveRoot, pipeline.StatusReceived))
	require.NoError(t, err)
	assert.Empty(t, received, "nothing is copied when a duplicate is detected")
}

func TestCopyExtractFilesToArchiveIncompleteLatest(t *testing.T) {
	ctx := context.Background()
	db := openIntakeDB(t)
	bs := blob.NewLocalStore()
	source := t.TempDir()
	archive := t.TempDir()
	cfg := claimantIntakeConfig(source, archive)

	// Older group complete, newest missing the employee feed.
	writeSource(t, source, "2021-01-15-12-00-00-VBI_REQUESTEDABSENCE_SOM.csv")
	writeSource(t, source, "2021-01-15-12-00-00-Employee_feed.csv")
	writeSource(t, source, "2021-01-16-12-00-00-VBI_REQUESTEDABSENCE_SOM.csv")

	_, err := pipeline.CopyExtractFilesToArchive(ctx, db, bs, cfg, discardHandler())
	require.Error(t, err, "incomplete latest group is fatal")
	assert.ErrorIs(t, err, pipeline.ErrMissingExtractFile)
	assert.Contains(t, err.Error(), "2021-01-16-12-00-00-Employee_feed.csv")

	received, err := bs.List(ctx, pipeline.JoinPath(cfg.ArchiveRoot, pipeline.StatusReceived))
	require.NoError(t, err)
	assert.Empty(t, received, "the completeness check runs before any copy")
}

func TestCopyExtractFilesToArchiveIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openIntakeDB(t)
	bs := blob.NewLocalStore()
	source := t.TempDir()
	archive := t.TempDir()
	cfg := claimantIntakeConfig(source, archive)

	writeSource(t, source, "2021-01-15-12-00-00-VBI_REQUESTEDABSENCE_SOM.csv")
	writeSource(t, source, "2021-01-15-12-00-00-Employee_feed.csv")

	// A ReferenceFile at the processed folder marks the group done.
	rf := &store.ReferenceFile{
		FileLocation:        pipeline.ProcessedFolder(cfg.ArchiveRoot, cfg.Type, "2021-01-15-12-00-00"),
		ReferenceFileTypeID: cfg.Type.ReferenceFileTypeID,
	}
	require.NoError(t, store.CreateReferenceFile(ctx, db, rf))

	result, err := pipeline.CopyExtractFilesToArchive(ctx, db, bs, cfg, discardHandler())
	require.NoError(t, err)
	assert.Empty(t, result.CopiedByDateGroup, "nothing staged for a processed group")
	assert.Equal(t, []string{"2021-01-15-12-00-00"}, result.AlreadyProcessed)

	received, err := bs.List(ctx, pipeline.JoinPath(cfg.ArchiveRoot, pipeline.StatusReceived))
	require.NoError(t, err)
	assert.Empty(t, received, "re-runs transfer nothing")
}

func TestCopyExtractFilesToArchiveSkippedCountsAsProcessed(t *testing.T) {
	ctx := context.Background()
	db := openIntakeDB(t)
	bs := blob.NewLocalStore()
	source := t.TempDir()
	archive := t.TempDir()
	cfg := claimantIntakeConfig(source, archive)

	writeSource(t, source, "2021-01-15-12-00-00-VBI_REQUESTEDABSENCE_SOM.csv")
	writeSource(t, source, "2021-01-15-12-00-00-Employee_feed.csv")

	rf := &store.ReferenceFile{
		FileLocation:        pipeline.SkippedFolder(cfg.ArchiveRoot, cfg.Type, "2021-01-15-12-00-00"),
		ReferenceFileTypeID: cfg.Type.ReferenceFileTypeID,
	}
	require.NoError(t, store.CreateReferenceFile(ctx, db, rf))

	result, err := pipeline.CopyExtractFilesToArchive(ctx, db, bs, cfg, discardHandler())
	require.NoError(t, err)
	assert.Equal(t, []string{"2021-01-15-12-00-00"}, result.AlreadyProcessed,
		"a skipped group is terminal too")
}

func TestCopyExtractFilesToArchiveMaxHistoryDate(t *testing.T) {
	ctx := context.Background()
	db := openIntakeDB(t)
	bs := blob.NewLocalStore()
	source := t.TempDir()
	archive := t.TempDir()
	cfg := claimantIntakeConfig(source, archive)
	cfg.MaxHistoryDate = time.Date(2021, 1, 16, 0, 0, 0, 0, time.UTC)

	// Before the cutoff, and deliberately incomplete: cutoff groups must
	// not trip the completeness check either.
	writeSource(t, source, "2021-01-10-12-00-00-VBI_REQUESTEDABSENCE_SOM.csv")
	writeSource(t, source, "2021-01-16-12-00-00-VBI_REQUESTEDABSENCE_SOM.csv")
	writeSource(t, source, "2021-01-16-12-00-00-Employee_feed.csv")

	result, err := pipeline.CopyExtractFilesToArchive(ctx, db, bs, cfg, discardHandler())
	require.NoError(t, err)
	assert.Equal(t, []string{"2021-01-10-12-00-00"}, result.TooOld)
	require.Len(t, result.CopiedByDateGroup, 1)
	assert.Len(t, result.CopiedByDateGroup["2021-01-16-12-00-00"], 2)
}

func TestCopyExtractFilesToArchiveNearMissName(t *testing.T) {
	ctx := context.Background()
	db := openIntakeDB(t)
	bs := blob.NewLocalStore()
	source := t.TempDir()
	archive := t.TempDir()
	cfg := claimantIntakeConfig(source, archive)

	writeSource(t, source, "2021-01-15-12-00-00-VBI_REQUESTEDABSENCE_SOM.csv")
	writeSource(t, source, "2021-01-15-12-00-00-Employee_feed.csv")
	// Shares the employee-feed suffix but is not the employee feed. It must
	// be ignored rather than claimed and flagged as a duplicate.
	writeSource(t, source, "2021-01-15-12-00-00-XEmployee_feed.csv")

	result, err := pipeline.CopyExtractFilesToArchive(ctx, db, bs, cfg, discardHandler())
	require.NoError(t, err, "near-miss name must not collide with the real feed")

	staged := result.CopiedByDateGroup["2021-01-15-12-00-00"]
	require.Len(t, staged, 2, "only the two expected files staged")

	ok, err := bs.Exists(ctx,
		pipeline.ReceivedPath(cfg.ArchiveRoot, "2021-01-15-12-00-00", "2021-01-15-12-00-00-XEmployee_feed.csv"))
	require.NoError(t, err)
	assert.False(t, ok, "near-miss file never staged")
}
