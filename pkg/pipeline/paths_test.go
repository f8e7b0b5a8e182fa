package pipeline_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/store"
)

func TestDateGroupFromFilename(t *testing.T) {
	group, err := pipeline.DateGroupFromFilename("s3://bucket/dfml/2021-01-15-12-00-00-Employee_feed.csv")
	require.NoError(t, err)
	assert.Equal(t, "2021-01-15-12-00-00", group)

	_, err = pipeline.DateGroupFromFilename("Employee_feed.csv")
	assert.ErrorIs(t, err, pipeline.ErrNoDateGroup)
}

func TestParseDateGroup(t *testing.T) {
	ts, err := pipeline.ParseDateGroup("2021-01-15-12-00-00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2021, 1, 15, 12, 0, 0, 0, time.UTC), ts)

	_, err = pipeline.ParseDateGroup("2021-13-45-99-00-00")
	assert.ErrorIs(t, err, pipeline.ErrNoDateGroup)
}

func TestJoinPathPreservesScheme(t *testing.T) {
	assert.Equal(t, "s3://bucket/agency/received/f.csv",
		pipeline.JoinPath("s3://bucket/agency", "received", "f.csv"))
	assert.Equal(t, "s3://bucket/agency/received",
		pipeline.JoinPath("s3://bucket/agency/", "/received/"))
	assert.Equal(t, "/tmp/archive/error", pipeline.JoinPath("/tmp/archive", "error"))
}

func TestTerminalFolderNaming(t *testing.T) {
	rft := store.ReferenceFileTypeFineosClaimantExtract
	group := "2021-01-15-12-00-00"

	assert.Equal(t, "fineos-claimant-extract", pipeline.TypeFolder(rft))
	assert.Equal(t, "root/processed/2021-01-15-12-00-00-fineos-claimant-extract",
		pipeline.ProcessedFolder("root", rft, group))
	assert.Equal(t, "root/skipped/2021-01-15-12-00-00-fineos-claimant-extract",
		pipeline.SkippedFolder("root", rft, group))
	assert.Equal(t, "root/error/2021-01-15-12-00-00", pipeline.ErrorFolder("root", group),
		"the error folder carries no type suffix")
	assert.Equal(t, "root/received/2021-01-15-12-00-00/f.csv",
		pipeline.ReceivedPath("root", group, "f.csv"))
}
