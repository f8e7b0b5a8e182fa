package pipeline

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/store"
)

// Archive status folders. A date-group's files live under exactly one of
// these at any moment.
const (
	StatusReceived  = "received"
	StatusProcessed = "processed"
	StatusSkipped   = "skipped"
	StatusError     = "error"
)

// dateGroupLayout is the timestamp prefix FINEOS stamps on every extract
// file in one run.
const dateGroupLayout = "2006-01-02-15-04-05"

var dateGroupPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}-\d{2}-\d{2}-\d{2}`)

// DateGroupFromFilename extracts the canonical date-group token from a file
// path or name. Returns ErrNoDateGroup when no timestamp prefix is present.
func DateGroupFromFilename(name string) (string, error) {
	group := dateGroupPattern.FindString(path.Base(name))
	if group == "" {
		return "", fmt.Errorf("%w: %s", ErrNoDateGroup, name)
	}
	return group, nil
}

// ParseDateGroup parses a date-group token into its timestamp.
func ParseDateGroup(group string) (time.Time, error) {
	t, err := time.Parse(dateGroupLayout, group)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNoDateGroup, group)
	}
	return t, nil
}

// JoinPath joins slash-separated location segments without cleaning them,
// so s3:// prefixes survive.
func JoinPath(parts ...string) string {
	trimmed := make([]string, 0, len(parts))
	for i, p := range parts {
		if i > 0 {
			p = strings.Trim(p, "/")
		} else {
			p = strings.TrimSuffix(p, "/")
		}
		if p != "" {
			trimmed = append(trimmed, p)
		}
	}
	return strings.Join(trimmed, "/")
}

// TypeFolder derives the folder-name suffix for a reference file type:
// its description lower-cased with spaces turned into hyphens.
func TypeFolder(rft store.ReferenceFileType) string {
	return strings.ReplaceAll(strings.ToLower(rft.Description), " ", "-")
}

// DateGroupFolder names the terminal folder for one date-group of one
// pipeline: the date-group token suffixed with the type folder, so
// pipelines sharing a status folder stay disambiguated.
func DateGroupFolder(dateGroup string, rft store.ReferenceFileType) string {
	return dateGroup + "-" + TypeFolder(rft)
}

// ReceivedPath is where a file waits between intake and processing.
func ReceivedPath(archiveRoot, dateGroup, filename string) string {
	return JoinPath(archiveRoot, StatusReceived, dateGroup, filename)
}

// ProcessedPath is the terminal location of a successfully processed file.
func ProcessedPath(archiveRoot string, rft store.ReferenceFileType, dateGroup, filename string) string {
	return JoinPath(archiveRoot, StatusProcessed, DateGroupFolder(dateGroup, rft), filename)
}

// SkippedPath is the terminal location of a superseded date-group's file.
func SkippedPath(archiveRoot string, rft store.ReferenceFileType, dateGroup, filename string) string {
	return JoinPath(archiveRoot, StatusSkipped, DateGroupFolder(dateGroup, rft), filename)
}

// ErrorPath is where a failed date-group's files are parked for an operator.
func ErrorPath(archiveRoot, dateGroup, filename string) string {
	return JoinPath(archiveRoot, StatusError, dateGroup, filename)
}

// ProcessedFolder is the folder (no filename) a processed date-group lands
// in. The ReferenceFile row for the group points here.
func ProcessedFolder(archiveRoot string, rft store.ReferenceFileType, dateGroup string) string {
	return JoinPath(archiveRoot, StatusProcessed, DateGroupFolder(dateGroup, rft))
}

// SkippedFolder is the folder a skipped date-group lands in.
func SkippedFolder(archiveRoot string, rft store.ReferenceFileType, dateGroup string) string {
	return JoinPath(archiveRoot, StatusSkipped, DateGroupFolder(dateGroup, rft))
}

// ErrorFolder is the folder an errored date-group lands in.
func ErrorFolder(archiveRoot, dateGroup string) string {
	return JoinPath(archiveRoot, StatusError, dateGroup)
}
