package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/blob"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/store"
)

// IntakeConfig configures one pipeline's file intake.
type IntakeConfig struct {
	// SourcePrefix is where FINEOS drops extract files. Discovery walks the
	// flat listing and any dated subfolders beneath it.
	SourcePrefix string

	// ArchiveRoot is the base of the received/processed/skipped/error areas.
	ArchiveRoot string

	// Type tags the ReferenceFile rows this pipeline creates.
	Type store.ReferenceFileType

	// Files are the logical files a complete date-group must carry.
	Files []ExtractFile

	// MaxHistoryDate permanently ignores date-groups before it. Zero means
	// no cutoff.
	MaxHistoryDate time.Time
}

// IntakeResult reports what one intake run did.
type IntakeResult struct {
	// CopiedByDateGroup maps each staged date-group to the received
	// locations of its files.
	CopiedByDateGroup map[string][]string

	// AlreadyProcessed lists date-groups left alone because a terminal
	// ReferenceFile already exists for them.
	AlreadyProcessed []string

	// TooOld lists date-groups ignored by the max-history cutoff.
	TooOld []string
}

// CopyExtractFilesToArchive discovers new extract files at the source,
// filters out date-groups that are too old or already processed, verifies
// the latest remaining group is complete, and copies every surviving file
// into the received staging area grouped by date. Nothing is copied when a
// structural error (duplicate or missing file) is detected; those errors
// enumerate every offender so an operator can diagnose in one read.
func CopyExtractFilesToArchive(ctx context.Context, db store.DBTX, bs blob.Store, cfg IntakeConfig, handler slog.Handler) (*IntakeResult, error) {
	logger := slog.New(handler).With(slog.String("component", "intake"), slog.String("extract", cfg.Type.Description))

	sources, err := bs.List(ctx, cfg.SourcePrefix)
	if err != nil {
		return nil, fmt.Errorf("discover source files: %w", err)
	}

	result := &IntakeResult{CopiedByDateGroup: make(map[string][]string)}
	tooOld := make(map[string]bool)

	// destination filename -> source location, per date-group
	type plannedCopy struct {
		source   string
		logical  string
		received string
	}
	planned := make(map[string][]plannedCopy)
	var duplicates []string

	for _, src := range sources {
		base := path.Base(src)
		logical, ok := matchLogicalName(base, cfg.Files)
		if !ok {
			logger.Debug("ignoring unexpected source file", slog.String("file", src))
			continue
		}
		group, err := DateGroupFromFilename(src)
		if err != nil {
			logger.Warn("source file has no date-group, ignoring", slog.String("file", src))
			continue
		}
		if !cfg.MaxHistoryDate.IsZero() {
			groupTime, err := ParseDateGroup(group)
			if err != nil {
				logger.Warn("unparseable date-group, ignoring", slog.String("file", src))
				continue
			}
			if groupTime.Before(cfg.MaxHistoryDate) {
				tooOld[group] = true
				continue
			}
		}

		received := ReceivedPath(cfg.ArchiveRoot, group, group+"-"+logical)
		for _, existing := range planned[group] {
			if existing.received == received {
				duplicates = append(duplicates, fmt.Sprintf("%s and %s -> %s", existing.source, src, received))
			}
		}
		planned[group] = append(planned[group], plannedCopy{source: src, logical: logical, received: received})
	}

	for group := range tooOld {
		result.TooOld = append(result.TooOld, group)
	}
	sort.Strings(result.TooOld)

	if len(duplicates) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateExtractFile, strings.Join(duplicates, "; "))
	}

	// Drop groups that already reached a terminal location. This check runs
	// before any copy so re-runs transfer nothing.
	groups := make([]string, 0, len(planned))
	for group := range planned {
		done, err := DateGroupAlreadyProcessed(ctx, db, cfg.ArchiveRoot, cfg.Type, group)
		if err != nil {
			return nil, err
		}
		if done {
			logger.Info("date-group already processed, skipping", slog.String("date_group", group))
			result.AlreadyProcessed = append(result.AlreadyProcessed, group)
			delete(planned, group)
			continue
		}
		groups = append(groups, group)
	}
	sort.Strings(groups)
	sort.Strings(result.AlreadyProcessed)
	if len(groups) == 0 {
		return result, nil
	}

	// The newest group is the one that will be transformed; it must be
	// complete before anything is staged.
	latest := groups[len(groups)-1]
	var missing []string
	for _, f := range cfg.Files {
		found := false
		for _, pc := range planned[latest] {
			if pc.logical == f.Name {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, latest+"-"+f.Name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: date-group %s missing %s",
			ErrMissingExtractFile, latest, strings.Join(missing, ", "))
	}

	for _, group := range groups {
		for _, pc := range planned[group] {
			if err := bs.Copy(ctx, pc.source, pc.received); err != nil {
				return nil, fmt.Errorf("stage %s: %w", pc.source, err)
			}
			result.CopiedByDateGroup[group] = append(result.CopiedByDateGroup[group], pc.received)
		}
		sort.Strings(result.CopiedByDateGroup[group])
		logger.Info("date-group staged to received",
			slog.String("date_group", group),
			slog.Int("files", len(result.CopiedByDateGroup[group])))
	}
	return result, nil
}

// matchLogicalName maps a source basename onto one of the pipeline's
// expected logical filenames. Only the exact <date-group>-<name> shape
// matches; a near-miss name must not shadow the real file as a duplicate.
func matchLogicalName(base string, files []ExtractFile) (string, bool) {
	group := dateGroupPattern.FindString(base)
	if group == "" {
		return "", false
	}
	for _, f := range files {
		if base == group+"-"+f.Name {
			return f.Name, true
		}
	}
	return "", false
}

// DateGroupAlreadyProcessed reports whether a ReferenceFile of the matching
// type exists at the canonical processed or skipped location for the
// date-group. This is the pipeline's idempotence guard; it runs both before
// staging and again before transformation to close the copy race window.
func DateGroupAlreadyProcessed(ctx context.Context, db store.DBTX, archiveRoot string, rft store.ReferenceFileType, dateGroup string) (bool, error) {
	for _, location := range []string{
		ProcessedFolder(archiveRoot, rft, dateGroup),
		SkippedFolder(archiveRoot, rft, dateGroup),
	} {
		rf, err := store.GetReferenceFileByLocation(ctx, db, location)
		if err != nil {
			return false, err
		}
		if rf != nil && rf.ReferenceFileTypeID == rft.ReferenceFileTypeID {
			return true, nil
		}
	}
	return false, nil
}

// GroupFilesByDate buckets received-area locations by their date-group and
// returns the groups in ascending timestamp order.
func GroupFilesByDate(locations []string) (groups []string, byGroup map[string][]string, err error) {
	byGroup = make(map[string][]string)
	for _, loc := range locations {
		group, err := DateGroupFromFilename(loc)
		if err != nil {
			return nil, nil, err
		}
		byGroup[group] = append(byGroup[group], loc)
	}
	for group := range byGroup {
		sort.Strings(byGroup[group])
		groups = append(groups, group)
	}
	sort.Strings(groups)
	return groups, byGroup, nil
}
