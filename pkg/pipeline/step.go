package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/blob"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/statelog"
	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/store"
)

// Step is one batch job. RunStep holds the job's own logic; Run wraps it
// with import-log bookkeeping.
type Step interface {
	Name() string
	RunStep(ctx context.Context) error
}

// BaseStep provides the shared machinery of every extract step: the
// database, the blob store, the state log engine, metrics counters, and the
// per-date-group processing protocol.
type BaseStep struct {
	db       *sql.DB
	blob     blob.Store
	stateLog *statelog.Engine
	logger   *slog.Logger
	handler  slog.Handler

	importLog *store.ImportLog
	counters  map[string]int
}

// NewBaseStep wires a BaseStep from validated options.
func NewBaseStep(opts *Options, component string) *BaseStep {
	return &BaseStep{
		db:       opts.DB,
		blob:     opts.Blob,
		stateLog: opts.StateLog,
		logger:   slog.New(opts.Logger).With(slog.String("component", component)),
		handler:  opts.Logger,
		counters: make(map[string]int),
	}
}

// StageSourceFiles runs intake for cfg, copying newly dropped source extracts
// into the received area so ProcessDateGroups has something to walk. Steps
// call this at the top of RunStep; intake failures abort the run before any
// transformation starts.
func (s *BaseStep) StageSourceFiles(ctx context.Context, cfg IntakeConfig) error {
	result, err := CopyExtractFilesToArchive(ctx, s.db, s.blob, cfg, s.handler)
	if err != nil {
		return err
	}
	for _, files := range result.CopiedByDateGroup {
		for range files {
			s.Increment("extract_files_staged")
		}
	}
	return nil
}

// Increment bumps a named run counter.
func (s *BaseStep) Increment(name string) { s.counters[name]++ }

// Counters returns a copy of the run counters.
func (s *BaseStep) Counters() map[string]int {
	out := make(map[string]int, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

// ImportLogID returns the current run's import log id, or zero outside Run.
func (s *BaseStep) ImportLogID() int64 {
	if s.importLog == nil {
		return 0
	}
	return s.importLog.ImportLogID
}

// Run executes step inside an import-log envelope: a row is created before
// RunStep and finished with a status and a JSON report of the counters
// afterwards. The step's error is returned unchanged.
func (s *BaseStep) Run(ctx context.Context, step Step) error {
	il := &store.ImportLog{Source: "pfml-pipeline", ImportType: step.Name(), Status: "in progress"}
	if err := store.CreateImportLog(ctx, s.db, il); err != nil {
		return err
	}
	s.importLog = il
	s.logger.Info("step starting", slog.String("step", step.Name()), slog.Int64("import_log_id", il.ImportLogID))

	runErr := step.RunStep(ctx)

	status := "success"
	if runErr != nil {
		status = "error"
	}
	report, _ := json.Marshal(s.counters)
	if err := store.FinishImportLog(ctx, s.db, il, status, string(report)); err != nil {
		s.logger.Error("failed to finish import log", slog.Any("error", err))
		if runErr == nil {
			runErr = err
		}
	}
	s.logger.Info("step finished", slog.String("step", step.Name()), slog.String("status", status))
	return runErr
}

// GroupProcessor transforms one downloaded, indexed, staged date-group
// inside the group's transaction.
type GroupProcessor func(ctx context.Context, tx *sql.Tx, data *ExtractData) error

// ProcessDateGroups walks the received area for cfg's pipeline. Every
// date-group except the newest is superseded (FINEOS extracts are
// cumulative) and moves straight to the skipped terminal location. The
// newest group is re-verified as unprocessed, downloaded and indexed,
// staged to raw tables, then handed to process inside one transaction. On
// any error the transaction rolls back, the group's files move to the error
// folder with a ReferenceFile row pointing there, and the error is
// returned, terminating the run. Commit happens per date-group, so groups
// that completed earlier in a run stay committed whatever happens later.
func (s *BaseStep) ProcessDateGroups(ctx context.Context, cfg IntakeConfig, process GroupProcessor) error {
	receivedRoot := JoinPath(cfg.ArchiveRoot, StatusReceived)
	locations, err := s.blob.List(ctx, receivedRoot)
	if err != nil {
		return fmt.Errorf("list received area: %w", err)
	}
	groups, byGroup, err := GroupFilesByDate(locations)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		s.logger.Info("no date-groups in received area")
		return nil
	}

	for i, group := range groups {
		if i < len(groups)-1 {
			if err := s.moveGroupToSkipped(ctx, cfg, group, byGroup[group]); err != nil {
				return err
			}
			s.Increment("date_groups_skipped")
			continue
		}
		if err := s.processGroup(ctx, cfg, group, byGroup[group], process); err != nil {
			return err
		}
	}
	return nil
}

// moveGroupToSkipped parks a superseded group in the skipped terminal
// location and records the ReferenceFile that makes the skip durable.
func (s *BaseStep) moveGroupToSkipped(ctx context.Context, cfg IntakeConfig, group string, files []string) error {
	s.logger.Info("date-group superseded, moving to skipped", slog.String("date_group", group))
	err := store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		rf := &store.ReferenceFile{
			FileLocation:        SkippedFolder(cfg.ArchiveRoot, cfg.Type, group),
			ReferenceFileTypeID: cfg.Type.ReferenceFileTypeID,
		}
		return store.CreateReferenceFile(ctx, tx, rf)
	})
	if err != nil {
		return err
	}
	for _, loc := range files {
		dst := SkippedPath(cfg.ArchiveRoot, cfg.Type, group, path.Base(loc))
		if err := s.blob.Rename(ctx, loc, dst); err != nil {
			return fmt.Errorf("move %s to skipped: %w", loc, err)
		}
	}
	return nil
}

// processGroup runs the newest group through download, staging and
// transformation inside one transaction.
func (s *BaseStep) processGroup(ctx context.Context, cfg IntakeConfig, group string, files []string, process GroupProcessor) error {
	// Idempotence double-check: a conflicting run may have processed this
	// group between intake and now.
	done, err := DateGroupAlreadyProcessed(ctx, s.db, cfg.ArchiveRoot, cfg.Type, group)
	if err != nil {
		return err
	}
	if done {
		s.logger.Info("date-group already processed, not transforming", slog.String("date_group", group))
		s.Increment("date_groups_already_processed")
		return nil
	}

	data, rawRows, err := s.downloadAndIndex(ctx, cfg, group, files)
	if err != nil {
		s.moveGroupToError(ctx, cfg, group, files)
		return err
	}

	txErr := store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := store.CreateReferenceFile(ctx, tx, data.ReferenceFile); err != nil {
			return err
		}
		if err := s.stageRawRows(ctx, tx, cfg, data, rawRows); err != nil {
			return err
		}
		if err := process(ctx, tx, data); err != nil {
			return err
		}
		return store.UpdateReferenceFileLocation(ctx, tx, data.ReferenceFile,
			ProcessedFolder(cfg.ArchiveRoot, cfg.Type, group))
	})
	if txErr != nil {
		s.logger.Error("date-group failed, rolling back",
			slog.String("date_group", group), slog.Any("error", txErr))
		s.moveGroupToError(ctx, cfg, group, files)
		return txErr
	}

	for _, loc := range files {
		dst := ProcessedPath(cfg.ArchiveRoot, cfg.Type, group, path.Base(loc))
		if err := s.blob.Rename(ctx, loc, dst); err != nil {
			return fmt.Errorf("move %s to processed: %w", loc, err)
		}
	}
	s.Increment("date_groups_processed")
	s.logger.Info("date-group processed", slog.String("date_group", group))
	return nil
}

// moveGroupToError parks a failed group for operator follow-up. The
// ReferenceFile row pointing at the error folder is written in its own
// transaction since the group's transaction has already rolled back.
// Failures here are logged, not returned: the original error must surface.
func (s *BaseStep) moveGroupToError(ctx context.Context, cfg IntakeConfig, group string, files []string) {
	err := store.InTx(ctx, s.db, func(tx *sql.Tx) error {
		rf := &store.ReferenceFile{
			FileLocation:        ErrorFolder(cfg.ArchiveRoot, group),
			ReferenceFileTypeID: cfg.Type.ReferenceFileTypeID,
		}
		return store.CreateReferenceFile(ctx, tx, rf)
	})
	if err != nil {
		s.logger.Error("failed to record error reference file", slog.Any("error", err))
	}
	for _, loc := range files {
		dst := ErrorPath(cfg.ArchiveRoot, group, path.Base(loc))
		if err := s.blob.Rename(ctx, loc, dst); err != nil {
			s.logger.Error("failed to move file to error folder",
				slog.String("file", loc), slog.Any("error", err))
		}
	}
	s.Increment("date_groups_errored")
}

// downloadAndIndex pulls each received file of the group and builds the
// in-memory extracts, applying per-file key and flag policies while
// indexing. The raw parsed rows are returned separately for staging.
func (s *BaseStep) downloadAndIndex(ctx context.Context, cfg IntakeConfig, group string, files []string) (*ExtractData, map[string][]map[string]string, error) {
	data := &ExtractData{
		DateGroup: group,
		ReferenceFile: &store.ReferenceFile{
			FileLocation:        JoinPath(cfg.ArchiveRoot, StatusReceived, group),
			ReferenceFileTypeID: cfg.Type.ReferenceFileTypeID,
		},
		Extracts: make(map[string]*Extract),
	}
	rawRows := make(map[string][]map[string]string)

	for _, loc := range files {
		base := path.Base(loc)
		var file *ExtractFile
		for i := range cfg.Files {
			if strings.HasSuffix(base, cfg.Files[i].Name) {
				file = &cfg.Files[i]
				break
			}
		}
		if file == nil {
			s.logger.Warn("unexpected file in received date-group, ignoring", slog.String("file", loc))
			continue
		}
		body, err := s.blob.Download(ctx, loc)
		if err != nil {
			return nil, nil, err
		}
		rows, err := ParseCSVRows(body)
		if err != nil {
			return nil, nil, fmt.Errorf("parse %s: %w", loc, err)
		}
		extract := NewExtract(*file, loc)
		for _, row := range rows {
			extract.IndexRow(row)
		}
		data.Extracts[file.Name] = extract
		rawRows[file.Name] = rows
		s.logger.Info("extract file indexed",
			slog.String("file", base),
			slog.Int("rows", len(rows)),
			slog.Int("indexed", len(extract.IndexedData)))
	}
	return data, rawRows, nil
}

// stageRawRows persists every raw row into the file's staging table.
// Unknown columns are logged once per file and dropped; upstream extract
// schemas evolve independently of this one.
func (s *BaseStep) stageRawRows(ctx context.Context, tx *sql.Tx, cfg IntakeConfig, data *ExtractData, rawRows map[string][]map[string]string) error {
	for _, file := range cfg.Files {
		if file.StagingTable == "" {
			continue
		}
		rows := rawRows[file.Name]
		unknownSeen := make(map[string]bool)
		for _, row := range rows {
			unknown, err := store.StageRow(ctx, tx, file.StagingTable, row, data.ReferenceFile.ReferenceFileID, s.ImportLogID())
			if err != nil {
				return err
			}
			for _, col := range unknown {
				unknownSeen[col] = true
			}
			s.Increment("rows_staged")
		}
		if len(unknownSeen) > 0 {
			cols := make([]string, 0, len(unknownSeen))
			for col := range unknownSeen {
				cols = append(cols, col)
			}
			sort.Strings(cols)
			s.logger.Warn("dropped unknown extract columns",
				slog.String("file", file.Name),
				slog.String("columns", strings.Join(cols, ",")))
		}
	}
	return nil
}
