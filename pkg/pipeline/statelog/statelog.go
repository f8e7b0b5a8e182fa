package statelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Badsworth/pfml-scripts-sub002/pkg/pipeline/store"
)

var (
	// ErrMissingEntityID indicates a state log was requested for an entity
	// that has not been persisted yet (its id is unset).
	ErrMissingEntityID = errors.New("associated model has no persisted id")

	// ErrAmbiguousLatestState indicates more than one LatestStateLog row was
	// found for one (entity, flow). The unique constraint should make this
	// impossible; the engine fails closed rather than guessing.
	ErrAmbiguousLatestState = errors.New("multiple latest state log rows for one entity and flow")

	// ErrBrokenChain indicates a prev-pointer walk did not terminate within
	// a sane bound, which means the chain is cyclic or corrupt.
	ErrBrokenChain = errors.New("state log prev chain did not terminate")
)

// maxChainDepth bounds prev-pointer walks so a corrupt chain cannot loop
// forever.
const maxChainDepth = 10000

// AssociatedType tags which kind of entity a state log belongs to.
type AssociatedType string

// Associated entity types. Exactly one of a state log's four entity foreign
// keys is set, determined by this tag.
const (
	AssociatedEmployee      AssociatedType = "employee"
	AssociatedClaim         AssociatedType = "claim"
	AssociatedPayment       AssociatedType = "payment"
	AssociatedReferenceFile AssociatedType = "reference_file"
	AssociatedNone          AssociatedType = "none"
)

// AssociatedEntity identifies the entity a transition belongs to. Construct
// one with ForEmployee, ForClaim, ForPayment or ForReferenceFile so the
// exactly-one-foreign-key invariant holds by construction.
type AssociatedEntity struct {
	Type AssociatedType
	ID   uuid.UUID
}

// ForEmployee associates a transition with an employee.
func ForEmployee(id uuid.UUID) AssociatedEntity {
	return AssociatedEntity{Type: AssociatedEmployee, ID: id}
}

// ForClaim associates a transition with a claim.
func ForClaim(id uuid.UUID) AssociatedEntity {
	return AssociatedEntity{Type: AssociatedClaim, ID: id}
}

// ForPayment associates a transition with a payment.
func ForPayment(id uuid.UUID) AssociatedEntity {
	return AssociatedEntity{Type: AssociatedPayment, ID: id}
}

// ForReferenceFile associates a transition with a reference file.
func ForReferenceFile(id uuid.UUID) AssociatedEntity {
	return AssociatedEntity{Type: AssociatedReferenceFile, ID: id}
}

// StateLog is one immutable transition record. StartStateID of zero means
// this row is a lineage root; PrevStateLogID of uuid.Nil likewise.
type StateLog struct {
	StateLogID     uuid.UUID
	Associated     AssociatedEntity
	StartStateID   int
	EndStateID     int
	StartedAt      time.Time
	EndedAt        time.Time
	Outcome        json.RawMessage
	PrevStateLogID uuid.UUID
	ImportLogID    int64
}

// Engine appends transitions and maintains the LatestStateLog pointer table.
// All methods take a store.DBTX so they participate in the caller's
// transaction.
type Engine struct {
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine builds an engine over an immutable registry.
func NewEngine(registry *Registry, handler slog.Handler) *Engine {
	return &Engine{
		registry: registry,
		logger:   slog.New(handler).With(slog.String("component", "statelog")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the engine's time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

type createOptions struct {
	startTime   *time.Time
	importLogID int64
	prev        *StateLog
}

// CreateOption customizes a state log creation call.
type CreateOption func(*createOptions)

// WithStartTime backdates the transition's started-at timestamp. Used for
// reference-file-driven transitions whose real start predates the call.
func WithStartTime(t time.Time) CreateOption {
	return func(o *createOptions) { o.startTime = &t }
}

// WithImportLogID stamps the transition with the run's import log id.
func WithImportLogID(id int64) CreateOption {
	return func(o *createOptions) { o.importLogID = id }
}

// WithPrevStateLog threads an explicit predecessor into a transition created
// without an associated model.
func WithPrevStateLog(prev *StateLog) CreateOption {
	return func(o *createOptions) { o.prev = prev }
}

// CreateFinishedStateLog appends a completed transition for entity into the
// flow of endState. If the entity already has a latest state log in that
// flow, the new row chains to it and inherits its end state as the start
// state; otherwise the new row is a lineage root. The LatestStateLog pointer
// is created or updated in the same call.
func (e *Engine) CreateFinishedStateLog(ctx context.Context, db store.DBTX, entity AssociatedEntity, endState State, outcome json.RawMessage, opts ...CreateOption) (*StateLog, error) {
	if entity.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: %s_id is not set", ErrMissingEntityID, entity.Type)
	}
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}

	latestID, latestLogID, err := e.getLatestPointer(ctx, db, entity, endState.Flow)
	if err != nil {
		return nil, err
	}

	now := e.now()
	log := &StateLog{
		StateLogID:  uuid.New(),
		Associated:  entity,
		EndStateID:  endState.ID,
		StartedAt:   now,
		EndedAt:     now,
		Outcome:     outcome,
		ImportLogID: o.importLogID,
	}
	if o.startTime != nil {
		log.StartedAt = o.startTime.UTC()
	}
	if latestLogID != uuid.Nil {
		prev, err := e.GetStateLog(ctx, db, latestLogID)
		if err != nil {
			return nil, err
		}
		log.PrevStateLogID = prev.StateLogID
		log.StartStateID = prev.EndStateID
	}

	if err := e.insertStateLog(ctx, db, log); err != nil {
		return nil, err
	}

	if latestID != uuid.Nil {
		_, err = db.ExecContext(ctx,
			`UPDATE latest_state_log SET state_log_id = ? WHERE latest_state_log_id = ?`,
			log.StateLogID.String(), latestID.String())
	} else {
		_, err = db.ExecContext(ctx,
			`INSERT INTO latest_state_log (latest_state_log_id, associated_type, entity_id, flow_id, state_log_id)
			 VALUES (?, ?, ?, ?, ?)`,
			uuid.New().String(), string(entity.Type), entity.ID.String(), int(endState.Flow), log.StateLogID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("upsert latest state log: %w", err)
	}

	e.logger.Debug("state log created",
		slog.String("associated_type", string(entity.Type)),
		slog.String("entity_id", entity.ID.String()),
		slog.String("flow", endState.Flow.String()),
		slog.Int("end_state_id", endState.ID))
	return log, nil
}

// CreateStateLogWithoutAssociatedModel appends a transition that has no
// entity to key on, for states that must be recorded before any entity
// exists. No LatestStateLog pointer is written, so every call starts a
// disconnected lineage root unless the caller threads a predecessor with
// WithPrevStateLog.
func (e *Engine) CreateStateLogWithoutAssociatedModel(ctx context.Context, db store.DBTX, endState State, outcome json.RawMessage, opts ...CreateOption) (*StateLog, error) {
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	now := e.now()
	log := &StateLog{
		StateLogID:  uuid.New(),
		Associated:  AssociatedEntity{Type: AssociatedNone},
		EndStateID:  endState.ID,
		StartedAt:   now,
		EndedAt:     now,
		Outcome:     outcome,
		ImportLogID: o.importLogID,
	}
	if o.startTime != nil {
		log.StartedAt = o.startTime.UTC()
	}
	if o.prev != nil {
		log.PrevStateLogID = o.prev.StateLogID
		log.StartStateID = o.prev.EndStateID
	}
	if err := e.insertStateLog(ctx, db, log); err != nil {
		return nil, err
	}
	return log, nil
}

// GetLatestStateLogInEndState returns the entity's current state log within
// the flow of endState, but only when that log's end state is exactly
// endState; the entity may have moved on since. Returns nil when not.
func (e *Engine) GetLatestStateLogInEndState(ctx context.Context, db store.DBTX, entity AssociatedEntity, endState State) (*StateLog, error) {
	_, latestLogID, err := e.getLatestPointer(ctx, db, entity, endState.Flow)
	if err != nil {
		return nil, err
	}
	if latestLogID == uuid.Nil {
		return nil, nil
	}
	log, err := e.GetStateLog(ctx, db, latestLogID)
	if err != nil {
		return nil, err
	}
	if log.EndStateID != endState.ID {
		return nil, nil
	}
	return log, nil
}

// GetAllLatestStateLogsInEndState returns the current state log of every
// entity of the given type whose CURRENT state is endState. Entities that
// passed through endState historically do not count.
func (e *Engine) GetAllLatestStateLogsInEndState(ctx context.Context, db store.DBTX, assocType AssociatedType, endState State) ([]*StateLog, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+stateLogColumns("s")+`
		 FROM latest_state_log l
		 JOIN state_log s ON s.state_log_id = l.state_log_id
		 WHERE l.associated_type = ? AND l.flow_id = ? AND s.end_state_id = ?
		 ORDER BY s.ended_at`,
		string(assocType), int(endState.Flow), endState.ID)
	if err != nil {
		return nil, fmt.Errorf("query latest state logs in end state: %w", err)
	}
	defer rows.Close()
	var logs []*StateLog
	for rows.Next() {
		log, err := scanStateLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// GetStateLogsStuckInState returns the current state log of every entity of
// the given type that has sat in endState for at least daysStuck days. The
// age is measured from the first transition INTO the state: the walk follows
// prev pointers backwards while start and end both equal the target, and the
// boundary row's started-at timestamp is what gets compared against now.
func (e *Engine) GetStateLogsStuckInState(ctx context.Context, db store.DBTX, assocType AssociatedType, endState State, daysStuck int, now time.Time) ([]*StateLog, error) {
	latest, err := e.GetAllLatestStateLogsInEndState(ctx, db, assocType, endState)
	if err != nil {
		return nil, err
	}
	var stuck []*StateLog
	for _, log := range latest {
		boundary := log
		for depth := 0; ; depth++ {
			if depth >= maxChainDepth {
				return nil, fmt.Errorf("%w: entity %s", ErrBrokenChain, log.Associated.ID)
			}
			if boundary.StartStateID != endState.ID || boundary.PrevStateLogID == uuid.Nil {
				break
			}
			prev, err := e.GetStateLog(ctx, db, boundary.PrevStateLogID)
			if err != nil {
				return nil, err
			}
			if prev.EndStateID != endState.ID {
				break
			}
			boundary = prev
		}
		if now.Sub(boundary.StartedAt) >= time.Duration(daysStuck)*24*time.Hour {
			stuck = append(stuck, log)
		}
	}
	return stuck, nil
}

// HasBeenInEndState reports whether the entity's current flow lineage has
// EVER passed through endState, not just whether it is there now.
func (e *Engine) HasBeenInEndState(ctx context.Context, db store.DBTX, entity AssociatedEntity, endState State) (bool, error) {
	_, latestLogID, err := e.getLatestPointer(ctx, db, entity, endState.Flow)
	if err != nil {
		return false, err
	}
	if latestLogID == uuid.Nil {
		return false, nil
	}
	cur, err := e.GetStateLog(ctx, db, latestLogID)
	if err != nil {
		return false, err
	}
	for depth := 0; ; depth++ {
		if depth >= maxChainDepth {
			return false, fmt.Errorf("%w: entity %s", ErrBrokenChain, entity.ID)
		}
		if cur.EndStateID == endState.ID {
			return true, nil
		}
		if cur.PrevStateLogID == uuid.Nil {
			return false, nil
		}
		if cur, err = e.GetStateLog(ctx, db, cur.PrevStateLogID); err != nil {
			return false, err
		}
	}
}

// GetStateCounts returns a snapshot of how many entities currently sit in
// each end state, across all LatestStateLog-pointed rows. History does not
// contribute.
func (e *Engine) GetStateCounts(ctx context.Context, db store.DBTX) (map[int]int, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT s.end_state_id, COUNT(*)
		 FROM latest_state_log l
		 JOIN state_log s ON s.state_log_id = l.state_log_id
		 GROUP BY s.end_state_id`)
	if err != nil {
		return nil, fmt.Errorf("query state counts: %w", err)
	}
	defer rows.Close()
	counts := make(map[int]int)
	for rows.Next() {
		var stateID, n int
		if err := rows.Scan(&stateID, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[stateID] = n
	}
	return counts, rows.Err()
}

// GetStateLog loads one state log row by id.
func (e *Engine) GetStateLog(ctx context.Context, db store.DBTX, id uuid.UUID) (*StateLog, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+stateLogColumns("state_log")+` FROM state_log WHERE state_log_id = ?`, id.String())
	log, err := scanStateLog(row)
	if err != nil {
		return nil, fmt.Errorf("get state log %s: %w", id, err)
	}
	return log, nil
}

// getLatestPointer returns the LatestStateLog row id and the state log it
// points to for (entity, flow), or uuid.Nil values when no row exists.
// Multiple rows fail loudly.
func (e *Engine) getLatestPointer(ctx context.Context, db store.DBTX, entity AssociatedEntity, flow FlowID) (latestID, stateLogID uuid.UUID, err error) {
	rows, err := db.QueryContext(ctx,
		`SELECT latest_state_log_id, state_log_id FROM latest_state_log
		 WHERE associated_type = ? AND entity_id = ? AND flow_id = ?`,
		string(entity.Type), entity.ID.String(), int(flow))
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("query latest state log: %w", err)
	}
	defer rows.Close()
	found := 0
	for rows.Next() {
		found++
		if found > 1 {
			return uuid.Nil, uuid.Nil, fmt.Errorf("%w: %s %s flow %s",
				ErrAmbiguousLatestState, entity.Type, entity.ID, flow)
		}
		var lid, sid string
		if err := rows.Scan(&lid, &sid); err != nil {
			return uuid.Nil, uuid.Nil, fmt.Errorf("scan latest state log: %w", err)
		}
		latestID = uuid.MustParse(lid)
		stateLogID = uuid.MustParse(sid)
	}
	return latestID, stateLogID, rows.Err()
}

func (e *Engine) insertStateLog(ctx context.Context, db store.DBTX, log *StateLog) error {
	var employeeID, claimID, paymentID, referenceFileID any
	switch log.Associated.Type {
	case AssociatedEmployee:
		employeeID = log.Associated.ID.String()
	case AssociatedClaim:
		claimID = log.Associated.ID.String()
	case AssociatedPayment:
		paymentID = log.Associated.ID.String()
	case AssociatedReferenceFile:
		referenceFileID = log.Associated.ID.String()
	case AssociatedNone:
	default:
		return fmt.Errorf("unknown associated type %q", log.Associated.Type)
	}

	var startState any
	if log.StartStateID != 0 {
		startState = log.StartStateID
	}
	var prevID any
	if log.PrevStateLogID != uuid.Nil {
		prevID = log.PrevStateLogID.String()
	}
	var importLogID any
	if log.ImportLogID != 0 {
		importLogID = log.ImportLogID
	}
	var outcome any
	if len(log.Outcome) > 0 {
		outcome = string(log.Outcome)
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO state_log (state_log_id, associated_type, employee_id, claim_id, payment_id, reference_file_id,
			start_state_id, end_state_id, started_at, ended_at, outcome, prev_state_log_id, import_log_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.StateLogID.String(), string(log.Associated.Type), employeeID, claimID, paymentID, referenceFileID,
		startState, log.EndStateID, log.StartedAt, log.EndedAt, outcome, prevID, importLogID)
	if err != nil {
		return fmt.Errorf("insert state log: %w", err)
	}
	return nil
}

func stateLogColumns(alias string) string {
	return alias + `.state_log_id, ` + alias + `.associated_type, ` + alias + `.employee_id, ` +
		alias + `.claim_id, ` + alias + `.payment_id, ` + alias + `.reference_file_id, ` +
		alias + `.start_state_id, ` + alias + `.end_state_id, ` + alias + `.started_at, ` +
		alias + `.ended_at, ` + alias + `.outcome, ` + alias + `.prev_state_log_id, ` + alias + `.import_log_id`
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanStateLog(row rowScanner) (*StateLog, error) {
	var log StateLog
	var id, assocType string
	var employeeID, claimID, paymentID, referenceFileID, prevID, outcome sql.NullString
	var startState, importLogID sql.NullInt64
	err := row.Scan(&id, &assocType, &employeeID, &claimID, &paymentID, &referenceFileID,
		&startState, &log.EndStateID, &log.StartedAt, &log.EndedAt, &outcome, &prevID, &importLogID)
	if err != nil {
		return nil, err
	}
	log.StateLogID = uuid.MustParse(id)
	log.StartStateID = int(startState.Int64)
	log.ImportLogID = importLogID.Int64
	if outcome.Valid {
		log.Outcome = json.RawMessage(outcome.String)
	}
	if prevID.Valid {
		log.PrevStateLogID = uuid.MustParse(prevID.String)
	}
	log.Associated = AssociatedEntity{Type: AssociatedType(assocType)}
	for _, fk := range []sql.NullString{employeeID, claimID, paymentID, referenceFileID} {
		if fk.Valid {
			log.Associated.ID = uuid.MustParse(fk.String)
			break
		}
	}
	return &log, nil
}
