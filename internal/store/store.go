package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hapi/hub/internal/push"
	"github.com/hapi/hub/internal/timefmt"
)

// ErrNamespaceMismatch is returned when a caller addresses a row by id
// but supplies a namespace that doesn't match the row's own namespace.
var ErrNamespaceMismatch = errors.New("store: namespace mismatch")

// ErrNotFound is returned when a getOrCreate call is given an explicit
// id that doesn't exist.
var ErrNotFound = errors.New("store: not found")

// UpdateOutcome is the three-way result of a versioned-field write.
type UpdateOutcome int

const (
	UpdateSuccess UpdateOutcome = iota
	UpdateVersionMismatch
	UpdateError
)

// UpdateResult carries the outcome of a versioned-field write plus the
// value and version callers should reconcile against, whichever branch
// fired.
type UpdateResult struct {
	Outcome UpdateOutcome
	Version int64
	Value   RawJSON
	Err     error
}

// Store is the embedded persistence layer. All methods are safe for
// concurrent use; SQLite serializes writes internally (see db.go).
type Store struct {
	db *sql.DB
}

// New wraps an already-open, already-migrated *sql.DB.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func now() string {
	return timefmt.Format(time.Now().UTC())
}

// Session mirrors the sessions table. Opaque fields are left encoded;
// callers decode at the boundary.
type Session struct {
	ID                string
	Namespace         string
	Tag               string
	MachineID         sql.NullString
	CreatedAt         string
	UpdatedAt         string
	Metadata          RawJSON
	MetadataVersion   int64
	AgentState        RawJSON
	AgentStateVersion int64
	Todos             RawJSON
	TodosUpdatedAt    sql.NullString
	Active            bool
	ActiveAt          sql.NullString
	Thinking          bool
	ThinkingAt        sql.NullString
	Seq               int64
}

// Machine mirrors the machines table.
type Machine struct {
	ID                  string
	Namespace           string
	Tag                 string
	CreatedAt           string
	UpdatedAt           string
	RunnerState         RawJSON
	RunnerStateVersion  int64
	Active              bool
	ActiveAt            sql.NullString
	Seq                 int64
}

// Message mirrors the messages table, with content already decoded.
type Message struct {
	ID        string
	SessionID string
	LocalID   sql.NullString
	Content   RawJSON
	CreatedAt string
	Seq       int64
}

// ---- getOrCreate ----

// GetOrCreateSession fetches a session by id, or creates one if id is
// empty (a fresh UUID v4 is assigned). Supplying a non-empty id that
// doesn't exist is an error — sessions are never silently created
// under a caller-chosen id (machines are the exception; see
// GetOrCreateMachine).
func (s *Store) GetOrCreateSession(id, namespace string, metadata, agentState RawJSON) (*Session, error) {
	if id != "" {
		sess, err := s.getSession(id, namespace)
		if err == nil {
			return sess, nil
		}
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	newID := uuid.NewString()
	ts := now()
	metadata = normalizeObject(metadata)
	agentState = normalizeObject(agentState)

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, namespace, tag, created_at, updated_at, metadata, metadata_version, agent_state, agent_state_version, todos, seq)
		VALUES (?, ?, '', ?, ?, ?, 1, ?, 1, ?, 0)
	`, newID, namespace, ts, ts, []byte(metadata), []byte(agentState), []byte(emptyArray))
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return s.getSession(newID, namespace)
}

// GetOrCreateMachine fetches a machine by its client-supplied id,
// creating it if absent. Reusing an id under a different namespace is
// an error (ErrNamespaceMismatch).
func (s *Store) GetOrCreateMachine(id, namespace string, runnerState RawJSON) (*Machine, error) {
	if id == "" {
		return nil, errors.New("store: machine id is required")
	}

	m, err := s.getMachine(id)
	if err == nil {
		if m.Namespace != namespace {
			return nil, ErrNamespaceMismatch
		}
		return m, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	ts := now()
	runnerState = normalizeObject(runnerState)
	_, err = s.db.Exec(`
		INSERT INTO machines (id, namespace, tag, created_at, updated_at, runner_state, runner_state_version, seq)
		VALUES (?, ?, '', ?, ?, ?, 1, 0)
	`, id, namespace, ts, ts, []byte(runnerState))
	if err != nil {
		return nil, fmt.Errorf("create machine: %w", err)
	}

	return s.getMachine(id)
}

// GetSession returns a single session by id, scoped to namespace.
// Returns ErrNotFound if it does not exist (or belongs to a different
// namespace).
func (s *Store) GetSession(id, namespace string) (*Session, error) {
	sess, err := s.getSession(id, namespace)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns every session in namespace, ordered by seq so
// callers that need a stable restart order get one for free.
func (s *Store) ListSessions(namespace string) ([]*Session, error) {
	rows, err := s.db.Query(`
		SELECT id, namespace, tag, machine_id, created_at, updated_at,
		       metadata, metadata_version, agent_state, agent_state_version,
		       todos, todos_updated_at, active, active_at, thinking, thinking_at, seq
		FROM sessions WHERE namespace = ? ORDER BY seq ASC
	`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		var metadata, agentState, todos []byte
		var active, thinking int
		if err := rows.Scan(
			&sess.ID, &sess.Namespace, &sess.Tag, &sess.MachineID, &sess.CreatedAt, &sess.UpdatedAt,
			&metadata, &sess.MetadataVersion, &agentState, &sess.AgentStateVersion,
			&todos, &sess.TodosUpdatedAt, &active, &sess.ActiveAt, &thinking, &sess.ThinkingAt, &sess.Seq,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Metadata = RawJSON(metadata)
		sess.AgentState = RawJSON(agentState)
		sess.Todos = RawJSON(todos)
		sess.Active = active != 0
		sess.Thinking = thinking != 0
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// SetSessionMachine records which machine a session is currently bound
// to, e.g. once a spawn response reports the owning machine, or clears
// it (pass "") when the runner disconnects without reassignment.
func (s *Store) SetSessionMachine(id, namespace, machineID string) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET machine_id = ?, updated_at = ? WHERE id = ? AND namespace = ?
	`, nullableString(machineID), now(), id, namespace)
	if err != nil {
		return fmt.Errorf("set session machine: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set session machine: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (s *Store) getSession(id, namespace string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, namespace, tag, machine_id, created_at, updated_at,
		       metadata, metadata_version, agent_state, agent_state_version,
		       todos, todos_updated_at, active, active_at, thinking, thinking_at, seq
		FROM sessions WHERE id = ? AND namespace = ?
	`, id, namespace)
	return scanSession(row)
}

func (s *Store) getMachine(id string) (*Machine, error) {
	row := s.db.QueryRow(`
		SELECT id, namespace, tag, created_at, updated_at, runner_state, runner_state_version, active, active_at, seq
		FROM machines WHERE id = ?
	`, id)
	return scanMachine(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var metadata, agentState, todos []byte
	var active int
	var thinking int
	if err := row.Scan(
		&sess.ID, &sess.Namespace, &sess.Tag, &sess.MachineID, &sess.CreatedAt, &sess.UpdatedAt,
		&metadata, &sess.MetadataVersion, &agentState, &sess.AgentStateVersion,
		&todos, &sess.TodosUpdatedAt, &active, &sess.ActiveAt, &thinking, &sess.ThinkingAt, &sess.Seq,
	); err != nil {
		return nil, err
	}
	sess.Metadata = RawJSON(metadata)
	sess.AgentState = RawJSON(agentState)
	sess.Todos = RawJSON(todos)
	sess.Active = active != 0
	sess.Thinking = thinking != 0
	return &sess, nil
}

func scanMachine(row *sql.Row) (*Machine, error) {
	var m Machine
	var runnerState []byte
	var active int
	if err := row.Scan(
		&m.ID, &m.Namespace, &m.Tag, &m.CreatedAt, &m.UpdatedAt,
		&runnerState, &m.RunnerStateVersion, &active, &m.ActiveAt, &m.Seq,
	); err != nil {
		return nil, err
	}
	m.RunnerState = RawJSON(runnerState)
	m.Active = active != 0
	return &m, nil
}

// ---- versioned-field updates ----

// casUpdate applies the canonical versioned-field template to a single
// column of a single table: `UPDATE table SET col=?, version_col=
// version_col+1, seq=seq+1 WHERE id=? AND namespace=? AND
// version_col=?`. Zero rows affected means either the row doesn't
// exist (namespace mismatch or bad id) or the version didn't match; it
// re-reads current value+version to distinguish the two and populate
// the mismatch result.
func (s *Store) casUpdate(table, idCol, idVal, namespace, valueCol, versionCol string, value RawJSON, expectedVersion int64, touchUpdatedAt bool) UpdateResult {
	value = normalizeObject(value)

	updatedAtClause := ""
	if touchUpdatedAt {
		updatedAtClause = ", updated_at = ?"
	}

	query := fmt.Sprintf(
		"UPDATE %s SET %s = ?, %s = %s + 1, seq = seq + 1%s WHERE %s = ? AND namespace = ? AND %s = ?",
		table, valueCol, versionCol, versionCol, updatedAtClause, idCol, versionCol,
	)

	args := []any{[]byte(value)}
	if touchUpdatedAt {
		args = append(args, now())
	}
	args = append(args, idVal, namespace, expectedVersion)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return UpdateResult{Outcome: UpdateError, Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return UpdateResult{Outcome: UpdateError, Err: err}
	}
	if affected == 1 {
		newVersion, newValue, err := s.readCurrent(table, idCol, idVal, namespace, valueCol, versionCol)
		if err != nil {
			return UpdateResult{Outcome: UpdateError, Err: err}
		}
		return UpdateResult{Outcome: UpdateSuccess, Version: newVersion, Value: newValue}
	}

	// No rows updated: read current state to report the mismatch (or
	// surface a namespace/id error if the row doesn't exist at all).
	curVersion, curValue, err := s.readCurrent(table, idCol, idVal, namespace, valueCol, versionCol)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UpdateResult{Outcome: UpdateError, Err: ErrNotFound}
		}
		return UpdateResult{Outcome: UpdateError, Err: err}
	}
	return UpdateResult{Outcome: UpdateVersionMismatch, Version: curVersion, Value: curValue}
}

func (s *Store) readCurrent(table, idCol, idVal, namespace, valueCol, versionCol string) (int64, RawJSON, error) {
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = ? AND namespace = ?", valueCol, versionCol, table, idCol)
	var value []byte
	var version int64
	err := s.db.QueryRow(query, idVal, namespace).Scan(&value, &version)
	if err != nil {
		return 0, nil, err
	}
	return version, RawJSON(value), nil
}

// UpdateSessionMetadata applies the versioned-field CAS template to
// sessions.metadata.
func (s *Store) UpdateSessionMetadata(id, namespace string, value RawJSON, expectedVersion int64, touchUpdatedAt bool) UpdateResult {
	return s.casUpdate("sessions", "id", id, namespace, "metadata", "metadata_version", value, expectedVersion, touchUpdatedAt)
}

// UpdateSessionAgentState applies the versioned-field CAS template to
// sessions.agent_state.
func (s *Store) UpdateSessionAgentState(id, namespace string, value RawJSON, expectedVersion int64, touchUpdatedAt bool) UpdateResult {
	return s.casUpdate("sessions", "id", id, namespace, "agent_state", "agent_state_version", value, expectedVersion, touchUpdatedAt)
}

// UpdateMachineRunnerState applies the versioned-field CAS template to
// machines.runner_state.
func (s *Store) UpdateMachineRunnerState(id, namespace string, value RawJSON, expectedVersion int64, touchUpdatedAt bool) UpdateResult {
	return s.casUpdate("machines", "id", id, namespace, "runner_state", "runner_state_version", value, expectedVersion, touchUpdatedAt)
}

// SetSessionTodos writes the todos field with a timestamp guard
// instead of a version guard: the write applies iff the stored
// todos_updated_at is NULL or strictly earlier than updatedAt.
// updated_at on the session row never moves backwards.
func (s *Store) SetSessionTodos(id, namespace string, todos RawJSON, updatedAt time.Time) (bool, error) {
	todos = normalizeArray(todos)
	ts := timefmt.Format(updatedAt.UTC())

	res, err := s.db.Exec(`
		UPDATE sessions
		SET todos = ?, todos_updated_at = ?, seq = seq + 1,
		    updated_at = CASE WHEN updated_at < ? THEN ? ELSE updated_at END
		WHERE id = ? AND namespace = ? AND (todos_updated_at IS NULL OR todos_updated_at < ?)
	`, []byte(todos), ts, ts, ts, id, namespace, ts)
	if err != nil {
		return false, fmt.Errorf("set session todos: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ---- messages ----

// AddMessage inserts a message into a session's log. If localID is
// non-empty and already bound to a row in this session, that existing
// row is returned untouched (new content is discarded). Otherwise the
// message is assigned the next dense seq and inserted.
func (s *Store) AddMessage(sessionID string, content RawJSON, localID string) (*Message, error) {
	if localID != "" {
		existing, err := s.getMessageByLocalID(sessionID, localID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM messages WHERE session_id = ?`, sessionID).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("read max seq: %w", err)
	}
	nextSeq := maxSeq.Int64 + 1

	id := uuid.NewString()
	ts := now()
	stored, compression := encodeContent(content)

	var localCol sql.NullString
	if localID != "" {
		localCol = sql.NullString{String: localID, Valid: true}
	}

	_, err = tx.Exec(`
		INSERT INTO messages (id, session_id, local_id, content, content_compression, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, sessionID, localCol, stored, compressionToColumn(compression), ts, nextSeq)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Message{ID: id, SessionID: sessionID, LocalID: localCol, Content: content, CreatedAt: ts, Seq: nextSeq}, nil
}

func (s *Store) getMessageByLocalID(sessionID, localID string) (*Message, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, local_id, content, content_compression, created_at, seq
		FROM messages WHERE session_id = ? AND local_id = ?
	`, sessionID, localID)
	return scanMessage(row)
}

func scanMessage(row *sql.Row) (*Message, error) {
	var msg Message
	var content []byte
	var compressionCol string
	if err := row.Scan(&msg.ID, &msg.SessionID, &msg.LocalID, &content, &compressionCol, &msg.CreatedAt, &msg.Seq); err != nil {
		return nil, err
	}
	decoded, err := decodeContent(content, columnToCompression(compressionCol))
	if err != nil {
		return nil, fmt.Errorf("decode message content: %w", err)
	}
	msg.Content = decoded
	return &msg, nil
}

// GetMessages returns up to limit messages for a session in ascending
// seq order, optionally only those with seq < beforeSeq. limit is
// clamped to [1, 200].
func (s *Store) GetMessages(sessionID string, limit int, beforeSeq int64) ([]*Message, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}

	var rows *sql.Rows
	var err error
	if beforeSeq > 0 {
		rows, err = s.db.Query(`
			SELECT id, session_id, local_id, content, content_compression, created_at, seq
			FROM messages WHERE session_id = ? AND seq < ? ORDER BY seq ASC LIMIT ?
		`, sessionID, beforeSeq, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, session_id, local_id, content, content_compression, created_at, seq
			FROM messages WHERE session_id = ? ORDER BY seq ASC LIMIT ?
		`, sessionID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var msg Message
		var content []byte
		var compressionCol string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.LocalID, &content, &compressionCol, &msg.CreatedAt, &msg.Seq); err != nil {
			return nil, err
		}
		decoded, err := decodeContent(content, columnToCompression(compressionCol))
		if err != nil {
			return nil, fmt.Errorf("decode message content: %w", err)
		}
		msg.Content = decoded
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// MergeResult reports the outcome of MergeSessionMessages.
type MergeResult struct {
	Moved     int64
	OldMaxSeq int64
	NewMaxSeq int64
}

// MergeSessionMessages atomically moves all messages from one session
// to another: colliding localIDs in the source are nulled, seq values
// are renumbered to continue after the destination's current max.
func (s *Store) MergeSessionMessages(from, to string) (*MergeResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var oldMax sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM messages WHERE session_id = ?`, to).Scan(&oldMax); err != nil {
		return nil, fmt.Errorf("read destination max seq: %w", err)
	}
	offset := oldMax.Int64

	// Null out source localIDs that collide with an existing localID
	// in the destination, so the unique index doesn't reject the move.
	_, err = tx.Exec(`
		UPDATE messages SET local_id = NULL
		WHERE session_id = ? AND local_id IS NOT NULL AND local_id IN (
			SELECT local_id FROM messages WHERE session_id = ? AND local_id IS NOT NULL
		)
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("clear colliding local ids: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE messages SET session_id = ?, seq = seq + ? WHERE session_id = ?
	`, to, offset, from)
	if err != nil {
		return nil, fmt.Errorf("move messages: %w", err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	var newMax sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM messages WHERE session_id = ?`, to).Scan(&newMax); err != nil {
		return nil, fmt.Errorf("read new max seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &MergeResult{Moved: moved, OldMaxSeq: offset, NewMaxSeq: newMax.Int64}, nil
}

// ---- sessions: liveness, deletion ----

// SetSessionActive records a keepalive (or its absence) in the store
// itself, not just the in-memory cache — the cache is a fast mirror,
// the store is the durable record reconcile falls back to on restart.
// active=false forces thinking=false too, per the session invariant
// that thinking never survives a liveness drop.
func (s *Store) SetSessionActive(id, namespace string, active bool, at time.Time) error {
	ts := timefmt.Format(at.UTC())
	var res sql.Result
	var err error
	if active {
		res, err = s.db.Exec(`UPDATE sessions SET active = 1, active_at = ?, seq = seq + 1 WHERE id = ? AND namespace = ?`, ts, id, namespace)
	} else {
		res, err = s.db.Exec(`UPDATE sessions SET active = 0, active_at = ?, thinking = 0, seq = seq + 1 WHERE id = ? AND namespace = ?`, ts, id, namespace)
	}
	if err != nil {
		return fmt.Errorf("set session active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSessionThinking records a thinking-state transition in the store.
func (s *Store) SetSessionThinking(id, namespace string, thinking bool, at time.Time) error {
	val := 0
	if thinking {
		val = 1
	}
	res, err := s.db.Exec(`UPDATE sessions SET thinking = ?, updated_at = ?, seq = seq + 1 WHERE id = ? AND namespace = ?`,
		val, timefmt.Format(at.UTC()), id, namespace)
	if err != nil {
		return fmt.Errorf("set session thinking: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session, cascading its messages, draft, and
// sort preference via the schema's ON DELETE CASCADE foreign keys.
func (s *Store) DeleteSession(id, namespace string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ? AND namespace = ?`, id, namespace)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMachines returns every machine in namespace. Inactive machines
// are included here; callers that must filter them from a sessions
// listing (per spec) do so themselves.
func (s *Store) ListMachines(namespace string) ([]*Machine, error) {
	rows, err := s.db.Query(`
		SELECT id, namespace, tag, created_at, updated_at, runner_state, runner_state_version, active, active_at, seq
		FROM machines WHERE namespace = ? ORDER BY seq ASC
	`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	var out []*Machine
	for rows.Next() {
		var m Machine
		var runnerState []byte
		var active int
		if err := rows.Scan(&m.ID, &m.Namespace, &m.Tag, &m.CreatedAt, &m.UpdatedAt, &runnerState, &m.RunnerStateVersion, &active, &m.ActiveAt, &m.Seq); err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		m.RunnerState = RawJSON(runnerState)
		m.Active = active != 0
		out = append(out, &m)
	}
	return out, rows.Err()
}

// SetMachineActive records a runner's connect/disconnect transition.
func (s *Store) SetMachineActive(id string, active bool, at time.Time) error {
	val := 0
	if active {
		val = 1
	}
	_, err := s.db.Exec(`UPDATE machines SET active = ?, active_at = ?, seq = seq + 1 WHERE id = ?`, val, timefmt.Format(at.UTC()), id)
	if err != nil {
		return fmt.Errorf("set machine active: %w", err)
	}
	return nil
}

// ---- push subscriptions ----

// AddPushSubscription upserts a web-push subscription, unique per
// (namespace, endpoint): re-registering the same endpoint refreshes
// its keys rather than erroring.
func (s *Store) AddPushSubscription(namespace, endpoint, p256dh, auth string) (string, error) {
	var existingID string
	err := s.db.QueryRow(`SELECT id FROM push_subscriptions WHERE namespace = ? AND endpoint = ?`, namespace, endpoint).Scan(&existingID)
	if err == nil {
		_, err = s.db.Exec(`UPDATE push_subscriptions SET p256dh = ?, auth = ? WHERE id = ?`, p256dh, auth, existingID)
		if err != nil {
			return "", fmt.Errorf("refresh push subscription: %w", err)
		}
		return existingID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("look up push subscription: %w", err)
	}

	newID := uuid.NewString()
	_, err = s.db.Exec(`
		INSERT INTO push_subscriptions (id, namespace, endpoint, p256dh, auth, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, newID, namespace, endpoint, p256dh, auth, now())
	if err != nil {
		return "", fmt.Errorf("insert push subscription: %w", err)
	}
	return newID, nil
}

// ListPushSubscriptions implements push.SubscriptionStore.
func (s *Store) ListPushSubscriptions(namespace string) ([]push.Subscription, error) {
	rows, err := s.db.Query(`SELECT id, namespace, endpoint, p256dh, auth FROM push_subscriptions WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions: %w", err)
	}
	defer rows.Close()

	var out []push.Subscription
	for rows.Next() {
		var sub push.Subscription
		if err := rows.Scan(&sub.ID, &sub.Namespace, &sub.Endpoint, &sub.P256dh, &sub.Auth); err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// RemovePushSubscription implements push.SubscriptionStore.
func (s *Store) RemovePushSubscription(id string) error {
	_, err := s.db.Exec(`DELETE FROM push_subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove push subscription: %w", err)
	}
	return nil
}

// RemovePushSubscriptionByEndpoint supports the unsubscribe HTTP path,
// which identifies a subscription by endpoint rather than by id.
func (s *Store) RemovePushSubscriptionByEndpoint(namespace, endpoint string) error {
	_, err := s.db.Exec(`DELETE FROM push_subscriptions WHERE namespace = ? AND endpoint = ?`, namespace, endpoint)
	if err != nil {
		return fmt.Errorf("remove push subscription by endpoint: %w", err)
	}
	return nil
}

// ---- users ----

// User mirrors the users table.
type User struct {
	ID           string
	Namespace    string
	Username     string
	PasswordHash string
	CreatedAt    string
}

// CreateUser inserts a new user row; username is unique per namespace.
func (s *Store) CreateUser(namespace, username, passwordHash string) (*User, error) {
	id := uuid.NewString()
	ts := now()
	_, err := s.db.Exec(`
		INSERT INTO users (id, namespace, username, password_hash, created_at) VALUES (?, ?, ?, ?, ?)
	`, id, namespace, username, passwordHash, ts)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &User{ID: id, Namespace: namespace, Username: username, PasswordHash: passwordHash, CreatedAt: ts}, nil
}

// GetUserByUsername looks up a user within namespace.
func (s *Store) GetUserByUsername(namespace, username string) (*User, error) {
	var u User
	err := s.db.QueryRow(`
		SELECT id, namespace, username, password_hash, created_at FROM users WHERE namespace = ? AND username = ?
	`, namespace, username).Scan(&u.ID, &u.Namespace, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// ---- drafts (last-write-wins by timestamp) ----

// SetDraft writes a session's composer draft, applying iff updatedAt
// is not older than the currently stored draft's timestamp (LWW).
func (s *Store) SetDraft(sessionID, content string, updatedAt time.Time) error {
	ts := timefmt.Format(updatedAt.UTC())
	res, err := s.db.Exec(`
		INSERT INTO drafts (session_id, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at
		WHERE excluded.updated_at >= drafts.updated_at
	`, sessionID, content, ts)
	if err != nil {
		return fmt.Errorf("set draft: %w", err)
	}
	_, err = res.RowsAffected()
	return err
}

// GetDraft returns a session's stored draft content, "" if none exists.
func (s *Store) GetDraft(sessionID string) (string, error) {
	var content string
	err := s.db.QueryRow(`SELECT content FROM drafts WHERE session_id = ?`, sessionID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get draft: %w", err)
	}
	return content, nil
}

// ---- session sort preferences (versioned) ----

// SetSessionSortRank applies the versioned-field CAS template to a
// session's lexorank sort position within namespace.
func (s *Store) SetSessionSortRank(sessionID, namespace, rank string, expectedVersion int64) UpdateResult {
	res, err := s.db.Exec(`
		UPDATE session_sort_preferences SET rank = ?, version = version + 1, updated_at = ?
		WHERE session_id = ? AND namespace = ? AND version = ?
	`, rank, now(), sessionID, namespace, expectedVersion)
	if err != nil {
		return UpdateResult{Outcome: UpdateError, Err: err}
	}
	affected, _ := res.RowsAffected()
	if affected == 1 {
		var version int64
		var value string
		if err := s.db.QueryRow(`SELECT rank, version FROM session_sort_preferences WHERE session_id = ? AND namespace = ?`, sessionID, namespace).Scan(&value, &version); err != nil {
			return UpdateResult{Outcome: UpdateError, Err: err}
		}
		return UpdateResult{Outcome: UpdateSuccess, Version: version, Value: jsonString(value)}
	}

	var version int64
	var value string
	err = s.db.QueryRow(`SELECT rank, version FROM session_sort_preferences WHERE session_id = ? AND namespace = ?`, sessionID, namespace).Scan(&value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, insErr := s.db.Exec(`
			INSERT INTO session_sort_preferences (namespace, session_id, rank, version, updated_at) VALUES (?, ?, ?, 1, ?)
		`, namespace, sessionID, rank, now()); insErr != nil {
			return UpdateResult{Outcome: UpdateError, Err: insErr}
		}
		return UpdateResult{Outcome: UpdateSuccess, Version: 1, Value: jsonString(rank)}
	}
	if err != nil {
		return UpdateResult{Outcome: UpdateError, Err: err}
	}
	return UpdateResult{Outcome: UpdateVersionMismatch, Version: version, Value: jsonString(value)}
}

// jsonString encodes a Go string as a JSON string literal, for
// UpdateResult.Value fields whose underlying column isn't itself
// opaque JSON (unlike metadata/agentState/runnerState).
func jsonString(v string) RawJSON {
	encoded, _ := json.Marshal(v)
	return RawJSON(encoded)
}
