package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/buildforge/controlplane/internal/app/apperror"
	"github.com/buildforge/controlplane/internal/app/domain/approval"
	"github.com/buildforge/controlplane/internal/app/domain/dependency"
	"github.com/buildforge/controlplane/internal/app/domain/event"
	"github.com/buildforge/controlplane/internal/app/domain/message"
	"github.com/buildforge/controlplane/internal/app/domain/session"
	"github.com/buildforge/controlplane/internal/app/domain/ticket"
	"github.com/buildforge/controlplane/internal/app/storage"
)

var _ storage.Store = (*Store)(nil)

// Store implements storage.Store against database/sql, with the SQL text
// and row-locking strategy selected by Dialect.
type Store struct {
	db *sql.DB
	d  Dialect
}

// New wraps an open database handle. driver must already be pinged and
// migrated.
func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, d: d}
}

func newID() string { return uuid.NewString() }

func (s *Store) q(query string) string { return rebind(s.d, query) }

func (s *Store) nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return s.d.TimeArg(t)
}

func (s *Store) nullTimePtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return s.d.TimeArg(*t)
}

func (s *Store) scanTime(v any) time.Time {
	t, err := s.d.ScanTime(v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *Store) scanTimePtr(v any) *time.Time {
	t := s.scanTime(v)
	if t.IsZero() {
		return nil
	}
	return &t
}

func marshalJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}

func unmarshalJSON(raw any, dest any) {
	var b []byte
	switch v := raw.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return
	}
	if len(b) == 0 {
		return
	}
	_ = json.Unmarshal(b, dest)
}

// --- SessionStore ----------------------------------------------------------

func (s *Store) CreateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	if sess.ID == "" {
		sess.ID = newID()
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sessions (id, tenant_id, owner_id, project_type, project_name, description, state,
			clarification, approved_spec, project_id, repo_analysis_snapshot, approved_by, approved_at,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), sess.ID, sess.TenantID, sess.OwnerID, string(sess.ProjectType), sess.ProjectName, sess.Description,
		string(sess.State), marshalJSON(sess.Clarification), sess.ApprovedSpec, sess.ProjectID,
		nullableJSON(sess.RepoAnalysisSnapshot), sess.ApprovedBy, s.nullTimePtr(sess.ApprovedAt),
		s.d.TimeArg(sess.CreatedAt), s.d.TimeArg(sess.UpdatedAt))
	if err != nil {
		return session.Session{}, apperror.Internal("create session", err)
	}
	return sess, nil
}

func nullableJSON(v map[string]any) any {
	if v == nil {
		return nil
	}
	return marshalJSON(v)
}

const sessionColumns = `id, tenant_id, owner_id, project_type, project_name, description, state,
	clarification, approved_spec, project_id, repo_analysis_snapshot, approved_by, approved_at,
	created_at, updated_at`

func (s *Store) scanSession(row interface{ Scan(dest ...any) error }) (session.Session, error) {
	var (
		sess          session.Session
		projectType   string
		state         string
		clarification []byte
		approvedSpec  sql.NullString
		projectID     sql.NullString
		repoSnapshot  []byte
		approvedBy    sql.NullString
		approvedAt    any
		createdAt     any
		updatedAt     any
	)
	if err := row.Scan(&sess.ID, &sess.TenantID, &sess.OwnerID, &projectType, &sess.ProjectName,
		&sess.Description, &state, &clarification, &approvedSpec, &projectID, &repoSnapshot,
		&approvedBy, &approvedAt, &createdAt, &updatedAt); err != nil {
		return session.Session{}, err
	}
	sess.ProjectType = session.ProjectType(projectType)
	sess.State = session.State(state)
	unmarshalJSON(clarification, &sess.Clarification)
	if approvedSpec.Valid {
		sess.ApprovedSpec = &approvedSpec.String
	}
	if projectID.Valid {
		sess.ProjectID = &projectID.String
	}
	if len(repoSnapshot) > 0 {
		unmarshalJSON(repoSnapshot, &sess.RepoAnalysisSnapshot)
	}
	if approvedBy.Valid {
		sess.ApprovedBy = &approvedBy.String
	}
	sess.ApprovedAt = s.scanTimePtr(approvedAt)
	sess.CreatedAt = s.scanTime(createdAt)
	sess.UpdatedAt = s.scanTime(updatedAt)
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, tenantID, id string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND (? = '' OR tenant_id = ?)`),
		id, tenantID, tenantID)
	sess, err := s.scanSession(row)
	if err == sql.ErrNoRows {
		return session.Session{}, apperror.NotFound("session not found")
	}
	if err != nil {
		return session.Session{}, apperror.Internal("get session", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, tenantID string, state *session.State, limit int) ([]session.Session, error) {
	stateFilter := ""
	if state != nil {
		stateFilter = string(*state)
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE (? = '' OR tenant_id = ?) AND (? = '' OR state = ?)
		ORDER BY created_at
	`), tenantID, tenantID, stateFilter, stateFilter)
	if err != nil {
		return nil, apperror.Internal("list sessions", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, apperror.Internal("scan session", err)
		}
		out = append(out, sess)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, tenantID, id string) error {
	result, err := s.db.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE id = ? AND (? = '' OR tenant_id = ?)`), id, tenantID, tenantID)
	if err != nil {
		return apperror.Internal("delete session", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperror.NotFound("session not found")
	}
	return nil
}

func (s *Store) SaveTransition(ctx context.Context, sess session.Session, msgs []message.Message, ev event.Event) (session.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return session.Session{}, apperror.Internal("begin transaction", err)
	}
	defer tx.Rollback()

	sess.UpdatedAt = time.Now().UTC()
	result, err := tx.ExecContext(ctx, s.q(`
		UPDATE sessions
		SET state = ?, clarification = ?, approved_spec = ?, project_id = ?, repo_analysis_snapshot = ?,
			approved_by = ?, approved_at = ?, updated_at = ?
		WHERE id = ?
	`), string(sess.State), marshalJSON(sess.Clarification), sess.ApprovedSpec, sess.ProjectID,
		nullableJSON(sess.RepoAnalysisSnapshot), sess.ApprovedBy, s.nullTimePtr(sess.ApprovedAt),
		s.d.TimeArg(sess.UpdatedAt), sess.ID)
	if err != nil {
		return session.Session{}, apperror.Internal("update session", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return session.Session{}, apperror.NotFound("session not found")
	}

	for i := range msgs {
		m := msgs[i]
		if m.ID == "" {
			m.ID = newID()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO messages (id, session_id, role, content, type, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`), m.ID, sess.ID, string(m.Role), m.Content, string(m.Type), s.d.TimeArg(m.CreatedAt)); err != nil {
			return session.Session{}, apperror.Internal("insert message", err)
		}
	}

	if _, err := s.insertEventTx(ctx, tx, ev); err != nil {
		return session.Session{}, err
	}

	if err := tx.Commit(); err != nil {
		return session.Session{}, apperror.Internal("commit transaction", err)
	}
	return sess, nil
}

func (s *Store) ListMessages(ctx context.Context, tenantID, sessionID string) ([]message.Message, error) {
	if tenantID != "" {
		if _, err := s.GetSession(ctx, tenantID, sessionID); err != nil {
			return nil, err
		}
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, session_id, role, content, type, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at
	`), sessionID)
	if err != nil {
		return nil, apperror.Internal("list messages", err)
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		var (
			m         message.Message
			role      string
			typ       string
			createdAt any
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &typ, &createdAt); err != nil {
			return nil, apperror.Internal("scan message", err)
		}
		m.Role = message.Role(role)
		m.Type = message.Type(typ)
		m.CreatedAt = s.scanTime(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- TicketStore -------------------------------------------------------------

const ticketColumns = `id, tenant_id, project_id, session_id, title, description, acceptance_criteria,
	state, epic, scope, file_hints, priority, repository_url, assignee_id, assignee_kind, branch_name,
	pull_request_url, rejection_count, retry_count, retry_after, critic_feedback, files_involved,
	lease_expires, last_heartbeat, trace_id, created_at, updated_at`

func (s *Store) scanTicket(row interface{ Scan(dest ...any) error }) (ticket.Ticket, error) {
	var (
		t                  ticket.Ticket
		acceptanceCriteria []byte
		state              string
		scope              string
		fileHints          []byte
		priority           string
		assigneeID         sql.NullString
		assigneeKind       sql.NullString
		branchName         sql.NullString
		pullRequestURL     sql.NullString
		retryAfter         any
		criticFeedback     []byte
		filesInvolved      []byte
		leaseExpires       any
		lastHeartbeat      any
		createdAt          any
		updatedAt          any
	)
	if err := row.Scan(&t.ID, &t.TenantID, &t.ProjectID, &t.SessionID, &t.Title, &t.Description,
		&acceptanceCriteria, &state, &t.Epic, &scope, &fileHints, &priority, &t.RepositoryURL,
		&assigneeID, &assigneeKind, &branchName, &pullRequestURL, &t.RejectionCount, &t.RetryCount,
		&retryAfter, &criticFeedback, &filesInvolved, &leaseExpires, &lastHeartbeat, &t.TraceID,
		&createdAt, &updatedAt); err != nil {
		return ticket.Ticket{}, err
	}
	t.State = ticket.State(state)
	t.Scope = ticket.Scope(scope)
	t.Priority = ticket.Priority(priority)
	unmarshalJSON(acceptanceCriteria, &t.AcceptanceCriteria)
	unmarshalJSON(fileHints, &t.FileHints)
	unmarshalJSON(criticFeedback, &t.CriticFeedback)
	unmarshalJSON(filesInvolved, &t.FilesInvolved)
	if assigneeID.Valid {
		t.AssigneeID = &assigneeID.String
	}
	if assigneeKind.Valid {
		kind := ticket.AssigneeKind(assigneeKind.String)
		t.AssigneeKind = &kind
	}
	if branchName.Valid {
		t.BranchName = &branchName.String
	}
	if pullRequestURL.Valid {
		t.PullRequestURL = &pullRequestURL.String
	}
	t.RetryAfter = s.scanTimePtr(retryAfter)
	t.LeaseExpires = s.scanTimePtr(leaseExpires)
	t.LastHeartbeat = s.scanTimePtr(lastHeartbeat)
	t.CreatedAt = s.scanTime(createdAt)
	t.UpdatedAt = s.scanTime(updatedAt)
	return t, nil
}

func (s *Store) insertTicketTx(ctx context.Context, tx *sql.Tx, t ticket.Ticket) (ticket.Ticket, error) {
	if t.ID == "" {
		t.ID = newID()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	var assigneeKind any
	if t.AssigneeKind != nil {
		assigneeKind = string(*t.AssigneeKind)
	}

	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.TenantID, t.ProjectID, t.SessionID, t.Title, t.Description, marshalJSON(t.AcceptanceCriteria),
		string(t.State), t.Epic, string(t.Scope), marshalJSON(t.FileHints), string(t.Priority), t.RepositoryURL,
		t.AssigneeID, assigneeKind, t.BranchName, t.PullRequestURL, t.RejectionCount, t.RetryCount,
		s.nullTimePtr(t.RetryAfter), marshalJSON(t.CriticFeedback), marshalJSON(t.FilesInvolved),
		s.nullTimePtr(t.LeaseExpires), s.nullTimePtr(t.LastHeartbeat), t.TraceID,
		s.d.TimeArg(t.CreatedAt), s.d.TimeArg(t.UpdatedAt))
	if err != nil {
		return ticket.Ticket{}, err
	}
	return t, nil
}

func (s *Store) CreateTicket(ctx context.Context, t ticket.Ticket) (ticket.Ticket, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ticket.Ticket{}, apperror.Internal("begin transaction", err)
	}
	defer tx.Rollback()

	if t.State == "" {
		t.State = ticket.StateReady
	}
	out, err := s.insertTicketTx(ctx, tx, t)
	if err != nil {
		return ticket.Ticket{}, apperror.Internal("create ticket", err)
	}
	if err := tx.Commit(); err != nil {
		return ticket.Ticket{}, apperror.Internal("commit transaction", err)
	}
	return out, nil
}

func (s *Store) CreateBatch(ctx context.Context, tickets []ticket.Ticket, edges []dependency.Edge) ([]ticket.Ticket, error) {
	ids := make(map[string]struct{}, len(tickets))
	for i := range tickets {
		if tickets[i].ID == "" {
			tickets[i].ID = newID()
		}
		ids[tickets[i].ID] = struct{}{}
	}
	if hasCycle(edges) {
		return nil, apperror.Integrity("dependency graph contains a cycle")
	}

	dependents := make(map[string][]string)
	for _, e := range edges {
		dependents[e.TicketID] = append(dependents[e.TicketID], e.DependsOnID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperror.Internal("begin transaction", err)
	}
	defer tx.Rollback()

	out := make([]ticket.Ticket, 0, len(tickets))
	for _, t := range tickets {
		if len(dependents[t.ID]) == 0 {
			t.State = ticket.StateReady
		} else {
			t.State = ticket.StateBlocked
		}
		inserted, err := s.insertTicketTx(ctx, tx, t)
		if err != nil {
			return nil, apperror.Internal("insert ticket", err)
		}
		out = append(out, inserted)
	}

	for _, e := range edges {
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO dependency_edges (ticket_id, depends_on_id) VALUES (?, ?)
		`), e.TicketID, e.DependsOnID); err != nil {
			return nil, apperror.Internal("insert dependency edge", err)
		}
	}

	if _, err := s.insertEventTx(ctx, tx, event.Event{
		SessionID: firstSessionID(tickets),
		Type:      event.TypeTicketsGenerated,
		Payload:   map[string]any{"count": len(out)},
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apperror.Internal("commit transaction", err)
	}
	return out, nil
}

func firstSessionID(tickets []ticket.Ticket) string {
	if len(tickets) == 0 {
		return ""
	}
	return tickets[0].SessionID
}

func hasCycle(edges []dependency.Edge) bool {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.TicketID] = append(adj[e.TicketID], e.DependsOnID)
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		for _, next := range adj[n] {
			switch color[next] {
			case gray:
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[n] = black
		return false
	}
	for n := range adj {
		if color[n] == white && visit(n) {
			return true
		}
	}
	return false
}

func (s *Store) GetTicket(ctx context.Context, tenantID, id string) (ticket.Ticket, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+ticketColumns+` FROM tickets WHERE id = ? AND (? = '' OR tenant_id = ?)`),
		id, tenantID, tenantID)
	t, err := s.scanTicket(row)
	if err == sql.ErrNoRows {
		return ticket.Ticket{}, apperror.NotFound("ticket not found")
	}
	if err != nil {
		return ticket.Ticket{}, apperror.Internal("get ticket", err)
	}
	return t, nil
}

func (s *Store) DeleteTicket(ctx context.Context, tenantID, id string) error {
	result, err := s.db.ExecContext(ctx, s.q(`DELETE FROM tickets WHERE id = ? AND (? = '' OR tenant_id = ?)`), id, tenantID, tenantID)
	if err != nil {
		return apperror.Internal("delete ticket", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperror.NotFound("ticket not found")
	}
	return nil
}

func (s *Store) ListTickets(ctx context.Context, filter storage.TicketFilter) ([]ticket.Ticket, error) {
	stateFilter := ""
	if filter.State != nil {
		stateFilter = string(*filter.State)
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+ticketColumns+` FROM tickets
		WHERE (? = '' OR tenant_id = ?) AND (? = '' OR project_id = ?) AND (? = '' OR session_id = ?)
			AND (? = '' OR state = ?)
		ORDER BY created_at
	`), filter.TenantID, filter.TenantID, filter.ProjectID, filter.ProjectID, filter.SessionID,
		filter.SessionID, stateFilter, stateFilter)
	if err != nil {
		return nil, apperror.Internal("list tickets", err)
	}
	defer rows.Close()

	var out []ticket.Ticket
	for rows.Next() {
		t, err := s.scanTicket(rows)
		if err != nil {
			return nil, apperror.Internal("scan ticket", err)
		}
		out = append(out, t)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, rows.Err()
}

// ClaimNext selects the oldest, highest-priority ready ticket and assigns
// it atomically. Postgres uses SELECT ... FOR UPDATE SKIP LOCKED inside the
// transaction; SQLite relies on BEGIN IMMEDIATE to take the write lock up
// front since it has no row-level locking.
func (s *Store) ClaimNext(ctx context.Context, tenantID, workerID string, leaseDuration time.Duration) (ticket.Ticket, bool, error) {
	opts := &sql.TxOptions{}
	if !s.d.SupportsSkipLocked() {
		// SQLite has no row locking; requesting serializable isolation
		// makes modernc.org/sqlite open the transaction with BEGIN
		// IMMEDIATE, taking the write lock before the SELECT instead of
		// upgrading (and potentially deadlocking) on the later UPDATE.
		opts.Isolation = sql.LevelSerializable
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return ticket.Ticket{}, false, apperror.Internal("begin transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	lockClause := ""
	if s.d.SupportsSkipLocked() {
		lockClause = "FOR UPDATE SKIP LOCKED"
	}
	query := fmt.Sprintf(`
		SELECT %s FROM tickets
		WHERE (? = '' OR tenant_id = ?) AND state = 'ready' AND (assignee_kind IS NULL OR assignee_kind = 'agent')
			AND (retry_after IS NULL OR retry_after <= ?)
		ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END, created_at
		LIMIT 1
		%s
	`, ticketColumns, lockClause)

	row := tx.QueryRowContext(ctx, s.q(query), tenantID, tenantID, s.d.TimeArg(now))
	picked, err := s.scanTicket(row)
	if err == sql.ErrNoRows {
		return ticket.Ticket{}, false, nil
	}
	if err != nil {
		return ticket.Ticket{}, false, apperror.Internal("claim next ticket", err)
	}

	expires := now.Add(leaseDuration)
	result, err := tx.ExecContext(ctx, s.q(`
		UPDATE tickets SET state = 'assigned', assignee_kind = 'agent', assignee_id = ?, lease_expires = ?,
			last_heartbeat = ?, updated_at = ? WHERE id = ? AND state = 'ready'
	`), workerID, s.d.TimeArg(expires), s.d.TimeArg(now), s.d.TimeArg(now), picked.ID)
	if err != nil {
		return ticket.Ticket{}, false, apperror.Internal("assign ticket", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		// Lost the race to another claimant between SELECT and UPDATE.
		return ticket.Ticket{}, false, nil
	}

	if _, err := s.insertEventTx(ctx, tx, event.Event{
		TicketID: picked.ID,
		Type:     event.TypeLeaseAcquired,
		Payload:  map[string]any{"worker_id": workerID, "lease_expires": expires},
	}); err != nil {
		return ticket.Ticket{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return ticket.Ticket{}, false, apperror.Internal("commit transaction", err)
	}

	kind := ticket.AssigneeAgent
	picked.State = ticket.StateAssigned
	picked.AssigneeKind = &kind
	picked.AssigneeID = &workerID
	picked.LeaseExpires = &expires
	picked.LastHeartbeat = &now
	return picked, true, nil
}

func (s *Store) Heartbeat(ctx context.Context, ticketID, workerID string, leaseDuration time.Duration) (time.Time, error) {
	now := time.Now().UTC()
	expires := now.Add(leaseDuration)
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE tickets SET lease_expires = ?, last_heartbeat = ?, updated_at = ?
		WHERE id = ? AND assignee_id = ?
	`), s.d.TimeArg(expires), s.d.TimeArg(now), s.d.TimeArg(now), ticketID, workerID)
	if err != nil {
		return time.Time{}, apperror.Internal("heartbeat", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := s.GetTicket(ctx, "", ticketID); err != nil {
			return time.Time{}, err
		}
		return time.Time{}, apperror.Conflict("lease not held by this worker")
	}
	return expires, nil
}

func (s *Store) Transition(ctx context.Context, id string, from []ticket.State, mutate func(*ticket.Ticket) error, ev event.Event) (ticket.Ticket, []event.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ticket.Ticket{}, nil, apperror.Internal("begin transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, s.q(`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`), id)
	t, err := s.scanTicket(row)
	if err == sql.ErrNoRows {
		return ticket.Ticket{}, nil, apperror.NotFound("ticket not found")
	}
	if err != nil {
		return ticket.Ticket{}, nil, apperror.Internal("get ticket for transition", err)
	}

	if len(from) > 0 {
		allowed := false
		for _, st := range from {
			if t.State == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return ticket.Ticket{}, nil, apperror.StateConflict("ticket not in an eligible state", string(t.State))
		}
	}

	if mutate != nil {
		if err := mutate(&t); err != nil {
			return ticket.Ticket{}, nil, err
		}
	}
	t.UpdatedAt = time.Now().UTC()

	var assigneeKind any
	if t.AssigneeKind != nil {
		assigneeKind = string(*t.AssigneeKind)
	}
	_, err = tx.ExecContext(ctx, s.q(`
		UPDATE tickets SET title = ?, description = ?, acceptance_criteria = ?, state = ?, epic = ?,
			scope = ?, file_hints = ?, priority = ?, repository_url = ?, assignee_id = ?, assignee_kind = ?,
			branch_name = ?, pull_request_url = ?, rejection_count = ?, retry_count = ?, retry_after = ?,
			critic_feedback = ?, files_involved = ?, lease_expires = ?, last_heartbeat = ?, trace_id = ?,
			updated_at = ?
		WHERE id = ?
	`), t.Title, t.Description, marshalJSON(t.AcceptanceCriteria), string(t.State), t.Epic, string(t.Scope),
		marshalJSON(t.FileHints), string(t.Priority), t.RepositoryURL, t.AssigneeID, assigneeKind,
		t.BranchName, t.PullRequestURL, t.RejectionCount, t.RetryCount, s.nullTimePtr(t.RetryAfter),
		marshalJSON(t.CriticFeedback), marshalJSON(t.FilesInvolved), s.nullTimePtr(t.LeaseExpires),
		s.nullTimePtr(t.LastHeartbeat), t.TraceID, s.d.TimeArg(t.UpdatedAt), t.ID)
	if err != nil {
		return ticket.Ticket{}, nil, apperror.Internal("update ticket", err)
	}

	if ev.TicketID == "" {
		ev.TicketID = id
	}
	if ev.SessionID == "" {
		ev.SessionID = t.SessionID
	}
	if _, err := s.insertEventTx(ctx, tx, ev); err != nil {
		return ticket.Ticket{}, nil, err
	}

	var derived []event.Event
	if t.State.Terminal() {
		unblocked, err := s.unblockSuccessorsTx(ctx, tx, id)
		if err != nil {
			return ticket.Ticket{}, nil, err
		}
		derived = append(derived, unblocked...)
		sessEv, ok, err := s.maybeCompleteSessionTx(ctx, tx, t.SessionID)
		if err != nil {
			return ticket.Ticket{}, nil, err
		}
		if ok {
			derived = append(derived, sessEv)
		}
	}

	if err := tx.Commit(); err != nil {
		return ticket.Ticket{}, nil, apperror.Internal("commit transaction", err)
	}
	return t, derived, nil
}

// unblockSuccessorsTx promotes blocked successors to ready once every
// dependency has reached a terminal state, returning the unblock events
// it persisted so Transition can publish them too.
func (s *Store) unblockSuccessorsTx(ctx context.Context, tx *sql.Tx, doneTicketID string) ([]event.Event, error) {
	rows, err := tx.QueryContext(ctx, s.q(`SELECT ticket_id FROM dependency_edges WHERE depends_on_id = ?`), doneTicketID)
	if err != nil {
		return nil, apperror.Internal("list successors", err)
	}
	var successors []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, apperror.Internal("scan successor", err)
		}
		successors = append(successors, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperror.Internal("list successors", err)
	}

	var events []event.Event
	for _, succID := range successors {
		row := tx.QueryRowContext(ctx, s.q(`SELECT state FROM tickets WHERE id = ?`), succID)
		var state string
		if err := row.Scan(&state); err != nil {
			continue
		}
		if ticket.State(state) != ticket.StateBlocked {
			continue
		}

		depRows, err := tx.QueryContext(ctx, s.q(`SELECT depends_on_id FROM dependency_edges WHERE ticket_id = ?`), succID)
		if err != nil {
			return nil, apperror.Internal("list dependencies", err)
		}
		var deps []string
		for depRows.Next() {
			var depID string
			if err := depRows.Scan(&depID); err != nil {
				depRows.Close()
				return nil, apperror.Internal("scan dependency", err)
			}
			deps = append(deps, depID)
		}
		depRows.Close()
		if err := depRows.Err(); err != nil {
			return nil, apperror.Internal("list dependencies", err)
		}

		ready := true
		for _, depID := range deps {
			row := tx.QueryRowContext(ctx, s.q(`SELECT state FROM tickets WHERE id = ?`), depID)
			var depState string
			if err := row.Scan(&depState); err != nil || !ticket.State(depState).Terminal() {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE tickets SET state = 'ready', updated_at = ? WHERE id = ?`),
			s.d.TimeArg(now), succID); err != nil {
			return nil, apperror.Internal("unblock ticket", err)
		}
		unblockEv, err := s.insertEventTx(ctx, tx, event.Event{TicketID: succID, Type: event.TypeUnblocked})
		if err != nil {
			return nil, err
		}
		events = append(events, unblockEv)
	}
	return events, nil
}

// maybeCompleteSessionTx marks a session completed once every one of its
// tickets has reached a terminal state with at least one done, returning
// the persisted session:update event so Transition can publish it too.
func (s *Store) maybeCompleteSessionTx(ctx context.Context, tx *sql.Tx, sessionID string) (event.Event, bool, error) {
	if sessionID == "" {
		return event.Event{}, false, nil
	}
	row := tx.QueryRowContext(ctx, s.q(`SELECT state FROM sessions WHERE id = ?`), sessionID)
	var state string
	if err := row.Scan(&state); err != nil {
		return event.Event{}, false, nil
	}
	if session.State(state).Terminal() {
		return event.Event{}, false, nil
	}

	nonTerminal, done, err := s.countNonTerminalTx(ctx, tx, sessionID)
	if err != nil {
		return event.Event{}, false, err
	}
	if nonTerminal != 0 || done == 0 {
		return event.Event{}, false, nil
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE sessions SET state = 'completed', updated_at = ? WHERE id = ?`),
		s.d.TimeArg(now), sessionID); err != nil {
		return event.Event{}, false, apperror.Internal("complete session", err)
	}
	sessEv, err := s.insertEventTx(ctx, tx, event.Event{
		SessionID: sessionID,
		Type:      event.TypeSessionUpdate,
		Payload:   map[string]any{"state": "completed"},
	})
	if err != nil {
		return event.Event{}, false, err
	}
	return sessEv, true, nil
}

func (s *Store) countNonTerminalTx(ctx context.Context, tx *sql.Tx, sessionID string) (int, int, error) {
	row := tx.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FILTER (WHERE state NOT IN ('done','cancelled')), COUNT(*) FILTER (WHERE state = 'done')
		FROM tickets WHERE session_id = ?
	`), sessionID)
	var nonTerminal, done int
	if err := row.Scan(&nonTerminal, &done); err != nil {
		// SQLite lacks FILTER support; fall back to a manual scan.
		return s.countNonTerminalFallbackTx(ctx, tx, sessionID)
	}
	return nonTerminal, done, nil
}

func (s *Store) countNonTerminalFallbackTx(ctx context.Context, tx *sql.Tx, sessionID string) (int, int, error) {
	rows, err := tx.QueryContext(ctx, s.q(`SELECT state FROM tickets WHERE session_id = ?`), sessionID)
	if err != nil {
		return 0, 0, apperror.Internal("count tickets", err)
	}
	defer rows.Close()
	nonTerminal, done := 0, 0
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return 0, 0, apperror.Internal("scan ticket state", err)
		}
		st := ticket.State(state)
		if st.Terminal() {
			if st == ticket.StateDone {
				done++
			}
		} else {
			nonTerminal++
		}
	}
	return nonTerminal, done, rows.Err()
}

func (s *Store) ReapExpiredLeases(ctx context.Context, now time.Time, backoff func(retryCount int) time.Duration) ([]ticket.Ticket, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperror.Internal("begin transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.q(`
		SELECT `+ticketColumns+` FROM tickets
		WHERE state IN ('assigned','in_progress','verifying') AND lease_expires IS NOT NULL AND lease_expires <= ?
	`), s.d.TimeArg(now))
	if err != nil {
		return nil, apperror.Internal("list expired leases", err)
	}
	var expired []ticket.Ticket
	for rows.Next() {
		t, err := s.scanTicket(rows)
		if err != nil {
			rows.Close()
			return nil, apperror.Internal("scan expired ticket", err)
		}
		expired = append(expired, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperror.Internal("list expired leases", err)
	}

	var reaped []ticket.Ticket
	for _, t := range expired {
		retryCount := t.RetryCount + 1
		retryAfter := now.Add(backoff(retryCount))
		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE tickets SET state = 'ready', retry_count = ?, retry_after = ?, lease_expires = NULL,
				assignee_id = NULL, last_heartbeat = NULL, updated_at = ? WHERE id = ?
		`), retryCount, s.d.TimeArg(retryAfter), s.d.TimeArg(now), t.ID); err != nil {
			return nil, apperror.Internal("reap lease", err)
		}
		if _, err := s.insertEventTx(ctx, tx, event.Event{
			TicketID: t.ID,
			Type:     event.TypeLeaseExpired,
			Payload:  map[string]any{"retry_count": retryCount},
		}); err != nil {
			return nil, err
		}
		t.State = ticket.StateReady
		t.RetryCount = retryCount
		t.RetryAfter = &retryAfter
		t.LeaseExpires = nil
		t.AssigneeID = nil
		t.LastHeartbeat = nil
		reaped = append(reaped, t)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperror.Internal("commit transaction", err)
	}
	return reaped, nil
}

func (s *Store) ListActivity(ctx context.Context, tenantID, ticketID string, limit int) ([]event.Event, error) {
	if tenantID != "" {
		if _, err := s.GetTicket(ctx, tenantID, ticketID); err != nil {
			return nil, err
		}
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, session_id, ticket_id, type, payload, created_at FROM events
		WHERE ticket_id = ? ORDER BY created_at
	`), ticketID)
	if err != nil {
		return nil, apperror.Internal("list activity", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		ev, err := s.scanEvent(rows)
		if err != nil {
			return nil, apperror.Internal("scan event", err)
		}
		out = append(out, ev)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, rows.Err()
}

func (s *Store) RecordActivity(ctx context.Context, ev event.Event) (event.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, apperror.Internal("begin transaction", err)
	}
	defer tx.Rollback()
	ev, err = s.insertEventTx(ctx, tx, ev)
	if err != nil {
		return event.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return event.Event{}, apperror.Internal("commit transaction", err)
	}
	return ev, nil
}

func (s *Store) CountNonTerminal(ctx context.Context, sessionID string) (int, int, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT state FROM tickets WHERE session_id = ?`), sessionID)
	if err != nil {
		return 0, 0, apperror.Internal("count tickets", err)
	}
	defer rows.Close()
	nonTerminal, done := 0, 0
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return 0, 0, apperror.Internal("scan ticket state", err)
		}
		st := ticket.State(state)
		if st.Terminal() {
			if st == ticket.StateDone {
				done++
			}
		} else {
			nonTerminal++
		}
	}
	return nonTerminal, done, rows.Err()
}

// insertEventTx normalizes and persists ev, returning the normalized copy
// (with ID/CreatedAt filled in) so callers that need to surface it as a
// derived event, such as Transition's successor-unblock and
// session-completion paths, don't have to duplicate the normalization.
func (s *Store) insertEventTx(ctx context.Context, tx *sql.Tx, ev event.Event) (event.Event, error) {
	if ev.ID == "" {
		ev.ID = newID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO events (id, session_id, ticket_id, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), ev.ID, ev.SessionID, ev.TicketID, string(ev.Type), marshalJSON(ev.Payload), s.d.TimeArg(ev.CreatedAt))
	if err != nil {
		return event.Event{}, apperror.Internal("insert event", err)
	}
	return ev, nil
}

func (s *Store) scanEvent(row interface{ Scan(dest ...any) error }) (event.Event, error) {
	var (
		ev        event.Event
		typ       string
		payload   []byte
		createdAt any
	)
	if err := row.Scan(&ev.ID, &ev.SessionID, &ev.TicketID, &typ, &payload, &createdAt); err != nil {
		return event.Event{}, err
	}
	ev.Type = event.Type(typ)
	unmarshalJSON(payload, &ev.Payload)
	ev.CreatedAt = s.scanTime(createdAt)
	return ev, nil
}

// --- ApprovalStore -----------------------------------------------------------

func (s *Store) CreateApproval(ctx context.Context, a approval.Approval) (approval.Approval, error) {
	if a.ID == "" {
		a.ID = newID()
	}
	a.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO approvals (id, session_id, type, target_action, context, status, resolver_id, resolved_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), a.ID, a.SessionID, string(a.Type), a.TargetAction, marshalJSON(a.Context), string(a.Status),
		a.ResolverID, s.nullTimePtr(a.ResolvedAt), s.d.TimeArg(a.CreatedAt))
	if err != nil {
		return approval.Approval{}, apperror.Internal("create approval", err)
	}
	return a, nil
}

func (s *Store) ResolveApproval(ctx context.Context, id string, status approval.Status, resolverID string) (approval.Approval, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE approvals SET status = ?, resolver_id = ?, resolved_at = ? WHERE id = ? AND status = 'pending'
	`), string(status), resolverID, s.d.TimeArg(now), id)
	if err != nil {
		return approval.Approval{}, apperror.Internal("resolve approval", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		if _, err := s.GetApproval(ctx, id); err != nil {
			return approval.Approval{}, err
		}
		return approval.Approval{}, apperror.StateConflict("approval already resolved", "")
	}
	return s.GetApproval(ctx, id)
}

func (s *Store) GetApproval(ctx context.Context, id string) (approval.Approval, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, session_id, type, target_action, context, status, resolver_id, resolved_at, created_at
		FROM approvals WHERE id = ?
	`), id)
	a, err := s.scanApproval(row)
	if err == sql.ErrNoRows {
		return approval.Approval{}, apperror.NotFound("approval not found")
	}
	if err != nil {
		return approval.Approval{}, apperror.Internal("get approval", err)
	}
	return a, nil
}

func (s *Store) ListApprovals(ctx context.Context, sessionID string) ([]approval.Approval, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, session_id, type, target_action, context, status, resolver_id, resolved_at, created_at
		FROM approvals WHERE session_id = ? ORDER BY created_at
	`), sessionID)
	if err != nil {
		return nil, apperror.Internal("list approvals", err)
	}
	defer rows.Close()
	var out []approval.Approval
	for rows.Next() {
		a, err := s.scanApproval(rows)
		if err != nil {
			return nil, apperror.Internal("scan approval", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) scanApproval(row interface{ Scan(dest ...any) error }) (approval.Approval, error) {
	var (
		a            approval.Approval
		typ          string
		context      []byte
		status       string
		resolverID   sql.NullString
		resolvedAt   any
		createdAt    any
	)
	if err := row.Scan(&a.ID, &a.SessionID, &typ, &a.TargetAction, &context, &status, &resolverID, &resolvedAt, &createdAt); err != nil {
		return approval.Approval{}, err
	}
	a.Type = approval.Type(typ)
	a.Status = approval.Status(status)
	unmarshalJSON(context, &a.Context)
	if resolverID.Valid {
		a.ResolverID = &resolverID.String
	}
	a.ResolvedAt = s.scanTimePtr(resolvedAt)
	a.CreatedAt = s.scanTime(createdAt)
	return a, nil
}

// --- EventStore ---------------------------------------------------------------

func (s *Store) ListEvents(ctx context.Context, room event.Room, since time.Time, limit int) ([]event.Event, error) {
	sessionID, ticketID := roomKeys(room)
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, session_id, ticket_id, type, payload, created_at FROM events
		WHERE ((? = '' OR session_id = ?) AND (? = '' OR ticket_id = ?))
			AND (? IS NULL OR created_at > ?)
		ORDER BY created_at
	`), sessionID, sessionID, ticketID, ticketID, s.nullTime(since), s.nullTime(since))
	if err != nil {
		return nil, apperror.Internal("list events", err)
	}
	defer rows.Close()
	var out []event.Event
	for rows.Next() {
		ev, err := s.scanEvent(rows)
		if err != nil {
			return nil, apperror.Internal("scan event", err)
		}
		out = append(out, ev)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, rows.Err()
}

// roomKeys splits a Room back into the session/ticket id it was derived
// from by event.SessionRoom / event.TicketRoom.
func roomKeys(room event.Room) (sessionID, ticketID string) {
	s := string(room)
	switch {
	case len(s) > 8 && s[:8] == "session:":
		return s[8:], ""
	case len(s) > 7 && s[:7] == "ticket:":
		return "", s[7:]
	default:
		return "", ""
	}
}
