package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/familyhub/familyhub/internal/platform/db"
)

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db   dbtx
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool, pool: pool}
}

// WithTx runs fn inside one repeatable-read transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(context.Context, *PostgresStore) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &PostgresStore{db: tx, pool: s.pool})
	})
}

// withLockedTx runs fn in a read-committed transaction so statements issued after
// an advisory lock is granted see rows committed while waiting for it.
func (s *PostgresStore) withLockedTx(ctx context.Context, fn func(context.Context, *PostgresStore) error) error {
	return db.WithTxOptions(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &PostgresStore{db: tx, pool: s.pool})
	})
}

const assignmentColumns = `a.id, a.user_id, a.role_id, r.type, a.granted_by, a.reason, a.valid_from, a.valid_until,
	a.state, a.schedule, a.scopes, a.revoked_by, a.revoked_at, a.created_at`

const delegationColumns = `id, from_user_id, to_user_id, role_id, valid_from, valid_until, reason, scopes,
	permissions, state, requires_approval, decided_by, decided_at, created_at`

const overrideColumns = `id, triggered_by, affected_user_id, reason, duration_minutes, permissions, notified_user_ids,
	justification, activated_at, expires_at, deactivated_at, deactivated_by`

func (s *PostgresStore) EntityFamilies(ctx context.Context, resourceType string, entityID uuid.UUID) ([]uuid.UUID, error) {
	if resourceType == ResourceFamily {
		return []uuid.UUID{entityID}, nil
	}
	rows, err := s.db.Query(ctx, `SELECT family_id FROM family_members WHERE entity_id = $1`, entityID)
	if err != nil {
		return nil, fmt.Errorf("rbac: entity families: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (s *PostgresStore) ActiveAssignmentsFor(ctx context.Context, userID uuid.UUID, at time.Time) ([]Assignment, error) {
	rows, err := s.db.Query(ctx, `SELECT `+assignmentColumns+`
		FROM role_assignments a JOIN roles r ON r.id = a.role_id
		WHERE a.user_id = $1 AND a.state = 'active' AND r.state = 'active'
		  AND a.valid_from <= $2 AND (a.valid_until IS NULL OR a.valid_until > $2)
		ORDER BY a.created_at, a.id`, userID, at)
	if err != nil {
		return nil, fmt.Errorf("rbac: active assignments: %w", err)
	}
	all, err := pgx.CollectRows(rows, scanAssignment)
	if err != nil {
		return nil, fmt.Errorf("rbac: scan assignments: %w", err)
	}
	out := all[:0]
	for _, a := range all {
		if a.Schedule == nil || a.Schedule.Contains(at) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *PostgresStore) ActiveDelegationsTo(ctx context.Context, userID uuid.UUID, at time.Time) ([]Delegation, error) {
	rows, err := s.db.Query(ctx, `SELECT `+delegationColumns+`
		FROM delegations d
		WHERE d.to_user_id = $1 AND d.state = 'active' AND d.valid_from <= $2 AND d.valid_until > $2
		  AND EXISTS (SELECT 1 FROM roles r WHERE r.id = d.role_id AND r.state = 'active')
		ORDER BY d.created_at, d.id`, userID, at)
	if err != nil {
		return nil, fmt.Errorf("rbac: active delegations: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanDelegation)
	if err != nil {
		return nil, fmt.Errorf("rbac: scan delegations: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ActiveOverrideFor(ctx context.Context, userID uuid.UUID, at time.Time) (*Override, error) {
	rows, err := s.db.Query(ctx, `SELECT `+overrideColumns+`
		FROM emergency_overrides
		WHERE affected_user_id = $1 AND deactivated_at IS NULL AND activated_at <= $2 AND expires_at > $2
		ORDER BY activated_at DESC LIMIT 1`, userID, at)
	if err != nil {
		return nil, fmt.Errorf("rbac: active override: %w", err)
	}
	o, err := pgx.CollectOneRow(rows, scanOverride)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("rbac: scan override: %w", err)
	}
	return &o, nil
}

func (s *PostgresStore) PermissionsOf(ctx context.Context, roleID uuid.UUID) ([]Permission, error) {
	rows, err := s.db.Query(ctx, `SELECT p.id, p.name, p.description
		FROM role_permissions rp JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1 ORDER BY p.name`, roleID)
	if err != nil {
		return nil, fmt.Errorf("rbac: role permissions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Permission, error) {
		var p Permission
		err := row.Scan(&p.ID, &p.Name, &p.Description)
		return p, err
	})
}

func (s *PostgresStore) NextChange(ctx context.Context, userID uuid.UUID, at time.Time) (time.Time, bool, error) {
	var next pgtype.Timestamptz
	err := s.db.QueryRow(ctx, `SELECT MIN(t) FROM (
			SELECT a.valid_from AS t FROM role_assignments a JOIN roles r ON r.id = a.role_id
			WHERE a.user_id = $1 AND a.state = 'active' AND r.state = 'active' AND a.valid_from > $2
			UNION ALL
			SELECT d.valid_from FROM delegations d
			WHERE d.to_user_id = $1 AND d.state = 'active' AND d.valid_from > $2
		) upcoming`, userID, at).Scan(&next)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("rbac: next change: %w", err)
	}
	best := time.Time{}
	if next.Valid {
		best = next.Time
	}

	rows, err := s.db.Query(ctx, `SELECT `+assignmentColumns+`
		FROM role_assignments a JOIN roles r ON r.id = a.role_id
		WHERE a.user_id = $1 AND a.state = 'active' AND r.state = 'active' AND a.schedule IS NOT NULL
		  AND a.valid_from <= $2 AND (a.valid_until IS NULL OR a.valid_until > $2)`, userID, at)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("rbac: scheduled assignments: %w", err)
	}
	scheduled, err := pgx.CollectRows(rows, scanAssignment)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("rbac: scan assignments: %w", err)
	}
	for _, a := range scheduled {
		if a.Schedule.Contains(at) {
			continue
		}
		start, ok := a.Schedule.NextStart(at)
		if !ok || (a.ValidUntil != nil && !start.Before(*a.ValidUntil)) {
			continue
		}
		if best.IsZero() || start.Before(best) {
			best = start
		}
	}
	return best, !best.IsZero(), nil
}

func (s *PostgresStore) GetRole(ctx context.Context, id uuid.UUID) (Role, error) {
	var r Role
	var typ, state string
	err := s.db.QueryRow(ctx, `SELECT id, type, name, state, created_at, updated_at FROM roles WHERE id = $1`, id).
		Scan(&r.ID, &typ, &r.Name, &state, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, fmt.Errorf("role %s: %w", id, ErrNotFound)
		}
		return Role{}, err
	}
	r.Type, r.State = RoleType(typ), RoleState(state)
	return r, nil
}

func (s *PostgresStore) GetAssignment(ctx context.Context, id uuid.UUID) (Assignment, error) {
	return s.getAssignment(ctx, id, "")
}

func (s *PostgresStore) getAssignment(ctx context.Context, id uuid.UUID, lock string) (Assignment, error) {
	rows, err := s.db.Query(ctx, `SELECT `+assignmentColumns+`
		FROM role_assignments a JOIN roles r ON r.id = a.role_id WHERE a.id = $1`+lock, id)
	if err != nil {
		return Assignment{}, err
	}
	a, err := pgx.CollectOneRow(rows, scanAssignment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, fmt.Errorf("assignment %s: %w", id, ErrNotFound)
		}
		return Assignment{}, err
	}
	return a, nil
}

func (s *PostgresStore) GetDelegation(ctx context.Context, id uuid.UUID) (Delegation, error) {
	return s.getDelegation(ctx, id, "")
}

func (s *PostgresStore) getDelegation(ctx context.Context, id uuid.UUID, lock string) (Delegation, error) {
	rows, err := s.db.Query(ctx, `SELECT `+delegationColumns+` FROM delegations WHERE id = $1`+lock, id)
	if err != nil {
		return Delegation{}, err
	}
	d, err := pgx.CollectOneRow(rows, scanDelegation)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Delegation{}, fmt.Errorf("delegation %s: %w", id, ErrNotFound)
		}
		return Delegation{}, err
	}
	return d, nil
}

func (s *PostgresStore) GetOverride(ctx context.Context, id uuid.UUID) (Override, error) {
	return s.getOverride(ctx, id, "")
}

func (s *PostgresStore) getOverride(ctx context.Context, id uuid.UUID, lock string) (Override, error) {
	rows, err := s.db.Query(ctx, `SELECT `+overrideColumns+` FROM emergency_overrides WHERE id = $1`+lock, id)
	if err != nil {
		return Override{}, err
	}
	o, err := pgx.CollectOneRow(rows, scanOverride)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Override{}, fmt.Errorf("override %s: %w", id, ErrNotFound)
		}
		return Override{}, err
	}
	return o, nil
}

func (s *PostgresStore) CreateAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	if err := a.Validate(); err != nil {
		return Assignment{}, err
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	scopes, err := json.Marshal(a.Scopes)
	if err != nil {
		return Assignment{}, err
	}
	var schedule []byte
	if a.Schedule != nil {
		if schedule, err = json.Marshal(a.Schedule); err != nil {
			return Assignment{}, err
		}
	}
	var created Assignment
	err = s.WithTx(ctx, func(ctx context.Context, tx *PostgresStore) error {
		_, err := tx.db.Exec(ctx, `INSERT INTO role_assignments
			(id, user_id, role_id, granted_by, reason, valid_from, valid_until, state, schedule, scopes, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'active', $8, $9, $10)`,
			a.ID, a.UserID, a.RoleID, a.GrantedBy, a.Reason, a.ValidFrom, optionalTime(a.ValidUntil), schedule, scopes, a.CreatedAt)
		if err != nil {
			return mapWriteError(err, "role", a.RoleID)
		}
		created, err = tx.GetAssignment(ctx, a.ID)
		return err
	})
	return created, err
}

func (s *PostgresStore) RevokeAssignment(ctx context.Context, id, revokedBy uuid.UUID, at time.Time) (Assignment, error) {
	var revoked Assignment
	err := s.WithTx(ctx, func(ctx context.Context, tx *PostgresStore) error {
		current, err := tx.getAssignment(ctx, id, " FOR UPDATE OF a")
		if err != nil {
			return err
		}
		if current.State == AssignmentRevoked {
			return fmt.Errorf("assignment %s already revoked: %w", id, ErrConflict)
		}
		if _, err := tx.db.Exec(ctx, `UPDATE role_assignments SET state = 'revoked', revoked_by = $2, revoked_at = $3 WHERE id = $1`,
			id, revokedBy, at); err != nil {
			return err
		}
		revoked, err = tx.GetAssignment(ctx, id)
		return err
	})
	return revoked, err
}

func (s *PostgresStore) CreateDelegation(ctx context.Context, d Delegation) (Delegation, error) {
	if err := d.Validate(); err != nil {
		return Delegation{}, err
	}
	if d.State != DelegationPending && d.State != DelegationActive {
		return Delegation{}, validationf("new delegation must be pending or active")
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	scopes, err := json.Marshal(d.Scopes)
	if err != nil {
		return Delegation{}, err
	}
	perms := d.Permissions
	if perms == nil {
		perms = []string{}
	}
	_, err = s.db.Exec(ctx, `INSERT INTO delegations
		(id, from_user_id, to_user_id, role_id, valid_from, valid_until, reason, scopes, permissions, state, requires_approval, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.FromUserID, d.ToUserID, d.RoleID, d.ValidFrom, d.ValidUntil, d.Reason, scopes, perms, string(d.State), d.RequiresApproval, d.CreatedAt)
	if err != nil {
		return Delegation{}, mapWriteError(err, "role", d.RoleID)
	}
	return s.GetDelegation(ctx, d.ID)
}

func (s *PostgresStore) SetDelegationState(ctx context.Context, id uuid.UUID, next DelegationState, decidedBy uuid.UUID, at time.Time) (Delegation, error) {
	var updated Delegation
	err := s.WithTx(ctx, func(ctx context.Context, tx *PostgresStore) error {
		current, err := tx.getDelegation(ctx, id, " FOR UPDATE")
		if err != nil {
			return err
		}
		if !current.State.CanTransitionTo(next) {
			return fmt.Errorf("delegation %s is %s, cannot become %s: %w", id, current.State, next, ErrConflict)
		}
		if _, err := tx.db.Exec(ctx, `UPDATE delegations SET state = $2, decided_by = $3, decided_at = $4 WHERE id = $1`,
			id, string(next), decidedBy, at); err != nil {
			return err
		}
		updated, err = tx.GetDelegation(ctx, id)
		return err
	})
	return updated, err
}

func (s *PostgresStore) ActivateOverride(ctx context.Context, o Override) (Override, error) {
	if err := o.Validate(); err != nil {
		return Override{}, err
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	var created Override
	err := s.withLockedTx(ctx, func(ctx context.Context, tx *PostgresStore) error {
		// Serializes activations per affected user for the rest of the transaction.
		if _, err := tx.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, o.AffectedUserID.String()); err != nil {
			return err
		}
		var existing uuid.UUID
		err := tx.db.QueryRow(ctx, `SELECT id FROM emergency_overrides
			WHERE affected_user_id = $1 AND deactivated_at IS NULL AND activated_at <= $2 AND expires_at > $2
			LIMIT 1`, o.AffectedUserID, o.ActivatedAt).Scan(&existing)
		switch {
		case err == nil:
			return fmt.Errorf("user %s already has active override %s: %w", o.AffectedUserID, existing, ErrConflict)
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}
		if _, err := tx.db.Exec(ctx, `INSERT INTO emergency_overrides
			(id, triggered_by, affected_user_id, reason, duration_minutes, permissions, notified_user_ids, justification, activated_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			o.ID, o.TriggeredBy, o.AffectedUserID, string(o.Reason), o.DurationMinutes, o.Permissions,
			toPgUUIDs(o.NotifiedUserIDs), o.Justification, o.ActivatedAt, o.ExpiresAt); err != nil {
			return err
		}
		created, err = tx.GetOverride(ctx, o.ID)
		return err
	})
	return created, err
}

func (s *PostgresStore) DeactivateOverride(ctx context.Context, id, deactivatedBy uuid.UUID, at time.Time) (Override, error) {
	var updated Override
	err := s.WithTx(ctx, func(ctx context.Context, tx *PostgresStore) error {
		current, err := tx.getOverride(ctx, id, " FOR UPDATE")
		if err != nil {
			return err
		}
		if current.DeactivatedAt != nil {
			return fmt.Errorf("override %s already deactivated: %w", id, ErrConflict)
		}
		if !at.Before(current.ExpiresAt) {
			return fmt.Errorf("override %s already expired: %w", id, ErrConflict)
		}
		if _, err := tx.db.Exec(ctx, `UPDATE emergency_overrides SET deactivated_at = $2, deactivated_by = $3 WHERE id = $1`,
			id, at, deactivatedBy); err != nil {
			return err
		}
		updated, err = tx.GetOverride(ctx, id)
		return err
	})
	return updated, err
}

func (s *PostgresStore) SetRolePermissions(ctx context.Context, roleID uuid.UUID, names []string) ([]Permission, error) {
	var perms []Permission
	err := s.WithTx(ctx, func(ctx context.Context, tx *PostgresStore) error {
		var locked uuid.UUID
		if err := tx.db.QueryRow(ctx, `SELECT id FROM roles WHERE id = $1 FOR UPDATE`, roleID).Scan(&locked); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("role %s: %w", roleID, ErrNotFound)
			}
			return err
		}
		if _, err := tx.db.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return err
		}
		for _, raw := range names {
			name := NormalizePermission(raw)
			if name == "" {
				continue
			}
			var p Permission
			if err := tx.db.QueryRow(ctx, `INSERT INTO permissions (id, name, description) VALUES ($1, $2, '')
				ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
				RETURNING id, name, description`, uuid.New(), name).Scan(&p.ID, &p.Name, &p.Description); err != nil {
				return err
			}
			if _, err := tx.db.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, roleID, p.ID); err != nil {
				return err
			}
			perms = append(perms, p)
		}
		_, err := tx.db.Exec(ctx, `UPDATE roles SET updated_at = NOW() WHERE id = $1`, roleID)
		return err
	})
	return perms, err
}

func (s *PostgresStore) ExpireStale(ctx context.Context, at time.Time) (SweepResult, error) {
	var res SweepResult
	err := s.WithTx(ctx, func(ctx context.Context, tx *PostgresStore) error {
		rows, err := tx.db.Query(ctx, `WITH expired AS (
				UPDATE role_assignments SET state = 'revoked', revoked_at = $1
				WHERE state = 'active' AND valid_until IS NOT NULL AND valid_until <= $1
				RETURNING *
			)
			SELECT `+assignmentColumns+` FROM expired a JOIN roles r ON r.id = a.role_id`, at)
		if err != nil {
			return err
		}
		if res.Assignments, err = pgx.CollectRows(rows, scanAssignment); err != nil {
			return err
		}
		rows, err = tx.db.Query(ctx, `UPDATE delegations SET state = 'expired', decided_at = $1
			WHERE state IN ('pending', 'active') AND valid_until <= $1
			RETURNING `+delegationColumns, at)
		if err != nil {
			return err
		}
		if res.Delegations, err = pgx.CollectRows(rows, scanDelegation); err != nil {
			return err
		}
		rows, err = tx.db.Query(ctx, `UPDATE emergency_overrides SET expiry_reported_at = $1
			WHERE deactivated_at IS NULL AND expires_at <= $1 AND expiry_reported_at IS NULL
			RETURNING `+overrideColumns, at)
		if err != nil {
			return err
		}
		res.Overrides, err = pgx.CollectRows(rows, scanOverride)
		return err
	})
	if err != nil {
		return SweepResult{}, fmt.Errorf("rbac: expire stale: %w", err)
	}
	return res, nil
}

// EnsureRole creates the role of the given type when missing and replaces its
// permission set. It returns the role id.
func (s *PostgresStore) EnsureRole(ctx context.Context, roleType RoleType, name string, perms []string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRow(ctx, `INSERT INTO roles (id, type, name, state) VALUES ($1, $2, $3, 'active')
		ON CONFLICT (name) DO UPDATE SET type = EXCLUDED.type
		RETURNING id`, uuid.New(), string(roleType), name).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("rbac: ensure role %s: %w", name, err)
	}
	if _, err := s.SetRolePermissions(ctx, id, perms); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// AddFamilyMember records entityID as a member of familyID.
func (s *PostgresStore) AddFamilyMember(ctx context.Context, familyID, entityID uuid.UUID, entityType string) error {
	_, err := s.db.Exec(ctx, `INSERT INTO family_members (family_id, entity_id, entity_type) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`, familyID, entityID, entityType)
	return err
}

func scanAssignment(row pgx.CollectableRow) (Assignment, error) {
	var (
		a                   Assignment
		roleType, state     string
		validUntil, revoked pgtype.Timestamptz
		revokedBy           pgtype.UUID
		schedule, scopes    []byte
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &roleType, &a.GrantedBy, &a.Reason, &a.ValidFrom, &validUntil,
		&state, &schedule, &scopes, &revokedBy, &revoked, &a.CreatedAt); err != nil {
		return Assignment{}, err
	}
	a.RoleType = RoleType(roleType)
	a.State = AssignmentState(state)
	a.ValidUntil = fromPgTime(validUntil)
	a.RevokedAt = fromPgTime(revoked)
	a.RevokedBy = fromPgUUID(revokedBy)
	a.Scopes = DecodeScopes(scopes)
	if len(schedule) > 0 && string(schedule) != "null" {
		var sched Schedule
		if err := json.Unmarshal(schedule, &sched); err != nil {
			// An unreadable schedule never opens.
			sched = Schedule{}
		}
		a.Schedule = &sched
	}
	return a, nil
}

func scanDelegation(row pgx.CollectableRow) (Delegation, error) {
	var (
		d         Delegation
		state     string
		scopes    []byte
		decidedBy pgtype.UUID
		decidedAt pgtype.Timestamptz
	)
	if err := row.Scan(&d.ID, &d.FromUserID, &d.ToUserID, &d.RoleID, &d.ValidFrom, &d.ValidUntil, &d.Reason, &scopes,
		&d.Permissions, &state, &d.RequiresApproval, &decidedBy, &decidedAt, &d.CreatedAt); err != nil {
		return Delegation{}, err
	}
	d.State = DelegationState(state)
	d.Scopes = DecodeScopes(scopes)
	d.DecidedBy = fromPgUUID(decidedBy)
	d.DecidedAt = fromPgTime(decidedAt)
	return d, nil
}

func scanOverride(row pgx.CollectableRow) (Override, error) {
	var (
		o             Override
		reason        string
		notified      []pgtype.UUID
		deactivatedAt pgtype.Timestamptz
		deactivatedBy pgtype.UUID
	)
	if err := row.Scan(&o.ID, &o.TriggeredBy, &o.AffectedUserID, &reason, &o.DurationMinutes, &o.Permissions, &notified,
		&o.Justification, &o.ActivatedAt, &o.ExpiresAt, &deactivatedAt, &deactivatedBy); err != nil {
		return Override{}, err
	}
	o.Reason = OverrideReason(reason)
	for _, n := range notified {
		if n.Valid {
			o.NotifiedUserIDs = append(o.NotifiedUserIDs, uuid.UUID(n.Bytes))
		}
	}
	o.DeactivatedAt = fromPgTime(deactivatedAt)
	o.DeactivatedBy = fromPgUUID(deactivatedBy)
	return o, nil
}

func mapWriteError(err error, entity string, id uuid.UUID) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgForeignKeyViolation:
			return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrConflict)
		}
	}
	return err
}

func optionalTime(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func fromPgTime(v pgtype.Timestamptz) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func fromPgUUID(v pgtype.UUID) *uuid.UUID {
	if !v.Valid {
		return nil
	}
	id := uuid.UUID(v.Bytes)
	return &id
}

func toPgUUIDs(ids []uuid.UUID) []pgtype.UUID {
	out := make([]pgtype.UUID, 0, len(ids))
	for _, id := range ids {
		out = append(out, pgtype.UUID{Bytes: id, Valid: true})
	}
	return out
}
