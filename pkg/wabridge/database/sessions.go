package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sessionColumns = `tenant_id, state, pairing_code, phone_identity, linked_at, last_activity_at, created_at`

// GetSession returns the tenant's session or ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, tenantID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+sessionColumns+` FROM whatsapp_sessions WHERE tenant_id = ?`), tenantID)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", tenantID, err)
	}
	return sess, nil
}

// ListSessions returns every session row ordered by tenant.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM whatsapp_sessions ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// ResetSession creates the tenant's session or resets it to PENDING with no
// pairing code. This is the explicit re-initiation path.
func (s *Store) ResetSession(ctx context.Context, tenantID string, now time.Time) error {
	return s.withRetry(ctx, "reset session", func() error {
		_, err := s.db.ExecContext(ctx, s.q(`
			INSERT INTO whatsapp_sessions (tenant_id, state, pairing_code, last_activity_at, created_at)
			VALUES (?, ?, NULL, ?, ?)
			ON CONFLICT (tenant_id) DO UPDATE SET
				state = excluded.state,
				pairing_code = NULL,
				last_activity_at = excluded.last_activity_at`),
			tenantID, string(StatePending), toMillis(now), toMillis(now))
		return err
	})
}

// SavePairingCode stores a fresh pairing code and marks the session PENDING,
// superseding any previous code.
func (s *Store) SavePairingCode(ctx context.Context, tenantID, code string, now time.Time) error {
	return s.withRetry(ctx, "save pairing code", func() error {
		_, err := s.db.ExecContext(ctx, s.q(`
			INSERT INTO whatsapp_sessions (tenant_id, state, pairing_code, last_activity_at, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id) DO UPDATE SET
				state = excluded.state,
				pairing_code = excluded.pairing_code,
				last_activity_at = excluded.last_activity_at`),
			tenantID, string(StatePending), code, toMillis(now), toMillis(now))
		return err
	})
}

// MarkActive records a completed handshake: phone identity stored, pairing
// code cleared, state ACTIVE.
func (s *Store) MarkActive(ctx context.Context, tenantID, phone string, now time.Time) error {
	return s.withRetry(ctx, "mark session active", func() error {
		_, err := s.db.ExecContext(ctx, s.q(`
			INSERT INTO whatsapp_sessions (tenant_id, state, pairing_code, phone_identity, linked_at, last_activity_at, created_at)
			VALUES (?, ?, NULL, ?, ?, ?, ?)
			ON CONFLICT (tenant_id) DO UPDATE SET
				state = excluded.state,
				pairing_code = NULL,
				phone_identity = excluded.phone_identity,
				linked_at = excluded.linked_at,
				last_activity_at = excluded.last_activity_at`),
			tenantID, string(StateActive), nullString(phone), toMillis(now), toMillis(now), toMillis(now))
		return err
	})
}

// SetSessionState moves an existing session to state and clears the pairing
// code. DISCONNECTED also clears the phone identity, since the device is no
// longer linked. Missing rows are not created.
func (s *Store) SetSessionState(ctx context.Context, tenantID string, state SessionState, now time.Time) error {
	if !state.Valid() {
		return fmt.Errorf("invalid session state %q", state)
	}
	query := `
		UPDATE whatsapp_sessions
		SET state = ?, pairing_code = NULL, last_activity_at = ?
		WHERE tenant_id = ?`
	if state == StateDisconnected {
		query = `
		UPDATE whatsapp_sessions
		SET state = ?, pairing_code = NULL, phone_identity = NULL, last_activity_at = ?
		WHERE tenant_id = ?`
	}
	return s.withRetry(ctx, "set session state", func() error {
		_, err := s.db.ExecContext(ctx, s.q(query), string(state), toMillis(now), tenantID)
		return err
	})
}

// TouchSession updates last_activity_at.
func (s *Store) TouchSession(ctx context.Context, tenantID string, now time.Time) error {
	return s.withRetry(ctx, "touch session", func() error {
		_, err := s.db.ExecContext(ctx,
			s.q(`UPDATE whatsapp_sessions SET last_activity_at = ? WHERE tenant_id = ?`),
			toMillis(now), tenantID)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess         Session
		state        string
		code, phone  sql.NullString
		linked, last sql.NullInt64
		created      int64
	)
	if err := row.Scan(&sess.TenantID, &state, &code, &phone, &linked, &last, &created); err != nil {
		return nil, err
	}
	sess.State = SessionState(state)
	sess.PairingCode = code.String
	sess.PhoneIdentity = phone.String
	sess.LinkedAt = fromMillis(linked.Int64)
	sess.LastActivityAt = fromMillis(last.Int64)
	sess.CreatedAt = fromMillis(created)
	return &sess, nil
}
