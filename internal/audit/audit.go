// Package audit records security-relevant state transitions (session
// revocation, refresh rejection, post cancellation) to the audit_log
// table, written by the same transaction as the mutation it describes.
package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// Execer is the subset of *sql.DB/*sql.Tx audit.Insert needs, so callers can
// pass either a bare connection or a transaction in progress.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Insert writes one audit_log row. userID may be empty (the row's user_id
// goes NULL) for actions not tied to a specific acting user.
func Insert(ctx context.Context, exec Execer, userID, entityType, entityID, action, detail string) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO audit_log (user_id, entity_type, entity_id, action, detail)
		VALUES ($1, $2, $3, $4, $5)
	`, nullableString(userID), entityType, entityID, action, nullableString(detail))
	if err != nil {
		return fmt.Errorf("inserting audit log entry: %w", err)
	}
	return nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
