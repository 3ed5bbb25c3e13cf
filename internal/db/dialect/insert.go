package dialect

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// InsertReturningID runs an INSERT and yields the generated row id. Postgres
// has no LastInsertId, so there the statement grows a RETURNING clause and
// the id is scanned; sqlite takes it from the exec result.
func InsertReturningID(ctx context.Context, db *sqlx.DB, query string, args ...any) (int64, error) {
	if IsPostgres(db.DriverName()) {
		var id int64
		if err := db.QueryRowContext(ctx, db.Rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert returning id: %w", err)
		}
		return id, nil
	}

	result, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}
