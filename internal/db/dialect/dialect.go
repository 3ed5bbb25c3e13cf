// Package dialect papers over the SQL differences between the sqlite and
// postgres drivers the storage layer runs on.
package dialect

// Driver names as registered with database/sql.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether the driver name is the pgx driver.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt maps a bool onto the 0/1 encoding both drivers store.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
