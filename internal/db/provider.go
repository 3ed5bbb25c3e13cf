package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/relayd/relayd/internal/common/config"
)

// Open builds a Pool from configuration. For sqlite it opens a single-writer
// connection plus a read-only pool; for postgres one pool serves both roles.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case "sqlite":
		path := expandHome(cfg.Path)
		writer, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil

	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)
		conn, err := OpenPostgres(dsn, cfg.MaxConns, 0)
		if err != nil {
			return nil, err
		}
		pool := sqlx.NewDb(conn, "pgx")
		return NewPool(pool, pool), nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
