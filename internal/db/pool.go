package db

import "github.com/jmoiron/sqlx"

// Pool pairs a write connection with a read pool.
//
// Sqlite in WAL mode wants exactly one writer (anything more trades
// SQLITE_BUSY errors back and forth) while reads fan out over their own
// read-only connections. Postgres needs no such split, so there both sides
// are the same *sqlx.DB.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps the two sides. Passing the same handle twice is valid.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer is the connection for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the pool for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides, tolerating the shared-handle case.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && err == nil {
			err = rErr
		}
	}
	return err
}
