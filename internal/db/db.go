package db

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

var (
	DB *sqlx.DB
)

const (
	connectAttempts = 10
	connectBackoff  = 500 * time.Millisecond
	maxBackoff      = 8 * time.Second
)

// Init opens the Postgres pool, retrying with doubling backoff while the
// database comes up, and assigns it to DB.
func Init(databaseURL string) error {
	conn, err := connect(databaseURL, connectAttempts)
	if err != nil {
		return err
	}
	// redirect lookups are short; the flush worker holds one connection per batch
	conn.SetMaxOpenConns(20)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(30 * time.Minute)
	DB = conn
	return nil
}

func connect(databaseURL string, attempts int) (*sqlx.DB, error) {
	wait := connectBackoff
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var conn *sqlx.DB
		if conn, err = sqlx.Connect("postgres", databaseURL); err == nil {
			log.Info().Int("attempt", attempt).Msg("connected to database")
			return conn, nil
		}
		if attempt == attempts {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("database not reachable")
		time.Sleep(wait)
		wait = min(wait*2, maxBackoff)
	}
	return nil, fmt.Errorf("database unreachable after %d attempts: %w", attempts, err)
}
