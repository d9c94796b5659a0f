package pg

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	pkgerrors "github.com/pkg/errors"

	"pgflow/logger"
	"pgflow/utils"
)

const connectRetries = 3

type Syncer struct {
	db *sql.DB
}

func getDBConnection(dbInfo string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dbInfo)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "could not open Postgres connection")
	}
	return db, nil
}

func NewSyncer(dbInfo string) (*Syncer, error) {
	db, err := getDBConnection(dbInfo)
	if err != nil {
		return nil, err
	}

	alive := db.Ping()
	for i := 0; alive != nil && i < connectRetries; i++ {
		logger.Warn("Connection to Postgres not alive: %s. Waiting for 5s...", alive.Error())
		time.Sleep(5 * time.Second)
		alive = db.Ping()
	}
	if alive != nil {
		db.Close()
		return nil, pkgerrors.Wrap(alive, "could not reach Postgres")
	}

	return &Syncer{db: db}, nil
}

// NewDefaultSyncer reads the connection options from the environment.
func NewDefaultSyncer() (*Syncer, error) {
	return NewSyncer(utils.GetConfig().DbConnectionOptions)
}

// NewConnection pins a single connection for exclusive use by one transaction
// coordinator. The caller must Close it once the transaction's terminal future
// has settled.
func (syncer *Syncer) NewConnection(ctx context.Context) (*Conn, error) {
	conn, err := syncer.db.Conn(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "could not pin Postgres connection")
	}
	return NewConn(ctx, conn), nil
}

func (syncer *Syncer) Close() error {
	return syncer.db.Close()
}
