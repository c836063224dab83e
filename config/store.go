package config

import (
	"database/sql"
	"time"

	"github.com/juju/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rekaland/tablesync/storage"
	"github.com/rekaland/tablesync/storage/service"
)

// OpenStore opens the store selected by the backend section. The returned
// function releases its connection.
func (b BackendConfig) OpenStore(errorChan chan<- error) (storage.Store, func() error, error) {
	if err := b.Validate(); err != nil {
		return nil, nil, errors.Trace(err)
	}
	interval := time.Duration(b.SyncInterval)
	noop := func() error { return nil }

	switch b.Kind {
	case BackendSQLite, BackendPostgres:
		var (
			db  *sql.DB
			err error
		)
		if b.Kind == BackendSQLite {
			db, err = storage.OpenSQLite(b.Path)
		} else {
			db, err = storage.OpenPostgres(b.DSN)
		}
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		sqlConfig := storage.SQLConfig{DB: db, SyncInterval: interval, ErrorChan: errorChan}
		var store *storage.SQLStore
		if b.Kind == BackendSQLite {
			store, err = storage.NewSQLiteStorage(sqlConfig)
		} else {
			store, err = storage.NewPostgresStorage(sqlConfig)
		}
		if err != nil {
			_ = db.Close()
			return nil, nil, errors.Trace(err)
		}
		return store, db.Close, nil

	case BackendGit:
		store, err := storage.NewGitRepository(storage.GitRepositoryConfig{
			RepoPath:     b.RepoPath,
			Push:         b.Push,
			SyncInterval: interval,
			ErrorChan:    errorChan,
		})
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		return store, noop, nil

	case BackendS3:
		store, err := storage.NewS3Storage(storage.S3StorageConfig{
			Endpoint:     b.S3.Endpoint,
			Region:       b.S3.Region,
			AccessKey:    b.S3.AccessKey,
			SecretKey:    b.S3.SecretKey,
			Bucket:       b.S3.Bucket,
			SyncInterval: interval,
			ErrorChan:    errorChan,
		})
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		return store, noop, nil
	}

	conn, err := grpc.Dial(b.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, errors.Annotatef(err, "dialing %s", b.Address)
	}
	return service.NewClient(conn), conn.Close, nil
}
