package database

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// TestPostgresEnvVar names the environment variable holding the connection string of the Postgres instance used by
// database tests. Tests that need a database should skip when it is unset.
const TestPostgresEnvVar = "PERFCI_TEST_POSTGRES"

// TestConnectionString returns the connection string for database tests and whether one is configured.
func TestConnectionString() (string, bool) {
	return os.LookupEnv(TestPostgresEnvVar)
}

// WithTestDb spins up a dedicated Postgres database for testing, applies migrations and drops it afterwards.
//
//	migrations: perform the list of migrations before entering the action callback
//	action: callback for client code
func WithTestDb(migrations []Migration, action func(db *pgxpool.Pool) error) error {
	ctx := context.Background()

	connectionString, ok := TestConnectionString()
	if !ok {
		return errors.Errorf("%s is not set", TestPostgresEnvVar)
	}

	// Connect and create a dedicated database for the test
	dbName := "test_" + uuid.NewString()[:8]
	db, err := pgx.Connect(ctx, connectionString)
	if err != nil {
		return errors.WithStack(err)
	}
	defer db.Close(ctx)

	_, err = db.Exec(ctx, "CREATE DATABASE "+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	// Connect again: this time to the database we just created. This is the database we use for tests
	testDbPool, err := pgxpool.New(ctx, connectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}

	defer func() {
		testDbPool.Close()

		// disconnect all db user before cleanup
		_, err = db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			fmt.Println("Failed to disconnect users")
		}

		_, err = db.Exec(ctx, "DROP DATABASE "+dbName)
		if err != nil {
			fmt.Println("Failed to drop database")
		}
	}()

	err = UpdateDatabase(ctx, testDbPool, migrations)
	if err != nil {
		return errors.WithStack(err)
	}

	return action(testDbPool)
}
