package db

import (
	"github.com/pkg/errors"

	"github.com/courseloop/courseloop/internal/profile"
	"github.com/courseloop/courseloop/store"
	"github.com/courseloop/courseloop/store/db/postgres"
	"github.com/courseloop/courseloop/store/db/sqlite"
)

// NewDBDriver creates a new db driver based on profile.
//
// SQLite serves development and single-user deployments; PostgreSQL is the
// reference implementation for anything multi-user.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	var driver store.Driver
	var err error

	switch profile.Driver {
	case "sqlite":
		driver, err = sqlite.NewDB(profile)
	case "postgres":
		driver, err = postgres.NewDB(profile)
	default:
		return nil, errors.Errorf("unknown db driver %q: only 'postgres' and 'sqlite' are supported", profile.Driver)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create db driver")
	}
	return driver, nil
}
