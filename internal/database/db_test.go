package database

import (
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	dsn := DSN(Options{User: "booking", Pass: "pw", Host: "db", Port: "3306", Name: "courses", LockWait: 5 * time.Second})

	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "booking", cfg.User)
	assert.Equal(t, "db:3306", cfg.Addr)
	assert.Equal(t, "courses", cfg.DBName)
	assert.True(t, cfg.ParseTime)
	assert.True(t, cfg.ClientFoundRows)
	assert.Equal(t, time.UTC, cfg.Loc)
	assert.Equal(t, "5", cfg.Params["innodb_lock_wait_timeout"])
}

func TestDSN_NoLockWait(t *testing.T) {
	cfg, err := mysql.ParseDSN(DSN(Options{User: "u", Host: "localhost", Port: "3306", Name: "d"}))
	require.NoError(t, err)
	_, ok := cfg.Params["innodb_lock_wait_timeout"]
	assert.False(t, ok)
}
