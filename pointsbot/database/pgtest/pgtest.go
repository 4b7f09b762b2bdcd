// Package pgtest provisions throwaway Postgres databases for tests that
// need real storage. Tests skip unless POINTSBOT_TEST_DSN points at a
// server the suite may create and drop databases on.
package pgtest

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/aiclub-dev/pointsbot/pointsbot/database"
)

const dsnEnv = "POINTSBOT_TEST_DSN"

// New creates a uniquely named database on the server POINTSBOT_TEST_DSN
// points at, initializes the schema, and returns a connected handle. The
// database is dropped on cleanup.
func New(t *testing.T) *database.DB {
	t.Helper()

	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set, skipping storage test", dsnEnv)
	}

	u, err := url.Parse(dsn)
	if err != nil {
		t.Fatalf("parse %s: %v", dsnEnv, err)
	}

	admin := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	dbName := uniqueDBName(t.Name())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := admin.ExecContext(ctx,
		fmt.Sprintf(`CREATE DATABASE "%s" WITH TEMPLATE template0 ENCODING 'UTF8'`, dbName)); err != nil {
		_ = admin.Close()
		t.Fatalf("create database: %v", err)
	}

	dropDB := func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dcancel()
		_, _ = admin.ExecContext(dctx,
			fmt.Sprintf(`DROP DATABASE IF EXISTS "%s" WITH (FORCE)`, dbName))
		_ = admin.Close()
	}

	db, err := database.New(ctx, configFromURL(t, u, dbName))
	if err != nil {
		dropDB()
		t.Fatalf("connect test database: %v", err)
	}
	if err := db.InitializeSchema(ctx); err != nil {
		db.Close()
		dropDB()
		t.Fatalf("initialize schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
		time.Sleep(50 * time.Millisecond)
		dropDB()
	})

	return db
}

func configFromURL(t *testing.T, u *url.URL, dbName string) database.DBConfig {
	t.Helper()

	port := 5432
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			t.Fatalf("bad port in %s: %v", dsnEnv, err)
		}
		port = n
	}
	password, _ := u.User.Password()

	return database.DBConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		Database: dbName,
	}
}

func uniqueDBName(testName string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(testName))
	var rnd [6]byte
	_, _ = rand.Read(rnd[:])
	return sanitizeForPgIdent(
		fmt.Sprintf("pointsbot_%08x_%s", h.Sum32(), hex.EncodeToString(rnd[:])))
}

func sanitizeForPgIdent(s string) string {
	s = strings.ToLower(s)
	repl := strings.NewReplacer("/", "_", "\\", "_", " ", "_", ":", "_")
	s = repl.Replace(s)
	if len(s) <= 63 {
		return s
	}
	return s[:31] + "_" + s[len(s)-31:]
}
