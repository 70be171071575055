// Package sqlstore opens the SQL databases behind the metadata stores, the sync
// queue and the SQL blob drivers.
//
// Four connection strategies exist: a local SQLite file, a direct MySQL
// connection, a MySQL connection routed through a local proxy port, and
// sharded variants of the MySQL strategies. Every store built on top of a DB
// issues plain "?" placeholder queries and asks the Dialect for the few
// column types that differ between engines.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-sql-driver/mysql"
	"golang.org/x/crypto/blake2b"
	_ "modernc.org/sqlite"
)

// Dialect selects engine specific DDL.
type Dialect int

const (
	SQLite Dialect = iota
	MySQL
)

func (d Dialect) String() string {
	if d == MySQL {
		return "mysql"
	}
	return "sqlite"
}

// AutoIncrementPK is the column definition of an auto-incrementing row id.
func (d Dialect) AutoIncrementPK() string {
	if d == MySQL {
		return "BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// KeyType is the column type of an indexable binary key.
func (d Dialect) KeyType() string {
	if d == MySQL {
		return "VARBINARY(255)"
	}
	return "BLOB"
}

// LongKeyType is the column type of an unindexed key of any length.
func (d Dialect) LongKeyType() string {
	if d == MySQL {
		return "VARBINARY(4096)"
	}
	return "BLOB"
}

// MaxKeyLen is the longest key a KeyType column holds verbatim.
const MaxKeyLen = 255

// IndexKey returns key as stored in a KeyType column. Keys longer than
// MaxKeyLen keep their head and end in "#" and the hash of the whole key.
func IndexKey(key string) []byte {
	if len(key) <= MaxKeyLen {
		return []byte(key)
	}
	sum := blake2b.Sum256([]byte(key))
	suffix := "#" + hex.EncodeToString(sum[:])
	return []byte(key[:MaxKeyLen-len(suffix)] + suffix)
}

// ValueType is the column type of an arbitrarily large binary value.
func (d Dialect) ValueType() string {
	if d == MySQL {
		return "LONGBLOB"
	}
	return "BLOB"
}

// DB is an open database together with its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
	// Name identifies the database in logs and cache namespaces.
	Name string
}

// EnsureSchema runs the given DDL statements in order.
func (db *DB) EnsureSchema(ctx context.Context, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema to %s: %w", db.Name, err)
		}
	}
	return nil
}

// OpenSQLite opens (or creates) the SQLite database at path.
// Use ":memory:" for a private in-memory database.
func OpenSQLite(path string) (*DB, error) {
	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	if inMemory {
		// Every connection to ":memory:" is a distinct database.
		db.SetMaxOpenConns(1)
	} else {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	return &DB{DB: db, Dialect: SQLite, Name: path}, nil
}

// OpenSQLiteInMemory opens a private in-memory database.
func OpenSQLiteInMemory() (*DB, error) {
	return OpenSQLite(":memory:")
}

// OpenMySQL opens a MySQL database from a driver DSN and verifies it is reachable.
func OpenMySQL(ctx context.Context, cfg *mysql.Config) (*DB, error) {
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	cfg.ParseTime = true

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql config: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach %s: %w", cfg.DBName, err)
	}
	return &DB{DB: db, Dialect: MySQL, Name: cfg.DBName}, nil
}

// RoutedConfig addresses database name through the local routing proxy.
func RoutedConfig(name string, port uint16) *mysql.Config {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("127.0.0.1:%d", port)
	cfg.DBName = name
	return cfg
}

// RemoteConfig turns a remote database address into a driver config.
// With a routing port the address is the database name served by the local
// proxy; otherwise it must be a full DSN.
func RemoteConfig(address string, routingPort *uint16) (*mysql.Config, error) {
	if routingPort != nil {
		return RoutedConfig(address, *routingPort), nil
	}
	cfg, err := mysql.ParseDSN(address)
	if err != nil {
		return nil, fmt.Errorf("invalid remote database address %q: %w", address, err)
	}
	return cfg, nil
}

// CacheNamespace names the database at address in cache keys without
// exposing credentials. Routed addresses are database names already; a DSN is
// reduced to its host and database, and anything unparseable to a hash.
func CacheNamespace(address string, routingPort *uint16) string {
	if routingPort != nil {
		return address
	}
	cfg, err := mysql.ParseDSN(address)
	if err != nil {
		sum := blake2b.Sum256([]byte(address))
		return "dsn-" + hex.EncodeToString(sum[:8])
	}
	return cfg.Addr + "/" + cfg.DBName
}

// OpenRemote opens the remote database at address, routed when a port is given.
func OpenRemote(ctx context.Context, address string, routingPort *uint16) (*DB, error) {
	cfg, err := RemoteConfig(address, routingPort)
	if err != nil {
		return nil, err
	}
	return OpenMySQL(ctx, cfg)
}
