package dbsession

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Backend identifies the database technology behind a connection string
type Backend int

const (
	BackendUnknown Backend = iota
	BackendSQLite
	BackendPostgres
	BackendMySQL
	BackendSQLServer
)

func (b Backend) String() string {
	switch b {
	case BackendSQLite:
		return "sqlite"
	case BackendPostgres:
		return "postgres"
	case BackendMySQL:
		return "mysql"
	case BackendSQLServer:
		return "sqlserver"
	default:
		return "unknown"
	}
}

// DriverName returns the database/sql driver registered for the backend
func (b Backend) DriverName() string {
	switch b {
	case BackendSQLite:
		return "sqlite"
	case BackendPostgres:
		return "postgres"
	case BackendMySQL:
		return "mysql"
	case BackendSQLServer:
		return "sqlserver"
	default:
		return ""
	}
}

// isolation maps a requested level onto what the backend's driver accepts.
// SQLite transactions are always serializable and the driver only takes the default level.
func (b Backend) isolation(level sql.IsolationLevel) sql.IsolationLevel {
	switch b {
	case BackendSQLite:
		if level == sql.LevelSerializable {
			return sql.LevelDefault
		}
		return level
	case BackendPostgres, BackendMySQL, BackendSQLServer:
		return level
	default:
		return level
	}
}

// ParseConnectionString splits "<scheme>://<dsn>" into a backend and the DSN
// handed to the driver. Postgres and SQL Server drivers accept URLs, so their
// DSN is the full string.
func ParseConnectionString(connectionString string) (Backend, string, error) {
	scheme, rest, ok := strings.Cut(connectionString, "://")
	if !ok || rest == "" {
		return BackendUnknown, "", fmt.Errorf("%w: %q is not <scheme>://<dsn>", ErrUnsupportedBackend, redact(connectionString))
	}

	switch strings.ToLower(scheme) {
	case "sqlite", "sqlite3":
		return BackendSQLite, rest, nil
	case "postgres", "postgresql":
		return BackendPostgres, connectionString, nil
	case "mysql":
		return BackendMySQL, rest, nil
	case "sqlserver", "mssql":
		return BackendSQLServer, "sqlserver://" + rest, nil
	default:
		return BackendUnknown, "", fmt.Errorf("%w: scheme %q", ErrUnsupportedBackend, scheme)
	}
}

// redact hides everything after the scheme so errors never carry credentials
func redact(connectionString string) string {
	if scheme, _, ok := strings.Cut(connectionString, "://"); ok {
		return scheme + "://***"
	}
	return "***"
}
