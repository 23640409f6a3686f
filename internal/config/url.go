package config

import (
	"fmt"
	"net/url"
)

// Supported database drivers. The driver name doubles as the sqlx driver
// registration name except for postgres, which registers as "pgx".
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverMSSQL    = "mssql"
	DriverSQLite   = "sqlite"
)

// SQLDriverName maps a configured driver to the name registered with
// database/sql.
func SQLDriverName(driver string) (string, error) {
	switch driver {
	case DriverMySQL:
		return "mysql", nil
	case DriverPostgres:
		return "pgx", nil
	case DriverMSSQL:
		return "sqlserver", nil
	case DriverSQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported driver %q", driver)
	}
}

// DSN builds the driver-specific connection string for a database.
func DSN(driver string, db DatabaseConfig) (string, error) {
	switch driver {
	case DriverMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			db.Username, db.Password, db.Host, db.Port, db.Database), nil
	case DriverPostgres:
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
			url.QueryEscape(db.Username), url.QueryEscape(db.Password),
			db.Host, db.Port, db.Database), nil
	case DriverMSSQL:
		return fmt.Sprintf("sqlserver://%s:%s@%s:%d?database=%s",
			url.QueryEscape(db.Username), url.QueryEscape(db.Password),
			db.Host, db.Port, url.QueryEscape(db.Database)), nil
	case DriverSQLite:
		if db.Path == "" {
			return "", fmt.Errorf("sqlite driver requires a path")
		}
		return db.Path, nil
	default:
		return "", fmt.Errorf("unsupported driver %q", driver)
	}
}

// MaskedURL renders the connection target for logs and status reports. The
// password is always replaced with a fixed placeholder, never included.
func MaskedURL(driver string, db DatabaseConfig) string {
	if driver == DriverSQLite {
		return "sqlite://" + db.Path
	}
	return fmt.Sprintf("%s://%s:****@%s:%d/%s",
		driver, db.Username, db.Host, db.Port, db.Database)
}
