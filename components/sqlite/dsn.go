package sqlite

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// DefaultConnectionString is the database file used when no connection string is set.
const DefaultConnectionString = "data.db"

// sqliteDSN is the data source name passed to the driver.
type sqliteDSN struct {
	DSN      string
	InMemory bool
}

// buildDSN turns the user-supplied connection string into the DSN for the driver.
// Orbit writes host heartbeats and actor state, so read-only and immutable databases are rejected.
// Queries wait up to busyTimeout for locks held by other processes sharing the file.
func buildDSN(connString string, busyTimeout time.Duration, log *slog.Logger) (sqliteDSN, error) {
	if connString == "" {
		connString = DefaultConnectionString
	}

	path, rawQuery, _ := strings.Cut(connString, "?")
	if len(path) >= 5 && strings.EqualFold(path[:5], "file:") {
		path = path[5:]
	}
	qs, err := url.ParseQuery(rawQuery)
	if err != nil {
		return sqliteDSN{}, fmt.Errorf("failed to parse options: %w", err)
	}

	mode := strings.ToLower(qs.Get("mode"))
	res := sqliteDSN{
		InMemory: mode == "memory" || strings.HasPrefix(path, ":memory:"),
	}
	switch {
	case mode == "ro":
		return sqliteDSN{}, errors.New("database must be writable, but mode=ro is set")
	case qs.Get("immutable") == "1":
		return sqliteDSN{}, errors.New("database must be writable, but immutable=1 is set")
	}

	// All connections to an in-memory database must share it
	if res.InMemory {
		qs.Set("cache", "shared")
	}

	switch txlock := qs.Get("_txlock"); {
	case txlock == "":
		qs.Set("_txlock", "immediate")
	case !strings.EqualFold(txlock, "immediate"):
		log.Warn("SQLite connection string sets a transaction locking mode other than 'immediate'; concurrent writers may fail with busy errors", slog.String("txlock", txlock))
	}

	// Pragmas set by the user take precedence
	userPragmas := make(map[string]bool, len(qs["_pragma"]))
	for _, p := range qs["_pragma"] {
		name, _, _ := strings.Cut(p, "(")
		name, _, _ = strings.Cut(name, "=")
		userPragmas[strings.ToLower(strings.TrimSpace(name))] = true
	}
	if !userPragmas["busy_timeout"] {
		qs.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	}
	if !userPragmas["journal_mode"] {
		// WAL is not available for in-memory databases
		if res.InMemory {
			qs.Add("_pragma", "journal_mode(MEMORY)")
		} else {
			qs.Add("_pragma", "journal_mode(WAL)")
		}
	}

	res.DSN = "file:" + path + "?" + qs.Encode()
	return res, nil
}
