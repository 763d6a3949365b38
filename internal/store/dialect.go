package store

import (
	stdErrors "errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// dialect 封装不同数据库在驱动名、占位符与冲突语义上的差异。
type dialect struct {
	name       string
	driverName string
	// upsert 在 (request_id, capability) 冲突时保持原记录不变。
	upsert            string
	numberedArgs      bool
	isUniqueViolation func(err error) bool
}

const recordColumns = `id, request_id, capability, channel, action_group, action_name, plugin, content_type, payload, metadata, captured_at, stored_at`

const insertRecord = `INSERT INTO acquisition_records (` + recordColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

var dialects = map[string]dialect{
	"mysql": {
		name:       "mysql",
		driverName: "mysql",
		upsert:     insertRecord + ` ON DUPLICATE KEY UPDATE id = id`,
		isUniqueViolation: func(err error) bool {
			var mysqlErr *mysql.MySQLError
			return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
		},
	},
	"sqlite": {
		name:       "sqlite",
		driverName: "sqlite",
		upsert:     insertRecord + ` ON CONFLICT (request_id, capability) DO NOTHING`,
		isUniqueViolation: func(err error) bool {
			return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
		},
	},
	"postgres": {
		name:         "postgres",
		driverName:   "pgx",
		upsert:       insertRecord + ` ON CONFLICT (request_id, capability) DO NOTHING`,
		numberedArgs: true,
		isUniqueViolation: func(err error) bool {
			var pgErr *pgconn.PgError
			return stdErrors.As(err, &pgErr) && pgErr.Code == "23505"
		},
	},
}

func lookupDialect(name string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgresql", "pgx":
		name = "postgres"
	case "sqlite3":
		name = "sqlite"
	}
	d, ok := dialects[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return dialect{}, fmt.Errorf("不支持的存储驱动: %s", name)
	}
	return d, nil
}

// rebind 将 ? 占位符改写为方言要求的形式。
func (d dialect) rebind(query string) string {
	if !d.numberedArgs {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
