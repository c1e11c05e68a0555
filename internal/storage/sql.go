package storage

import (
	"context"
	"database/sql"
	"embed"
	"strings"
	"time"

	logx "mailq/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqlStore is the database/sql backend shared by sqlite and postgres. The
// drivers differ only in placeholder syntax.
type sqlStore struct {
	db   *sql.DB
	log  logx.Logger
	bind func(n int) string
}

func (s *sqlStore) migrate(ctx context.Context, name string) error {
	b, err := migrationsFS.ReadFile(name)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// q rewrites ? placeholders for the driver.
func (s *sqlStore) q(query string) string {
	if !strings.Contains(query, "?") || s.bind(1) == "?" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.bind(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) AppendSend(ctx context.Context, r SendRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	r = normalize(r)
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO sends(id, at, job_id, parent_bulk_id, recipient, subject, provider, status, message_id, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`),
		r.ID, r.At.UnixMilli(), r.JobID, nullStr(r.ParentBulkID), r.Recipient, nullStr(r.Subject),
		nullStr(r.Provider), r.Status, nullStr(r.MessageID), nullStr(r.Error), r.TookMS,
	)
	return err
}

func (s *sqlStore) RecentSends(ctx context.Context, limit int) ([]SendRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, at, job_id, parent_bulk_id, recipient, subject, provider, status, message_id, err, took_ms
		 FROM sends ORDER BY at DESC, id DESC LIMIT ?`), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SendRecord
	for rows.Next() {
		var (
			r                                            SendRecord
			at                                           int64
			parent, subject, provider, messageID, errStr sql.NullString
		)
		if err := rows.Scan(&r.ID, &at, &r.JobID, &parent, &r.Recipient, &subject, &provider, &r.Status, &messageID, &errStr, &r.TookMS); err != nil {
			return nil, err
		}
		r.At = time.UnixMilli(at)
		r.ParentBulkID = parent.String
		r.Subject = subject.String
		r.Provider = provider.String
		r.MessageID = messageID.String
		r.Error = errStr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) PruneSends(ctx context.Context, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM sends WHERE at < ?`), before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Debug("send history pruned", logx.Int64("removed", n))
	}
	return int(n), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
