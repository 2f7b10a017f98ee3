package sink

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ghalamif/SensorRelay/internal/domain"
	"github.com/ghalamif/SensorRelay/internal/ports"
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// TimescaleStore keeps readings in a Postgres/TimescaleDB table keyed by
// (source_type, ts, wal_id). Readings sharing a timestamp stay distinct while
// a replayed WAL entry maps onto its existing row.
type TimescaleStore struct {
	db        *sql.DB
	tableName string
}

func NewTimescaleStore(db *sql.DB, table string) (*TimescaleStore, error) {
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &TimescaleStore{db: db, tableName: table}, nil
}

func (t *TimescaleStore) Name() string { return "timescaledb" }

// EnsureSchema creates the readings table if it does not exist.
func (t *TimescaleStore) EnsureSchema(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+t.tableName+
		" (source_type TEXT NOT NULL, ts TIMESTAMPTZ NOT NULL, wal_id BIGINT NOT NULL, axis_values DOUBLE PRECISION[] NOT NULL, PRIMARY KEY (source_type, ts, wal_id))")
	return err
}

func (t *TimescaleStore) WriteBatch(ctx context.Context, batch []ports.QueuedReading) error {
	if len(batch) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.tableName)
	b.WriteString(" (source_type, ts, wal_id, axis_values) VALUES ")

	args := make([]any, 0, len(batch)*4)
	for i, item := range batch {
		if i > 0 {
			b.WriteString(",")
		}
		r := item.Reading
		fmt.Fprintf(&b, "($%d,$%d,$%d,$%d)", len(args)+1, len(args)+2, len(args)+3, len(args)+4)
		args = append(args, r.SourceType, r.Timestamp, int64(item.ID), pq.Array(r.Values[:]))
	}

	// replays after a crash may resend committed rows
	b.WriteString(" ON CONFLICT (source_type, ts, wal_id) DO NOTHING")

	_, err := t.db.ExecContext(ctx, b.String(), args...)
	return err
}

func (t *TimescaleStore) QueryRange(ctx context.Context, from, to time.Time) ([]domain.Reading, error) {
	rows, err := t.db.QueryContext(ctx,
		"SELECT source_type, ts, axis_values FROM "+t.tableName+" WHERE ts >= $1 AND ts <= $2 ORDER BY ts ASC, wal_id ASC",
		from, to)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Reading, 0)
	for rows.Next() {
		var (
			sourceType string
			ts         time.Time
			values     []float64
		)
		if err := rows.Scan(&sourceType, &ts, pq.Array(&values)); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		out = append(out, domain.NewReading(sourceType, values, ts))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings: %w", err)
	}
	return out, nil
}

var _ ports.Store = (*TimescaleStore)(nil)
