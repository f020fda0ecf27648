package nexasync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/nexa-social/nexasync/clock"
)

const (
	postgresChannelPrefix    = "nexasync_"
	postgresOperationTimeout = 5 * time.Second
)

var postgresIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PostgresStore is a ResourceStore and ChangeFeed over PostgreSQL. Each
// resource is a table; rows are returned as row_to_json objects. Change
// events arrive through LISTEN on nexasync_<resource>, fed by the
// trigger from NotifyTriggerSQL.
type PostgresStore struct {
	db    *sql.DB
	dsn   string
	log   zerolog.Logger
	clock clock.Clock

	minReconnect time.Duration
	maxReconnect time.Duration
	buffer       int
}

type PostgresOption func(*PostgresStore)

func WithPostgresLogger(log zerolog.Logger) PostgresOption {
	return func(s *PostgresStore) { s.log = log }
}

func WithPostgresClock(clk clock.Clock) PostgresOption {
	return func(s *PostgresStore) { s.clock = clk }
}

// WithListenerBackoff bounds the LISTEN connection's own reconnects.
func WithListenerBackoff(min, max time.Duration) PostgresOption {
	return func(s *PostgresStore) { s.minReconnect, s.maxReconnect = min, max }
}

// OpenPostgres opens and pings dsn.
func OpenPostgres(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, validationError("postgres", "dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, networkError("postgres ping", err)
	}
	return NewPostgresStore(db, dsn, opts...), nil
}

// NewPostgresStore wraps an open database. dsn is used for LISTEN
// connections.
func NewPostgresStore(db *sql.DB, dsn string, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		db:           db,
		dsn:          dsn,
		log:          zerolog.Nop(),
		clock:        clock.Real(),
		minReconnect: time.Second,
		maxReconnect: time.Minute,
		buffer:       64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// DB exposes the pool for migrations and ad hoc queries.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func quoteIdent(op, name string) (string, error) {
	if !postgresIdentifier.MatchString(name) {
		return "", validationError(op, "invalid identifier %q", name)
	}
	return pq.QuoteIdentifier(name), nil
}

// ── SQL building ──────────────────────────────────────────

type sqlArgs struct{ vals []any }

func (a *sqlArgs) add(v any) string {
	a.vals = append(a.vals, v)
	return fmt.Sprintf("$%d", len(a.vals))
}

var sqlOps = map[FilterOp]string{
	OpEq: "=", OpNeq: "<>", OpGt: ">", OpGte: ">=", OpLt: "<", OpLte: "<=",
}

func whereClause(op string, filters Filters, args *sqlArgs) (string, error) {
	if len(filters) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		col, err := quoteIdent(op, f.Field)
		if err != nil {
			return "", err
		}
		if f.Op == OpIn {
			var ph []string
			for _, v := range strings.Split(f.Value, ",") {
				ph = append(ph, args.add(strings.TrimSpace(v)))
			}
			parts = append(parts, col+" IN ("+strings.Join(ph, ", ")+")")
			continue
		}
		sqlOp, ok := sqlOps[f.Op]
		if !ok {
			return "", validationError(op, "unsupported operator %q", f.Op)
		}
		parts = append(parts, col+" "+sqlOp+" "+args.add(f.Value))
	}
	return " WHERE " + strings.Join(parts, " AND "), nil
}

// buildSelect returns the page query and the count query sharing the
// same WHERE arguments.
func buildSelect(q Query) (page, count string, pageArgs, countArgs []any, err error) {
	table, err := quoteIdent("select", q.Resource)
	if err != nil {
		return
	}
	filters := append(Filters(nil), q.Filters...)
	if q.Offset == 0 && q.Cursor != "" && (q.Sort.Field == "" || q.Sort.Field == "id") {
		op := OpGt
		if q.Sort.Desc {
			op = OpLt
		}
		filters = append(filters, Filter{Field: "id", Op: op, Value: q.Cursor})
	}

	args := &sqlArgs{}
	where, err := whereClause("select", q.Filters, args)
	if err != nil {
		return
	}
	count = "SELECT count(*) FROM " + table + where
	countArgs = append([]any(nil), args.vals...)

	args = &sqlArgs{}
	where, err = whereClause("select", filters, args)
	if err != nil {
		return
	}
	var b strings.Builder
	b.WriteString("SELECT row_to_json(t)::text FROM " + table + " AS t" + where)
	if q.Sort.Field != "" {
		col, qerr := quoteIdent("select", q.Sort.Field)
		if qerr != nil {
			err = qerr
			return
		}
		b.WriteString(" ORDER BY " + col)
		if q.Sort.Desc {
			b.WriteString(" DESC")
		}
	}
	if q.PageSize > 0 {
		b.WriteString(" LIMIT " + args.add(q.PageSize))
	}
	if q.Offset > 0 {
		b.WriteString(" OFFSET " + args.add(q.Offset))
	}
	return b.String(), count, args.vals, countArgs, nil
}

// rowColumns flattens a JSON object into sorted columns and driver
// values. Nested objects and arrays are passed as JSON text.
func rowColumns(op string, row any) ([]string, []any, error) {
	b, err := json.Marshal(row)
	if err != nil {
		return nil, nil, validationError(op, "encode row: %v", err)
	}
	obj := gjson.ParseBytes(b)
	if !obj.IsObject() {
		return nil, nil, validationError(op, "row must be an object")
	}
	fields := make(map[string]gjson.Result)
	obj.ForEach(func(k, v gjson.Result) bool {
		fields[k.String()] = v
		return true
	})
	cols := make([]string, 0, len(fields))
	for k := range fields {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	vals := make([]any, len(cols))
	for i, c := range cols {
		v := fields[c]
		switch v.Type {
		case gjson.Null:
			vals[i] = nil
		case gjson.True, gjson.False:
			vals[i] = v.Bool()
		case gjson.Number, gjson.String:
			vals[i] = v.String()
		default:
			vals[i] = v.Raw
		}
	}
	return cols, vals, nil
}

// ── CRUD ──────────────────────────────────────────────────

func (s *PostgresStore) Select(ctx context.Context, q Query) (Page[json.RawMessage], error) {
	pageSQL, countSQL, pageArgs, countArgs, err := buildSelect(q)
	if err != nil {
		return Page[json.RawMessage]{}, err
	}
	rows, err := s.db.QueryContext(ctx, pageSQL, pageArgs...)
	if err != nil {
		return Page[json.RawMessage]{}, pgError("select", err)
	}
	defer rows.Close()

	var items []json.RawMessage
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return Page[json.RawMessage]{}, pgError("select", err)
		}
		items = append(items, json.RawMessage(raw))
	}
	if err := rows.Err(); err != nil {
		return Page[json.RawMessage]{}, pgError("select", err)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return Page[json.RawMessage]{}, pgError("select count", err)
	}
	return Page[json.RawMessage]{Items: items, Total: &total}, nil
}

func (s *PostgresStore) Insert(ctx context.Context, resource string, row any) (json.RawMessage, error) {
	table, err := quoteIdent("insert", resource)
	if err != nil {
		return nil, err
	}
	cols, vals, err := rowColumns("insert", row)
	if err != nil {
		return nil, err
	}
	args := &sqlArgs{}
	quoted := make([]string, len(cols))
	ph := make([]string, len(cols))
	for i, c := range cols {
		if quoted[i], err = quoteIdent("insert", c); err != nil {
			return nil, err
		}
		ph[i] = args.add(vals[i])
	}
	query := fmt.Sprintf("INSERT INTO %s AS t (%s) VALUES (%s) RETURNING row_to_json(t)::text",
		table, strings.Join(quoted, ", "), strings.Join(ph, ", "))

	var raw string
	if err := s.db.QueryRowContext(ctx, query, args.vals...).Scan(&raw); err != nil {
		return nil, pgError("insert", err)
	}
	return json.RawMessage(raw), nil
}

func (s *PostgresStore) Update(ctx context.Context, resource string, filters Filters, patch any) (json.RawMessage, error) {
	table, err := quoteIdent("update", resource)
	if err != nil {
		return nil, err
	}
	if len(filters) == 0 {
		return nil, validationError("update", "refusing to update every row of %s", resource)
	}
	cols, vals, err := rowColumns("update", patch)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, validationError("update", "empty patch")
	}
	args := &sqlArgs{}
	sets := make([]string, len(cols))
	for i, c := range cols {
		qc, err := quoteIdent("update", c)
		if err != nil {
			return nil, err
		}
		sets[i] = qc + " = " + args.add(vals[i])
	}
	where, err := whereClause("update", filters, args)
	if err != nil {
		return nil, err
	}
	query := "UPDATE " + table + " AS t SET " + strings.Join(sets, ", ") + where + " RETURNING row_to_json(t)::text"

	rows, err := s.db.QueryContext(ctx, query, args.vals...)
	if err != nil {
		return nil, pgError("update", err)
	}
	defer rows.Close()
	var last json.RawMessage
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, pgError("update", err)
		}
		last = json.RawMessage(raw)
	}
	return last, pgError("update", rows.Err())
}

func (s *PostgresStore) Delete(ctx context.Context, resource string, filters Filters) error {
	table, err := quoteIdent("delete", resource)
	if err != nil {
		return err
	}
	if len(filters) == 0 {
		return validationError("delete", "refusing to delete every row of %s", resource)
	}
	args := &sqlArgs{}
	where, err := whereClause("delete", filters, args)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "DELETE FROM "+table+where, args.vals...)
	return pgError("delete", err)
}

// pgError maps driver errors onto the error taxonomy by SQLSTATE class.
func pgError(op string, err error) error {
	if err == nil {
		return nil
	}
	if pqErr, ok := err.(*pq.Error); ok {
		kind := KindValidation
		switch pqErr.Code.Class() {
		case "08", "53", "57", "40":
			// connection, resources, operator intervention, rollback
			kind = KindNetwork
		case "28":
			kind = KindAuth
		case "42":
			if pqErr.Code == "42501" {
				kind = KindPermission
			}
		}
		return &Error{Kind: kind, Op: op, Code: string(pqErr.Code), Message: pqErr.Message, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return networkError(op, err)
}

// ── Change feed ───────────────────────────────────────────

// NotifyTriggerSQL returns the DDL that makes table resource publish
// {op, record, old_record} on nexasync_<resource>.
func NotifyTriggerSQL(resource string) (string, error) {
	table, err := quoteIdent("trigger", resource)
	if err != nil {
		return "", err
	}
	fn := pq.QuoteIdentifier(postgresChannelPrefix + resource + "_notify")
	channel := pq.QuoteLiteral(postgresChannelPrefix + resource)
	return fmt.Sprintf(`
CREATE OR REPLACE FUNCTION %[1]s() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify(%[2]s, json_build_object(
		'op', TG_OP,
		'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
		'old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;
DROP TRIGGER IF EXISTS %[1]s ON %[3]s;
CREATE TRIGGER %[1]s AFTER INSERT OR UPDATE OR DELETE ON %[3]s
	FOR EACH ROW EXECUTE FUNCTION %[1]s();`, fn, channel, table), nil
}

// InstallNotifyTrigger executes NotifyTriggerSQL for resource.
func (s *PostgresStore) InstallNotifyTrigger(ctx context.Context, resource string) error {
	ddl, err := NotifyTriggerSQL(resource)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, ddl)
	return pgError("install trigger", err)
}

// notification decodes one NOTIFY payload.
func notification(extra, resource string, filters Filters, now time.Time) (ChangeEvent, bool) {
	n := gjson.Parse(extra)
	kind, ok := ParseEventKind(n.Get("op").String())
	if !ok {
		return ChangeEvent{}, false
	}
	rec := n.Get("record")
	if kind == EventDelete || !rec.IsObject() {
		rec = n.Get("old_record")
	}
	if !rec.IsObject() {
		return ChangeEvent{}, false
	}
	payload := json.RawMessage(rec.Raw)
	if !filters.Match(payload) {
		return ChangeEvent{}, false
	}
	return ChangeEvent{Kind: kind, Resource: resource, Payload: payload, ObservedAt: now}, true
}

// Subscribe opens a dedicated LISTEN connection. A dropped connection
// ends the stream with a network error; resubscribing is the caller's
// job.
func (s *PostgresStore) Subscribe(ctx context.Context, resource string, filters Filters) (Stream, error) {
	if _, err := quoteIdent("subscribe", resource); err != nil {
		return nil, err
	}
	stop := make(chan struct{})
	stream := newChanStream(s.buffer, func() { close(stop) })
	listener := pq.NewListener(s.dsn, s.minReconnect, s.maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			s.log.Warn().Err(err).Str("resource", resource).Msg("listen connection lost")
			stream.finish(networkError("postgres listen", err))
		case pq.ListenerEventConnectionAttemptFailed:
			s.log.Debug().Err(err).Str("resource", resource).Msg("listen connect failed")
		}
	})

	if err := listener.Listen(postgresChannelPrefix + resource); err != nil {
		listener.Close()
		return nil, pgError("listen", err)
	}

	go func() {
		defer listener.Close()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				stream.finish(nil)
				return
			case n, ok := <-listener.Notify:
				if !ok {
					stream.finish(networkError("postgres listen", errors.New("listener closed")))
					return
				}
				if n == nil {
					// Reconnected; notifications may have been missed.
					continue
				}
				if ev, ok := notification(n.Extra, resource, filters, s.clock.Now()); ok {
					if !stream.send(ev) {
						return
					}
				}
			}
		}
	}()
	return stream, nil
}
