// Package sqlite is a durable Directory on a SQLite file. Every write appends to a change log that a poll loop
// turns into watch callbacks, so several processes sharing one file see each other's writes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/dkeye/peercall/internal/directory"
)

type Options struct {
	PollInterval time.Duration
	// Retention bounds how long change rows are kept for lagging readers.
	Retention time.Duration
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.Retention <= 0 {
		o.Retention = 10 * time.Minute
	}
}

type watcher struct {
	*directory.Watcher
	from int64
}

// DB implements directory.Directory.
type DB struct {
	db   *sql.DB
	path string
	opts Options
	log  zerolog.Logger

	mu           sync.Mutex
	cursor       int64
	docWatchers  map[string]map[*watcher]struct{}
	collWatchers map[string]map[*watcher]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// Open opens or creates the database file and starts the change poller.
func Open(path string, opts Options) (*DB, error) {
	opts.defaults()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serialises writers inside this process; other processes wait on busy_timeout.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT    NOT NULL,
			id         TEXT    NOT NULL,
			fields     TEXT    NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (collection, id)
		);
		CREATE TABLE IF NOT EXISTS changes (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT    NOT NULL,
			id         TEXT    NOT NULL,
			kind       INTEGER NOT NULL,
			fields     TEXT,
			created_at INTEGER NOT NULL,
			logged_at  INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	var cursor int64
	if err := db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&cursor); err != nil {
		db.Close()
		return nil, fmt.Errorf("read change cursor: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &DB{
		db:           db,
		path:         path,
		opts:         opts,
		log:          log.With().Str("module", "directory.sqlite").Str("path", path).Logger(),
		cursor:       cursor,
		docWatchers:  make(map[string]map[*watcher]struct{}),
		collWatchers: make(map[string]map[*watcher]struct{}),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go s.pollLoop(ctx)
	s.log.Info().Int64("cursor", cursor).Msg("opened")
	return s, nil
}

func (s *DB) Create(ctx context.Context, coll directory.CollectionRef) (directory.DocRef, error) {
	if coll.IsZero() {
		return directory.DocRef{}, directory.ErrBadPath
	}
	ref := coll.Doc(uuid.NewString())
	err := s.tx(ctx, func(tx *sql.Tx) error {
		return insertDoc(ctx, tx, ref, map[string]json.RawMessage{})
	})
	return ref, err
}

func (s *DB) Get(ctx context.Context, ref directory.DocRef) (directory.Document, error) {
	return getDoc(ctx, s.db, ref)
}

func (s *DB) Set(ctx context.Context, ref directory.DocRef, field string, value any) error {
	return s.writeField(ctx, ref, field, value, true)
}

func (s *DB) Update(ctx context.Context, ref directory.DocRef, field string, value any) error {
	return s.writeField(ctx, ref, field, value, false)
}

func (s *DB) writeField(ctx context.Context, ref directory.DocRef, field string, value any, upsert bool) error {
	raw, err := directory.EncodeValue(value)
	if err != nil {
		return err
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		doc, err := getDoc(ctx, tx, ref)
		if errors.Is(err, directory.ErrNotFound) {
			if !upsert {
				return err
			}
			return insertDoc(ctx, tx, ref, map[string]json.RawMessage{field: raw})
		}
		if err != nil {
			return err
		}
		doc.Fields[field] = raw
		b, err := json.Marshal(doc.Fields)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET fields = ? WHERE collection = ? AND id = ?`,
			string(b), ref.Parent.Path(), ref.ID); err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		return logChange(ctx, tx, ref, directory.Modified, b, doc.CreateTime)
	})
}

func (s *DB) Append(ctx context.Context, coll directory.CollectionRef, record any) (directory.DocRef, error) {
	fields, err := directory.EncodeRecord(record)
	if err != nil {
		return directory.DocRef{}, err
	}
	ref := coll.Doc(uuid.NewString())
	err = s.tx(ctx, func(tx *sql.Tx) error {
		return insertDoc(ctx, tx, ref, fields)
	})
	return ref, err
}

func (s *DB) List(ctx context.Context, coll directory.CollectionRef) ([]directory.Document, error) {
	return listDocs(ctx, s.db, coll)
}

func (s *DB) BatchDelete(ctx context.Context, refs []directory.DocRef) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		for _, ref := range refs {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM documents WHERE collection = ? AND id = ?`, ref.Parent.Path(), ref.ID)
			if err != nil {
				return fmt.Errorf("delete %s: %w", ref, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			if err := logChange(ctx, tx, ref, directory.Removed, nil, time.Time{}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *DB) WatchDocument(ctx context.Context, ref directory.DocRef, fn func(directory.Change)) (directory.Subscription, error) {
	return s.watch(ctx, ref.Path(), s.docWatchers, fn, func(q querier) ([]directory.Document, error) {
		doc, err := getDoc(ctx, q, ref)
		if errors.Is(err, directory.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []directory.Document{doc}, nil
	})
}

func (s *DB) WatchCollection(ctx context.Context, coll directory.CollectionRef, fn func(directory.Change)) (directory.Subscription, error) {
	return s.watch(ctx, coll.Path(), s.collWatchers, fn, func(q querier) ([]directory.Document, error) {
		return listDocs(ctx, q, coll)
	})
}

// watch takes the snapshot and the change-log position in one transaction while holding s.mu, so the
// poller can neither skip nor repeat a change for this watcher.
func (s *DB) watch(
	ctx context.Context,
	key string,
	set map[string]map[*watcher]struct{},
	fn func(directory.Change),
	snap func(querier) ([]directory.Document, error),
) (directory.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	var from int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM changes`).Scan(&from); err != nil {
		return nil, fmt.Errorf("read change position: %w", err)
	}
	docs, err := snap(tx)
	if err != nil {
		return nil, err
	}

	w := &watcher{from: from}
	w.Watcher = directory.NewWatcher(key, fn, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if ws, ok := set[key]; ok {
			delete(ws, w)
			if len(ws) == 0 {
				delete(set, key)
			}
		}
	})
	for _, d := range docs {
		w.Push(directory.Change{Kind: directory.Added, Doc: d})
	}
	ws, ok := set[key]
	if !ok {
		ws = make(map[*watcher]struct{})
		set[key] = ws
	}
	ws[w] = struct{}{}
	return w, nil
}

func (s *DB) Close() error {
	s.cancel()
	<-s.done

	s.mu.Lock()
	var all []*watcher
	for _, set := range []map[string]map[*watcher]struct{}{s.docWatchers, s.collWatchers} {
		for _, ws := range set {
			for w := range ws {
				all = append(all, w)
			}
		}
	}
	s.mu.Unlock()
	for _, w := range all {
		w.Unsubscribe()
	}
	s.log.Info().Msg("closed")
	return s.db.Close()
}

func (s *DB) pollLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	prune := time.NewTicker(s.opts.Retention / 2)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.poll(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("poll changes")
			}
		case <-prune.C:
			cutoff := time.Now().Add(-s.opts.Retention).UnixNano()
			if _, err := s.db.ExecContext(ctx, `DELETE FROM changes WHERE logged_at < ?`, cutoff); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("prune change log")
			}
		}
	}
}

type changeRow struct {
	seq     int64
	ref     directory.DocRef
	kind    directory.ChangeKind
	fields  sql.NullString
	created int64
}

func (s *DB) poll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, collection, id, kind, fields, created_at FROM changes WHERE seq > ? ORDER BY seq LIMIT 512`,
		s.cursor)
	if err != nil {
		return err
	}
	var batch []changeRow
	for rows.Next() {
		var (
			r    changeRow
			coll string
			kind int
		)
		if err := rows.Scan(&r.seq, &coll, &r.ref.ID, &kind, &r.fields, &r.created); err != nil {
			rows.Close()
			return err
		}
		r.ref.Parent = directory.Collection(coll)
		r.kind = directory.ChangeKind(kind)
		batch = append(batch, r)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, r := range batch {
		ch := directory.Change{Kind: r.kind, Doc: directory.Document{Ref: r.ref}}
		if r.fields.Valid {
			if err := json.Unmarshal([]byte(r.fields.String), &ch.Doc.Fields); err != nil {
				s.log.Warn().Err(err).Int64("seq", r.seq).Msg("skip undecodable change")
				s.cursor = r.seq
				continue
			}
			ch.Doc.CreateTime = time.Unix(0, r.created)
		}
		for w := range s.docWatchers[r.ref.Path()] {
			if r.seq > w.from {
				w.Push(ch)
			}
		}
		for w := range s.collWatchers[r.ref.Parent.Path()] {
			if r.seq > w.from {
				w.Push(ch)
			}
		}
		s.cursor = r.seq
	}
	return nil
}

func (s *DB) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDoc(ctx context.Context, q querier, ref directory.DocRef) (directory.Document, error) {
	var (
		raw     string
		created int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT fields, created_at FROM documents WHERE collection = ? AND id = ?`,
		ref.Parent.Path(), ref.ID).Scan(&raw, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.Document{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.Document{}, fmt.Errorf("get %s: %w", ref, err)
	}
	doc := directory.Document{Ref: ref, CreateTime: time.Unix(0, created)}
	if err := json.Unmarshal([]byte(raw), &doc.Fields); err != nil {
		return directory.Document{}, fmt.Errorf("decode %s: %w", ref, err)
	}
	if doc.Fields == nil {
		doc.Fields = map[string]json.RawMessage{}
	}
	return doc, nil
}

func listDocs(ctx context.Context, q querier, coll directory.CollectionRef) ([]directory.Document, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, fields, created_at FROM documents WHERE collection = ? ORDER BY rowid`, coll.Path())
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", coll.Path(), err)
	}
	defer rows.Close()
	out := []directory.Document{}
	for rows.Next() {
		var (
			id, raw string
			created int64
		)
		if err := rows.Scan(&id, &raw, &created); err != nil {
			return nil, err
		}
		doc := directory.Document{Ref: coll.Doc(id), CreateTime: time.Unix(0, created)}
		if err := json.Unmarshal([]byte(raw), &doc.Fields); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", coll.Path(), id, err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func insertDoc(ctx context.Context, tx *sql.Tx, ref directory.DocRef, fields map[string]json.RawMessage) error {
	b, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (collection, id, fields, created_at) VALUES (?, ?, ?, ?)`,
		ref.Parent.Path(), ref.ID, string(b), now.UnixNano()); err != nil {
		return fmt.Errorf("insert %s: %w", ref, err)
	}
	return logChange(ctx, tx, ref, directory.Added, b, now)
}

func logChange(ctx context.Context, tx *sql.Tx, ref directory.DocRef, kind directory.ChangeKind, fields []byte, created time.Time) error {
	var f sql.NullString
	if fields != nil {
		f = sql.NullString{String: string(fields), Valid: true}
	}
	var c int64
	if !created.IsZero() {
		c = created.UnixNano()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO changes (collection, id, kind, fields, created_at, logged_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ref.Parent.Path(), ref.ID, int(kind), f, c, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("log change: %w", err)
	}
	return nil
}
