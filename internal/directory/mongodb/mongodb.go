// Package mongodb stores directory documents in one MongoDB collection and turns change streams into watch
// callbacks. Change streams and multi-document transactions need a replica set.
package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dkeye/peercall/internal/directory"
)

const collectionName = "documents"

// record is the stored shape. Field values keep their JSON text so nothing is lost between backends.
type record struct {
	ID        string            `bson:"_id"`
	Coll      string            `bson:"coll"`
	DocID     string            `bson:"doc_id"`
	Fields    map[string]string `bson:"fields"`
	CreatedAt int64             `bson:"created_at"`
}

func (r record) document() directory.Document {
	doc := directory.Document{
		Ref:        directory.Collection(r.Coll).Doc(r.DocID),
		Fields:     make(map[string]json.RawMessage, len(r.Fields)),
		CreateTime: time.Unix(0, r.CreatedAt),
	}
	for k, v := range r.Fields {
		doc.Fields[k] = json.RawMessage(v)
	}
	return doc
}

type changeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument *record `bson:"fullDocument"`
}

type DB struct {
	client *mongo.Client
	coll   *mongo.Collection
	owned  bool
	log    zerolog.Logger

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}
}

// Open connects to uri and uses the given database.
func Open(ctx context.Context, uri, database string) (*DB, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	db, err := New(ctx, client, database)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	db.owned = true
	return db, nil
}

// New wraps an existing client. The caller keeps ownership of it.
func New(ctx context.Context, client *mongo.Client, database string) (*DB, error) {
	coll := client.Database(database).Collection(collectionName)
	if _, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "coll", Value: 1}, {Key: "created_at", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("ensure index: %w", err)
	}
	return &DB{
		client: client,
		coll:   coll,
		log:    log.With().Str("module", "directory.mongodb").Str("db", database).Logger(),
		subs:   make(map[*subscription]struct{}),
	}, nil
}

func (d *DB) checkOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return directory.ErrClosed
	}
	return nil
}

func (d *DB) Create(ctx context.Context, coll directory.CollectionRef) (directory.DocRef, error) {
	if coll.IsZero() {
		return directory.DocRef{}, directory.ErrBadPath
	}
	ref := coll.Doc(uuid.NewString())
	return ref, d.insert(ctx, ref, map[string]string{})
}

func (d *DB) Get(ctx context.Context, ref directory.DocRef) (directory.Document, error) {
	if err := d.checkOpen(); err != nil {
		return directory.Document{}, err
	}
	var r record
	err := d.coll.FindOne(ctx, bson.M{"_id": ref.Path()}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return directory.Document{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.Document{}, fmt.Errorf("get %s: %w", ref, err)
	}
	return r.document(), nil
}

func (d *DB) Set(ctx context.Context, ref directory.DocRef, field string, value any) error {
	return d.writeField(ctx, ref, field, value, true)
}

func (d *DB) Update(ctx context.Context, ref directory.DocRef, field string, value any) error {
	return d.writeField(ctx, ref, field, value, false)
}

func (d *DB) writeField(ctx context.Context, ref directory.DocRef, field string, value any, upsert bool) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	if !validField(field) {
		return fmt.Errorf("%w: field %q", directory.ErrBadRecord, field)
	}
	raw, err := directory.EncodeValue(value)
	if err != nil {
		return err
	}
	update := bson.M{"$set": bson.M{"fields." + field: string(raw)}}
	if upsert {
		update["$setOnInsert"] = bson.M{
			"coll":       ref.Parent.Path(),
			"doc_id":     ref.ID,
			"created_at": time.Now().UnixNano(),
		}
	}
	res, err := d.coll.UpdateOne(ctx, bson.M{"_id": ref.Path()}, update, options.Update().SetUpsert(upsert))
	if err != nil {
		return fmt.Errorf("write %s.%s: %w", ref, field, err)
	}
	if !upsert && res.MatchedCount == 0 {
		return directory.ErrNotFound
	}
	return nil
}

func (d *DB) Append(ctx context.Context, coll directory.CollectionRef, rec any) (directory.DocRef, error) {
	fields, err := directory.EncodeRecord(rec)
	if err != nil {
		return directory.DocRef{}, err
	}
	stored := make(map[string]string, len(fields))
	for k, v := range fields {
		if !validField(k) {
			return directory.DocRef{}, fmt.Errorf("%w: field %q", directory.ErrBadRecord, k)
		}
		stored[k] = string(v)
	}
	ref := coll.Doc(uuid.NewString())
	return ref, d.insert(ctx, ref, stored)
}

func (d *DB) insert(ctx context.Context, ref directory.DocRef, fields map[string]string) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	_, err := d.coll.InsertOne(ctx, record{
		ID:        ref.Path(),
		Coll:      ref.Parent.Path(),
		DocID:     ref.ID,
		Fields:    fields,
		CreatedAt: time.Now().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("insert %s: %w", ref, err)
	}
	return nil
}

func (d *DB) List(ctx context.Context, coll directory.CollectionRef) ([]directory.Document, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	return d.list(ctx, coll)
}

func (d *DB) list(ctx context.Context, coll directory.CollectionRef) ([]directory.Document, error) {
	cur, err := d.coll.Find(ctx, bson.M{"coll": coll.Path()},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", coll.Path(), err)
	}
	var recs []record
	if err := cur.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("list %s: %w", coll.Path(), err)
	}
	out := make([]directory.Document, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.document())
	}
	return out, nil
}

func (d *DB) BatchDelete(ctx context.Context, refs []directory.DocRef) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	if len(refs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.Path())
	}
	sess, err := d.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return d.coll.DeleteMany(sc, bson.M{"_id": bson.M{"$in": ids}})
	})
	if err != nil {
		return fmt.Errorf("batch delete: %w", err)
	}
	return nil
}

func (d *DB) WatchDocument(ctx context.Context, ref directory.DocRef, fn func(directory.Change)) (directory.Subscription, error) {
	match := bson.M{"documentKey._id": ref.Path()}
	return d.watch(ctx, ref.Path(), match, fn, func(sc context.Context) ([]directory.Document, error) {
		doc, err := d.Get(sc, ref)
		if errors.Is(err, directory.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []directory.Document{doc}, nil
	})
}

func (d *DB) WatchCollection(ctx context.Context, coll directory.CollectionRef, fn func(directory.Change)) (directory.Subscription, error) {
	pattern := "^" + regexp.QuoteMeta(coll.Path()) + "/[^/]+$"
	match := bson.M{"documentKey._id": bson.M{"$regex": pattern}}
	return d.watch(ctx, coll.Path(), match, fn, func(sc context.Context) ([]directory.Document, error) {
		return d.list(sc, coll)
	})
}

type subscription struct {
	*directory.Watcher
	cancel context.CancelFunc
}

// watch reads the snapshot inside a causally consistent session and starts the change stream at that
// session's operation time, so the stream begins where the snapshot ends.
func (d *DB) watch(
	ctx context.Context,
	key string,
	match bson.M,
	fn func(directory.Change),
	snap func(context.Context) ([]directory.Document, error),
) (directory.Subscription, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	sess, err := d.client.StartSession(options.Session().SetCausalConsistency(true))
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	var docs []directory.Document
	if err := mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
		var err error
		docs, err = snap(sc)
		return err
	}); err != nil {
		return nil, err
	}

	csOpts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if ts := sess.OperationTime(); ts != nil {
		csOpts.SetStartAtOperationTime(ts)
	}
	pipeline := mongo.Pipeline{bson.D{{Key: "$match", Value: match}}}
	streamCtx, cancel := context.WithCancel(context.Background())
	cs, err := d.coll.Watch(streamCtx, pipeline, csOpts)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open change stream: %w", err)
	}

	sub := &subscription{cancel: cancel}
	sub.Watcher = directory.NewWatcher(key, fn, func() {
		cancel()
		d.mu.Lock()
		delete(d.subs, sub)
		d.mu.Unlock()
	})
	seen := make(map[string]bool, len(docs))
	for _, doc := range docs {
		seen[doc.Ref.Path()] = true
		sub.Push(directory.Change{Kind: directory.Added, Doc: doc})
	}

	d.mu.Lock()
	d.subs[sub] = struct{}{}
	d.mu.Unlock()

	go d.stream(streamCtx, cs, sub, seen)
	return sub, nil
}

func (d *DB) stream(ctx context.Context, cs *mongo.ChangeStream, sub *subscription, seen map[string]bool) {
	defer cs.Close(context.Background())
	for cs.Next(ctx) {
		var ev changeEvent
		if err := cs.Decode(&ev); err != nil {
			d.log.Warn().Err(err).Str("path", sub.Path()).Msg("decode change event")
			continue
		}
		switch ev.OperationType {
		case "insert":
			// An insert already covered by the snapshot can reappear when it shares the snapshot's timestamp.
			if seen[ev.DocumentKey.ID] {
				delete(seen, ev.DocumentKey.ID)
				continue
			}
			if ev.FullDocument != nil {
				sub.Push(directory.Change{Kind: directory.Added, Doc: ev.FullDocument.document()})
			}
		case "update", "replace":
			if ev.FullDocument != nil {
				sub.Push(directory.Change{Kind: directory.Modified, Doc: ev.FullDocument.document()})
			}
		case "delete":
			ref, err := directory.ParseDoc(ev.DocumentKey.ID)
			if err != nil {
				continue
			}
			sub.Push(directory.Change{Kind: directory.Removed, Doc: directory.Document{Ref: ref}})
		}
	}
	if err := cs.Err(); err != nil && ctx.Err() == nil {
		d.log.Error().Err(err).Str("path", sub.Path()).Msg("change stream ended")
	}
}

func (d *DB) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	subs := make([]*subscription, 0, len(d.subs))
	for s := range d.subs {
		subs = append(subs, s)
	}
	d.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	if d.owned {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return d.client.Disconnect(ctx)
	}
	return nil
}

func validField(name string) bool {
	return name != "" && !strings.HasPrefix(name, "$") && !strings.Contains(name, ".")
}
