package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/c0deZ3R0/docsync/cursor"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/synckit"
)

// Instance is a handle on one MongoDB collection.
type Instance struct {
	store  *Store
	c      *collection
	cfg    synckit.InstanceConfig
	logger *slog.Logger
	closed atomic.Bool
}

var _ synckit.StorageInstance = (*Instance)(nil)

func (i *Instance) check(op syncErrors.Operation) error {
	if i.closed.Load() {
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.ErrClosed)
	}
	return nil
}

var errLostRace = errors.New("document changed concurrently")

// BulkWrite applies rows one document at a time. Each stored document is
// written with a filter on the revision it replaces, so a writer in another
// process that got there first turns the row into a conflict instead of
// being overwritten.
func (i *Instance) BulkWrite(ctx context.Context, rows []synckit.WriteRow, writeContext string) (synckit.BulkWriteResponse, error) {
	var resp synckit.BulkWriteResponse
	if err := i.check(syncErrors.OpBulkWrite); err != nil {
		return resp, err
	}
	if err := ctx.Err(); err != nil {
		return resp, err
	}

	c := i.c
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.Document.ID != "" {
			ids = append(ids, row.Document.ID)
		}
	}
	current, err := i.load(ctx, ids, true)
	if err != nil {
		return resp, storageErr(syncErrors.OpBulkWrite, err)
	}
	state := make(map[string]synckit.DocumentState, len(current))
	for _, d := range current {
		state[d.ID] = d
	}

	var (
		events []synckit.ChangeEvent
		seq    int64
	)
	for _, row := range rows {
		var cur *synckit.DocumentState
		if d, ok := state[row.Document.ID]; ok {
			cur = d.Ptr()
		}
		res := synckit.ApplyRow(ctx, c.tasks, i.cfg.ConflictMode, writeContext, cur, row)
		if res.Store != nil {
			got, err := i.store1(ctx, cur, *res.Store)
			switch {
			case errors.Is(err, errLostRace):
				real, lerr := i.load(ctx, []string{row.Document.ID}, true)
				if lerr != nil {
					return resp, storageErr(syncErrors.OpBulkWrite, lerr)
				}
				we := synckit.WriteError{DocumentID: row.Document.ID, Status: synckit.StatusConflict, Row: row}
				if len(real) == 1 {
					we.RealMaster = real[0].Ptr()
					state[row.Document.ID] = real[0]
				}
				resp.Errors = append(resp.Errors, we)
				continue
			case err != nil:
				return resp, storageErr(syncErrors.OpBulkWrite, err)
			}
			seq = got
			state[res.Store.ID] = *res.Store
			events = append(events, *res.Event)
		}
		if res.Success != nil {
			resp.Success = append(resp.Success, *res.Success)
		}
		if res.Error != nil {
			resp.Errors = append(resp.Errors, *res.Error)
		}
	}
	if len(events) == 0 {
		return resp, nil
	}

	c.feed.Publish(ctx, synckit.ChangeEventBatch{
		ID:         uuid.NewString(),
		Events:     events,
		Checkpoint: cursor.NewInteger(uint64(seq)),
		Context:    writeContext,
	})
	i.logger.Debug("Bulk write applied",
		"rows", len(rows),
		"stored", len(events),
		"errors", len(resp.Errors),
		"seq", seq,
		"context", writeContext)
	return resp, nil
}

// store1 writes doc over cur and returns the sequence number it got.
func (i *Instance) store1(ctx context.Context, cur *synckit.DocumentState, doc synckit.DocumentState) (int64, error) {
	seq, err := i.c.nextSeq(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to reserve sequence: %w", err)
	}
	rec := record{DocumentState: doc, Seq: seq}
	if cur == nil {
		_, err := i.c.docs.InsertOne(ctx, rec)
		if mongo.IsDuplicateKeyError(err) {
			return 0, errLostRace
		}
		return seq, err
	}
	res, err := i.c.docs.ReplaceOne(ctx, bson.M{"_id": doc.ID, "rev": cur.Rev}, rec)
	if err != nil {
		return 0, err
	}
	if res.MatchedCount == 0 {
		return 0, errLostRace
	}
	return seq, nil
}

func (i *Instance) load(ctx context.Context, ids []string, withDeleted bool) ([]synckit.DocumentState, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	filter := bson.M{"_id": bson.M{"$in": ids}}
	if !withDeleted {
		filter["deleted"] = false
	}
	return i.find(ctx, filter, nil)
}

func (i *Instance) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]synckit.DocumentState, error) {
	recs, err := i.findRecords(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	out := make([]synckit.DocumentState, len(recs))
	for n, r := range recs {
		out[n] = r.document()
	}
	return out, nil
}

func (i *Instance) findRecords(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]record, error) {
	cur, err := i.c.docs.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var recs []record
	if err := cur.All(ctx, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (i *Instance) FindByID(ctx context.Context, ids []string, withDeleted bool) ([]synckit.DocumentState, error) {
	if err := i.check(syncErrors.OpFind); err != nil {
		return nil, err
	}
	docs, err := i.load(ctx, ids, withDeleted)
	if err != nil {
		return nil, storageErr(syncErrors.OpFind, err)
	}
	byID := make(map[string]synckit.DocumentState, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	out := make([]synckit.DocumentState, 0, len(docs))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			out = append(out, d)
			delete(byID, id)
		}
	}
	return out, nil
}

// Query filters tombstones in the server and applies q in memory.
func (i *Instance) Query(ctx context.Context, q synckit.PreparedQuery) ([]synckit.DocumentState, error) {
	if err := i.check(syncErrors.OpQuery); err != nil {
		return nil, err
	}
	filter := bson.M{}
	if !q.IncludeDeleted {
		filter["deleted"] = false
	}
	docs, err := i.find(ctx, filter, nil)
	if err != nil {
		return nil, storageErr(syncErrors.OpQuery, err)
	}
	return q.Apply(docs), nil
}

func (i *Instance) ChangeFeed() *synckit.Feed[synckit.ChangeEventBatch] { return i.c.feed }

func (i *Instance) ChangesSince(ctx context.Context, checkpoint cursor.Cursor, limit int) (synckit.ChangesPage, error) {
	if err := i.check(syncErrors.OpChangesSince); err != nil {
		return synckit.ChangesPage{}, err
	}
	if _, ok := checkpoint.(cursor.IntegerCursor); checkpoint != nil && !ok {
		return synckit.ChangesPage{}, syncErrors.NewValidationError(syncErrors.OpChangesSince, cursor.ErrIncomparable)
	}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	recs, err := i.findRecords(ctx, bson.M{"seq": bson.M{"$gt": int64(cursor.Seq(checkpoint))}}, opts)
	if err != nil {
		return synckit.ChangesPage{}, storageErr(syncErrors.OpChangesSince, err)
	}
	page := synckit.ChangesPage{Documents: make([]synckit.DocumentState, len(recs)), Checkpoint: checkpoint}
	for n, r := range recs {
		page.Documents[n] = r.document()
	}
	if len(recs) > 0 {
		page.Checkpoint = cursor.NewInteger(uint64(recs[len(recs)-1].Seq))
	}
	return page, nil
}

func (i *Instance) ConflictTasks() *synckit.Feed[synckit.ConflictTask] { return i.c.tasks.Feed() }

func (i *Instance) ResolveConflictTask(ctx context.Context, res synckit.ConflictResolution) error {
	if err := i.check(syncErrors.OpResolveTask); err != nil {
		return err
	}
	return i.c.tasks.Resolve(res)
}

func (i *Instance) Cleanup(ctx context.Context, minimumDeletedAge time.Duration) (bool, error) {
	if err := i.check(syncErrors.OpBulkWrite); err != nil {
		return false, err
	}
	cutoff := time.Now().Add(-minimumDeletedAge).UnixMilli()
	i.c.writeMu.Lock()
	defer i.c.writeMu.Unlock()
	res, err := i.c.docs.DeleteMany(ctx, bson.M{"deleted": true, "updatedAt": bson.M{"$lte": cutoff}})
	if err != nil {
		return false, storageErr(syncErrors.OpBulkWrite, fmt.Errorf("failed to purge tombstones: %w", err))
	}
	if res.DeletedCount > 0 {
		i.logger.Info("Purged tombstones", "count", res.DeletedCount, "minimum_age", minimumDeletedAge)
	}
	return true, nil
}

func (i *Instance) Close() error {
	if i.closed.Swap(true) {
		return nil
	}
	i.store.release(i.c, false)
	return nil
}

// Remove drops the MongoDB collection and its counter.
func (i *Instance) Remove(ctx context.Context) error {
	if i.closed.Swap(true) {
		return syncErrors.E(syncErrors.OpClose, syncErrors.Component(component), syncErrors.ErrClosed)
	}
	defer i.store.release(i.c, true)
	i.c.writeMu.Lock()
	defer i.c.writeMu.Unlock()
	if err := i.c.docs.Drop(ctx); err != nil {
		return storageErr(syncErrors.OpClose, err)
	}
	if _, err := i.c.counters.DeleteOne(ctx, bson.M{"_id": i.c.key}); err != nil {
		return storageErr(syncErrors.OpClose, err)
	}
	return nil
}
