package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/docsync/cursor"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/synckit"
)

// Instance is a handle on one collection table.
type Instance struct {
	store  *Store
	c      *collection
	cfg    synckit.InstanceConfig
	logger *slog.Logger
	closed atomic.Bool
}

var _ synckit.StorageInstance = (*Instance)(nil)

// Key identifies the collection across processes.
func (i *Instance) Key() string { return i.c.key }

func (i *Instance) check(op syncErrors.Operation) error {
	if i.closed.Load() {
		return syncErrors.E(op, syncErrors.Component(i.store.component), syncErrors.ErrClosed)
	}
	return nil
}

func (i *Instance) ph(n int) string { return i.store.dialect.Placeholder(n) }

// BulkWrite runs the whole batch in one transaction. The sequence row is
// read first, under a row lock where the dialect has one, so concurrent
// writers from other processes queue behind each other.
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

	tx, err := i.store.db.BeginTx(ctx, nil)
	if err != nil {
		return resp, i.store.storageErr(syncErrors.OpBulkWrite, fmt.Errorf("failed to begin transaction: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var seq int64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT seq FROM %s WHERE collection = %s%s`, sequencesTable, i.ph(1), i.store.dialect.LockClause),
		c.key).Scan(&seq)
	if err != nil {
		return resp, i.store.storageErr(syncErrors.OpBulkWrite, fmt.Errorf("failed to read sequence: %w", err))
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.Document.ID != "" {
			ids = append(ids, row.Document.ID)
		}
	}
	loaded, err := i.store.load(ctx, tx, c.table, ids, true)
	if err != nil {
		return resp, i.store.storageErr(syncErrors.OpBulkWrite, err)
	}
	current := make(map[string]synckit.DocumentState, len(loaded))
	for _, d := range loaded {
		current[d.ID] = d
	}

	staged := make(map[string]synckit.DocumentState)
	var (
		order  []string
		events []synckit.ChangeEvent
	)
	for _, row := range rows {
		var cur *synckit.DocumentState
		if d, ok := staged[row.Document.ID]; ok {
			cur = d.Ptr()
		} else if d, ok := current[row.Document.ID]; ok {
			cur = d.Ptr()
		}
		res := synckit.ApplyRow(ctx, c.tasks, i.cfg.ConflictMode, writeContext, cur, row)
		if res.Store != nil {
			if _, seen := staged[res.Store.ID]; !seen {
				order = append(order, res.Store.ID)
			}
			staged[res.Store.ID] = *res.Store
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

	upsert := fmt.Sprintf(`INSERT INTO %s (id, rev, deleted, data, updated_at, seq) VALUES (%s)
ON CONFLICT (id) DO UPDATE SET rev = excluded.rev, deleted = excluded.deleted, data = excluded.data,
	updated_at = excluded.updated_at, seq = excluded.seq`, c.table, i.store.dialect.placeholders(1, 6))
	stmt, err := tx.PrepareContext(ctx, upsert)
	if err != nil {
		return resp, i.store.storageErr(syncErrors.OpBulkWrite, fmt.Errorf("failed to prepare upsert: %w", err))
	}
	defer stmt.Close()
	from := seq
	for _, id := range order {
		d := staged[id]
		data, err := json.Marshal(d.Data)
		if err != nil {
			return resp, syncErrors.NewValidationError(syncErrors.OpBulkWrite, fmt.Errorf("failed to encode document %s: %w", id, err))
		}
		seq++
		if _, err := stmt.ExecContext(ctx, d.ID, d.Rev, d.Deleted, string(data), d.UpdatedAt, seq); err != nil {
			return resp, i.store.storageErr(syncErrors.OpBulkWrite, fmt.Errorf("failed to store document %s: %w", id, err))
		}
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET seq = %s WHERE collection = %s`, sequencesTable, i.ph(1), i.ph(2)),
		seq, c.key); err != nil {
		return resp, i.store.storageErr(syncErrors.OpBulkWrite, fmt.Errorf("failed to advance sequence: %w", err))
	}

	batch := synckit.ChangeEventBatch{
		ID:         uuid.NewString(),
		Events:     events,
		Checkpoint: cursor.NewInteger(uint64(seq)),
		Context:    writeContext,
	}
	if n := i.store.notifier; n != nil {
		commit := Commit{Key: c.key, BatchID: batch.ID, Context: writeContext, From: uint64(from), To: uint64(seq)}
		if err := n(ctx, tx, commit); err != nil {
			return resp, i.store.storageErr(syncErrors.OpBulkWrite, fmt.Errorf("failed to notify: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return resp, i.store.storageErr(syncErrors.OpBulkWrite, fmt.Errorf("failed to commit: %w", err))
	}
	committed = true

	c.feed.Publish(ctx, batch)
	i.logger.Debug("Bulk write applied",
		"rows", len(rows),
		"stored", len(order),
		"errors", len(resp.Errors),
		"seq", seq,
		"context", writeContext)
	return resp, nil
}

func (i *Instance) FindByID(ctx context.Context, ids []string, withDeleted bool) ([]synckit.DocumentState, error) {
	if err := i.check(syncErrors.OpFind); err != nil {
		return nil, err
	}
	docs, err := i.store.load(ctx, i.store.db, i.c.table, ids, withDeleted)
	if err != nil {
		return nil, i.store.storageErr(syncErrors.OpFind, err)
	}
	// Keep the order of ids.
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

// Query loads the candidate rows and applies q in memory.
func (i *Instance) Query(ctx context.Context, q synckit.PreparedQuery) ([]synckit.DocumentState, error) {
	if err := i.check(syncErrors.OpQuery); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s`, docColumns, i.c.table)
	var args []any
	if !q.IncludeDeleted {
		query += " WHERE deleted = " + i.ph(1)
		args = append(args, false)
	}
	rows, err := i.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, i.store.storageErr(syncErrors.OpQuery, err)
	}
	scanned, err := scanDocs(rows, false)
	if err != nil {
		return nil, i.store.storageErr(syncErrors.OpQuery, err)
	}
	docs := make([]synckit.DocumentState, len(scanned))
	for n, s := range scanned {
		docs[n] = s.doc
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
	since := int64(cursor.Seq(checkpoint))

	query := fmt.Sprintf(`SELECT %s, seq FROM %s WHERE seq > %s ORDER BY seq ASC`, docColumns, i.c.table, i.ph(1))
	args := []any{since}
	if limit > 0 {
		query += " LIMIT " + i.ph(2)
		args = append(args, limit)
	}
	rows, err := i.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return synckit.ChangesPage{}, i.store.storageErr(syncErrors.OpChangesSince, err)
	}
	scanned, err := scanDocs(rows, true)
	if err != nil {
		return synckit.ChangesPage{}, i.store.storageErr(syncErrors.OpChangesSince, err)
	}

	page := synckit.ChangesPage{Documents: make([]synckit.DocumentState, len(scanned)), Checkpoint: checkpoint}
	for n, s := range scanned {
		page.Documents[n] = s.doc
	}
	if len(scanned) > 0 {
		page.Checkpoint = cursor.NewInteger(scanned[len(scanned)-1].seq)
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

// Cleanup deletes every tombstone older than minimumDeletedAge in one
// statement.
func (i *Instance) Cleanup(ctx context.Context, minimumDeletedAge time.Duration) (bool, error) {
	if err := i.check(syncErrors.OpBulkWrite); err != nil {
		return false, err
	}
	cutoff := time.Now().Add(-minimumDeletedAge).UnixMilli()

	i.c.writeMu.Lock()
	defer i.c.writeMu.Unlock()
	res, err := i.store.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE deleted = %s AND updated_at <= %s`, i.c.table, i.ph(1), i.ph(2)),
		true, cutoff)
	if err != nil {
		return false, i.store.storageErr(syncErrors.OpBulkWrite, fmt.Errorf("failed to purge tombstones: %w", err))
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		i.logger.Info("Purged tombstones", "count", n, "minimum_age", minimumDeletedAge)
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

// Remove drops the collection table and its sequence.
func (i *Instance) Remove(ctx context.Context) error {
	if i.closed.Swap(true) {
		return syncErrors.E(syncErrors.OpClose, syncErrors.Component(i.store.component), syncErrors.ErrClosed)
	}
	defer i.store.release(i.c, true)

	i.c.writeMu.Lock()
	defer i.c.writeMu.Unlock()
	return i.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, i.c.table)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE collection = %s`, sequencesTable, i.ph(1)), i.c.key)
		return err
	})
}

func (i *Instance) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := i.store.db.BeginTx(ctx, nil)
	if err != nil {
		return i.store.storageErr(syncErrors.OpClose, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return i.store.storageErr(syncErrors.OpClose, err)
	}
	if err := tx.Commit(); err != nil {
		return i.store.storageErr(syncErrors.OpClose, err)
	}
	return nil
}
