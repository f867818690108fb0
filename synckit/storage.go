package synckit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/docsync/cursor"
)

// WriteRow is one compare-and-swap write. Previous is the state the writer
// believes is current, nil for an insert.
type WriteRow struct {
	Document DocumentState  `json:"document"`
	Previous *DocumentState `json:"previous,omitempty"`
}

// Write error statuses.
const (
	StatusConflict = 409
	StatusInvalid  = 422
)

// WriteError describes a rejected row. A conflict carries the state the
// storage actually holds in RealMaster.
type WriteError struct {
	DocumentID string         `json:"documentId"`
	Status     int            `json:"status"`
	Row        WriteRow       `json:"row"`
	RealMaster *DocumentState `json:"realMaster,omitempty"`
	Message    string         `json:"message,omitempty"`
}

func (e WriteError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("write %s rejected (%d): %s", e.DocumentID, e.Status, e.Message)
	}
	return fmt.Sprintf("write %s rejected (%d)", e.DocumentID, e.Status)
}

// IsConflict reports whether the row lost a compare-and-swap.
func (e WriteError) IsConflict() bool { return e.Status == StatusConflict && e.RealMaster != nil }

// BulkWriteResponse lists the stored states of accepted rows and the errors
// of rejected ones.
type BulkWriteResponse struct {
	Success []DocumentState `json:"success"`
	Errors  []WriteError    `json:"errors"`
}

// ChangeOperation names the kind of change an event records.
type ChangeOperation string

const (
	OperationInsert ChangeOperation = "INSERT"
	OperationUpdate ChangeOperation = "UPDATE"
	OperationDelete ChangeOperation = "DELETE"
)

// ChangeEvent records one stored write.
type ChangeEvent struct {
	Operation  ChangeOperation `json:"operation"`
	DocumentID string          `json:"documentId"`
	Document   DocumentState   `json:"document"`
	Previous   *DocumentState  `json:"previous,omitempty"`
}

// ChangeEventBatch groups the events of one bulk write. Context is the
// write context the writer supplied.
type ChangeEventBatch struct {
	ID         string        `json:"id"`
	Events     []ChangeEvent `json:"events"`
	Checkpoint cursor.Cursor `json:"-"`
	Context    string        `json:"context"`
}

// ChangesPage is one page of a changes-since scan.
type ChangesPage struct {
	Documents  []DocumentState `json:"documents"`
	Checkpoint cursor.Cursor   `json:"-"`
}

// ConflictTask asks a subscriber to decide a conflict detected inside the
// storage layer.
type ConflictTask struct {
	ID      string        `json:"id"`
	Context string        `json:"context"`
	Input   ConflictInput `json:"input"`
}

// ConflictResolution answers a ConflictTask.
type ConflictResolution struct {
	TaskID string         `json:"id"`
	Output ConflictOutput `json:"output"`
}

// ConflictMode selects how an instance handles conflicting writes.
type ConflictMode int

const (
	// ConflictModeImmediate reports conflicts straight back to the writer.
	ConflictModeImmediate ConflictMode = iota
	// ConflictModeTasks publishes conflict tasks and waits for a resolution
	// when somebody is subscribed to the task stream.
	ConflictModeTasks
)

// InstanceConfig configures a storage instance.
type InstanceConfig struct {
	DatabaseName   string
	CollectionName string
	ConflictMode   ConflictMode
	Logger         *slog.Logger
}

// Validate checks the required names.
func (c InstanceConfig) Validate() error {
	if c.CollectionName == "" {
		return fmt.Errorf("collection name is required")
	}
	return nil
}

// Storage creates storage instances.
type Storage interface {
	Name() string
	CreateInstance(ctx context.Context, cfg InstanceConfig) (StorageInstance, error)
}

// StorageInstance is one collection of documents in some storage.
type StorageInstance interface {
	// BulkWrite applies rows with compare-and-swap semantics. Rows are
	// isolated: a rejected row does not affect its siblings. writeContext
	// is recorded on the resulting change batch.
	BulkWrite(ctx context.Context, rows []WriteRow, writeContext string) (BulkWriteResponse, error)

	// FindByID returns the current states of the ids that exist. Tombstones
	// are included only when withDeleted is set.
	FindByID(ctx context.Context, ids []string, withDeleted bool) ([]DocumentState, error)

	Query(ctx context.Context, q PreparedQuery) ([]DocumentState, error)

	// ChangeFeed publishes one batch per successful bulk write.
	ChangeFeed() *Feed[ChangeEventBatch]

	// ChangesSince returns up to limit documents changed after checkpoint
	// in change order, each with its latest state, tombstones included.
	ChangesSince(ctx context.Context, checkpoint cursor.Cursor, limit int) (ChangesPage, error)

	ConflictTasks() *Feed[ConflictTask]

	// ResolveConflictTask answers a task. Unknown or already answered ids
	// fail with errors.ErrUnknownTask.
	ResolveConflictTask(ctx context.Context, res ConflictResolution) error

	// Cleanup purges tombstones older than minimumDeletedAge. It returns
	// true when nothing is left to purge.
	Cleanup(ctx context.Context, minimumDeletedAge time.Duration) (bool, error)

	Close() error

	// Remove deletes all data of the instance and closes it.
	Remove(ctx context.Context) error
}

// Write contexts used by the replication engines. Change batches carrying
// these let a replication recognise its own writes.
func pullWriteContext(replicationID string) string { return "replication:" + replicationID + ":pull" }
func pushWriteContext(replicationID string) string { return "replication:" + replicationID + ":push" }
