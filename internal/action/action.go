package action

// Operation tags recorded in CommitInfo.Operation.
const (
	OpCreateTable = "CREATE TABLE"
	OpWrite       = "WRITE"
	OpDelete      = "DELETE"
)

// Action is a single recorded change within one log version. The concrete
// types are Add, Remove, Metadata, and CommitInfo; nothing else implements
// the interface.
type Action interface {
	isAction()
}

// Add records a data file joining the table's live set.
type Add struct {
	// Path is the file location relative to the table root.
	Path string `json:"path"`

	// PartitionValues maps partition column name to value for this file.
	// Empty for unpartitioned tables.
	PartitionValues map[string]string `json:"partitionValues,omitempty"`

	// Size is the file size in bytes, as reported by the writing engine.
	Size int64 `json:"size"`

	// ModificationTime is when the file was written, epoch milliseconds.
	ModificationTime int64 `json:"modificationTime"`

	// DataChange is false only for rearrangements that do not change the
	// table's visible rows (e.g. a stats-only rewrite).
	DataChange bool `json:"dataChange"`

	// Stats is an opaque JSON document produced by the writing engine
	// (row counts, column bounds). This core never parses it.
	Stats string `json:"stats,omitempty"`
}

func (Add) isAction() {}

// Tombstone returns the Remove that supersedes this file, stamped with the
// given deletion time (epoch milliseconds).
func (a Add) Tombstone(deletionTime int64) Remove {
	return Remove{
		Path:              a.Path,
		DeletionTimestamp: deletionTime,
		DataChange:        true,
		PartitionValues:   a.PartitionValues,
	}
}

// Remove records a data file leaving the live set. The file is not
// physically deleted; the tombstone keeps it reachable for time-travel
// reads until garbage collection retires it.
type Remove struct {
	Path string `json:"path"`

	// DeletionTimestamp is when the remove was committed, epoch
	// milliseconds. Garbage collection uses it for the tombstone grace
	// period.
	DeletionTimestamp int64 `json:"deletionTimestamp"`

	DataChange bool `json:"dataChange"`

	PartitionValues map[string]string `json:"partitionValues,omitempty"`
}

func (Remove) isAction() {}

// Metadata records the table's schema and layout. The newest Metadata in
// the log wins; a table's first entry always carries one.
type Metadata struct {
	// ID uniquely identifies the table across renames and moves.
	// Assigned once at creation.
	ID string `json:"id"`

	Name string `json:"name,omitempty"`

	// SchemaString is the engine's schema serialization. Opaque here.
	SchemaString string `json:"schemaString,omitempty"`

	PartitionColumns []string `json:"partitionColumns"`

	// Configuration holds table-level settings such as
	// "retention.duration" (Go duration string).
	Configuration map[string]string `json:"configuration,omitempty"`

	// CreatedTime is epoch milliseconds.
	CreatedTime int64 `json:"createdTime,omitempty"`
}

func (Metadata) isAction() {}

// CommitInfo is the audit record closing every committed version. A version
// whose mutation matched zero files still carries one.
type CommitInfo struct {
	// Version is the log position of this commit. It is not serialized:
	// the entry's own key in the log is the version, and readers stamp it
	// on decode.
	Version int64 `json:"-"`

	// Timestamp is the commit wall-clock time, epoch milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Operation is the mutation tag (OpCreateTable, OpWrite, OpDelete).
	Operation string `json:"operation"`

	// OperationParameters carries operation detail, e.g. the DELETE
	// predicate under "predicate".
	OperationParameters map[string]string `json:"operationParameters,omitempty"`

	// ReadVersion is the snapshot version the transaction planned against,
	// -1 for table creation.
	ReadVersion int64 `json:"readVersion"`

	// TxnID is the transaction's unique identifier, assigned at Begin.
	// After an ambiguous append outcome the committer re-reads the entry
	// and compares TxnID to decide whether its write landed.
	TxnID string `json:"txnId,omitempty"`
}

func (CommitInfo) isAction() {}
