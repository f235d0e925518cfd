package transaction

import (
	"github.com/google/uuid"
)

// TransactionState represents the in-memory state of a transaction.
type TransactionState int

const (
	TxnStateRunning   TransactionState = iota // Transaction is active, operations are being applied
	TxnStateCommitted                         // Transaction committed
	TxnStateAborted                           // Transaction aborted
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "running"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Transaction is the handle index operations run on behalf of. The storage
// layer carries it through for logging and never changes it.
type Transaction struct {
	ID    uuid.UUID
	State TransactionState
}

// New starts a running transaction with a fresh id.
func New() *Transaction {
	return &Transaction{ID: uuid.New(), State: TxnStateRunning}
}

// IDString returns the transaction id, or "none" for a nil transaction.
func (t *Transaction) IDString() string {
	if t == nil {
		return "none"
	}
	return t.ID.String()
}

func (t *Transaction) Commit() { t.State = TxnStateCommitted }
func (t *Transaction) Abort()  { t.State = TxnStateAborted }
