package transaction

import (
	"go.uber.org/atomic"
)

// RedoWriter is the durability boundary the commit path depends on. The real
// writer batches records and syncs on its own cadence; transferred lock
// bundles are finished once WaitForDurable returns for their position.
type RedoWriter interface {
	// Append writes a commit or rollback marker for the transaction and
	// returns its log position.
	Append(txnID uint64, commit bool) (int64, error)
	// WaitForDurable blocks until the given position is durable.
	WaitForDurable(pos int64) error
	// TopTxnID returns the highest transaction id ever appended, for
	// restoring the id service during recovery.
	TopTxnID() uint64
}

// localRedo is an immediately-durable in-process writer: every append is
// considered durable at once. It still tracks positions and the top id so
// the commit protocol runs unchanged.
type localRedo struct {
	pos atomic.Int64
	top atomic.Uint64
}

func newLocalRedo() *localRedo {
	return &localRedo{}
}

func (r *localRedo) Append(txnID uint64, commit bool) (int64, error) {
	for {
		cur := r.top.Load()
		if txnID <= cur || r.top.CAS(cur, txnID) {
			break
		}
	}
	return r.pos.Inc(), nil
}

func (r *localRedo) WaitForDurable(pos int64) error {
	return nil
}

func (r *localRedo) TopTxnID() uint64 {
	return r.top.Load()
}
