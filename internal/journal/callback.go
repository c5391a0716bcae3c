package journal

import (
	"github.com/ChuLiYu/mqueue-journal/internal/storage/block"
	"github.com/ChuLiYu/mqueue-journal/pkg/types"
)

// Callback receives the location of durably written data. It runs on the
// consumer goroutine, once per block segment the write landed in (at most
// two per write), so it must not block on the journal itself.
//
// init is set on the first segment of a logical message, final on its last.
type Callback interface {
	OnData(code types.Code, init, final bool, id, seq uint64, store block.Store, seg types.Segment)
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(code types.Code, init, final bool, id, seq uint64, store block.Store, seg types.Segment)

func (f CallbackFunc) OnData(code types.Code, init, final bool, id, seq uint64, store block.Store, seg types.Segment) {
	f(code, init, final, id, seq, store, seg)
}

// RecoverListener is called once per data record replayed at open, in
// journal order. Returning an error aborts the open.
type RecoverListener interface {
	OnRecoveredRecord(store block.Store, rec Record) error
}

// RecoverListenerFunc adapts a function to RecoverListener.
type RecoverListenerFunc func(store block.Store, rec Record) error

func (f RecoverListenerFunc) OnRecoveredRecord(store block.Store, rec Record) error {
	return f(store, rec)
}
