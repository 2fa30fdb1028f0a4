package engine

import (
	"log/slog"
	"time"

	"github.com/BadgerOps/zippy/internal/store"
)

// opRecord mirrors one call into the history store. A nil store makes
// every method a no-op; store failures are logged and never surface.
type opRecord struct {
	st     *store.Store
	op     *store.Operation
	logger *slog.Logger
}

func (e *Engine) beginRecord(op *store.Operation) *opRecord {
	rec := &opRecord{st: e.historyStore(), op: op, logger: e.logger}
	if rec.st == nil {
		return rec
	}
	op.Status = "running"
	op.StartTime = time.Now()
	if err := rec.st.CreateOperation(op); err != nil {
		rec.logger.Warn("failed to record operation start", "kind", op.Kind, "error", err)
		rec.st = nil
	}
	return rec
}

func (r *opRecord) setFormat(format string) {
	r.op.Format = format
}

func (r *opRecord) finish(err error, current, total int64) {
	if r.st == nil {
		return
	}
	r.op.Status = string(terminalPhase(err))
	if err != nil {
		r.op.ErrorKind = KindOf(err).String()
		r.op.ErrorMessage = err.Error()
	}
	r.op.ProcessedBytes = current
	r.op.TotalBytes = total
	r.op.EndTime = time.Now()
	if uerr := r.st.UpdateOperation(r.op); uerr != nil {
		r.logger.Warn("failed to record operation result", "id", r.op.ID, "error", uerr)
	}
}
