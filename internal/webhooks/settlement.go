package webhooks

import (
	"github.com/x402flash/facilitator/internal/settlement"
)

// SettlementRecorded implements settlement.Notifier.
func (d *Dispatcher) SettlementRecorded(r *settlement.Record) {
	t := EventSettlementConfirmed
	if r.Status != settlement.StatusConfirmed {
		t = EventSettlementFailed
	}
	cp := *r
	d.Dispatch(NewEvent(t, &cp))
}

var _ settlement.Notifier = (*Dispatcher)(nil)
