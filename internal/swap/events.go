package swap

import "time"

// EventKind names a swap event.
type EventKind string

const (
	EventCreated               EventKind = "created"
	EventPaymentBroadcast      EventKind = "payment_broadcast"
	EventPaymentConfirmed      EventKind = "payment_confirmed"
	EventPartyPaymentFound     EventKind = "party_payment_found"
	EventPartyPaymentConfirmed EventKind = "party_payment_confirmed"
	EventPartyLockExpired      EventKind = "party_lock_expired"
	EventSecretFound           EventKind = "secret_found"
	EventRedeemBroadcast       EventKind = "redeem_broadcast"
	EventRedeemConfirmed       EventKind = "redeem_confirmed"
	EventRefundBroadcast       EventKind = "refund_broadcast"
	EventRefundConfirmed       EventKind = "refund_confirmed"
	EventRedeemForPartySent    EventKind = "redeem_for_party_broadcast"
	EventCanceled              EventKind = "canceled"
	EventError                 EventKind = "error"
)

// Event reports progress of one swap.
type Event struct {
	Kind   EventKind  `json:"kind"`
	SwapID string     `json:"swap_id"`
	Symbol string     `json:"symbol,omitempty"`
	TxID   string     `json:"txid,omitempty"`
	Flags  StateFlags `json:"flags"`
	State  string     `json:"state"`
	Error  string     `json:"error,omitempty"`
	Time   time.Time  `json:"time"`
}

// EventSink receives events. It must not block.
type EventSink func(Event)

func newEvent(kind EventKind, s *Swap, symbol, txID string) Event {
	return Event{
		Kind:   kind,
		SwapID: s.ID,
		Symbol: symbol,
		TxID:   txID,
		Flags:  s.StateFlags,
		State:  s.StateFlags.String(),
		Time:   time.Now(),
	}
}
