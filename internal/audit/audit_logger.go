package audit

import (
	"encoding/json"
	"log/slog"
	"time"
)

type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	EventType   string    `json:"event_type"`
	ReferenceID string    `json:"reference_id"`
	AccountID   string    `json:"account_id,omitempty"`
	Amount      int64     `json:"amount,omitempty"`
	Status      string    `json:"status"`
	Details     any       `json:"details,omitempty"`
}

// Logger writes money-moving and state-changing operations as JSON audit
// records on a dedicated slog logger.
type Logger struct {
	log *slog.Logger
	now func() time.Time
}

func NewLogger(log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{log: log.With("channel", "audit"), now: time.Now}
}

func (a *Logger) LogLedgerMutation(transactionID, accountID, kind string, delta, balanceAfter int64) {
	a.write(Event{
		Timestamp:   a.now(),
		EventType:   "LEDGER_" + kind,
		ReferenceID: transactionID,
		AccountID:   accountID,
		Amount:      delta,
		Status:      "SUCCESS",
		Details:     map[string]int64{"balance_after": balanceAfter},
	})
}

func (a *Logger) LogTransition(orderID, from, to, actor string) {
	a.write(Event{
		Timestamp:   a.now(),
		EventType:   "ORDER_TRANSITION",
		ReferenceID: orderID,
		Status:      "SUCCESS",
		Details: map[string]string{
			"from":  from,
			"to":    to,
			"actor": actor,
		},
	})
}

func (a *Logger) LogError(referenceID, accountID string, err error) {
	a.write(Event{
		Timestamp:   a.now(),
		EventType:   "ERROR",
		ReferenceID: referenceID,
		AccountID:   accountID,
		Status:      "FAILED",
		Details:     map[string]string{"error": err.Error()},
	})
}

func (a *Logger) LogOperation(referenceID, operation, details string) {
	a.write(Event{
		Timestamp:   a.now(),
		EventType:   operation,
		ReferenceID: referenceID,
		Status:      "SUCCESS",
		Details:     map[string]string{"details": details},
	})
}

func (a *Logger) write(event Event) {
	data, _ := json.Marshal(event)
	a.log.Info("AUDIT", "event", json.RawMessage(data))
}
