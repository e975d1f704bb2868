package domain

// Status is the single source of truth for a mission's lifecycle stage.
type Status string

const (
	StatusCreated    Status = "created"
	StatusFunded     Status = "funded"
	StatusInProgress Status = "in_progress"
	StatusDelivered  Status = "delivered"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusDisputed   Status = "disputed"
	StatusRefunded   Status = "refunded"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every lifecycle stage in declaration order.
var Statuses = []Status{
	StatusCreated, StatusFunded, StatusInProgress, StatusDelivered,
	StatusApproved, StatusRejected, StatusDisputed, StatusRefunded, StatusCancelled,
}

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusFunded, StatusInProgress, StatusDelivered,
		StatusApproved, StatusRejected, StatusDisputed, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is defined from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Mission is one escrow-backed task record. Amounts are int64 minor units;
// deadline fields are unix seconds. Records are never deleted.
type Mission struct {
	ID                 int64   `json:"id"`
	Creator            string  `json:"creator"`
	Freelancer         *string `json:"freelancer,omitempty"`
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	RejectionMessage   string  `json:"rejection_message,omitempty"`
	PaymentAmount      int64   `json:"payment_amount"`
	EscrowedAmount     int64   `json:"escrowed_amount"`
	DeliveryDeadline   int64   `json:"delivery_deadline"`
	ValidationPeriod   int64   `json:"validation_period"`
	DeliveredAt        int64   `json:"delivered_at,omitempty"`
	ValidationDeadline int64   `json:"validation_deadline,omitempty"`
	ArbiterEnabled     bool    `json:"arbiter_enabled"`
	CancellationType   bool    `json:"cancellation_type"`
	Status             Status  `json:"status" enum:"created,funded,in_progress,delivered,approved,rejected,disputed,refunded,cancelled"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

// Transition is the committed change record for one engine operation.
type Transition struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	MissionID   int64  `json:"mission_id"`
	Action      string `json:"action"`
	FromStatus  Status `json:"from_status"`
	ToStatus    Status `json:"to_status"`
	ActorID     string `json:"actor_id"`
	AmountMoved int64  `json:"amount_moved"`
	Payload     string `json:"payload_json,omitempty"`
}

// LedgerEntry is one custody movement. Entry is deposit, payout or refund;
// Counterparty is the identity the value came from or went to.
type LedgerEntry struct {
	ID           int64  `json:"id"`
	MissionID    int64  `json:"mission_id"`
	Entry        string `json:"entry" enum:"deposit,payout,refund"`
	Amount       int64  `json:"amount"`
	Counterparty string `json:"counterparty"`
	TS           string `json:"ts" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
