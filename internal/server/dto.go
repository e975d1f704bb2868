package server

// Request payloads

type CreateMissionRequest struct {
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	PaymentAmount    int64  `json:"payment_amount"`
	DeliveryDeadline int64  `json:"delivery_deadline"`
	ValidationPeriod int64  `json:"validation_period,omitempty"`
	ArbiterEnabled   bool   `json:"arbiter_enabled,omitempty"`
	CancellationType bool   `json:"cancellation_type,omitempty"`
}

type FundMissionRequest struct {
	Amount int64 `json:"amount"`
}

type RejectMissionRequest struct {
	ExtraTime int64  `json:"extra_time"`
	Message   string `json:"message"`
}

type DisputeMissionRequest struct {
	Reason string `json:"reason"`
}

type ResolveDisputeRequest struct {
	PayFreelancer bool `json:"pay_freelancer"`
}

type UpdateDeadlineRequest struct {
	DeliveryDeadline int64 `json:"delivery_deadline"`
}

// StatusResponse is the store-wide summary.
type StatusResponse struct {
	MissionsCount    int64            `json:"missions_count"`
	EscrowedTotal    int64            `json:"escrowed_total"`
	CustodyHeld      int64            `json:"custody_held"`
	Administrator    string           `json:"administrator"`
	MissionsByStatus map[string]int64 `json:"missions_by_status,omitempty"`
}
