package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"escrowline/internal/config"
	"escrowline/internal/custody"
	"escrowline/internal/domain"
	"escrowline/internal/engine/auth"
	"escrowline/internal/events"
	"escrowline/internal/repo"
)

// Action names recorded on every committed transition.
const (
	ActionAdd            = "mission.added"
	ActionFund           = "mission.funded"
	ActionCancel         = "mission.cancelled"
	ActionAccept         = "mission.accepted"
	ActionDeliver        = "mission.delivered"
	ActionApprove        = "mission.approved"
	ActionReject         = "mission.rejected"
	ActionAutoApprove    = "mission.auto_approved"
	ActionDispute        = "mission.disputed"
	ActionResolveDispute = "mission.dispute_resolved"
	ActionRefund         = "mission.refunded"
	ActionUpdateDeadline = "mission.deadline_updated"
)

// Engine is the mission state machine. Every mutating call validates the
// caller's role and the current status, then commits the new status, the
// custody movement and the transition record as one transaction. On any
// failure state is left untouched.
type Engine struct {
	DB            *sql.DB
	Repo          repo.Repo
	Custody       custody.Custodian
	Events        events.Writer
	Administrator string
	// ValidationPeriod is the default window, in seconds, applied when a
	// mission is created without one.
	ValidationPeriod int64
	Now              func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Custody: custody.Custodian{DB: db},
		Events:  events.Writer{DB: db},
		Now:     time.Now,
	}
	if cfg != nil {
		e.Administrator = cfg.Administrator.ID
		e.ValidationPeriod = cfg.ValidationPeriodSeconds()
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// writer and custodian hand the engine's clock down so transition and ledger
// timestamps agree with the deadline checks.
func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) custodian() custody.Custodian {
	c := e.Custody
	if c.Now == nil {
		c.Now = e.now
	}
	return c
}

// MissionCreateOptions are parameters for adding a mission.
type MissionCreateOptions struct {
	Creator          string
	Title            string
	Description      string
	PaymentAmount    int64
	DeliveryDeadline int64
	ValidationPeriod int64
	ArbiterEnabled   bool
	CancellationType bool
}

// AddMission creates a mission with the next sequential id, zero escrow and
// no freelancer.
func (e Engine) AddMission(ctx context.Context, opts MissionCreateOptions) (domain.Mission, error) {
	now := e.now()
	if opts.Creator == "" {
		return domain.Mission{}, InvalidArgumentError{Field: "creator", Reason: "required"}
	}
	if opts.Title == "" {
		return domain.Mission{}, InvalidArgumentError{Field: "title", Reason: "required"}
	}
	if opts.PaymentAmount <= 0 {
		return domain.Mission{}, InvalidArgumentError{Field: "payment_amount", Reason: "must be positive"}
	}
	if opts.DeliveryDeadline <= now.Unix() {
		return domain.Mission{}, InvalidArgumentError{Field: "delivery_deadline", Reason: "must be in the future"}
	}
	period := opts.ValidationPeriod
	if period == 0 {
		period = e.ValidationPeriod
	}
	if period <= 0 {
		return domain.Mission{}, InvalidArgumentError{Field: "validation_period", Reason: "must be positive"}
	}
	ts := now.UTC().Format(time.RFC3339)
	m := domain.Mission{
		Creator:          opts.Creator,
		Title:            opts.Title,
		Description:      opts.Description,
		PaymentAmount:    opts.PaymentAmount,
		DeliveryDeadline: opts.DeliveryDeadline,
		ValidationPeriod: period,
		ArbiterEnabled:   opts.ArbiterEnabled,
		CancellationType: opts.CancellationType,
		Status:           domain.StatusCreated,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertMissionTx(ctx, tx, m)
	if err != nil {
		return domain.Mission{}, err
	}
	m.ID = id
	if err := e.writer().Append(ctx, tx, ActionAdd, m.ID, "", m.Status, opts.Creator, 0, events.Payload{
		"title":          m.Title,
		"payment_amount": m.PaymentAmount,
	}); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

// FundMission escrows the creator's deposit. The deposited amount must
// exactly equal the mission's payment amount.
func (e Engine) FundMission(ctx context.Context, id int64, caller string, deposit int64) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := auth.RequireCreator(caller, m); err != nil {
		return domain.Mission{}, err
	}
	if m.Status != domain.StatusCreated {
		return domain.Mission{}, InvalidStateError{Action: ActionFund, Status: m.Status}
	}
	from := m.Status
	m.EscrowedAmount = m.PaymentAmount
	m.Status = domain.StatusFunded
	return e.commit(ctx, m, from, ActionFund, caller, m.PaymentAmount, func(tx *sql.Tx) error {
		return e.custodian().Deposit(ctx, tx, m.ID, deposit, m.PaymentAmount, caller)
	}, nil)
}

// CancelMission is the creator's escape before any freelancer is involved.
// A funded mission is refunded in the same commit.
func (e Engine) CancelMission(ctx context.Context, id int64, caller string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := auth.RequireCreator(caller, m); err != nil {
		return domain.Mission{}, err
	}
	if m.Status != domain.StatusCreated && m.Status != domain.StatusFunded {
		return domain.Mission{}, InvalidStateError{Action: ActionCancel, Status: m.Status}
	}
	if m.Freelancer != nil {
		return domain.Mission{}, InvalidStateError{Action: ActionCancel, Status: m.Status}
	}
	from := m.Status
	refund := m.EscrowedAmount
	m.EscrowedAmount = 0
	m.Status = domain.StatusCancelled
	var move func(tx *sql.Tx) error
	if refund > 0 {
		move = func(tx *sql.Tx) error {
			return e.custodian().Refund(ctx, tx, m.ID, refund, m.Creator)
		}
	}
	return e.commit(ctx, m, from, ActionCancel, caller, refund, move, nil)
}

// AcceptMission assigns the calling counterparty as the mission's freelancer.
// The assignment happens exactly once; a losing concurrent accept fails with
// InvalidStateError.
func (e Engine) AcceptMission(ctx context.Context, id int64, caller string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := auth.RequireCounterparty(caller, m); err != nil {
		return domain.Mission{}, err
	}
	if m.Status != domain.StatusFunded || m.Freelancer != nil {
		return domain.Mission{}, InvalidStateError{Action: ActionAccept, Status: m.Status}
	}
	from := m.Status
	m.Freelancer = &caller
	m.Status = domain.StatusInProgress
	return e.commit(ctx, m, from, ActionAccept, caller, 0, nil, nil)
}

// DeliverMission records delivery and opens the validation window.
func (e Engine) DeliverMission(ctx context.Context, id int64, caller string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := auth.RequireFreelancer(caller, m); err != nil {
		return domain.Mission{}, err
	}
	if m.Status != domain.StatusInProgress && m.Status != domain.StatusRejected {
		return domain.Mission{}, InvalidStateError{Action: ActionDeliver, Status: m.Status}
	}
	from := m.Status
	now := e.now().Unix()
	m.DeliveredAt = now
	m.ValidationDeadline = now + m.ValidationPeriod
	m.Status = domain.StatusDelivered
	return e.commit(ctx, m, from, ActionDeliver, caller, 0, nil, events.Payload{
		"validation_deadline": m.ValidationDeadline,
	})
}

// ApproveMission releases the escrow to the freelancer.
func (e Engine) ApproveMission(ctx context.Context, id int64, caller string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := auth.RequireCreator(caller, m); err != nil {
		return domain.Mission{}, err
	}
	if m.Status != domain.StatusDelivered {
		return domain.Mission{}, InvalidStateError{Action: ActionApprove, Status: m.Status}
	}
	return e.payFreelancer(ctx, m, ActionApprove, caller)
}

// RejectMission sends a delivered mission back to the freelancer with a
// rationale. The extension is anchored to the current time, not the prior
// deadline.
func (e Engine) RejectMission(ctx context.Context, id int64, caller string, extraTime int64, message string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := auth.RequireCreator(caller, m); err != nil {
		return domain.Mission{}, err
	}
	if extraTime <= 0 {
		return domain.Mission{}, InvalidArgumentError{Field: "extra_time", Reason: "must be positive"}
	}
	if message == "" {
		return domain.Mission{}, InvalidArgumentError{Field: "message", Reason: "required"}
	}
	if m.Status != domain.StatusDelivered {
		return domain.Mission{}, InvalidStateError{Action: ActionReject, Status: m.Status}
	}
	from := m.Status
	m.RejectionMessage = message
	m.DeliveryDeadline = e.now().Unix() + extraTime
	m.Status = domain.StatusRejected
	return e.commit(ctx, m, from, ActionReject, caller, 0, nil, events.Payload{
		"message":           message,
		"delivery_deadline": m.DeliveryDeadline,
	})
}

// AutoApprove is the freelancer's protection against an unresponsive creator:
// once the validation deadline has passed without action, the freelancer may
// trigger the release themselves.
func (e Engine) AutoApprove(ctx context.Context, id int64, caller string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := auth.RequireFreelancer(caller, m); err != nil {
		return domain.Mission{}, err
	}
	if m.Status != domain.StatusDelivered || m.EscrowedAmount <= 0 || m.ValidationDeadline <= 0 {
		return domain.Mission{}, InvalidStateError{Action: ActionAutoApprove, Status: m.Status}
	}
	if e.now().Unix() < m.ValidationDeadline {
		return domain.Mission{}, InvalidStateError{Action: ActionAutoApprove, Status: m.Status}
	}
	return e.payFreelancer(ctx, m, ActionAutoApprove, caller)
}

// DisputeMission freezes the mission for arbitration. The reason is recorded
// on the transition only.
func (e Engine) DisputeMission(ctx context.Context, id int64, caller, reason string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := auth.RequireParticipant(caller, m); err != nil {
		return domain.Mission{}, err
	}
	if reason == "" {
		return domain.Mission{}, InvalidArgumentError{Field: "reason", Reason: "required"}
	}
	switch m.Status {
	case domain.StatusInProgress, domain.StatusDelivered, domain.StatusRejected:
	default:
		return domain.Mission{}, InvalidStateError{Action: ActionDispute, Status: m.Status}
	}
	from := m.Status
	m.Status = domain.StatusDisputed
	return e.commit(ctx, m, from, ActionDispute, caller, 0, nil, events.Payload{"reason": reason})
}

// ResolveDispute lets the administrator settle a disputed mission either way,
// provided the mission opted into arbitration at creation.
func (e Engine) ResolveDispute(ctx context.Context, id int64, caller string, payFreelancer bool) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := auth.RequireAdministrator(caller, e.Administrator); err != nil {
		return domain.Mission{}, err
	}
	if !m.ArbiterEnabled {
		return domain.Mission{}, InvalidStateError{Action: ActionResolveDispute, Status: m.Status}
	}
	if m.Status != domain.StatusDisputed {
		return domain.Mission{}, InvalidStateError{Action: ActionResolveDispute, Status: m.Status}
	}
	if payFreelancer {
		return e.payFreelancer(ctx, m, ActionResolveDispute, caller)
	}
	from := m.Status
	refund := m.EscrowedAmount
	m.EscrowedAmount = 0
	m.Status = domain.StatusRefunded
	var move func(tx *sql.Tx) error
	if refund > 0 {
		move = func(tx *sql.Tx) error {
			return e.custodian().Refund(ctx, tx, m.ID, refund, m.Creator)
		}
	}
	return e.commit(ctx, m, from, ActionResolveDispute, caller, refund, move, events.Payload{"pay_freelancer": false})
}

// RefundMission is the creator's broad escape hatch: escrowed value can be
// reclaimed from any non-terminal, non-disputed state.
func (e Engine) RefundMission(ctx context.Context, id int64, caller string) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := auth.RequireCreator(caller, m); err != nil {
		return domain.Mission{}, err
	}
	if m.Status.Terminal() || m.Status == domain.StatusDisputed || m.EscrowedAmount <= 0 {
		return domain.Mission{}, InvalidStateError{Action: ActionRefund, Status: m.Status}
	}
	from := m.Status
	refund := m.EscrowedAmount
	m.EscrowedAmount = 0
	m.Status = domain.StatusRefunded
	return e.commit(ctx, m, from, ActionRefund, caller, refund, func(tx *sql.Tx) error {
		return e.custodian().Refund(ctx, tx, m.ID, refund, m.Creator)
	}, nil)
}

// UpdateDeliveryDeadline lets the creator move the delivery deadline on any
// non-terminal mission. The status is unchanged.
func (e Engine) UpdateDeliveryDeadline(ctx context.Context, id int64, caller string, newDeadline int64) (domain.Mission, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := auth.RequireCreator(caller, m); err != nil {
		return domain.Mission{}, err
	}
	if newDeadline <= e.now().Unix() {
		return domain.Mission{}, InvalidArgumentError{Field: "delivery_deadline", Reason: "must be in the future"}
	}
	if m.Status.Terminal() {
		return domain.Mission{}, InvalidStateError{Action: ActionUpdateDeadline, Status: m.Status}
	}
	from := m.Status
	m.DeliveryDeadline = newDeadline
	return e.commit(ctx, m, from, ActionUpdateDeadline, caller, 0, nil, events.Payload{
		"delivery_deadline": newDeadline,
	})
}

func (e Engine) payFreelancer(ctx context.Context, m domain.Mission, action, actorID string) (domain.Mission, error) {
	if m.Freelancer == nil {
		return domain.Mission{}, InvalidStateError{Action: action, Status: m.Status}
	}
	from := m.Status
	amount := m.EscrowedAmount
	recipient := *m.Freelancer
	m.EscrowedAmount = 0
	m.Status = domain.StatusApproved
	var move func(tx *sql.Tx) error
	if amount > 0 {
		move = func(tx *sql.Tx) error {
			return e.custodian().Payout(ctx, tx, m.ID, amount, recipient)
		}
	}
	return e.commit(ctx, m, from, action, actorID, amount, move, events.Payload{"recipient": recipient})
}

// commit applies the fund movement, the guarded status write and the
// transition record as one transaction. The guard re-checks the status the
// caller validated against; a concurrent call that committed first makes this
// one fail with InvalidStateError and no side effects.
func (e Engine) commit(ctx context.Context, m domain.Mission, from domain.Status, action, actorID string, amountMoved int64, move func(*sql.Tx) error, payload events.Payload) (domain.Mission, error) {
	// The validation deadline only exists while the mission sits in Delivered.
	if m.Status != domain.StatusDelivered {
		m.ValidationDeadline = 0
	}
	m.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	if move != nil {
		if err := move(tx); err != nil {
			return domain.Mission{}, err
		}
	}
	if err := e.Repo.CommitMissionTx(ctx, tx, m, from); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if cur, gerr := e.Repo.GetMissionTx(ctx, tx, m.ID); gerr == nil {
				return domain.Mission{}, InvalidStateError{Action: action, Status: cur.Status}
			}
			return domain.Mission{}, repo.ErrNotFound
		}
		return domain.Mission{}, err
	}
	if err := e.writer().Append(ctx, tx, action, m.ID, from, m.Status, actorID, amountMoved, payload); err != nil {
		return domain.Mission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}
