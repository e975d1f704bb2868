package auth

import (
	"fmt"

	"escrowline/internal/domain"
)

// Role is a caller's relationship to one mission, resolved dynamically per
// call rather than stored anywhere.
type Role string

const (
	// Creator is the identity that added the mission.
	Creator Role = "creator"
	// Freelancer is the identity that accepted the mission.
	Freelancer Role = "freelancer"
	// Administrator is the fixed arbiter identity.
	Administrator Role = "administrator"
	// Counterparty is any identity other than the mission's creator.
	Counterparty Role = "counterparty"
)

// UnauthorizedError indicates the caller's role does not match the action's
// required role.
type UnauthorizedError struct {
	Role   Role
	Caller string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("caller %s does not hold role %s", e.Caller, e.Role)
}

// Resolve returns the caller's primary role against a mission and the
// administrator identity. Creator and freelancer take precedence over
// administrator so a self-dealing admin is still bound by participant rules.
func Resolve(caller string, m domain.Mission, administrator string) Role {
	switch {
	case caller == m.Creator:
		return Creator
	case m.Freelancer != nil && caller == *m.Freelancer:
		return Freelancer
	case caller == administrator:
		return Administrator
	default:
		return Counterparty
	}
}

// The Require helpers are the only authorization gates the engine uses; all
// of them answer through Resolve. Mission-relative checks pass an empty
// administrator since the admin identity never grants participant roles.

func RequireCreator(caller string, m domain.Mission) error {
	if Resolve(caller, m, "") != Creator {
		return UnauthorizedError{Role: Creator, Caller: caller}
	}
	return nil
}

func RequireFreelancer(caller string, m domain.Mission) error {
	if Resolve(caller, m, "") != Freelancer {
		return UnauthorizedError{Role: Freelancer, Caller: caller}
	}
	return nil
}

func RequireAdministrator(caller, administrator string) error {
	if administrator == "" || Resolve(caller, domain.Mission{}, administrator) != Administrator {
		return UnauthorizedError{Role: Administrator, Caller: caller}
	}
	return nil
}

// RequireCounterparty rejects the mission's own creator; anyone else may act.
func RequireCounterparty(caller string, m domain.Mission) error {
	if Resolve(caller, m, "") == Creator {
		return UnauthorizedError{Role: Counterparty, Caller: caller}
	}
	return nil
}

// RequireParticipant accepts the creator or the assigned freelancer.
func RequireParticipant(caller string, m domain.Mission) error {
	switch Resolve(caller, m, "") {
	case Creator, Freelancer:
		return nil
	}
	return UnauthorizedError{Role: Creator, Caller: caller}
}
