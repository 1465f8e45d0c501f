// Package nsls2api is a typed client for the NSLS-II facility API and the
// bridge that loads an approved experiment into a beamline's metadata
// dictionary.
package nsls2api

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultBaseURL is the production facility API.
const DefaultBaseURL = "https://api.nsls2.bnl.gov"

// DefaultFacility is the accelerator the beamlines belong to.
const DefaultFacility = "nsls2"

// SAFStatusApproved is the status the proposal office sets on usable safety
// approval forms.
const SAFStatusApproved = "APPROVED"

var (
	// ErrProposalNotFound is wrapped when the API does not know the proposal.
	ErrProposalNotFound = errors.New("proposal not found")
	// ErrNotOnBeamline is wrapped when a proposal is not scheduled on the
	// requesting beamline.
	ErrNotOnBeamline = errors.New("proposal is not scheduled on this beamline")
	// ErrNoApprovedSAF is wrapped when no safety approval form covers the
	// requesting beamline.
	ErrNoApprovedSAF = errors.New("no approved safety form for this beamline")
)

// SAF is one safety approval form attached to a proposal.
type SAF struct {
	ID          string   `json:"saf_id"`
	Status      string   `json:"status"`
	Instruments []string `json:"instruments"`
}

// Covers reports whether the form is approved and lists the instrument.
// Comparisons are case-insensitive, the API uses upper-case acronyms.
func (s SAF) Covers(instrument string) bool {
	if !strings.EqualFold(s.Status, SAFStatusApproved) {
		return false
	}
	for _, in := range s.Instruments {
		if strings.EqualFold(in, instrument) {
			return true
		}
	}
	return false
}

// User is one member of a proposal.
type User struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	IsPI      bool   `json:"is_pi"`
}

// Proposal is the facility's record of one experiment. Only the fields the
// beamline side consumes are decoded, the API carries more.
type Proposal struct {
	ID          string   `json:"proposal_id"`
	Title       string   `json:"title"`
	Type        string   `json:"type"`
	DataSession string   `json:"data_session"`
	Instruments []string `json:"instruments"`
	Cycles      []string `json:"cycles"`
	SAFs        []SAF    `json:"safs"`
	Users       []User   `json:"users"`
}

// OnInstrument reports whether the proposal is scheduled on the instrument.
func (p *Proposal) OnInstrument(instrument string) bool {
	for _, in := range p.Instruments {
		if strings.EqualFold(in, instrument) {
			return true
		}
	}
	return false
}

// ApprovedSAF returns the first approved safety form covering instrument.
func (p *Proposal) ApprovedSAF(instrument string) (SAF, bool) {
	for _, saf := range p.SAFs {
		if saf.Covers(instrument) {
			return saf, true
		}
	}
	return SAF{}, false
}

// PI returns the principal investigator, if one is listed.
func (p *Proposal) PI() (User, bool) {
	for _, u := range p.Users {
		if u.IsPI {
			return u, true
		}
	}
	return User{}, false
}

// APIError is a non-2xx answer from the facility API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("nsls2api: %s (status %d)", e.Message, e.StatusCode)
}
