package nsls2api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/user"
	"strings"

	nslsii "github.com/NSLS-II/nslsii-go"
	"github.com/NSLS-II/nslsii-go/encdec"
	"github.com/NSLS-II/nslsii-go/mddict"
)

// Dictionary keys SyncExperiment writes beyond the path-provider pair.
const (
	MetaKeyProposal = "proposal"
	MetaKeyUsername = "username"
)

// ProposalSummary is the condensed proposal record stored in the metadata
// dictionary under MetaKeyProposal.
type ProposalSummary struct {
	ProposalID string   `json:"proposal_id"`
	Title      string   `json:"title"`
	Type       string   `json:"type"`
	PIName     string   `json:"pi_name"`
	SAF        string   `json:"saf"`
	Cycles     []string `json:"cycles"`
}

type syncConfig struct {
	beamline string
	facility string
	cycle    string
	username string
}

// SyncOption adjusts how SyncExperiment resolves the experiment.
type SyncOption func(*syncConfig)

// WithBeamline overrides the beamline acronym resolved from the environment.
func WithBeamline(tla string) SyncOption {
	return func(c *syncConfig) {
		c.beamline = strings.ToLower(tla)
	}
}

// WithFacility overrides the facility used for cycle resolution.
func WithFacility(facility string) SyncOption {
	return func(c *syncConfig) {
		c.facility = facility
	}
}

// WithCycle pins the operating cycle instead of asking the API for the
// current one.
func WithCycle(cycle string) SyncOption {
	return func(c *syncConfig) {
		c.cycle = cycle
	}
}

// WithUsername records who switched the beamline to this proposal.
func WithUsername(username string) SyncOption {
	return func(c *syncConfig) {
		c.username = username
	}
}

// SyncExperiment points a beamline's metadata dictionary at one approved
// proposal. It fetches the proposal, checks that it is scheduled on the
// beamline with an approved safety form, then writes the data session,
// cycle, proposal summary and username into the dictionary. Path providers
// reading the dictionary start issuing paths for the new experiment on the
// next scan.
func SyncExperiment(ctx context.Context, client *Client, dict mddict.Dict, proposalNumber int, opts ...SyncOption) (*Proposal, error) {
	if client == nil {
		return nil, errors.New("nsls2api: nil client")
	}
	if dict == nil {
		return nil, errors.New("nsls2api: nil dictionary")
	}

	cfg := syncConfig{beamline: nslsii.BeamlineTLA(), facility: DefaultFacility}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.beamline == "" {
		return nil, errors.New("nsls2api: no beamline, set ENDSTATION_ACRONYM or use WithBeamline")
	}

	proposal, err := client.Proposal(ctx, proposalNumber)
	if err != nil {
		return nil, err
	}
	if !proposal.OnInstrument(cfg.beamline) {
		return nil, fmt.Errorf("%w: proposal %d runs on %s",
			ErrNotOnBeamline, proposalNumber, strings.Join(proposal.Instruments, ", "))
	}
	saf, ok := proposal.ApprovedSAF(cfg.beamline)
	if !ok {
		return nil, fmt.Errorf("%w: proposal %d", ErrNoApprovedSAF, proposalNumber)
	}
	if proposal.DataSession == "" {
		return nil, fmt.Errorf("nsls2api: proposal %d has no data session", proposalNumber)
	}

	cycle := cfg.cycle
	if cycle == "" {
		cycle, err = client.CurrentCycle(ctx, cfg.facility)
		if err != nil {
			return nil, err
		}
	}

	username := cfg.username
	if username == "" {
		// Best effort, an unresolvable local account is not a reason to
		// refuse the experiment switch.
		if u, uerr := user.Current(); uerr == nil {
			username = u.Username
		}
	}

	summary := ProposalSummary{
		ProposalID: proposal.ID,
		Title:      proposal.Title,
		Type:       proposal.Type,
		SAF:        saf.ID,
		Cycles:     proposal.Cycles,
	}
	if pi, ok := proposal.PI(); ok {
		summary.PIName = strings.TrimSpace(pi.FirstName + " " + pi.LastName)
	}
	summaryMap, err := encdec.StructToMap(summary)
	if err != nil {
		return nil, fmt.Errorf("nsls2api: failed to encode proposal summary: %w", err)
	}

	writes := []struct {
		key   string
		value any
	}{
		{nslsii.MetaKeyDataSession, proposal.DataSession},
		{nslsii.MetaKeyCycle, cycle},
		{MetaKeyProposal, summaryMap},
		{MetaKeyUsername, username},
	}
	for _, w := range writes {
		if err := dict.SetKey(ctx, []string{w.key}, w.value); err != nil {
			return nil, fmt.Errorf("nsls2api: failed to store %s: %w", w.key, err)
		}
	}

	slog.Info("experiment synced",
		"proposal", proposal.ID,
		"beamline", cfg.beamline,
		"data_session", proposal.DataSession,
		"cycle", cycle,
	)
	return proposal, nil
}

// StoredProposal reads back the proposal summary a previous SyncExperiment
// wrote into the dictionary.
func StoredProposal(ctx context.Context, dict mddict.Dict) (*ProposalSummary, error) {
	if dict == nil {
		return nil, errors.New("nsls2api: nil dictionary")
	}
	raw, err := dict.GetKey(ctx, []string{MetaKeyProposal})
	if err != nil {
		return nil, fmt.Errorf("nsls2api: no stored proposal: %w", err)
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("nsls2api: stored proposal has unexpected shape %T", raw)
	}
	var summary ProposalSummary
	if err := encdec.MapToStruct(m, &summary); err != nil {
		return nil, fmt.Errorf("nsls2api: failed to decode stored proposal: %w", err)
	}
	return &summary, nil
}
