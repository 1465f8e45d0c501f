package nslsii

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables naming the beamline, in resolution order.
const (
	EnvEndstationAcronym = "ENDSTATION_ACRONYM"
	EnvBeamlineAcronym   = "BEAMLINE_ACRONYM"
)

// BeamlineTLA resolves the beamline acronym from the environment:
// ENDSTATION_ACRONYM wins over BEAMLINE_ACRONYM, the result is lower-cased.
// Returns "" when neither variable is set.
func BeamlineTLA() string {
	tla := os.Getenv(EnvEndstationAcronym)
	if tla == "" {
		tla = os.Getenv(EnvBeamlineAcronym)
	}
	return strings.ToLower(tla)
}

// BeamlineProposalsDir returns the central storage root for this beamline,
// "/nsls2/data/{tla}/proposals". With no acronym in the environment the tla
// segment collapses and the path degrades to "/nsls2/data/proposals" rather
// than failing.
func BeamlineProposalsDir() string {
	return filepath.Join("/nsls2", "data", BeamlineTLA(), "proposals")
}

// LoadBeamlineProfile loads beamline environment profiles from .env files
// before providers are constructed. With no arguments it loads "./.env".
// Already-set process variables are never overridden.
func LoadBeamlineProfile(filenames ...string) error {
	return godotenv.Load(filenames...)
}
