package nsls2api

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	nslsii "github.com/NSLS-II/nslsii-go"
	"github.com/NSLS-II/nslsii-go/filenameprovider"
	"github.com/NSLS-II/nslsii-go/mddict"
)

func newSyncDict(t *testing.T) *mddict.FileDict {
	t.Helper()
	d, err := mddict.NewFileDict(
		filepath.Join(t.TempDir(), "beamline.json"),
		nil,
		mddict.WithCreateIfMissing(true),
	)
	if err != nil {
		t.Fatalf("NewFileDict: %v", err)
	}
	return d
}

// newSyncClient answers both endpoints SyncExperiment touches and counts
// cycle lookups.
func newSyncClient(t *testing.T, cycleCalls *int) *Client {
	t.Helper()
	return newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/v1/proposal/"):
			_, _ = w.Write([]byte(proposalFixture))
		case strings.HasPrefix(r.URL.Path, "/v1/facility/"):
			if cycleCalls != nil {
				*cycleCalls++
			}
			_, _ = w.Write([]byte(`{"facility": "nsls2", "cycle": "2024-2"}`))
		default:
			http.NotFound(w, r)
		}
	})
}

func lookupString(t *testing.T, md nslsii.Metadata, key string) string {
	t.Helper()
	v, ok := md.Lookup(key)
	if !ok {
		t.Fatalf("key %q not in dictionary", key)
	}
	s, ok := v.(string)
	if !ok {
		t.Fatalf("key %q: want string, got %T", key, v)
	}
	return s
}

func TestSyncExperiment(t *testing.T) {
	t.Setenv(nslsii.EnvEndstationAcronym, "TST")
	dict := newSyncDict(t)
	client := newSyncClient(t, nil)

	p, err := SyncExperiment(context.Background(), client, dict, 314159, WithUsername("xf31id1"))
	if err != nil {
		t.Fatalf("SyncExperiment: %v", err)
	}
	if p.ID != "314159" {
		t.Errorf("proposal ID: want 314159, got %q", p.ID)
	}

	if got := lookupString(t, dict, nslsii.MetaKeyDataSession); got != "pass-314159" {
		t.Errorf("data_session: want pass-314159, got %q", got)
	}
	if got := lookupString(t, dict, nslsii.MetaKeyCycle); got != "2024-2" {
		t.Errorf("cycle: want 2024-2, got %q", got)
	}
	if got := lookupString(t, dict, MetaKeyUsername); got != "xf31id1" {
		t.Errorf("username: want xf31id1, got %q", got)
	}

	summary, err := StoredProposal(context.Background(), dict)
	if err != nil {
		t.Fatalf("StoredProposal: %v", err)
	}
	if summary.ProposalID != "314159" {
		t.Errorf("summary ProposalID: want 314159, got %q", summary.ProposalID)
	}
	if summary.Title != "Operando battery diffraction" {
		t.Errorf("summary Title: got %q", summary.Title)
	}
	if summary.PIName != "Rosalind Franklin" {
		t.Errorf("summary PIName: want Rosalind Franklin, got %q", summary.PIName)
	}
	if summary.SAF != "SAF-91234" {
		t.Errorf("summary SAF: want SAF-91234, got %q", summary.SAF)
	}
	if len(summary.Cycles) != 2 || summary.Cycles[0] != "2024-2" {
		t.Errorf("summary Cycles: want [2024-2 2024-3], got %v", summary.Cycles)
	}

	// The dictionary doubles as the metadata view, path providers pick up
	// the new experiment without restarting.
	provider, err := nslsii.NewProposalYMDPathProvider(filenameprovider.NewShortUUIDProvider(), dict)
	if err != nil {
		t.Fatalf("NewProposalYMDPathProvider: %v", err)
	}
	info, err := provider.PathInfo("eiger")
	if err != nil {
		t.Fatalf("PathInfo: %v", err)
	}
	wantPrefix := filepath.Join("/nsls2", "data", "tst", "proposals", "2024-2", "pass-314159", "assets", "eiger")
	if !strings.HasPrefix(info.DirectoryPath, wantPrefix) {
		t.Errorf("DirectoryPath: want prefix %q, got %q", wantPrefix, info.DirectoryPath)
	}
}

func TestSyncExperimentWithCycleSkipsLookup(t *testing.T) {
	dict := newSyncDict(t)
	cycleCalls := 0
	client := newSyncClient(t, &cycleCalls)

	_, err := SyncExperiment(context.Background(), client, dict, 314159,
		WithBeamline("tst"), WithCycle("2023-1"), WithUsername("ops"))
	if err != nil {
		t.Fatalf("SyncExperiment: %v", err)
	}
	if cycleCalls != 0 {
		t.Errorf("cycle endpoint calls: want 0, got %d", cycleCalls)
	}
	if got := lookupString(t, dict, nslsii.MetaKeyCycle); got != "2023-1" {
		t.Errorf("cycle: want 2023-1, got %q", got)
	}
}

func TestSyncExperimentNotOnBeamline(t *testing.T) {
	dict := newSyncDict(t)
	client := newSyncClient(t, nil)

	_, err := SyncExperiment(context.Background(), client, dict, 314159, WithBeamline("csx"))
	if !errors.Is(err, ErrNotOnBeamline) {
		t.Fatalf("want ErrNotOnBeamline, got %v", err)
	}
	if !strings.Contains(err.Error(), "TST") {
		t.Errorf("error should list the scheduled instruments, got %q", err)
	}
	if _, ok := dict.Lookup(nslsii.MetaKeyDataSession); ok {
		t.Error("failed sync must not touch the dictionary")
	}
}

func TestSyncExperimentNoApprovedSAF(t *testing.T) {
	dict := newSyncDict(t)
	client := newSyncClient(t, nil)

	// PDF is on the proposal but its SAF is still pending.
	_, err := SyncExperiment(context.Background(), client, dict, 314159, WithBeamline("pdf"))
	if !errors.Is(err, ErrNoApprovedSAF) {
		t.Fatalf("want ErrNoApprovedSAF, got %v", err)
	}
	if _, ok := dict.Lookup(nslsii.MetaKeyDataSession); ok {
		t.Error("failed sync must not touch the dictionary")
	}
}

func TestSyncExperimentNoBeamline(t *testing.T) {
	t.Setenv(nslsii.EnvEndstationAcronym, "")
	t.Setenv(nslsii.EnvBeamlineAcronym, "")
	dict := newSyncDict(t)
	client := newSyncClient(t, nil)

	_, err := SyncExperiment(context.Background(), client, dict, 314159)
	if err == nil || !strings.Contains(err.Error(), "ENDSTATION_ACRONYM") {
		t.Fatalf("want missing-beamline error, got %v", err)
	}
}

func TestSyncExperimentValidation(t *testing.T) {
	dict := newSyncDict(t)
	client := newSyncClient(t, nil)

	if _, err := SyncExperiment(context.Background(), nil, dict, 1); err == nil || !strings.Contains(err.Error(), "nil client") {
		t.Errorf("nil client: got %v", err)
	}
	if _, err := SyncExperiment(context.Background(), client, nil, 1); err == nil || !strings.Contains(err.Error(), "nil dictionary") {
		t.Errorf("nil dictionary: got %v", err)
	}
}

func TestSyncExperimentNoDataSession(t *testing.T) {
	dict := newSyncDict(t)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"proposal": {
				"proposal_id": "271828",
				"instruments": ["TST"],
				"safs": [{"saf_id": "SAF-1", "status": "APPROVED", "instruments": ["TST"]}]
			}
		}`))
	})

	_, err := SyncExperiment(context.Background(), client, dict, 271828, WithBeamline("tst"))
	if err == nil || !strings.Contains(err.Error(), "no data session") {
		t.Fatalf("want no-data-session error, got %v", err)
	}
}

func TestSyncExperimentFetchErrorPropagates(t *testing.T) {
	dict := newSyncDict(t)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, err := SyncExperiment(context.Background(), client, dict, 999999, WithBeamline("tst"))
	if !errors.Is(err, ErrProposalNotFound) {
		t.Fatalf("want ErrProposalNotFound, got %v", err)
	}
	if _, ok := dict.Lookup(nslsii.MetaKeyDataSession); ok {
		t.Error("failed sync must not touch the dictionary")
	}
}

func TestSyncExperimentCycleLookupError(t *testing.T) {
	dict := newSyncDict(t)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v1/proposal/") {
			_, _ = w.Write([]byte(proposalFixture))
			return
		}
		http.NotFound(w, r)
	})

	_, err := SyncExperiment(context.Background(), client, dict, 314159, WithBeamline("tst"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want *APIError from cycle lookup, got %v", err)
	}
	if _, ok := dict.Lookup(nslsii.MetaKeyDataSession); ok {
		t.Error("failed sync must not touch the dictionary")
	}
}

type failingDict struct {
	mddict.Dict
}

func (f failingDict) SetKey(ctx context.Context, keys []string, value any) error {
	return errors.New("disk full")
}

func TestSyncExperimentDictWriteError(t *testing.T) {
	dict := failingDict{Dict: newSyncDict(t)}
	client := newSyncClient(t, nil)

	_, err := SyncExperiment(context.Background(), client, dict, 314159, WithBeamline("tst"), WithUsername("ops"))
	if err == nil || !strings.Contains(err.Error(), "failed to store data_session") {
		t.Fatalf("want wrapped store error naming the key, got %v", err)
	}
}

func TestStoredProposalErrors(t *testing.T) {
	t.Run("nil dictionary", func(t *testing.T) {
		if _, err := StoredProposal(context.Background(), nil); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("nothing stored", func(t *testing.T) {
		dict := newSyncDict(t)
		_, err := StoredProposal(context.Background(), dict)
		if err == nil || !strings.Contains(err.Error(), "no stored proposal") {
			t.Fatalf("want no-stored-proposal error, got %v", err)
		}
	})

	t.Run("wrong shape", func(t *testing.T) {
		dict := newSyncDict(t)
		if err := dict.SetKey(context.Background(), []string{MetaKeyProposal}, "just a string"); err != nil {
			t.Fatalf("SetKey: %v", err)
		}
		_, err := StoredProposal(context.Background(), dict)
		if err == nil || !strings.Contains(err.Error(), "unexpected shape") {
			t.Fatalf("want shape error, got %v", err)
		}
	})
}
