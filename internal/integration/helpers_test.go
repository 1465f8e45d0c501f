// Package integration exercises the whole acquisition flow across packages:
// a facility API sync into a metadata dictionary, path derivation from that
// dictionary, catalog recording and the central-storage re-sync.
package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/NSLS-II/nslsii-go/assetcatalog"
	"github.com/NSLS-II/nslsii-go/mddict"
	"github.com/NSLS-II/nslsii-go/nsls2api"
)

// facilityFixture is the proposal the fake facility API serves. TST carries
// an approved safety form, PDF's is still pending.
const facilityFixture = `{
	"proposal": {
		"proposal_id": "314159",
		"title": "Operando battery diffraction",
		"type": "General User",
		"data_session": "pass-314159",
		"instruments": ["TST", "PDF"],
		"cycles": ["2024-2", "2024-3"],
		"safs": [
			{"saf_id": "SAF-91234", "status": "APPROVED", "instruments": ["TST"]},
			{"saf_id": "SAF-91235", "status": "PENDING", "instruments": ["PDF"]}
		],
		"users": [
			{"first_name": "Rosalind", "last_name": "Franklin", "username": "rfranklin", "is_pi": true}
		]
	}
}`

func startFacilityAPI(t *testing.T) *nsls2api.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/v1/proposal/"):
			_, _ = w.Write([]byte(facilityFixture))
		case strings.HasPrefix(r.URL.Path, "/v1/facility/"):
			_, _ = w.Write([]byte(`{"facility": "nsls2", "cycle": "2024-2"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return nsls2api.NewClient(
		nsls2api.WithBaseURL(srv.URL),
		nsls2api.WithRetryBase(time.Millisecond),
	)
}

func newExperimentDict(t *testing.T, ls ...mddict.Listener) *mddict.FileDict {
	t.Helper()
	d, err := mddict.NewFileDict(
		filepath.Join(t.TempDir(), "experiment.json"),
		nil,
		mddict.WithCreateIfMissing(true),
		mddict.WithListeners(ls...),
	)
	if err != nil {
		t.Fatalf("NewFileDict: %v", err)
	}
	return d
}

func newCatalog(t *testing.T) *assetcatalog.Engine {
	t.Helper()
	eng, err := assetcatalog.NewEngine(assetcatalog.DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func writeTreeAsset(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o770); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte("frame data"), 0o660); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

// catalogRows collects every descriptor in the catalog keyed by asset id.
func catalogRows(t *testing.T, eng *assetcatalog.Engine, cols []string) map[string]map[string]string {
	t.Helper()
	out := map[string]map[string]string{}
	token := ""
	for {
		rows, next, err := eng.BatchList(context.Background(), "", cols, token, 0)
		if err != nil {
			t.Fatalf("BatchList: %v", err)
		}
		for _, r := range rows {
			out[r.ID] = r.Values
		}
		if next == "" {
			return out
		}
		token = next
	}
}
