package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tush16/TastyTrade/internal/tasty"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestAPI wires the API against a fake brokerage.
func newTestAPI(t *testing.T, upstream http.HandlerFunc) *httptest.Server {
	t.Helper()
	up := httptest.NewServer(upstream)
	t.Cleanup(up.Close)
	tc := tasty.NewClient(up.URL, testLogger())
	s := NewServer(tc, nil, 30*time.Second, testLogger())
	api := httptest.NewServer(s.Handler())
	t.Cleanup(api.Close)
	return api
}

func TestLoginEndpoint(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions" {
			t.Errorf("upstream path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"data":{"session-token":"tok-1"}}`)
	})

	resp, err := http.Post(api.URL+"/login", "application/json",
		strings.NewReader(`{"login":"user","password":"pass"}`))
	if err != nil {
		t.Fatalf("POST /login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if body["session_token"] != "tok-1" {
		t.Errorf("session_token = %q", body["session_token"])
	}
}

func TestLoginRejected(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	})
	resp, err := http.Post(api.URL+"/login", "application/json",
		strings.NewReader(`{"login":"user","password":"wrong"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestLoginMissingFields(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream should not be called")
	})
	resp, err := http.Post(api.URL+"/login", "application/json", strings.NewReader(`{"login":"user"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func getWithToken(t *testing.T, url string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestExpiriesEndpoint(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "tok-1" {
			t.Errorf("upstream Authorization = %q", got)
		}
		io.WriteString(w, `{"data":{"items":[
			{"symbol":"a","option-type":"C","expiration-date":"2025-12-19"},
			{"symbol":"b","option-type":"P","expiration-date":"2025-11-21"}
		]}}`)
	})

	resp := getWithToken(t, api.URL+"/options/expiries?symbol=AAPL")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var expiries []string
	json.NewDecoder(resp.Body).Decode(&expiries)
	if len(expiries) != 2 || expiries[0] != "2025-11-21" {
		t.Errorf("expiries = %v", expiries)
	}
}

func TestExpiriesRequiresToken(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {})
	resp, err := http.Get(api.URL + "/options/expiries?symbol=AAPL")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestEquityOptionsEndpoint(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/option-chains/"):
			// Seven calls and three puts; only five calls should survive.
			var sb strings.Builder
			sb.WriteString(`{"data":{"items":[`)
			for i := 0; i < 7; i++ {
				if i > 0 {
					sb.WriteString(",")
				}
				sb.WriteString(`{"symbol":"C` + string(rune('0'+i)) + `","option-type":"C"}`)
			}
			for i := 0; i < 3; i++ {
				sb.WriteString(`,{"symbol":"P` + string(rune('0'+i)) + `","option-type":"P"}`)
			}
			sb.WriteString(`]}}`)
			io.WriteString(w, sb.String())
		case r.URL.Path == "/instruments/equity-options":
			syms := r.URL.Query()["symbol[]"]
			if len(syms) != 8 {
				t.Errorf("symbol[] count = %d, want 8 (5 calls + 3 puts)", len(syms))
			}
			io.WriteString(w, `{"data":{"items":[{"symbol":"ok"}]}}`)
		default:
			t.Errorf("unexpected upstream path %s", r.URL.Path)
		}
	})

	resp := getWithToken(t, api.URL+"/equity-options?stock[]=AAPL")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestEquityOptionsRequiresTickers(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {})
	resp := getWithToken(t, api.URL+"/equity-options")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestActiveEquitiesValidation(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":{"items":[]}}`)
	})
	resp := getWithToken(t, api.URL+"/equities/active?per_page=5000")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUpstreamFailureMapsTo502(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broker down", http.StatusServiceUnavailable)
	})
	resp := getWithToken(t, api.URL+"/futures")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestFuturePassThrough(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/instruments/futures/ESZ5" {
			t.Errorf("upstream path = %s", r.URL.Path)
		}
		io.WriteString(w, `{"data":{"symbol":"ESZ5","product-code":"ES"}}`)
	})
	resp := getWithToken(t, api.URL+"/futures/ESZ5")
	defer resp.Body.Close()
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["symbol"] != "ESZ5" {
		t.Errorf("body = %v", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	api := newTestAPI(t, func(w http.ResponseWriter, r *http.Request) {})
	req, _ := http.NewRequest(http.MethodOptions, api.URL+"/futures", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
}
