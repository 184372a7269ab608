package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/goodputbench/internal/bench"
	"github.com/gateway-fm/goodputbench/internal/config"
	"github.com/gateway-fm/goodputbench/internal/corpus"
	"github.com/gateway-fm/goodputbench/internal/storage"
	"github.com/gateway-fm/goodputbench/pkg/types"
)

type fakeAPI struct {
	mu        sync.Mutex
	startErr  error
	stopErr   error
	status    types.RoundStatus
	last      *types.RoundResult
	rounds    map[string]*storage.Round
	started   []types.StartRoundRequest
	noHistory bool
}

var _ BenchAPI = (*fakeAPI)(nil)

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		status: types.RoundStatus{State: types.StateIdle},
		rounds: map[string]*storage.Round{
			"r1": {ID: "r1", Token: types.TokenNative, Status: storage.StatusDone},
		},
	}
}

func (f *fakeAPI) Start(ctx context.Context, req types.StartRoundRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, req)
	return "new-round", nil
}

func (f *fakeAPI) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopErr
}

func (f *fakeAPI) Status() types.RoundStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeAPI) Last() *types.RoundResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeAPI) ListRounds(ctx context.Context, limit, offset int) (*storage.PaginatedRounds, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noHistory {
		return nil, bench.ErrHistoryUnavailable
	}
	out := &storage.PaginatedRounds{Limit: limit, Offset: offset}
	for _, r := range f.rounds {
		out.Rounds = append(out.Rounds, *r)
	}
	out.Total = len(out.Rounds)
	return out, nil
}

func (f *fakeAPI) GetRound(ctx context.Context, id string) (*storage.RoundDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rounds[id]
	if !ok {
		return nil, nil
	}
	return &storage.RoundDetail{Round: *r}, nil
}

func (f *fakeAPI) DeleteRound(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "active" {
		return bench.ErrRoundActive
	}
	if _, ok := f.rounds[id]; !ok {
		return storage.ErrNotFound
	}
	delete(f.rounds, id)
	return nil
}

func (f *fakeAPI) UpdateRoundMetadata(ctx context.Context, id string, update *storage.RoundMetadataUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rounds[id]
	if !ok {
		return storage.ErrNotFound
	}
	if update.CustomName != nil {
		r.CustomName = update.CustomName
	}
	return nil
}

type fakeHealth struct{ err error }

func (h fakeHealth) CheckNodeRPC(ctx context.Context) error { return h.err }

func newTestServer(t *testing.T, api BenchAPI, health HealthChecker, cors string) *httptest.Server {
	t.Helper()
	s := NewServer(api, health, nil, cors)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return ts
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestValidateStartRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     types.StartRoundRequest
		wantErr string // Empty string = no error expected
	}{
		{
			name:    "valid native",
			req:     types.StartRoundRequest{Token: types.TokenNative, Accounts: 10, WarmupUnits: 20, MeasureUnits: 10},
			wantErr: "",
		},
		{
			name:    "valid erc20 less-sender",
			req:     types.StartRoundRequest{Token: types.TokenERC20, Mode: types.ModeLessSender, Accounts: 10, WarmupUnits: 20, MeasureUnits: 10},
			wantErr: "",
		},
		{
			name:    "invalid token",
			req:     types.StartRoundRequest{Token: "btc", Accounts: 10, MeasureUnits: 10},
			wantErr: "invalid token",
		},
		{
			name:    "invalid mode",
			req:     types.StartRoundRequest{Token: types.TokenNative, Mode: "many", Accounts: 10, MeasureUnits: 10},
			wantErr: "invalid mode",
		},
		{
			name:    "zero accounts",
			req:     types.StartRoundRequest{Token: types.TokenNative, Accounts: 0, MeasureUnits: 10},
			wantErr: "accounts must be positive",
		},
		{
			name:    "accounts exceeds max",
			req:     types.StartRoundRequest{Token: types.TokenNative, Accounts: maxAccounts + 1, MeasureUnits: 10},
			wantErr: "accounts exceeds maximum",
		},
		{
			name:    "negative warmup",
			req:     types.StartRoundRequest{Token: types.TokenNative, Accounts: 10, WarmupUnits: -1, MeasureUnits: 10},
			wantErr: "warmupUnits out of range",
		},
		{
			name:    "zero measured units",
			req:     types.StartRoundRequest{Token: types.TokenNative, Accounts: 10, WarmupUnits: 20},
			wantErr: "measureUnits must be positive",
		},
		{
			name: "valid custom",
			req: types.StartRoundRequest{
				Token:         types.TokenCustom,
				WarmupCorpora: []types.CorpusRef{{Path: "transfer/distribute", Units: 100}},
				MeasureCorpus: &types.CorpusRef{Path: "transfer/random_10", Units: 50},
			},
			wantErr: "",
		},
		{
			name:    "custom without measured corpus",
			req:     types.StartRoundRequest{Token: types.TokenCustom},
			wantErr: "measureCorpus is required",
		},
		{
			name: "custom path escapes data dir",
			req: types.StartRoundRequest{
				Token:         types.TokenCustom,
				MeasureCorpus: &types.CorpusRef{Path: "../etc/passwd", Units: 1},
			},
			wantErr: "must stay inside",
		},
		{
			name: "custom warm-up without path",
			req: types.StartRoundRequest{
				Token:         types.TokenCustom,
				WarmupCorpora: []types.CorpusRef{{Units: 1}},
				MeasureCorpus: &types.CorpusRef{Path: "a", Units: 1},
			},
			wantErr: "corpus 0 has no path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateStartRequest(&tt.req)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validateStartRequest() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Errorf("validateStartRequest() expected error containing %q, got nil", tt.wantErr)
			} else if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validateStartRequest() error = %q, want error containing %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{bench.ErrRoundActive, http.StatusConflict},
		{bench.ErrNoRound, http.StatusConflict},
		{fmt.Errorf("%w: bad", config.ErrConfiguration), http.StatusBadRequest},
		{fmt.Errorf("%w: x", corpus.ErrCorpusNotFound), http.StatusBadRequest},
		{fmt.Errorf("delete: %w", storage.ErrNotFound), http.StatusNotFound},
		{bench.ErrHistoryUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestHandleStart(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		body     string
		startErr error
		want     int
	}{
		{"accepted", http.MethodPost, `{"token":"native","accounts":10,"warmupUnits":20,"measureUnits":10}`, nil, http.StatusAccepted},
		{"wrong method", http.MethodGet, "", nil, http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, `{`, nil, http.StatusBadRequest},
		{"validation", http.MethodPost, `{"token":"btc"}`, nil, http.StatusBadRequest},
		{"already running", http.MethodPost, `{"token":"native","accounts":10,"warmupUnits":20,"measureUnits":10}`, bench.ErrRoundActive, http.StatusConflict},
		{"missing corpus", http.MethodPost, `{"token":"native","accounts":10,"warmupUnits":20,"measureUnits":10}`, corpus.ErrCorpusNotFound, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI()
			api.startErr = tt.startErr
			ts := newTestServer(t, api, nil, "*")

			resp := do(t, tt.method, ts.URL+"/v1/start", tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if tt.want == http.StatusAccepted {
				var body map[string]string
				if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if body["id"] != "new-round" {
					t.Errorf("id = %q", body["id"])
				}
				api.set(func(f *fakeAPI) {
					if len(f.started) != 1 || f.started[0].Accounts != 10 {
						t.Errorf("started = %+v", f.started)
					}
				})
			}
		})
	}
}

func TestHandleStatusAndResult(t *testing.T) {
	api := newFakeAPI()
	api.status = types.RoundStatus{ID: "r9", State: types.StateMeasuring, Goodput: 1234}
	ts := newTestServer(t, api, nil, "*")

	resp := do(t, http.MethodGet, ts.URL+"/v1/status", "")
	var st types.RoundStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.ID != "r9" || st.State != types.StateMeasuring || st.Goodput != 1234 {
		t.Errorf("status = %+v", st)
	}

	if resp := do(t, http.MethodGet, ts.URL+"/v1/result", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("result without round = %d, want 404", resp.StatusCode)
	}
	api.set(func(f *fakeAPI) { f.last = &types.RoundResult{ID: "r8", State: types.StateDone, Goodput: 99.5} })
	resp = do(t, http.MethodGet, ts.URL+"/v1/result", "")
	var res types.RoundResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.ID != "r8" || res.Goodput != 99.5 {
		t.Errorf("result = %+v", res)
	}
}

func TestHandleStop(t *testing.T) {
	api := newFakeAPI()
	ts := newTestServer(t, api, nil, "*")

	if resp := do(t, http.MethodPost, ts.URL+"/v1/stop", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("stop = %d, want 200", resp.StatusCode)
	}
	api.set(func(f *fakeAPI) { f.stopErr = bench.ErrNoRound })
	if resp := do(t, http.MethodPost, ts.URL+"/v1/stop", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("stop without round = %d, want 409", resp.StatusCode)
	}
}

func TestHandleHistory(t *testing.T) {
	api := newFakeAPI()
	ts := newTestServer(t, api, nil, "*")

	resp := do(t, http.MethodGet, ts.URL+"/v1/history?limit=500&offset=-3", "")
	var page storage.PaginatedRounds
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Limit != 50 || page.Offset != 0 || page.Total != 1 {
		t.Errorf("page = %+v, want defaults for out-of-range paging", page)
	}

	api.set(func(f *fakeAPI) { f.noHistory = true })
	if resp := do(t, http.MethodGet, ts.URL+"/v1/history", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("history without store = %d, want 503", resp.StatusCode)
	}
}

func TestHandleHistoryDetail(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"get", http.MethodGet, "/v1/history/r1", "", http.StatusOK},
		{"get missing", http.MethodGet, "/v1/history/nope", "", http.StatusNotFound},
		{"missing id", http.MethodGet, "/v1/history/", "", http.StatusBadRequest},
		{"nested path", http.MethodGet, "/v1/history/r1/transactions", "", http.StatusBadRequest},
		{"patch", http.MethodPatch, "/v1/history/r1", `{"customName":"baseline"}`, http.StatusOK},
		{"patch missing", http.MethodPatch, "/v1/history/nope", `{"customName":"x"}`, http.StatusNotFound},
		{"patch bad body", http.MethodPatch, "/v1/history/r1", `nope`, http.StatusBadRequest},
		{"delete", http.MethodDelete, "/v1/history/r1", "", http.StatusOK},
		{"delete active", http.MethodDelete, "/v1/history/active", "", http.StatusConflict},
		{"delete missing", http.MethodDelete, "/v1/history/nope", "", http.StatusNotFound},
		{"wrong method", http.MethodPost, "/v1/history/r1", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, newFakeAPI(), nil, "*")
			resp := do(t, tt.method, ts.URL+tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
			}
		})
	}
}

func TestHandlePatchReturnsUpdatedRound(t *testing.T) {
	api := newFakeAPI()
	ts := newTestServer(t, api, nil, "*")

	resp := do(t, http.MethodPatch, ts.URL+"/v1/history/r1", `{"customName":"baseline"}`)
	var r storage.Round
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.CustomName == nil || *r.CustomName != "baseline" {
		t.Errorf("customName = %v, want baseline", r.CustomName)
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name       string
		allowed    string
		origin     string
		wantHeader string
	}{
		{"allow all", "*", "http://a.example", "*"},
		{"empty allows all", "", "http://a.example", "*"},
		{"listed origin", "http://a.example, http://b.example", "http://b.example", "http://b.example"},
		{"unlisted origin", "http://a.example", "http://evil.example", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, newFakeAPI(), nil, tt.allowed)
			req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/v1/status", nil)
			req.Header.Set("Origin", tt.origin)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("OPTIONS: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				t.Errorf("preflight status = %d", resp.StatusCode)
			}
			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tt.wantHeader {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantHeader)
			}
		})
	}
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, newFakeAPI(), fakeHealth{}, "*")
	if resp := do(t, http.MethodGet, ts.URL+"/health", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, ts.URL+"/ready", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("ready = %d", resp.StatusCode)
	}

	down := newTestServer(t, newFakeAPI(), fakeHealth{err: errors.New("connection refused")}, "*")
	resp := do(t, http.MethodGet, down.URL+"/ready", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ready with node down = %d, want 503", resp.StatusCode)
	}
	var body struct {
		Ready  bool             `json:"ready"`
		Checks []ReadinessCheck `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Ready || len(body.Checks) != 1 || body.Checks[0].Name != "node-rpc" || body.Checks[0].Status != "failed" {
		t.Errorf("ready body = %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, newFakeAPI(), nil, "*")
	if resp := do(t, http.MethodGet, ts.URL+"/metrics", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("metrics = %d", resp.StatusCode)
	}
}

type counterNode struct{ err error }

func (n counterNode) BlockCount(ctx context.Context) (uint64, error) { return 7, n.err }

func TestNodeHealth(t *testing.T) {
	if err := (NodeHealth{Node: counterNode{}}).CheckNodeRPC(context.Background()); err != nil {
		t.Errorf("CheckNodeRPC() = %v", err)
	}
	want := errors.New("down")
	if err := (NodeHealth{Node: counterNode{err: want}}).CheckNodeRPC(context.Background()); !errors.Is(err, want) {
		t.Errorf("CheckNodeRPC() = %v, want %v", err, want)
	}
}

func TestWebSocketStreamsStatus(t *testing.T) {
	api := newFakeAPI()
	api.status = types.RoundStatus{ID: "live", State: types.StateMeasuring, Goodput: 10}
	ts := newTestServer(t, api, nil, "*")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// The first message is sent on connect; the next comes from the broadcaster.
	for i := 0; i < 2; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage %d: %v", i, err)
		}
		var st types.RoundStatus
		if err := json.Unmarshal(data, &st); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if st.ID != "live" || st.State != types.StateMeasuring {
			t.Errorf("message %d = %+v", i, st)
		}
	}
}
