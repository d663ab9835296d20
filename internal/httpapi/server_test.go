package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gaswatcher/internal/fetcher"
	"gaswatcher/internal/scheduler"
	"gaswatcher/internal/service"
	"gaswatcher/internal/storage"
)

type fakeJobs struct {
	evalErr   error
	scoreErr  error
	scoredDay string
	forced    bool
	lastDay   string
	jobCtxErr error
}

func (f *fakeJobs) EvaluateAlertsOnce(ctx context.Context) (service.EvaluationSummary, error) {
	f.jobCtxErr = ctx.Err()
	if f.evalErr != nil {
		return service.EvaluationSummary{}, f.evalErr
	}
	return service.EvaluationSummary{
		Reading:   fetcher.Reading{Kind: fetcher.KindGasOracle, Gas: fetcher.GasOracle{Standard: decimal.NewFromInt(7)}, Source: "etherscan"},
		Evaluated: 2,
		Triggered: 1,
		Notified:  1,
	}, nil
}

func (f *fakeJobs) ScoreDay(ctx context.Context, day string, force bool) (storage.LeaderboardResult, error) {
	f.jobCtxErr = ctx.Err()
	f.scoredDay = day
	f.forced = force
	if f.scoreErr != nil {
		return storage.LeaderboardResult{}, f.scoreErr
	}
	return storage.LeaderboardResult{Day: day, SettlementPrice: decimal.NewFromInt(3050), TotalParticipants: 1}, nil
}

func (f *fakeJobs) LastClosedDay(time.Time) string { return f.lastDay }

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newTestServer(jobs *fakeJobs, pinger Pinger, store storage.LeaderboardStore) http.Handler {
	return New(jobs, pinger, store, zerolog.Nop()).Handler()
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestProbes(t *testing.T) {
	h := newTestServer(&fakeJobs{}, fakePinger{}, storage.NewMemoryStore())
	if rec := do(t, h, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rec.Code)
	}

	h = newTestServer(&fakeJobs{}, fakePinger{err: errors.New("db down")}, storage.NewMemoryStore())
	if rec := do(t, h, http.MethodGet, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with failing store = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(&fakeJobs{}, nil, storage.NewMemoryStore())
	rec := do(t, h, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
}

func TestRunAlerts(t *testing.T) {
	h := newTestServer(&fakeJobs{}, nil, storage.NewMemoryStore())
	rec := do(t, h, http.MethodPost, "/api/jobs/alerts")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["standard_gwei"] != "7" || body["triggered"] != float64(1) {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestJobErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"busy", scheduler.ErrBusy, http.StatusConflict},
		{"lock held", fmt.Errorf("%w: 2025-01-02", service.ErrLockHeld), http.StatusConflict},
		{"already scored", fmt.Errorf("%w: 2025-01-02", service.ErrAlreadyScored), http.StatusConflict},
		{"fetch", fmt.Errorf("%w: all providers failed", fetcher.ErrFetchFailure), http.StatusBadGateway},
		{"no predictions", fmt.Errorf("%w: 2025-01-02", service.ErrNoPredictions), http.StatusNotFound},
		{"store", fmt.Errorf("%w: boom", service.ErrStoreFailure), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(&fakeJobs{evalErr: tt.err, scoreErr: tt.err}, nil, storage.NewMemoryStore())
			if rec := do(t, h, http.MethodPost, "/api/jobs/alerts"); rec.Code != tt.want {
				t.Fatalf("alerts status = %d, want %d", rec.Code, tt.want)
			}
			if rec := do(t, h, http.MethodPost, "/api/jobs/predictions?day=2025-01-02"); rec.Code != tt.want {
				t.Fatalf("predictions status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRunPredictionsDefaultsToLastClosedDay(t *testing.T) {
	jobs := &fakeJobs{lastDay: "2025-01-02"}
	h := newTestServer(jobs, nil, storage.NewMemoryStore())

	rec := do(t, h, http.MethodPost, "/api/jobs/predictions")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if jobs.scoredDay != "2025-01-02" {
		t.Fatalf("scored %q", jobs.scoredDay)
	}

	rec = do(t, h, http.MethodPost, "/api/jobs/predictions?day=01/02/2025")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad day status = %d", rec.Code)
	}
}

func TestRunPredictionsForce(t *testing.T) {
	jobs := &fakeJobs{}
	h := newTestServer(jobs, nil, storage.NewMemoryStore())

	if rec := do(t, h, http.MethodPost, "/api/jobs/predictions?day=2025-01-02"); rec.Code != http.StatusOK || jobs.forced {
		t.Fatalf("status = %d forced = %v", rec.Code, jobs.forced)
	}
	if rec := do(t, h, http.MethodPost, "/api/jobs/predictions?day=2025-01-02&force=1"); rec.Code != http.StatusOK || !jobs.forced {
		t.Fatalf("status = %d forced = %v", rec.Code, jobs.forced)
	}
	if rec := do(t, h, http.MethodPost, "/api/jobs/predictions?day=2025-01-02&force=maybe"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad force status = %d", rec.Code)
	}
}

func TestJobsOutliveClientDisconnect(t *testing.T) {
	jobs := &fakeJobs{}
	h := newTestServer(jobs, nil, storage.NewMemoryStore())

	for _, target := range []string{"/api/jobs/alerts", "/api/jobs/predictions?day=2025-01-02"} {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req := httptest.NewRequest(http.MethodPost, target, nil).WithContext(ctx)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", target, rec.Code)
		}
		if jobs.jobCtxErr != nil {
			t.Fatalf("%s: job context cancelled with the request: %v", target, jobs.jobCtxErr)
		}
	}
}

func TestGetLeaderboard(t *testing.T) {
	store := storage.NewMemoryStore()
	err := store.UpsertLeaderboard(context.Background(), storage.LeaderboardResult{
		Day:             "2025-01-02",
		SettlementPrice: decimal.NewFromInt(3050),
		Entries: []storage.RankedEntry{
			{Rank: 1, SubscriberID: "u2", Guess: decimal.NewFromInt(3100), AbsoluteDifference: decimal.NewFromInt(50)},
		},
		TotalParticipants: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	h := newTestServer(&fakeJobs{}, nil, store)

	rec := do(t, h, http.MethodGet, "/api/leaderboards/2025-01-02")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got storage.LeaderboardResult
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Day != "2025-01-02" || len(got.Entries) != 1 || !got.SettlementPrice.Equal(decimal.NewFromInt(3050)) {
		t.Fatalf("unexpected leaderboard: %+v", got)
	}

	if rec := do(t, h, http.MethodGet, "/api/leaderboards/2025-01-03"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing day status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/leaderboards/latest"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad day status = %d", rec.Code)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	panicker := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("test panic")
	})
	rec := httptest.NewRecorder()
	Recover(zerolog.Nop())(panicker).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}
