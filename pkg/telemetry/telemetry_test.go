package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/roomlink/pkg/metrics"
	"github.com/go-go-golems/roomlink/pkg/model"
	"github.com/go-go-golems/roomlink/pkg/store"
)

type collector struct {
	mu      sync.Mutex
	reports []Report
	status  int32
	hits    int32
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&c.hits, 1)
	if s := atomic.LoadInt32(&c.status); s != 0 {
		w.WriteHeader(int(s))
		return
	}
	var rep Report
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.reports = append(c.reports, rep)
	c.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func setup(t *testing.T, s Settings, sendLogs bool) (*Reporter, *store.Store, *collector, *metrics.Metrics) {
	t.Helper()
	c := &collector{}
	srv := httptest.NewServer(c)
	t.Cleanup(srv.Close)
	if s.URL == "" {
		s.URL = srv.URL
	}
	st := store.New()
	st.SetSettings(model.Settings{SendLogs: sendLogs})
	m := metrics.New(prometheus.NewRegistry())
	return New(s, st, WithMetrics(m)), st, c, m
}

func TestReport_GrowlsAndShips(t *testing.T) {
	r, st, c, m := setup(t, Settings{Version: "1.2.3"}, true)
	r.Report(context.Background(), errors.New("boom"))
	r.Wait()

	require.Len(t, st.Growls(), 1)
	require.Equal(t, store.GrowlError, st.Growls()[0].Level)
	require.Len(t, c.reports, 1)
	require.Equal(t, "boom", c.reports[0].Message)
	require.Equal(t, "1.2.3", c.reports[0].Version)
	require.NotEmpty(t, c.reports[0].ID)
	require.Contains(t, c.reports[0].Detail, "TestReport_GrowlsAndShips")
	require.Equal(t, 1.0, testutil.ToFloat64(m.Reports.WithLabelValues(OutcomeSent)))
}

func TestReport_SkipsWithoutConsent(t *testing.T) {
	r, st, c, m := setup(t, Settings{}, false)
	r.Report(context.Background(), errors.New("private"))
	r.Wait()
	require.Len(t, st.Growls(), 1)
	require.Zero(t, atomic.LoadInt32(&c.hits))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Reports.WithLabelValues(OutcomeSkipped)))
}

func TestReport_RateLimited(t *testing.T) {
	r, _, c, m := setup(t, Settings{Rate: 0.001, Burst: 1}, true)
	r.Report(context.Background(), errors.New("one"))
	r.Report(context.Background(), errors.New("two"))
	r.Wait()
	require.Len(t, c.reports, 1)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Reports.WithLabelValues(OutcomeLimited)))
}

func TestReport_ServerErrorCountsAsFailed(t *testing.T) {
	r, _, c, m := setup(t, Settings{RetryMax: 1}, true)
	r.client.RetryWaitMin = 0
	r.client.RetryWaitMax = 0
	atomic.StoreInt32(&c.status, http.StatusInternalServerError)
	r.Report(context.Background(), errors.New("down"))
	r.Wait()
	require.Equal(t, int32(2), atomic.LoadInt32(&c.hits))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Reports.WithLabelValues(OutcomeFailed)))
}

func TestRecover_ReportsPanic(t *testing.T) {
	r, st, _, _ := setup(t, Settings{}, false)
	func() {
		defer r.Recover(context.Background())
		panic("kaput")
	}()
	require.Len(t, st.Growls(), 1)
	require.Contains(t, st.Growls()[0].Text, "kaput")
}

func TestNilReporterIsNoop(t *testing.T) {
	var r *Reporter
	r.Report(context.Background(), errors.New("x"))
	r.Wait()
}
