package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncTransition(t *testing.T) {
	before := testutil.ToFloat64(TransitionsTotal.WithLabelValues("Idle", "Connecting"))
	IncTransition("Idle", "Connecting")
	assert.Equal(t, before+1, testutil.ToFloat64(TransitionsTotal.WithLabelValues("Idle", "Connecting")))
}

func TestIncHandshake_EmptyOutcome(t *testing.T) {
	before := testutil.ToFloat64(HandshakeAttemptsTotal.WithLabelValues("unknown"))
	IncHandshake("")
	assert.Equal(t, before+1, testutil.ToFloat64(HandshakeAttemptsTotal.WithLabelValues("unknown")))
}

func TestAddTraffic(t *testing.T) {
	sent := testutil.ToFloat64(TrafficBytesTotal.WithLabelValues("sent"))
	recv := testutil.ToFloat64(TrafficBytesTotal.WithLabelValues("received"))

	AddTraffic(100, 0)

	assert.Equal(t, sent+100, testutil.ToFloat64(TrafficBytesTotal.WithLabelValues("sent")))
	assert.Equal(t, recv, testutil.ToFloat64(TrafficBytesTotal.WithLabelValues("received")))
}

func TestSetKillSwitch(t *testing.T) {
	before := testutil.ToFloat64(KillSwitchEngagementsTotal)

	SetKillSwitch(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(KillSwitchEngaged))
	assert.Equal(t, before+1, testutil.ToFloat64(KillSwitchEngagementsTotal))

	SetKillSwitch(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(KillSwitchEngaged))
}

func TestObserveCatalogRefresh(t *testing.T) {
	errs := testutil.ToFloat64(CatalogRefreshesTotal.WithLabelValues("error"))

	ObserveCatalogRefresh(errors.New("boom"), 0)
	ObserveCatalogRefresh(nil, 7)

	assert.Equal(t, errs+1, testutil.ToFloat64(CatalogRefreshesTotal.WithLabelValues("error")))
	assert.Equal(t, 7.0, testutil.ToFloat64(CatalogServers))
}

func TestObserveHTTPRequest(t *testing.T) {
	ObserveHTTPRequest("GET", "/api/v1/status", 200, 5*time.Millisecond)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	mf := findFamily(families, "veilvpn_http_request_duration_seconds")
	require.NotNil(t, mf)
	assert.Equal(t, dto.MetricType_HISTOGRAM, mf.GetType())

	var found bool
	for _, m := range mf.GetMetric() {
		labels := map[string]string{}
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		if labels["path"] == "/api/v1/status" && labels["status"] == "200" {
			found = true
			assert.GreaterOrEqual(t, m.GetHistogram().GetSampleCount(), uint64(1))
		}
	}
	assert.True(t, found, "labelled series not exported")
}

func findFamily(families []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}
