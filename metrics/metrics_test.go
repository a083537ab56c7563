package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/dispersy-go/dispersy/metrics"
)

func TestNewSetRegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, err := metrics.NewSet("abc123", reg)
	require.NoError(t, err)

	s.PacketsDropped.WithLabelValues("bad-signature").Inc()
	s.CacheHits.Inc()
	s.CandidatesByCat.WithLabelValues("walk").Set(3)

	var m dto.Metric
	require.NoError(t, s.CacheHits.Write(&m))
	require.Equal(t, float64(1), m.GetCounter().GetValue())
}

func TestNewSetCollisionErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := metrics.NewSet("dup", reg)
	require.NoError(t, err)

	_, err = metrics.NewSet("dup", reg)
	require.Error(t, err, "registering the same community label twice collides on metric name")
}
