package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kuadrant/wasm-policy-shim/testing/testhost"
)

func TestNewCounters_DefinesEveryNamedCounter(t *testing.T) {
	host := testhost.New()
	_, err := NewCounters(host)
	require.NoError(t, err)
	require.Equal(t, []string{
		"policy.allowed",
		"policy.configs",
		"policy.denied",
		"policy.errors",
		"policy.hits",
		"policy.misses",
	}, host.CounterNames())
}

func TestCounters_HitsAndDeniedUseDistinctCounters(t *testing.T) {
	host := testhost.New()
	c, err := NewCounters(host)
	require.NoError(t, err)

	c.Hits()
	c.Hits()
	c.Denied()

	hitsID := host.Counters["policy.hits"]
	deniedID := host.Counters["policy.denied"]
	require.NotEqual(t, hitsID, deniedID)
}

func TestServiceCounters_DefinesLazilyPerService(t *testing.T) {
	host := testhost.New()
	sc := NewServiceCounters(host)
	require.Empty(t, host.CounterNames())

	sc.ReportOK("authorino")
	require.Contains(t, host.CounterNames(), "policy.service.authorino.ok")
	require.Contains(t, host.CounterNames(), "policy.service.authorino.error")
	require.Contains(t, host.CounterNames(), "policy.service.authorino.rejected")
	require.Contains(t, host.CounterNames(), "policy.service.authorino.failure_mode_allowed")

	before := len(host.CounterNames())
	sc.ReportError("authorino")
	require.Len(t, host.CounterNames(), before, "second call for the same service must not redefine counters")
}

func TestServiceCounters_SeparatesByServiceName(t *testing.T) {
	host := testhost.New()
	sc := NewServiceCounters(host)

	sc.ReportOK("authorino")
	sc.ReportRejected("limitador")

	require.Contains(t, host.CounterNames(), "policy.service.authorino.ok")
	require.Contains(t, host.CounterNames(), "policy.service.limitador.rejected")
}
