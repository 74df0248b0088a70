package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fluxmon/agentd/internal/wire"
)

type fakeAppAgent struct {
	name  string
	value string
	found bool
	err   error
	calls *int
}

func (f fakeAppAgent) Name() string { return f.name }

func (f fakeAppAgent) GetMetric(ctx context.Context, name string) (string, bool, error) {
	if f.calls != nil {
		*f.calls++
	}
	return f.value, f.found, f.err
}

func TestResolveReturnsFirstSuccessfulAppAgent(t *testing.T) {
	f := NewFallbackChain(nil)
	secondCalls := 0
	f.RegisterAppAgent(fakeAppAgent{name: "first", value: "ok", found: true})
	f.RegisterAppAgent(fakeAppAgent{name: "second", value: "unused", found: true, calls: &secondCalls})

	val, rc := f.Resolve(context.Background(), "some.metric")
	assert.Equal(t, wire.RCSuccess, rc)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 0, secondCalls)
}

func TestResolveContinuesToNextAgentOnCommFailure(t *testing.T) {
	f := NewFallbackChain(nil)
	f.RegisterAppAgent(fakeAppAgent{name: "broken", err: errors.New("connection refused")})
	f.RegisterAppAgent(fakeAppAgent{name: "healthy", value: "found-it", found: true})

	val, rc := f.Resolve(context.Background(), "some.metric")
	assert.Equal(t, wire.RCSuccess, rc)
	assert.Equal(t, "found-it", val)
}

func TestResolveStopsChainOnDefinitiveNoSuchInstance(t *testing.T) {
	f := NewFallbackChain(nil)
	secondCalls := 0
	f.RegisterAppAgent(fakeAppAgent{name: "authoritative", found: false, err: nil})
	f.RegisterAppAgent(fakeAppAgent{name: "never-consulted", value: "should-not-see-this", found: true, calls: &secondCalls})
	f.RegisterExternalParameter("some.metric", "echo from-external", time.Second)

	val, rc := f.Resolve(context.Background(), "some.metric")
	assert.Equal(t, wire.RCSuccess, rc)
	assert.Equal(t, "from-external", val)
	assert.Equal(t, 0, secondCalls)
}

func TestResolveRunsExternalParameterWhenNoAppAgentConfigured(t *testing.T) {
	f := NewFallbackChain(nil)
	f.RegisterExternalParameter("shell.metric", "echo external-value", time.Second)

	val, rc := f.Resolve(context.Background(), "shell.metric")
	assert.Equal(t, wire.RCSuccess, rc)
	assert.Equal(t, "external-value", val)
}

func TestResolveExternalParameterTimeout(t *testing.T) {
	f := NewFallbackChain(nil)
	f.RegisterExternalParameter("slow.metric", "sleep 2", 50*time.Millisecond)

	_, rc := f.Resolve(context.Background(), "slow.metric")
	assert.Equal(t, wire.RCRequestTimeout, rc)
}

func TestResolveReturnsUnknownMetricWhenNothingMatches(t *testing.T) {
	f := NewFallbackChain(nil)
	_, rc := f.Resolve(context.Background(), "nonexistent.metric")
	assert.Equal(t, wire.RCUnknownMetric, rc)
}
