package registry_test

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowloop/cortege/core/engine"
	"github.com/flowloop/cortege/core/registry"
	"github.com/flowloop/cortege/core/report"
)

type metricsService struct{ name string }

func (m *metricsService) ServiceName() string { return m.name }
func (m *metricsService) Record(v int)        {}

type otherService struct{ name string }

func (o *otherService) ServiceName() string { return o.name }

type injectable struct {
	metrics *metricsService
}

func (i *injectable) Dependencies() []registry.Dependency {
	return []registry.Dependency{
		{
			Type: reflect.TypeOf(&metricsService{}),
			Setter: func(svc engine.Service) error {
				i.metrics = svc.(*metricsService)
				return nil
			},
		},
	}
}

func TestRegisterServiceDuplicateFails(t *testing.T) {
	hub := report.NewHub(8)
	reg := registry.New(hub)
	require.NoError(t, reg.RegisterService(&metricsService{name: "metrics"}))
	err := reg.RegisterService(&metricsService{name: "metrics"})
	require.Error(t, err)
}

func TestLookupReturnsRegisteredService(t *testing.T) {
	hub := report.NewHub(8)
	reg := registry.New(hub)
	svc := &metricsService{name: "metrics"}
	require.NoError(t, reg.RegisterService(svc))

	got, ok := reg.Lookup("metrics")
	require.True(t, ok)
	require.Same(t, svc, got)

	_, ok = reg.Lookup("missing")
	require.False(t, ok)
}

func TestInjectMatchesByAssignableType(t *testing.T) {
	hub := report.NewHub(8)
	reg := registry.New(hub)
	require.NoError(t, reg.RegisterService(&otherService{name: "other"}))
	metrics := &metricsService{name: "metrics"}
	require.NoError(t, reg.RegisterService(metrics))

	target := &injectable{}
	require.NoError(t, reg.Inject(target))
	require.Same(t, metrics, target.metrics)
}

func TestInjectNoOpForNonDependant(t *testing.T) {
	hub := report.NewHub(8)
	reg := registry.New(hub)
	require.NoError(t, reg.Inject(&otherService{name: "x"}))
}

type fakeNamedSource struct {
	name       string
	subscribed []engine.SubscriptionKey
}

func (f *fakeNamedSource) Name() string { return f.name }
func (f *fakeNamedSource) Subscribe(key engine.SubscriptionKey) error {
	f.subscribed = append(f.subscribed, key)
	return nil
}
func (f *fakeNamedSource) Unsubscribe(engine.SubscriptionKey) error { return nil }

func TestSubscribeToNamedFeedResolvesByName(t *testing.T) {
	hub := report.NewHub(8)
	reg := registry.New(hub)
	src := &fakeNamedSource{name: "prices"}
	reg.RegisterNamedFeed(src)

	require.NoError(t, reg.SubscribeToNamedFeed("prices", engine.OnEvent, "auditor"))
	require.Len(t, src.subscribed, 1)
	require.Equal(t, "prices", src.subscribed[0].Source.Name)
}

func TestSubscribeToNamedFeedUnknownFails(t *testing.T) {
	hub := report.NewHub(8)
	reg := registry.New(hub)
	err := reg.SubscribeToNamedFeed("missing", engine.OnEvent, "auditor")
	require.Error(t, err)
}
