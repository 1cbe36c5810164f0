package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/slotwatch/internal/browser/scripted"
	"github.com/JakeFAU/slotwatch/internal/monitor"
)

func TestLimiterPacesPerHost(t *testing.T) {
	l := New(Config{PerMinute: 600, Burst: 1}) // one token every 100ms
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://visa.example/slots"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://visa.example/slots"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	// Other hosts have their own bucket.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.example/"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterUnlimited(t *testing.T) {
	l := New(Config{})
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://visa.example/"))
	}
}

func TestLimiterHonoursContext(t *testing.T) {
	l := New(Config{PerMinute: 1, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://visa.example/"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://visa.example/"))
}

func TestWrapKeepsInteractivePages(t *testing.T) {
	inner := scripted.New([]scripted.Frame{{Markup: "<p>open</p>"}})
	b := Wrap(inner, New(Config{PerMinute: 60, Burst: 2}))

	p, err := b.NewPage(context.Background())
	require.NoError(t, err)
	_, ok := p.(monitor.InteractivePage)
	require.True(t, ok)

	require.NoError(t, p.Navigate(context.Background(), "https://visa.example/a", time.Second))
	require.NoError(t, p.Close())
	require.Equal(t, []string{"https://visa.example/a"}, inner.Navigations())
	require.Equal(t, 1, inner.Closed())
}

func TestWrapFailsNavigationOutOfBudget(t *testing.T) {
	inner := scripted.New([]scripted.Frame{{Markup: "<p>open</p>"}})
	b := Wrap(inner, New(Config{PerMinute: 1, Burst: 1}))
	p, err := b.NewPage(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Navigate(context.Background(), "https://visa.example/", time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, p.Navigate(ctx, "https://visa.example/", time.Second))
	require.Len(t, inner.Navigations(), 1)
}
