package offline0

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientTracker(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tr := newClientTracker(time.Minute)
	tr.now = func() time.Time { return now }

	tr.Touch("", "v1", true)
	tr.Touch("b", "v1", false)
	tr.Touch("a", "v1", true)

	// a subresource request keeps the page on the version it loaded with
	tr.Touch("a", "v2", false)
	// a reload moves it over
	tr.Touch("b", "v2", true)

	got, err := tr.Clients(ctx)
	require.NoError(t, err)
	want := []Client{
		{ID: "a", Controller: "v1", LastSeen: now},
		{ID: "b", Controller: "v2", LastSeen: now},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("clients mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, tr.Claim(ctx, "v3"))
	got, err = tr.Clients(ctx)
	require.NoError(t, err)
	for _, c := range got {
		assert.Equal(t, "v3", c.Controller, c.ID)
	}

	now = now.Add(30 * time.Second)
	tr.Touch("a", "v3", false)
	now = now.Add(45 * time.Second)
	got, err = tr.Clients(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1, "b went idle")
	assert.Equal(t, "a", got[0].ID)
}

func TestClientTrackerUnboundClientPicksUpCurrent(t *testing.T) {
	tr := newClientTracker(0)
	tr.Touch("a", "", false)
	tr.Touch("a", "v1", false)

	got, err := tr.Clients(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "v1", got[0].Controller)
}
