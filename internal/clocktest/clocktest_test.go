package clocktest

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestDriveReleasesWaiters(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := clockwork.NewFakeClockAt(start)
	d := Drive(fake, time.Second)
	defer d.Stop()

	for i := 0; i < 3; i++ {
		<-fake.After(time.Second)
	}

	require.Equal(t, 3, d.Advances())
	require.Equal(t, start.Add(3*time.Second), fake.Now())
}
