package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ais-virtualnet/backend/internal/models"
	"github.com/ais-virtualnet/backend/internal/testutil"
)

func positionReport(mmsi uint32, lat, lon float64) *models.VesselReport {
	return &models.VesselReport{
		MMSI:      mmsi,
		MessageID: 1,
		Kind:      models.ReportKindPosition,
		Position:  &models.Position{Lat: lat, Lon: lon},
	}
}

func staticReport(mmsi uint32, name string) *models.VesselReport {
	return &models.VesselReport{
		MMSI:      mmsi,
		MessageID: 5,
		Kind:      models.ReportKindStatic,
		Name:      name,
	}
}

func TestUpdateAndExpiry(t *testing.T) {
	clock := testutil.NewClock()
	table := NewTable(WithClock(clock.Now))

	table.Update(positionReport(219000001, 55.7, 12.6))
	assert.True(t, table.Exists(219000001))

	clock.Advance(DefaultTTL - time.Second)
	assert.True(t, table.Exists(219000001))

	clock.Advance(2 * time.Second)
	assert.False(t, table.Exists(219000001))
	assert.Len(t, table.All(), 1, "expired entries stay until swept")
	assert.Empty(t, table.Alive())

	assert.Equal(t, 1, table.Sweep())
	assert.Empty(t, table.All())
	assert.Equal(t, 0, table.Len())
}

func TestUpdateKeepsFieldsNotInReport(t *testing.T) {
	clock := testutil.NewClock()
	table := NewTable(WithClock(clock.Now))

	table.Update(positionReport(219000002, 55.1, 11.2))
	clock.Advance(time.Second)
	table.Update(staticReport(219000002, "FREJA@@@@@@@@   "))

	e, ok := table.Get(219000002)
	require.True(t, ok)
	assert.Equal(t, "FREJA", e.Name)
	require.NotNil(t, e.Position, "name-only report must not clear the position")
	assert.Equal(t, 55.1, e.Position.Lat)
	assert.Equal(t, 11.2, e.Position.Lon)
	assert.Equal(t, clock.Now(), e.LastSeen)

	// A position report without a valid position only refreshes liveness.
	clock.Advance(time.Second)
	table.Update(&models.VesselReport{MMSI: 219000002, Kind: models.ReportKindPosition})
	e, _ = table.Get(219000002)
	require.NotNil(t, e.Position)
	assert.Equal(t, "FREJA", e.Name)
	assert.Equal(t, clock.Now(), e.LastSeen)
}

func TestUpdateIgnoresOtherKinds(t *testing.T) {
	table := NewTable()
	table.Update(&models.VesselReport{MMSI: 2190047, MessageID: 4, Kind: models.ReportKindOther})
	table.Update(nil)
	assert.Equal(t, 0, table.Len())
	assert.False(t, table.Exists(2190047))
}

func TestLastSeenNeverMovesBackwards(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	table := NewTable(WithClock(clock))
	table.Update(positionReport(1, 1, 1))

	mu.Lock()
	now = now.Add(-time.Minute)
	mu.Unlock()
	table.Update(positionReport(1, 2, 2))

	e, _ := table.Get(1)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), e.LastSeen)
	assert.Equal(t, 2.0, e.Position.Lat)
}

func TestSweepKeepsRefreshedEntries(t *testing.T) {
	clock := testutil.NewClock()
	table := NewTable(WithClock(clock.Now), WithTTL(time.Minute))

	table.Update(positionReport(1, 1, 1))
	table.Update(positionReport(2, 2, 2))
	clock.Advance(2 * time.Minute)
	table.Update(positionReport(2, 2.5, 2.5))

	assert.Equal(t, 1, table.Sweep())
	assert.False(t, table.Exists(1))
	assert.True(t, table.Exists(2))
}

func TestConcurrentUpdateAndSweep(t *testing.T) {
	clock := testutil.NewClock()
	table := NewTable(WithClock(clock.Now), WithTTL(time.Second))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				table.Update(positionReport(uint32(i%50), float64(w), float64(i)))
				if i%100 == 0 {
					clock.Advance(500 * time.Millisecond)
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			table.Sweep()
		}
	}()
	wg.Wait()

	// A final refresh after all sweeps must always be visible.
	table.Update(positionReport(7, 1, 1))
	assert.True(t, table.Exists(7))
}

func TestMessageSnapshot(t *testing.T) {
	clock := testutil.NewClock()
	table := NewTable(WithClock(clock.Now))
	table.Update(staticReport(265000003, "ODEN"))
	table.Update(positionReport(219000001, 55.7, 12.6))

	msg := table.Message()
	require.Len(t, msg.Targets, 2)
	assert.Equal(t, uint32(219000001), msg.Targets[0].MMSI)
	require.NotNil(t, msg.Targets[0].Lat)
	assert.Equal(t, 55.7, *msg.Targets[0].Lat)
	assert.Equal(t, "ODEN", msg.Targets[1].Name)
	assert.Nil(t, msg.Targets[1].Lat)
	assert.Equal(t, clock.Now().UnixMilli(), msg.Targets[1].LastMessage)
}

func TestTrimName(t *testing.T) {
	tests := map[string]string{
		"":                    "",
		"NORDICA":             "NORDICA",
		"  KONTIO @@@@@@@@":   "KONTIO",
		"@@@@@@@@@@@@@@@@@@@": "",
	}
	for in, want := range tests {
		assert.Equal(t, want, TrimName(in), "input %q", in)
	}
}
