package types

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionKey_String(t *testing.T) {
	day := MustParseDay("2025-12-03")

	tests := []struct {
		name string
		key  PartitionKey
		want string
	}{
		{"bronze", BronzeKey(day, 7), "bronze/year=2025/month=12/day=03/hour=07/events.json.gz"},
		{"silver", SilverKey(day), "silver/year=2025/month=12/day=03/events.parquet"},
		{"gold", GoldKey(day), "gold/year=2025/month=12/day=03/metrics.parquet"},
		{"features", FeaturesKey(day), "features/year=2025/month=12/day=03/features.parquet"},
		{"lease", LeaseKey(day), "leases/year=2025/month=12/day=03/lease.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.String())
		})
	}
}

func TestParsePartitionKey_Rejects(t *testing.T) {
	bad := []string{
		"",
		"gold/metrics.parquet",
		"platinum/year=2025/month=12/day=03/metrics.parquet",
		"gold/year=2025/month=13/day=03/metrics.parquet",
		"gold/year=2025/month=02/day=30/metrics.parquet",
		"gold/year=2025/month=12/day=03/events.parquet",
		"gold/year=2025/month=12/day=03/hour=01/metrics.parquet",
		"bronze/year=2025/month=12/day=03/hour=24/events.json.gz",
		"bronze/year=2025/month=12/day=03/events.json.gz",
		"silver/y=2025/month=12/day=03/events.parquet",
	}
	for _, path := range bad {
		_, err := ParsePartitionKey(path)
		assert.ErrorIs(t, err, ErrInvalidPartitionKey, "path %q", path)
	}
}

func TestDayPrefix_CoversKeys(t *testing.T) {
	day := MustParseDay("2024-02-29")
	assert.Equal(t, "bronze/year=2024/month=02/day=29/", DayPrefix(LayerBronze, day))
	assert.Contains(t, BronzeKey(day, 23).String(), DayPrefix(LayerBronze, day))
}

// TestProperty_PartitionKeyRoundTrip checks that every valid key parses back
// to itself and that distinct keys render to distinct paths.
func TestProperty_PartitionKeyRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	layers := []Layer{LayerBronze, LayerSilver, LayerGold, LayerFeatures, LayerLeases}
	base := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)

	properties.Property("ParsePartitionKey(k.String()) == k", prop.ForAll(
		func(offset int, layerIdx int, hour int) bool {
			day := DayOf(base.AddDate(0, 0, offset))
			key := PartitionKey{Layer: layers[layerIdx], Day: day, Hour: NoHour}
			if key.Layer == LayerBronze {
				key.Hour = hour
			}
			parsed, err := ParsePartitionKey(key.String())
			return err == nil && parsed == key
		},
		gen.IntRange(0, 6000),
		gen.IntRange(0, len(layers)-1),
		gen.IntRange(0, HoursPerDay-1),
	))

	properties.Property("distinct bronze hours render distinct paths", prop.ForAll(
		func(offset int, h1, h2 int) bool {
			day := DayOf(base.AddDate(0, 0, offset))
			if h1 == h2 {
				return BronzeKey(day, h1).String() == BronzeKey(day, h2).String()
			}
			return BronzeKey(day, h1).String() != BronzeKey(day, h2).String()
		},
		gen.IntRange(0, 6000),
		gen.IntRange(0, HoursPerDay-1),
		gen.IntRange(0, HoursPerDay-1),
	))

	properties.TestingRun(t)
}

func TestDay(t *testing.T) {
	d, err := ParseDay("2025-12-31")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-01", d.AddDays(1).String())
	assert.Equal(t, "2025-12-24", d.AddDays(-7).String())
	assert.True(t, d.AddDays(-1).Before(d))
	assert.True(t, d.AddDays(1).After(d))

	_, err = ParseDay("2025-12-32")
	assert.ErrorIs(t, err, ErrInvalidDay)

	days := DaysBetween(MustParseDay("2025-02-27"), MustParseDay("2025-03-02"))
	require.Len(t, days, 4)
	assert.Equal(t, "2025-02-28", days[1].String())
	assert.Equal(t, "2025-03-01", days[2].String())
	assert.Nil(t, DaysBetween(d, d.AddDays(-1)))

	assert.Equal(t, d, DayOf(time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC)))
}

func TestParseEventKind(t *testing.T) {
	for _, k := range RecognizedKinds {
		got, ok := ParseEventKind(string(k))
		assert.True(t, ok)
		assert.Equal(t, k, got)
	}
	_, ok := ParseEventKind("GollumEvent")
	assert.False(t, ok)
	_, ok = ParseEventKind("")
	assert.False(t, ok)
}

func TestDailyMetrics_AddCount(t *testing.T) {
	var m DailyMetrics
	for i := 0; i < 3; i++ {
		m.Add(KindWatch)
	}
	m.Add(KindFork)
	m.Add(KindCreate)
	assert.EqualValues(t, 3, m.Count(KindWatch))
	assert.EqualValues(t, 1, m.Count(KindFork))
	assert.EqualValues(t, 0, m.Count(KindPush))
	assert.EqualValues(t, 0, m.Count(KindCreate))
}
