package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Layer names a storage layer of the lake.
type Layer string

const (
	// LayerBronze holds raw hourly archive files, byte for byte.
	LayerBronze Layer = "bronze"

	// LayerSilver holds one normalized event table per day.
	LayerSilver Layer = "silver"

	// LayerGold holds one per-repository metrics table per day.
	LayerGold Layer = "gold"

	// LayerFeatures holds the feature tables derived from gold.
	LayerFeatures Layer = "features"

	// LayerLeases holds per-day processing leases.
	LayerLeases Layer = "leases"
)

// NoHour marks a day-level partition key.
const NoHour = -1

// artifacts maps each layer to the single object name stored per partition.
var artifacts = map[Layer]string{
	LayerBronze:   "events.json.gz",
	LayerSilver:   "events.parquet",
	LayerGold:     "metrics.parquet",
	LayerFeatures: "features.parquet",
	LayerLeases:   "lease.json",
}

// Artifact returns the object name used for partitions of the layer.
func (l Layer) Artifact() string {
	return artifacts[l]
}

// Valid reports whether l is a known layer.
func (l Layer) Valid() bool {
	_, ok := artifacts[l]
	return ok
}

// PartitionKey addresses exactly one stored object.
type PartitionKey struct {
	Layer Layer `json:"layer"`
	Day   Day   `json:"day"`
	// Hour is 0..23 for hourly partitions and NoHour for daily ones.
	Hour int `json:"hour"`
}

// BronzeKey returns the key of the raw archive file for (day, hour).
func BronzeKey(day Day, hour int) PartitionKey {
	return PartitionKey{Layer: LayerBronze, Day: day, Hour: hour}
}

// SilverKey returns the key of the normalized event table for day.
func SilverKey(day Day) PartitionKey {
	return PartitionKey{Layer: LayerSilver, Day: day, Hour: NoHour}
}

// GoldKey returns the key of the metrics table for day.
func GoldKey(day Day) PartitionKey {
	return PartitionKey{Layer: LayerGold, Day: day, Hour: NoHour}
}

// FeaturesKey returns the key of the feature table for day.
func FeaturesKey(day Day) PartitionKey {
	return PartitionKey{Layer: LayerFeatures, Day: day, Hour: NoHour}
}

// LeaseKey returns the key of the processing lease marker for day.
func LeaseKey(day Day) PartitionKey {
	return PartitionKey{Layer: LayerLeases, Day: day, Hour: NoHour}
}

// LayerPrefix returns the listing prefix covering every partition of a layer.
func LayerPrefix(l Layer) string {
	return string(l) + "/"
}

// DayPrefix returns the listing prefix covering every partition of a layer for one day.
func DayPrefix(l Layer, day Day) string {
	return fmt.Sprintf("%s/year=%04d/month=%02d/day=%02d/", l, day.Year, int(day.Month), day.Day)
}

// HasHour reports whether the key addresses an hourly partition.
func (k PartitionKey) HasHour() bool {
	return k.Hour != NoHour
}

// String renders the key as an object path.
func (k PartitionKey) String() string {
	var b strings.Builder
	b.WriteString(DayPrefix(k.Layer, k.Day))
	if k.HasHour() {
		fmt.Fprintf(&b, "hour=%02d/", k.Hour)
	}
	b.WriteString(k.Layer.Artifact())
	return b.String()
}

// Validate checks the layer, the hour range, and that hours are only used
// by the bronze layer.
func (k PartitionKey) Validate() error {
	if !k.Layer.Valid() {
		return fmt.Errorf("%w: unknown layer %q", ErrInvalidPartitionKey, k.Layer)
	}
	if k.Day.IsZero() {
		return fmt.Errorf("%w: missing day", ErrInvalidPartitionKey)
	}
	if k.Layer == LayerBronze {
		if k.Hour < 0 || k.Hour >= HoursPerDay {
			return fmt.Errorf("%w: %w: %d", ErrInvalidPartitionKey, ErrInvalidHour, k.Hour)
		}
		return nil
	}
	if k.HasHour() {
		return fmt.Errorf("%w: layer %s is not hourly", ErrInvalidPartitionKey, k.Layer)
	}
	return nil
}

// ParsePartitionKey parses an object path produced by PartitionKey.String.
func ParsePartitionKey(path string) (PartitionKey, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 5 && len(parts) != 6 {
		return PartitionKey{}, fmt.Errorf("%w: %q", ErrInvalidPartitionKey, path)
	}

	key := PartitionKey{Layer: Layer(parts[0]), Hour: NoHour}
	if !key.Layer.Valid() {
		return PartitionKey{}, fmt.Errorf("%w: unknown layer in %q", ErrInvalidPartitionKey, path)
	}

	year, err := parseSegment(parts[1], "year")
	if err != nil {
		return PartitionKey{}, fmt.Errorf("%w: %q: %v", ErrInvalidPartitionKey, path, err)
	}
	month, err := parseSegment(parts[2], "month")
	if err != nil {
		return PartitionKey{}, fmt.Errorf("%w: %q: %v", ErrInvalidPartitionKey, path, err)
	}
	day, err := parseSegment(parts[3], "day")
	if err != nil {
		return PartitionKey{}, fmt.Errorf("%w: %q: %v", ErrInvalidPartitionKey, path, err)
	}

	// Round-trip through ParseDay to reject dates like month=13 or day=31 in April.
	key.Day, err = ParseDay(fmt.Sprintf("%04d-%02d-%02d", year, month, day))
	if err != nil {
		return PartitionKey{}, fmt.Errorf("%w: %q", ErrInvalidPartitionKey, path)
	}

	artifact := parts[len(parts)-1]
	if len(parts) == 6 {
		key.Hour, err = parseSegment(parts[4], "hour")
		if err != nil {
			return PartitionKey{}, fmt.Errorf("%w: %q: %v", ErrInvalidPartitionKey, path, err)
		}
	}
	if artifact != key.Layer.Artifact() {
		return PartitionKey{}, fmt.Errorf("%w: unexpected artifact %q", ErrInvalidPartitionKey, artifact)
	}
	if err := key.Validate(); err != nil {
		return PartitionKey{}, err
	}
	return key, nil
}

func parseSegment(segment, name string) (int, error) {
	value, ok := strings.CutPrefix(segment, name+"=")
	if !ok {
		return 0, fmt.Errorf("expected %s= segment, got %q", name, segment)
	}
	return strconv.Atoi(value)
}
