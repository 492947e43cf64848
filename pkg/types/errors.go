package types

import "errors"

var (
	// ErrInvalidDay is returned when a date string is not YYYY-MM-DD.
	ErrInvalidDay = errors.New("invalid day")

	// ErrInvalidPartitionKey is returned when an object key does not follow
	// the {layer}/year=/month=/day=[/hour=]/{artifact} layout.
	ErrInvalidPartitionKey = errors.New("invalid partition key")

	// ErrInvalidHour is returned for hours outside 0..23.
	ErrInvalidHour = errors.New("invalid hour")
)
