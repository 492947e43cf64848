package retention

import "github.com/ghlake/ghlake/pkg/types"

// Status is the result of one deletion attempt.
type Status string

const (
	StatusDeleted  Status = "deleted"
	StatusNotFound Status = "not_found"
	StatusFailed   Status = "failed"
)

// Outcome is the explicit result of deleting one object.
type Outcome struct {
	Key    string      `json:"key"`
	Layer  types.Layer `json:"layer"`
	Status Status      `json:"status"`
	Reason string      `json:"reason,omitempty"`
}

// Report accumulates deletion outcomes.
type Report struct {
	Outcomes []Outcome `json:"outcomes"`
}

func (r *Report) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
}

// Merge appends other's outcomes to r.
func (r *Report) Merge(other *Report) {
	if other != nil {
		r.Outcomes = append(r.Outcomes, other.Outcomes...)
	}
}

// Failed returns the outcomes whose deletion failed.
func (r *Report) Failed() []Outcome {
	return r.filter(StatusFailed)
}

// Deleted returns the outcomes that removed an object.
func (r *Report) Deleted() []Outcome {
	return r.filter(StatusDeleted)
}

// Count returns the number of outcomes with status s.
func (r *Report) Count(s Status) int {
	return len(r.filter(s))
}

func (r *Report) filter(s Status) []Outcome {
	if r == nil {
		return nil
	}
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == s {
			out = append(out, o)
		}
	}
	return out
}
