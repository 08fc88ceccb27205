package usage

import "time"

// ResourceUsage is a single CPU/memory measurement.
// Time is epoch milliseconds; zero means the sample was taken outside the
// sampling schedule and carries no timestamp.
type ResourceUsage struct {
	Time   int64   `json:"time,omitempty"`
	CPU    float64 `json:"cpu"`
	Memory uint64  `json:"memory"`
}

// Zero returns an empty snapshot tagged with t.
func Zero(t time.Time) ResourceUsage {
	return ResourceUsage{}.At(t)
}

// At returns a copy of u stamped with t. A zero t leaves the copy untimed.
func (u ResourceUsage) At(t time.Time) ResourceUsage {
	if t.IsZero() {
		u.Time = 0
		return u
	}
	u.Time = t.UnixMilli()
	return u
}

// Timestamp reports the sample time, if any.
func (u ResourceUsage) Timestamp() (time.Time, bool) {
	if u.Time == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(u.Time), true
}

// IsZero reports whether the snapshot carries no measurement.
func (u ResourceUsage) IsZero() bool {
	return u.CPU == 0 && u.Memory == 0
}
