package models

// Lead identifies one of the three simultaneous waveform channels.
type Lead int

const (
	Lead1 Lead = iota
	Lead2
	Lead3
)

// LeadCount is the number of channels carried by every chunk.
const LeadCount = 3

func (l Lead) String() string {
	switch l {
	case Lead1:
		return "lead1"
	case Lead2:
		return "lead2"
	case Lead3:
		return "lead3"
	default:
		return "unknown"
	}
}

// Sample is one waveform reading at a derived timestamp (unix milliseconds).
type Sample struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// LeadChunk is the decoded payload of one realtime message.
type LeadChunk struct {
	DeviceID         string
	BaseTimestamp    int64
	SampleIntervalMs int64
	Lead1            []float64
	Lead2            []float64
	Lead3            []float64
	BpmHint          *float64
}

// Leads returns the three lead arrays truncated to the shortest non-empty lead.
// A lead that was absent from the payload stays empty.
func (c *LeadChunk) Leads() [LeadCount][]float64 {
	raw := [LeadCount][]float64{c.Lead1, c.Lead2, c.Lead3}

	n := -1
	for _, values := range raw {
		if len(values) == 0 {
			continue
		}
		if n < 0 || len(values) < n {
			n = len(values)
		}
	}

	var out [LeadCount][]float64
	if n <= 0 {
		return out
	}
	for i, values := range raw {
		if len(values) > 0 {
			out[i] = values[:n]
		}
	}
	return out
}

// Expand converts the chunk into timestamped samples, base + i*interval.
func (c *LeadChunk) Expand() [LeadCount][]Sample {
	var out [LeadCount][]Sample
	for lead, values := range c.Leads() {
		if len(values) == 0 {
			continue
		}
		samples := make([]Sample, len(values))
		for i, v := range values {
			samples[i] = Sample{
				Timestamp: c.BaseTimestamp + int64(i)*c.SampleIntervalMs,
				Value:     v,
			}
		}
		out[lead] = samples
	}
	return out
}

// SampleCount returns the number of samples per lead after truncation.
func (c *LeadChunk) SampleCount() int {
	for _, values := range c.Leads() {
		if len(values) > 0 {
			return len(values)
		}
	}
	return 0
}

// DisplaySnapshot is a read-only copy of a device's display window.
type DisplaySnapshot struct {
	Lead1 []Sample `json:"lead1"`
	Lead2 []Sample `json:"lead2"`
	Lead3 []Sample `json:"lead3"`
}

// Lead returns the samples of one lead.
func (s DisplaySnapshot) Lead(l Lead) []Sample {
	switch l {
	case Lead1:
		return s.Lead1
	case Lead2:
		return s.Lead2
	case Lead3:
		return s.Lead3
	default:
		return nil
	}
}

// Empty reports whether no lead holds a sample.
func (s DisplaySnapshot) Empty() bool {
	return len(s.Lead1) == 0 && len(s.Lead2) == 0 && len(s.Lead3) == 0
}

// BpmSource tells where a heart-rate value came from.
type BpmSource string

const (
	BpmSourceLocal  BpmSource = "local"
	BpmSourceDevice BpmSource = "device"
)

// BpmEstimate is the current heart rate of a device.
type BpmEstimate struct {
	Value             int       `json:"value"`
	LastPeakTimestamp int64     `json:"last_peak_timestamp"`
	Source            BpmSource `json:"source"`
}
