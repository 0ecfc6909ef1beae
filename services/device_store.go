package services

import (
	"sort"
	"sync"
	"sync/atomic"

	"ecgmon/models"

	"github.com/puzpuzpuz/xsync/v4"
)

// displayFrame is an immutable display window. The flush replaces it as a whole
// and never mutates a published frame.
type displayFrame struct {
	leads [models.LeadCount][]models.Sample
}

// deviceState is one slot of the device arena.
type deviceState struct {
	intakeMu sync.Mutex
	intake   [models.LeadCount][]models.Sample

	display atomic.Pointer[displayFrame]
}

// appendIntake appends expanded samples and returns how many were added across leads.
func (st *deviceState) appendIntake(leads [models.LeadCount][]models.Sample) int {
	st.intakeMu.Lock()
	defer st.intakeMu.Unlock()

	added := 0
	for i, samples := range leads {
		if len(samples) == 0 {
			continue
		}
		st.intake[i] = append(st.intake[i], samples...)
		added += len(samples)
	}
	return added
}

// swapIntake takes the pending intake and leaves empty sequences behind.
func (st *deviceState) swapIntake() ([models.LeadCount][]models.Sample, bool) {
	st.intakeMu.Lock()
	defer st.intakeMu.Unlock()

	drained := st.intake
	st.intake = [models.LeadCount][]models.Sample{}

	for _, samples := range drained {
		if len(samples) > 0 {
			return drained, true
		}
	}
	return drained, false
}

func (st *deviceState) pendingIntake() int {
	st.intakeMu.Lock()
	defer st.intakeMu.Unlock()

	n := 0
	for _, samples := range st.intake {
		n += len(samples)
	}
	return n
}

// publish appends drained samples to the display window, keeps the last capacity
// samples per lead and installs the result as a new frame.
func (st *deviceState) publish(drained [models.LeadCount][]models.Sample, capacity int) {
	var next displayFrame
	prev := st.display.Load()

	for i := range next.leads {
		var old []models.Sample
		if prev != nil {
			old = prev.leads[i]
		}
		next.leads[i] = appendBounded(old, drained[i], capacity)
	}

	st.display.Store(&next)
}

func (st *deviceState) snapshot() models.DisplaySnapshot {
	frame := st.display.Load()
	if frame == nil {
		return models.DisplaySnapshot{}
	}
	return models.DisplaySnapshot{
		Lead1: cloneSamples(frame.leads[models.Lead1]),
		Lead2: cloneSamples(frame.leads[models.Lead2]),
		Lead3: cloneSamples(frame.leads[models.Lead3]),
	}
}

// appendBounded returns a fresh slice holding the last capacity samples of old+added.
func appendBounded(old, added []models.Sample, capacity int) []models.Sample {
	if len(added) == 0 {
		return old
	}

	total := len(old) + len(added)
	if total > capacity {
		total = capacity
	}
	out := make([]models.Sample, 0, total)

	if len(added) >= capacity {
		return append(out, added[len(added)-capacity:]...)
	}

	keep := capacity - len(added)
	if keep > len(old) {
		keep = len(old)
	}
	out = append(out, old[len(old)-keep:]...)
	return append(out, added...)
}

func cloneSamples(in []models.Sample) []models.Sample {
	if len(in) == 0 {
		return []models.Sample{}
	}
	out := make([]models.Sample, len(in))
	copy(out, in)
	return out
}

// DeviceStore is the per-device arena shared by the accumulator and the flush scheduler.
// Each device has exactly one intake writer and one drainer.
type DeviceStore struct {
	devices  *xsync.Map[string, *deviceState]
	capacity int
}

// NewDeviceStore creates an arena whose display windows hold capacity samples per lead.
func NewDeviceStore(capacity int) *DeviceStore {
	return &DeviceStore{
		devices:  xsync.NewMap[string, *deviceState](),
		capacity: capacity,
	}
}

// Capacity returns the display window size per lead.
func (s *DeviceStore) Capacity() int {
	return s.capacity
}

func (s *DeviceStore) state(deviceID string) *deviceState {
	if st, ok := s.devices.Load(deviceID); ok {
		return st
	}
	st, _ := s.devices.LoadOrStore(deviceID, &deviceState{})
	return st
}

func (s *DeviceStore) lookup(deviceID string) (*deviceState, bool) {
	return s.devices.Load(deviceID)
}

// Snapshot returns a copy of the device's display window. Unknown devices yield an empty snapshot.
func (s *DeviceStore) Snapshot(deviceID string) models.DisplaySnapshot {
	st, ok := s.lookup(deviceID)
	if !ok {
		return models.DisplaySnapshot{}
	}
	return st.snapshot()
}

// Pending returns the number of samples waiting for the next flush.
func (s *DeviceStore) Pending(deviceID string) int {
	st, ok := s.lookup(deviceID)
	if !ok {
		return 0
	}
	return st.pendingIntake()
}

// Devices lists every device that has produced data, sorted by id.
func (s *DeviceStore) Devices() []string {
	ids := make([]string, 0, s.devices.Size())
	s.devices.Range(func(id string, _ *deviceState) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}

func (s *DeviceStore) forEach(fn func(deviceID string, st *deviceState)) {
	s.devices.Range(func(id string, st *deviceState) bool {
		fn(id, st)
		return true
	})
}
