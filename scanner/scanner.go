package scanner

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
)

// Reasons carried by the ScanStopped event.
const (
	ReasonExplicit = "explicit"
	ReasonTimeout  = "timeout"
	ReasonRadio    = "radio"
	ReasonNative   = "native"
)

// Publisher receives discovery and scan lifecycle events. It is called with
// the session lock held and must not block.
type Publisher interface {
	Publish(ev device.Event)
}

// RadioSource reports the current radio state.
type RadioSource interface {
	Current() device.RadioState
}

// ScanOptions configures one discovery pass.
type ScanOptions struct {
	Duration        time.Duration     `yaml:"duration"`
	AllowDuplicates bool              `yaml:"allow_duplicates"`
	ServiceUUIDs    []string          `yaml:"services"`
	AllowList       []string          `yaml:"allow"`
	BlockList       []string          `yaml:"block"`
	Parameters      map[string]string `yaml:"parameters"`
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		Duration: 10 * time.Second,
	}
}

// Session runs discovery passes against the native stack and keeps the
// peripherals seen by the current pass.
type Session struct {
	native device.Native
	bus    Publisher
	radio  RadioSource
	logger *logrus.Logger
	now    func() time.Time

	mu         sync.Mutex
	active     bool
	generation uint64
	opts       ScanOptions
	services   []string
	timer      *time.Timer
	done       chan struct{}
	devices    *hashmap.Map[device.PeripheralID, device.Peripheral]
}

// NewSession creates an idle scan session. bus and radio may be nil.
func NewSession(native device.Native, bus Publisher, radio RadioSource, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	done := make(chan struct{})
	close(done)
	return &Session{
		native:  native,
		bus:     bus,
		radio:   radio,
		logger:  logger,
		now:     time.Now,
		done:    done,
		devices: hashmap.New[device.PeripheralID, device.Peripheral](),
	}
}

// Start begins a discovery pass. The peripheral map of the previous pass is
// discarded. A Duration of zero scans until Stop.
func (s *Session) Start(ctx context.Context, opts ScanOptions) error {
	s.mu.Lock()
	if s.radio != nil {
		if st := s.radio.Current(); st != device.RadioOn {
			s.mu.Unlock()
			return &device.RadioError{State: st}
		}
	}
	if s.active {
		s.mu.Unlock()
		return device.ErrAlreadyScanning
	}

	s.active = true
	s.generation++
	gen := s.generation
	s.opts = opts
	s.services = device.NormalizeUUIDs(opts.ServiceUUIDs)
	s.devices = hashmap.New[device.PeripheralID, device.Peripheral]()
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"duration":         opts.Duration,
		"services":         s.services,
		"allow_duplicates": opts.AllowDuplicates,
	}).Info("Starting BLE scan...")

	err := s.native.Scan(ctx, device.ScanRequest{
		ServiceUUIDs:    s.services,
		AllowDuplicates: opts.AllowDuplicates,
		Parameters:      opts.Parameters,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.generation == gen && s.active {
			s.active = false
			close(s.done)
		}
		s.logger.WithError(err).Warn("BLE scan failed to start")
		return device.WrapNative("scan", err)
	}
	if s.generation != gen || !s.active {
		// Stopped by the radio or the native stack while starting.
		return nil
	}
	if opts.Duration > 0 {
		s.timer = time.AfterFunc(opts.Duration, func() {
			s.stop(gen, ReasonTimeout, nil)
		})
	}
	return nil
}

// Stop ends the current pass. Stopping an idle session is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	return s.stop(gen, ReasonExplicit, nil)
}

// HandleScanStopped records that the native stack ended the pass on its own.
func (s *Session) HandleScanStopped(err error) {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	_ = s.stop(gen, ReasonNative, err)
}

// HandleRadioChange ends the pass when the radio leaves On.
func (s *Session) HandleRadioChange(_, next device.RadioState) {
	if next == device.RadioOn {
		return
	}
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	_ = s.stop(gen, ReasonRadio, &device.RadioError{State: next})
}

// stop ends pass gen exactly once. The native scan is only stopped for
// reasons the native stack did not cause itself.
func (s *Session) stop(gen uint64, reason string, cause error) error {
	s.mu.Lock()
	if !s.active || s.generation != gen {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	count := s.devices.Len()
	s.publish(device.Event{Kind: device.EventScanStopped, Reason: reason, Err: cause})
	close(s.done)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"reason":       reason,
		"device_count": count,
	}).Info("BLE scan completed")

	if reason == ReasonNative || reason == ReasonRadio {
		return nil
	}
	if err := s.native.StopScan(); err != nil {
		s.logger.WithError(err).Warn("Native scan did not stop cleanly")
		return device.WrapNative("stop_scan", err)
	}
	return nil
}

// Wait blocks until the current pass stops or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleDiscovery records a sighting of the current pass. It reports whether
// the sighting changed the peripheral map.
func (s *Session) HandleDiscovery(sighting device.Sighting) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}

	existing, seen := s.devices.Get(sighting.ID)
	if seen && !s.opts.AllowDuplicates {
		return false
	}
	if !seen && !s.shouldInclude(sighting) {
		return false
	}

	p := device.NewPeripheral(sighting, s.now())
	if seen && sighting.Advertisement.LocalName == "" {
		p.Name = existing.Name
	}
	if _, loaded := s.devices.GetOrInsert(sighting.ID, p); loaded {
		s.devices.Set(sighting.ID, p)
	}

	if !seen {
		s.logger.WithFields(logrus.Fields{
			"device":  p.Name,
			"address": p.ID,
			"rssi":    p.RSSI,
		}).Info("Discovered new device")
	}

	snapshot := p.Clone()
	found := sighting
	found.Advertisement = sighting.Advertisement.Clone()
	s.publish(device.Event{
		Kind:       device.EventDiscover,
		Peripheral: p.ID,
		Sighting:   &found,
		Discovered: &snapshot,
	})
	return true
}

// shouldInclude applies the allow, block and service filters.
func (s *Session) shouldInclude(sighting device.Sighting) bool {
	addr := string(sighting.ID)

	for _, blocked := range s.opts.BlockList {
		if strings.EqualFold(addr, blocked) {
			return false
		}
	}

	if len(s.opts.AllowList) > 0 {
		allowed := false
		for _, a := range s.opts.AllowList {
			if strings.EqualFold(addr, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(s.services) > 0 && !s.native.Capabilities().Has(device.CapServiceFilter) {
		for _, required := range s.services {
			if sighting.Advertisement.HasService(required) {
				return true
			}
		}
		return false
	}

	return true
}

// IsActive reports whether a pass is running.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Options returns the options of the current or last pass.
func (s *Session) Options() ScanOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Peripherals returns a snapshot of the peripherals of the current or last
// pass.
func (s *Session) Peripherals() map[device.PeripheralID]device.Peripheral {
	s.mu.Lock()
	devices := s.devices
	s.mu.Unlock()

	out := make(map[device.PeripheralID]device.Peripheral, devices.Len())
	devices.Range(func(id device.PeripheralID, p device.Peripheral) bool {
		out[id] = p.Clone()
		return true
	})
	return out
}

// List returns the discovered peripherals strongest first.
func (s *Session) List() []device.Peripheral {
	m := s.Peripherals()
	out := make([]device.Peripheral, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	device.SortPeripherals(out)
	return out
}

// Discovered returns the snapshot of one peripheral.
func (s *Session) Discovered(id device.PeripheralID) (device.Peripheral, bool) {
	s.mu.Lock()
	devices := s.devices
	s.mu.Unlock()

	p, ok := devices.Get(id)
	if !ok {
		return device.Peripheral{}, false
	}
	return p.Clone(), true
}

func (s *Session) publish(ev device.Event) {
	if s.bus == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}
	s.bus.Publish(ev)
}
