package wire

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/user/aquaflush/gatt"
	"github.com/user/aquaflush/logger"
	"github.com/user/aquaflush/util"
)

// ErrConnectionFailed is returned when the simulated link could not be
// established (interference, device busy)
var ErrConnectionFailed = errors.New("connection failed")

const prefix = "Radio"

// Radio is an in-process stand-in for the wireless link. Peripherals
// advertise on it; a central scans and connects through it.
type Radio struct {
	sim *Simulator

	mu           sync.Mutex
	advertising  map[string]*advertisement
	order        []string
	connected    map[string]*gatt.Peripheral
	onDisconnect func(id string)
}

type advertisement struct {
	peripheral *gatt.Peripheral
	distance   float64 // meters, feeds RSSI
}

// NewRadio creates an empty radio. A nil config uses DefaultSimulationConfig.
func NewRadio(cfg *SimulationConfig) *Radio {
	return &Radio{
		sim:         NewSimulator(cfg),
		advertising: make(map[string]*advertisement),
		connected:   make(map[string]*gatt.Peripheral),
	}
}

// Simulator exposes the timing model
func (r *Radio) Simulator() *Simulator {
	return r.sim
}

// Advertise makes p discoverable. Advertising the same ID again replaces
// the previous peripheral.
func (r *Radio) Advertise(p *gatt.Peripheral) {
	r.AdvertiseAt(p, 1)
}

// AdvertiseAt is Advertise with an approximate distance for RSSI
func (r *Radio) AdvertiseAt(p *gatt.Peripheral, distance float64) {
	if distance < 1 {
		distance = 1
	}
	r.mu.Lock()
	if _, exists := r.advertising[p.ID]; !exists {
		r.order = append(r.order, p.ID)
	}
	r.advertising[p.ID] = &advertisement{peripheral: p, distance: distance}
	r.mu.Unlock()

	logger.Debug(prefix, "📡 %s (%s) advertising", util.ShortID(p.ID), p.Name)
}

// Remove takes a peripheral off the air. An open connection to it is lost.
func (r *Radio) Remove(id string) {
	r.mu.Lock()
	delete(r.advertising, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.DropConnection(id)
}

// SetDisconnectCallback registers the link-loss handler. It is not called
// for disconnects requested through Disconnect.
func (r *Radio) SetDisconnectCallback(fn func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnect = fn
}

// Scan reports advertising peripherals until ctx is done. Each peripheral
// is reported once, after its simulated discovery delay. Peripherals that
// start advertising mid-scan are picked up on the next sweep.
func (r *Radio) Scan(ctx context.Context, found func(p *gatt.Peripheral, rssi int)) error {
	dueAt := make(map[string]time.Time)
	reported := make(map[string]bool)

	sweep := func() {
		now := time.Now()
		for _, ad := range r.snapshot() {
			id := ad.peripheral.ID
			if reported[id] {
				continue
			}
			due, seen := dueAt[id]
			if !seen {
				due = now.Add(r.sim.DiscoveryDelay())
				dueAt[id] = due
			}
			if now.Before(due) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			reported[id] = true
			found(ad.peripheral, r.sim.GenerateRSSI(ad.distance))
		}
	}

	ticker := time.NewTicker(r.sim.AdvertisingInterval())
	defer ticker.Stop()

	sweep()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sweep()
		}
	}
}

// Connect establishes a link and runs service discovery. The returned
// peripheral is Connected; its services are already populated.
func (r *Radio) Connect(ctx context.Context, id string) (*gatt.Peripheral, error) {
	p := r.lookup(id)
	if p == nil {
		return nil, &gatt.NotFoundError{Kind: "peripheral", ID: id}
	}

	p.SetState(gatt.StateConnecting)
	logger.Debug(prefix, "🔌 Connecting to %s", util.ShortID(id))

	if err := sleep(ctx, r.sim.ConnectionDelay()); err != nil {
		p.SetState(gatt.StateDisconnected)
		return nil, err
	}
	if !r.sim.ShouldConnectionSucceed() {
		p.SetState(gatt.StateDisconnected)
		logger.Debug(prefix, "❌ Simulated connection failure to %s", util.ShortID(id))
		return nil, ErrConnectionFailed
	}
	// Device may have gone away during the delay
	if r.lookup(id) == nil {
		p.SetState(gatt.StateDisconnected)
		return nil, ErrConnectionFailed
	}

	if err := r.discover(ctx, p); err != nil {
		p.SetState(gatt.StateDisconnected)
		return nil, err
	}

	r.mu.Lock()
	r.connected[id] = p
	r.mu.Unlock()
	p.SetState(gatt.StateConnected)

	logger.Debug(prefix, "✅ Link up with %s", util.ShortID(id))
	return p, nil
}

// discover walks the service table the way a central would after connect
func (r *Radio) discover(ctx context.Context, p *gatt.Peripheral) error {
	if err := sleep(ctx, r.sim.ServiceDiscoveryDelay()); err != nil {
		return err
	}
	for _, s := range p.Services() {
		chars := s.Characteristics()
		logger.Trace(prefix, "📋 %s service %s: %d characteristics", util.ShortID(p.ID), s.UUID(), len(chars))
		for _, c := range chars {
			logger.Trace(prefix, "   └─ %s [%s]", c.UUID(), c.Capabilities())
		}
	}
	return nil
}

// Disconnect closes the link. Disconnecting an unknown or already closed
// link is a no-op.
func (r *Radio) Disconnect(id string) error {
	r.mu.Lock()
	p, ok := r.connected[id]
	delete(r.connected, id)
	r.mu.Unlock()

	if ok {
		p.Disconnect()
		logger.Debug(prefix, "🔌 Disconnected from %s", util.ShortID(id))
	}
	return nil
}

// DropConnection simulates link loss: the peripheral is torn down and the
// disconnect callback fires.
func (r *Radio) DropConnection(id string) {
	r.mu.Lock()
	p, ok := r.connected[id]
	delete(r.connected, id)
	cb := r.onDisconnect
	r.mu.Unlock()

	if !ok {
		return
	}
	p.Disconnect()
	logger.Warn(prefix, "📡 Link to %s lost", util.ShortID(id))
	if cb != nil {
		cb(id)
	}
}

// IsConnected reports whether a link to id is open
func (r *Radio) IsConnected(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.connected[id]
	return ok
}

func (r *Radio) lookup(id string) *gatt.Peripheral {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ad, ok := r.advertising[id]; ok {
		return ad.peripheral
	}
	return nil
}

func (r *Radio) snapshot() []*advertisement {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*advertisement, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.advertising[id])
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
