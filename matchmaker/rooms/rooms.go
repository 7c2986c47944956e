// Package rooms tracks which remote cars are free, reserved or driving.
package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"ffb-core/utils"
)

type CarState string

const (
	CarFree     CarState = "FREE"
	CarReserved CarState = "RESERVED"
	CarBusy     CarState = "BUSY"
)

const (
	DefaultLifetime = 2 * time.Minute
	MaxClaimTTL     = 10 * time.Minute
)

var (
	ErrNoFreeCars  = errors.New("no free cars")
	ErrCarNotFound = errors.New("car not found")
	ErrNotOwner    = errors.New("car not owned by user")
)

type Car struct {
	ID         string    `json:"id"`
	State      CarState  `json:"state"`
	AssignedTo string    `json:"assignedTo,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
	TTL        int64     `json:"ttl,omitempty"` // seconds left while RESERVED
}

// Event types
const (
	EventSnapshot = "snapshot"
	EventUpdate   = "update"
)

type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func MarshalEvent(ev Event) []byte {
	b, _ := json.Marshal(ev)
	return b
}

type claim struct {
	user   string
	expire time.Time
}

type Option func(*Registry)

// WithLifetime sets the claim TTL used when a caller passes none
func WithLifetime(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.lifetime = d
		}
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(log *utils.Logger) Option {
	return func(r *Registry) { r.log = log }
}

type Registry struct {
	mu       sync.RWMutex
	cars     map[string]*Car
	claims   map[string]*claim // carID -> claim
	subs     map[chan Event]struct{}
	lifetime time.Duration
	now      func() time.Time
	log      *utils.Logger
}

// NewRegistry creates cars car-1..car-n, all FREE
func NewRegistry(n int, opts ...Option) *Registry {
	r := &Registry{
		cars:     make(map[string]*Car, n),
		claims:   make(map[string]*claim),
		subs:     make(map[chan Event]struct{}),
		lifetime: DefaultLifetime,
		now:      time.Now,
		log:      utils.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	now := r.now()
	for i := 1; i <= n; i++ {
		id := "car-" + strconv.Itoa(i)
		r.cars[id] = &Car{ID: id, State: CarFree, UpdatedAt: now}
	}
	return r
}

// Start sweeps expired claims every second until ctx ends
func (r *Registry) Start(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			r.Sweep(now)
		}
	}
}

// Sweep frees reservations expired at now and refreshes TTLs of live ones
func (r *Registry) Sweep(now time.Time) {
	var expired []*Car

	r.mu.Lock()
	for id, ci := range r.claims {
		c := r.cars[id]
		if now.After(ci.expire) {
			delete(r.claims, id)
			if c != nil && c.State == CarReserved && c.AssignedTo == ci.user {
				r.free(c, now)
				cp := *c
				expired = append(expired, &cp)
			}
			continue
		}
		if c != nil && c.State == CarReserved {
			c.TTL = int64(ci.expire.Sub(now).Seconds())
		}
	}
	r.mu.Unlock()

	for _, c := range expired {
		r.log.Info("Claim on %s expired", c.ID)
		r.broadcast(Event{Type: EventUpdate, Data: c})
	}
}

// List returns copies of all cars ordered by car number
func (r *Registry) List() []*Car {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []*Car {
	out := make([]*Car, 0, len(r.cars))
	for _, c := range r.cars {
		cp := *c
		if c.State != CarReserved {
			cp.TTL = 0
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return carNum(out[i].ID) < carNum(out[j].ID) })
	return out
}

// Get returns a copy of one car
func (r *Registry) Get(carID string) (*Car, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cars[carID]
	if !ok {
		return nil, ErrCarNotFound
	}
	cp := *c
	return &cp, nil
}

// Claim reserves the lowest-numbered free car for userID.
// ttl outside (0, MaxClaimTTL] falls back to the registry lifetime.
func (r *Registry) Claim(userID string, ttl time.Duration) (*Car, error) {
	if ttl <= 0 || ttl > MaxClaimTTL {
		ttl = r.lifetime
	}

	r.mu.Lock()
	ids := make([]string, 0, len(r.cars))
	for id, c := range r.cars {
		if c.State == CarFree {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		r.mu.Unlock()
		return nil, ErrNoFreeCars
	}
	sort.Slice(ids, func(i, j int) bool { return carNum(ids[i]) < carNum(ids[j]) })

	c := r.cars[ids[0]]
	now := r.now()
	c.State = CarReserved
	c.AssignedTo = userID
	c.UpdatedAt = now
	c.TTL = int64(ttl.Seconds())
	r.claims[c.ID] = &claim{user: userID, expire: now.Add(ttl)}
	out := *c
	r.mu.Unlock()

	r.log.Info("%s reserved %s for %v", userID, out.ID, ttl)
	r.broadcast(Event{Type: EventUpdate, Data: &out})
	return &out, nil
}

func (r *Registry) Release(userID, carID string) (*Car, error) {
	r.mu.Lock()
	c, ok := r.cars[carID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrCarNotFound
	}
	if c.AssignedTo != userID {
		r.mu.Unlock()
		return nil, ErrNotOwner
	}
	delete(r.claims, carID)
	r.free(c, r.now())
	out := *c
	r.mu.Unlock()

	r.log.Info("%s released %s", userID, carID)
	r.broadcast(Event{Type: EventUpdate, Data: &out})
	return &out, nil
}

// MarkBusy flags a car as driving; its reservation no longer expires
func (r *Registry) MarkBusy(carID string) error {
	r.mu.Lock()
	c, ok := r.cars[carID]
	if !ok {
		r.mu.Unlock()
		return ErrCarNotFound
	}
	delete(r.claims, carID)
	c.State = CarBusy
	c.UpdatedAt = r.now()
	c.TTL = 0
	out := *c
	r.mu.Unlock()

	r.broadcast(Event{Type: EventUpdate, Data: &out})
	return nil
}

func (r *Registry) MarkFree(carID string) error {
	r.mu.Lock()
	c, ok := r.cars[carID]
	if !ok {
		r.mu.Unlock()
		return ErrCarNotFound
	}
	delete(r.claims, carID)
	r.free(c, r.now())
	out := *c
	r.mu.Unlock()

	r.broadcast(Event{Type: EventUpdate, Data: &out})
	return nil
}

// free resets c; caller holds r.mu
func (r *Registry) free(c *Car, now time.Time) {
	c.State = CarFree
	c.AssignedTo = ""
	c.UpdatedAt = now
	c.TTL = 0
}

// ---- subscribers ----

// Subscribe returns a channel that first receives a snapshot, then updates
func (r *Registry) Subscribe() chan Event {
	ch := make(chan Event, 16)

	r.mu.Lock()
	defer r.mu.Unlock()
	// snapshot goes in before any broadcast can reach ch; the buffer is empty
	ch <- Event{Type: EventSnapshot, Data: r.listLocked()}
	r.subs[ch] = struct{}{}
	return ch
}

func (r *Registry) Unsubscribe(ch chan Event) {
	r.mu.Lock()
	if _, ok := r.subs[ch]; ok {
		delete(r.subs, ch)
		close(ch)
	}
	r.mu.Unlock()
}

func (r *Registry) broadcast(ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.log.Warn("rooms: drop event to slow subscriber")
		}
	}
}

func carNum(id string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(id, "car-"))
	if err != nil {
		return 1 << 30
	}
	return n
}
