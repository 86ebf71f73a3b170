/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pool

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-logr/logr"
	"github.com/jellydator/ttlcache/v3"

	logutil "github.com/DryHumorInDC/passenger/pkg/common/observability/logging"
)

const (
	DefaultDisableTimeout = 5 * time.Second
	DefaultConnectTimeout = 5 * time.Second
)

// DialContextFunc connects to a process.
type DialContextFunc func(ctx context.Context, network, address string) (net.Conn, error)

// StaticPoolOptions configure a StaticPool.
type StaticPoolOptions struct {
	// DisableTimeout is how long a process that refused a connection is skipped.
	DisableTimeout time.Duration
	// Dial overrides how connections are established.
	Dial DialContextFunc
}

// process is a running application process with a fixed session capacity.
type process struct {
	network  string
	address  string
	stickyID uint32
	capacity int

	// guarded by StaticPool.mu
	busy     int
	served   uint64
	discards uint64
}

type group struct {
	cfg       GroupConfig
	processes []*process
}

// StaticPool hands out sessions with processes that are started outside of
// this program and listen on the configured addresses.
type StaticPool struct {
	logger logr.Logger
	dial   DialContextFunc

	disableTimeout time.Duration
	disabled       *ttlcache.Cache[string, struct{}]

	mu     sync.Mutex
	groups map[string]*group
	hosts  map[string]string
	dflt   string
}

var _ Pool = &StaticPool{}

// NewStaticPool returns an empty pool. Groups are installed with SetGroups.
func NewStaticPool(logger logr.Logger, opts StaticPoolOptions) *StaticPool {
	if opts.DisableTimeout <= 0 {
		opts.DisableTimeout = DefaultDisableTimeout
	}
	if opts.Dial == nil {
		d := &net.Dialer{Timeout: DefaultConnectTimeout}
		opts.Dial = d.DialContext
	}
	p := &StaticPool{
		logger:         logger.WithName("pool"),
		dial:           opts.Dial,
		disableTimeout: opts.DisableTimeout,
		disabled: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](opts.DisableTimeout),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		groups: map[string]*group{},
		hosts:  map[string]string{},
	}
	p.disabled.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, struct{}]) {
		if reason == ttlcache.EvictionReasonExpired {
			p.logger.V(logutil.VERBOSE).Info("Process re-enabled", "process", item.Key())
		}
	})
	return p
}

// Start runs the expiry loop of disabled processes until ctx is done.
func (p *StaticPool) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		p.disabled.Stop()
	}()
	p.disabled.Start()
	return nil
}

// SetGroups replaces the configured groups. Processes whose address is kept
// retain their in-flight sessions.
func (p *StaticPool) SetGroups(cfgs []GroupConfig) error {
	groups := make(map[string]*group, len(cfgs))
	hosts := map[string]string{}
	dflt := ""
	for i := range cfgs {
		cfg := cfgs[i]
		cfg.SetDefaults()
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, dup := groups[cfg.Name]; dup {
			return fmt.Errorf("duplicate application group %q", cfg.Name)
		}
		groups[cfg.Name] = &group{cfg: cfg}
		for _, h := range cfg.HostNames {
			hosts[strings.ToLower(h)] = cfg.Name
		}
		if cfg.Default {
			if dflt != "" {
				return fmt.Errorf("groups %q and %q are both marked default", dflt, cfg.Name)
			}
			dflt = cfg.Name
		}
	}
	if dflt == "" && len(cfgs) == 1 {
		dflt = cfgs[0].Name
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for name, g := range groups {
		var old map[string]*process
		if prev, ok := p.groups[name]; ok {
			old = make(map[string]*process, len(prev.processes))
			for _, proc := range prev.processes {
				old[proc.address] = proc
			}
		}
		workers := g.cfg.Workers
		if len(workers) > g.cfg.MaxPoolSize {
			p.logger.Info("Ignoring workers beyond the maximum pool size",
				"group", name, "maxPoolSize", g.cfg.MaxPoolSize, "configured", len(workers))
			workers = workers[:g.cfg.MaxPoolSize]
		}
		for _, w := range workers {
			if proc, ok := old[w.Address]; ok && proc.network == w.Network {
				proc.capacity = g.cfg.processCapacity()
				g.processes = append(g.processes, proc)
				continue
			}
			g.processes = append(g.processes, &process{
				network:  w.Network,
				address:  w.Address,
				stickyID: stickySessionID(w.Address),
				capacity: g.cfg.processCapacity(),
			})
		}
	}
	p.groups = groups
	p.hosts = hosts
	p.dflt = dflt
	p.logger.V(logutil.DEFAULT).Info("Application groups updated", "groups", len(groups))
	return nil
}

// stickySessionID derives a stable non-zero id from a process address.
func stickySessionID(address string) uint32 {
	id := uint32(xxhash.Sum64String(address))
	if id == 0 {
		id = 1
	}
	return id
}

// Resolve returns the options of the group serving r: the group listing r's
// host name, otherwise the default group.
func (p *StaticPool) Resolve(r *http.Request) (*Options, error) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	name, ok := p.hosts[strings.ToLower(host)]
	if !ok {
		name = p.dflt
	}
	g, ok := p.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: no group for host %q", ErrGroupNotFound, host)
	}
	return g.cfg.Options(), nil
}

// Checkout implements Pool.
func (p *StaticPool) Checkout(ctx context.Context, opts *Options) (Session, error) {
	proc, err := p.reserve(opts)
	if err != nil {
		return nil, err
	}

	conn, err := p.dial(ctx, proc.network, proc.address)
	if err != nil {
		p.mu.Lock()
		proc.busy--
		p.mu.Unlock()
		if ctx.Err() == nil {
			p.disabled.Set(proc.address, struct{}{}, p.disableTimeout)
			p.logger.Info("Disabling unreachable process", "group", opts.AppGroupName,
				"process", proc.address, "for", p.disableTimeout, "error", err.Error())
		}
		return nil, transientError(opts.AppGroupName, fmt.Errorf("%w: %s: %v", ErrProcessUnreachable, proc.address, err))
	}

	return &session{pool: p, proc: proc, conn: conn}, nil
}

// reserve picks a process and counts the session against its capacity.
func (p *StaticPool) reserve(opts *Options) (*process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.groups[opts.AppGroupName]
	if !ok {
		return nil, fatalError(opts.AppGroupName, ErrGroupNotFound)
	}
	if len(g.processes) == 0 {
		return nil, fatalError(opts.AppGroupName, ErrNoProcesses)
	}

	var chosen *process
	for _, proc := range g.processes {
		if proc.busy >= proc.capacity || p.disabled.Get(proc.address) != nil {
			continue
		}
		if opts.StickySessionID != 0 && proc.stickyID == opts.StickySessionID {
			chosen = proc
			break
		}
		if chosen == nil || proc.busy < chosen.busy {
			chosen = proc
		}
	}
	if chosen == nil {
		return nil, transientError(opts.AppGroupName, ErrSaturated)
	}
	chosen.busy++
	return chosen, nil
}

func (p *StaticPool) release(proc *process, reusable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	proc.busy--
	proc.served++
	if !reusable {
		proc.discards++
	}
}

// ProcessSnapshot is the state of one process at a point in time.
type ProcessSnapshot struct {
	Group    string
	Process  string
	Busy     int
	Capacity int
	Served   uint64
	Discards uint64
	Disabled bool
}

// Snapshot returns the state of every process, ordered by group and address.
func (p *StaticPool) Snapshot() []ProcessSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ProcessSnapshot
	for name, g := range p.groups {
		for _, proc := range g.processes {
			out = append(out, ProcessSnapshot{
				Group:    name,
				Process:  proc.address,
				Busy:     proc.busy,
				Capacity: proc.capacity,
				Served:   proc.served,
				Discards: proc.discards,
				Disabled: p.disabled.Get(proc.address) != nil,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Process < out[j].Process
	})
	return out
}

// HasProcesses reports whether at least one group can serve requests.
func (p *StaticPool) HasProcesses() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, g := range p.groups {
		if len(g.processes) > 0 {
			return true
		}
	}
	return false
}

type session struct {
	pool *StaticPool
	proc *process
	conn net.Conn
	once sync.Once
}

func (s *session) Conn() net.Conn          { return s.conn }
func (s *session) Protocol() string        { return ProtocolHTTP }
func (s *session) ProcessID() string       { return s.proc.address }
func (s *session) StickySessionID() uint32 { return s.proc.stickyID }

func (s *session) Release(reusable bool) {
	s.once.Do(func() {
		// One connection per session: the process sees a closed connection
		// as the end of the conversation.
		_ = s.conn.Close()
		s.pool.release(s.proc, reusable)
	})
}
