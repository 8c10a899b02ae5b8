/*
Copyright (c) Facebook, Inc. and its affiliates.

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

package daemon

import (
	"context"
	"net"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netsyncd/ntpd/clockdisc"
	"github.com/netsyncd/ntpd/ntpsource"
	"github.com/netsyncd/ntpd/registry"
)

// SourceManager owns the registry and the unresolved-name queue,
// implementing control.SourceAdder so the control channel can add and
// remove sources against live daemon state without knowing how name
// resolution or registration actually work.
type SourceManager struct {
	registry  *registry.Registry[*ntpsource.Source]
	resolver  *registry.Resolver
	sched     ntpsource.TimerScheduler
	transport ntpsource.Transport
	port      int
	clock     *clockdisc.Driver

	// pendingConfigs carries the per-source options from AddSource
	// through to the registration that happens once resolution
	// completes; the registry has no slot to hold them while a name is
	// still unresolved.
	pendingConfigs []pendingConfig
}

// NewSourceManager builds a manager over reg, resolving new names via
// the default resolver and binding created sources to sched/transport.
// Every source it registers is also enrolled as a dispersion observer
// on clock, so a slew or step fans its uncertainty out to that source's
// held samples (§4.H).
func NewSourceManager(reg *registry.Registry[*ntpsource.Source], sched ntpsource.TimerScheduler, transport ntpsource.Transport, ntpPort int, clock *clockdisc.Driver) *SourceManager {
	return &SourceManager{
		registry:  reg,
		resolver:  registry.NewResolver(),
		sched:     sched,
		transport: transport,
		port:      ntpPort,
		clock:     clock,
	}
}

// AddSource implements control.SourceAdder. A literal IP address
// registers immediately; a hostname is queued for resolution and
// registers on the next successful ResolvePending pass.
func (m *SourceManager) AddSource(addr string, port int, peer, iburst, prefer, noselect bool, minPoll, maxPoll int8) error {
	cfg := ntpsource.DefaultConfig()
	cfg.IBurst = iburst
	if prefer {
		cfg.Selection = ntpsource.SelectionPrefer
	}
	if noselect {
		cfg.Selection = ntpsource.SelectionNoselect
	}
	if minPoll != 0 {
		cfg.MinPoll = minPoll
	}
	if maxPoll != 0 {
		cfg.MaxPoll = maxPoll
	}
	if port == 0 {
		port = m.port
	}

	if ip, err := netip.ParseAddr(addr); err == nil {
		return m.register(ip, uint16(port), cfg)
	}

	kind := registry.SourceServer
	if peer {
		kind = registry.SourcePeer
	}
	m.resolver.Enqueue(&registry.UnresolvedSource{
		Name:   addr,
		Port:   uint16(port),
		Type:   kind,
		Online: cfg.Online,
	})
	m.pendingConfigs = append(m.pendingConfigs, pendingConfig{name: addr, cfg: cfg})
	return nil
}

type pendingConfig struct {
	name string
	cfg  ntpsource.Config
}

// AddDirective registers a source parsed from the source-table file,
// carrying the full per-source tuning config.ParseSources already
// built rather than re-deriving it from the handful of flags the
// control-channel "add" verb exposes.
func (m *SourceManager) AddDirective(addr string, cfg ntpsource.Config) error {
	if ip, err := netip.ParseAddr(addr); err == nil {
		return m.register(ip, uint16(m.port), cfg)
	}
	m.resolver.Enqueue(&registry.UnresolvedSource{
		Name:   addr,
		Port:   uint16(m.port),
		Type:   registry.SourceServer,
		Online: cfg.Online,
	})
	m.pendingConfigs = append(m.pendingConfigs, pendingConfig{name: addr, cfg: cfg})
	return nil
}

func (m *SourceManager) register(ip netip.Addr, port uint16, cfg ntpsource.Config) error {
	src := ntpsource.New(netip.AddrPortFrom(ip, port), cfg, m.sched, m.transport)
	if err := m.registry.Add(registry.Key{IP: ip, Port: port}, src); err != nil {
		return err
	}
	if m.clock != nil {
		m.clock.RegisterDispersionObserver(src.Stats)
	}
	if cfg.Online {
		src.TakeOnline()
	}
	return nil
}

// RemoveSource implements control.SourceAdder.
func (m *SourceManager) RemoveSource(addr netip.AddrPort) error {
	return m.registry.Remove(registry.Key{IP: addr.Addr(), Port: addr.Port()})
}

// ResolvePending runs one resolution pass over the unresolved-name
// queue, registering any name that resolves successfully. The daemon
// calls this on a periodic timer (§4.E's resolver cadence).
func (m *SourceManager) ResolvePending(ctx context.Context, now time.Time) error {
	return m.resolver.Attempt(ctx, now, func(u *registry.UnresolvedSource, ip net.IP) {
		resolved, ok := netip.AddrFromSlice(ip.To16())
		if !ok {
			log.WithField("name", u.Name).Warn("daemon: resolved address could not be parsed")
			return
		}
		resolved = resolved.Unmap()
		cfg := m.takePendingConfig(u.Name)
		cfg.Online = u.Online
		if err := m.register(resolved, u.Port, cfg); err != nil {
			log.WithError(err).WithField("name", u.Name).Warn("daemon: failed to register resolved source")
		}
	})
}

func (m *SourceManager) takePendingConfig(name string) ntpsource.Config {
	for i, p := range m.pendingConfigs {
		if p.name == name {
			m.pendingConfigs = append(m.pendingConfigs[:i], m.pendingConfigs[i+1:]...)
			return p.cfg
		}
	}
	return ntpsource.DefaultConfig()
}
