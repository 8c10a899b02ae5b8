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

// Package daemon assembles every named component into one running
// process: the event loop, the local-clock driver, the source
// registry and its statistics engines, packet I/O, the reference
// selector, the control channel, and on-disk persistence.
package daemon

import (
	"context"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/netsyncd/ntpd/clockdisc"
	"github.com/netsyncd/ntpd/config"
	"github.com/netsyncd/ntpd/ntpsource"
	"github.com/netsyncd/ntpd/packetio"
	"github.com/netsyncd/ntpd/persist"
	"github.com/netsyncd/ntpd/protocol/control"
	"github.com/netsyncd/ntpd/registry"
	"github.com/netsyncd/ntpd/scheduler"
	"github.com/netsyncd/ntpd/selector"
	"github.com/netsyncd/ntpd/stats"
)

// maintenanceInterval is how often the daemon resolves pending source
// names, runs a selection round, refreshes metrics, and checks whether
// persistence is due.
const maintenanceInterval = 16 * time.Second

// selectionGrace is how long the selector tolerates zero truechimers
// before declaring itself unsynchronised, per §4.F.
const selectionGrace = 5 * time.Minute

// persistInterval is how often the drift file and statistics log are
// flushed to disk.
const persistInterval = 1 * time.Hour

// Daemon owns every long-lived collaborator and the event loop that
// drives them.
type Daemon struct {
	cfg *config.Config

	sched    *scheduler.Scheduler
	clock    *clockdisc.Driver
	registry *registry.Registry[*ntpsource.Source]
	sources  *SourceManager

	socket     *packetio.Socket
	transport  *packetio.Transport
	dispatcher *packetio.Dispatcher

	round   *selector.Round
	control *control.Handler
	metrics *Metrics

	statsLog    *persist.StatsLogger
	statsFile   *os.File
	lastPersist time.Time

	lastRef    selector.Reference
	lastSynced bool
}

// New builds a Daemon from cfg but does not yet bind sockets or start
// the event loop; call Run for that.
func New(cfg *config.Config) (*Daemon, error) {
	sched := scheduler.New()

	backend := clockdisc.NewLinuxBackend()
	drv := clockdisc.New(backend)
	drv.SetScheduler(clockSchedAdapter{sched: sched})

	reg := registry.New[*ntpsource.Source]()

	bindAddr, err := netip.ParseAddr(cfg.BindAddress)
	if err != nil {
		return nil, errors.Wrapf(err, "daemon: bad bind_address %q", cfg.BindAddress)
	}

	var iface *net.Interface
	if cfg.HwTsInterface != "" {
		if err := packetio.VerifyBindAddress(cfg.HwTsInterface, bindAddr); err != nil {
			return nil, errors.Wrap(err, "daemon: bind address verification failed")
		}
		iface, err = net.InterfaceByName(cfg.HwTsInterface)
		if err != nil {
			return nil, errors.Wrapf(err, "daemon: interface %s", cfg.HwTsInterface)
		}
	}

	socket, err := packetio.Listen(bindAddr, cfg.NTPPort, iface, cfg.DSCP)
	if err != nil {
		return nil, errors.Wrap(err, "daemon: listen")
	}

	transport := &packetio.Transport{Socket: socket}
	sources := NewSourceManager(reg, sched, transport, cfg.NTPPort, drv)
	dispatcher := packetio.NewDispatcher(socket, reg, sched)
	if err := sched.RegisterDescriptor(socket.Fd(), dispatcher.OnReadable); err != nil {
		socket.Close()
		return nil, errors.Wrap(err, "daemon: register socket descriptor")
	}

	round := selector.NewRound(drv, selectionGrace, cfg.MaxUpdateSkew)
	ctrl := control.NewHandler(reg, sources)
	metrics := NewMetrics()

	d := &Daemon{
		cfg:        cfg,
		sched:      sched,
		clock:      drv,
		registry:   reg,
		sources:    sources,
		socket:     socket,
		transport:  transport,
		dispatcher: dispatcher,
		round:      round,
		control:    ctrl,
		metrics:    metrics,
	}

	ctrl.SetTrackingSource(d.trackingReply)
	ctrl.SetActivitySource(d.activityReply)
	drv.Subscribe(d.onClockParamChange)

	if err := d.loadDriftFile(); err != nil {
		log.WithError(err).Warn("daemon: drift file unreadable, starting at zero frequency")
	}
	if err := d.loadSourcesFile(); err != nil {
		return nil, errors.Wrap(err, "daemon: loading source table")
	}
	if err := d.openStatsLog(); err != nil {
		log.WithError(err).Warn("daemon: statistics log unavailable")
	}

	return d, nil
}

func (d *Daemon) loadDriftFile() error {
	if d.cfg.DriftFile == "" {
		return nil
	}
	freqPPM, _, err := persist.ReadDriftFile(d.cfg.DriftFile)
	if err != nil {
		return err
	}
	if freqPPM != 0 {
		return d.clock.SetFrequency(freqPPM)
	}
	return nil
}

func (d *Daemon) loadSourcesFile() error {
	if d.cfg.SourcesFile == "" {
		return nil
	}
	f, err := os.Open(d.cfg.SourcesFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	directives, err := config.ParseSources(f)
	if err != nil {
		return err
	}
	for _, dir := range directives {
		if err := d.sources.AddDirective(dir.Address, dir.Config); err != nil {
			log.WithError(err).WithField("address", dir.Address).Warn("daemon: failed to add configured source")
		}
	}
	return nil
}

func (d *Daemon) openStatsLog() error {
	if !d.cfg.LogStatistics || d.cfg.LogDir == "" {
		return nil
	}
	if err := os.MkdirAll(d.cfg.LogDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(d.cfg.LogDir, "statistics.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	d.statsFile = f
	d.statsLog = persist.NewStatsLogger(f)
	return nil
}

// Run starts the control channel and metrics listeners in the
// background, runs the maintenance timer, and blocks in the event loop
// until Quit is called.
func (d *Daemon) Run() error {
	defer d.socket.Close()
	if d.statsFile != nil {
		defer d.statsFile.Close()
	}

	if d.cfg.ControlSocket != "" {
		go func() {
			if err := d.control.Serve(d.cfg.ControlSocket); err != nil {
				log.WithError(err).Error("daemon: control channel stopped")
			}
		}()
	}
	if d.cfg.MetricsAddr != "" {
		go d.metrics.Serve(d.cfg.MetricsAddr)
	}

	d.armMaintenance()
	log.Info("daemon: entering event loop")
	return d.sched.Run()
}

// Quit stops the event loop.
func (d *Daemon) Quit() { d.sched.Quit() }

func (d *Daemon) armMaintenance() {
	d.sched.ScheduleInClass(maintenanceInterval, maintenanceInterval, time.Second, scheduler.ClassUpdateRound, d.runMaintenance)
}

// onClockParamChange is the driver's ParamChange subscriber (§2, §4.H):
// every slew or step the clock driver applies is retroactively folded
// into each source's held samples via SlewSamples, and a step also
// shifts every queued scheduler timer so already-armed polls keep their
// wall-clock intent across the jump.
func (d *Daemon) onClockParamChange(chg clockdisc.ParamChange) {
	sc := stats.ParamChange{
		RawNow:      chg.RawNow,
		CookedNow:   chg.CookedNow,
		DeltaFreq:   chg.DeltaFreq,
		DeltaOffset: chg.DeltaOffset,
		IsStep:      chg.IsStep,
	}
	d.registry.Each(func(_ registry.Key, src *ntpsource.Source) bool {
		src.Stats.SlewSamples(sc)
		return true
	})
	if chg.IsStep {
		d.sched.ShiftTimers(chg.DeltaOffset)
	}
}

func (d *Daemon) runMaintenance(now time.Time) {
	defer d.armMaintenance()

	ctx, cancel := context.WithTimeout(context.Background(), maintenanceInterval)
	if err := d.sources.ResolvePending(ctx, now); err != nil {
		log.WithError(err).Debug("daemon: resolver pass failed")
	}
	cancel()

	candidates, freqByID := d.buildCandidates(now)
	ref, synced := d.round.Run(now, candidates, func(id string) float64 { return freqByID[id] })
	d.lastRef, d.lastSynced = ref, synced
	d.updateMetrics(ref, synced)
	if err := d.clock.SetSyncStatus(synced, ref.CorrectionOffset, ref.RootDispersion); err != nil {
		log.WithError(err).Debug("daemon: set sync status failed")
	}

	if now.Sub(d.lastPersist) >= persistInterval {
		d.persistState(ref, now)
		d.lastPersist = now
	}
}

func (d *Daemon) buildCandidates(now time.Time) ([]selector.Candidate, map[string]float64) {
	var candidates []selector.Candidate
	freqByID := make(map[string]float64)

	d.registry.Each(func(_ registry.Key, src *ntpsource.Source) bool {
		if src.State() == ntpsource.Offline {
			return true
		}
		best, ok := src.Stats.BestSample()
		if !ok {
			return true
		}
		id := src.Addr.String()
		freqByID[id] = src.Stats.EstimatedFrequency() * 1e6
		candidates = append(candidates, selector.Candidate{
			ID:             id,
			Offset:         src.Stats.PredictOffset(now),
			Distance:       best.RootDistance(),
			Stratum:        best.Stratum,
			Prefer:         src.Config.Selection == ntpsource.SelectionPrefer,
			Noselect:       src.Config.Selection == ntpsource.SelectionNoselect,
			RootDelay:      best.RootDelay,
			RootDispersion: best.RootDispersion,
		})
		return true
	})
	return candidates, freqByID
}

func (d *Daemon) updateMetrics(ref selector.Reference, synced bool) {
	d.metrics.Sources.Set(float64(d.registry.Len()))
	if synced {
		d.metrics.Synchronised.Set(1)
	} else {
		d.metrics.Synchronised.Set(0)
	}
	d.metrics.FrequencyPPM.Set(d.clock.CurrentFrequency() * 1e6)
	d.metrics.RootDelaySec.Set(ref.RootDelay.Seconds())
	d.metrics.RootDispSec.Set(ref.RootDispersion.Seconds())
	d.metrics.LastOffsetSec.Set(ref.CorrectionOffset.Seconds())
}

func (d *Daemon) persistState(ref selector.Reference, now time.Time) {
	var skewPPM float64
	d.registry.Each(func(_ registry.Key, src *ntpsource.Source) bool {
		if src.Addr.String() == ref.ID {
			skewPPM = src.Stats.Skew() * 1e6
			return false
		}
		return true
	})

	if d.cfg.DriftFile != "" {
		if err := persist.WriteDriftFile(d.cfg.DriftFile, d.clock.CurrentFrequency()*1e6, skewPPM); err != nil {
			log.WithError(err).Warn("daemon: failed to write drift file")
		}
	}

	if d.statsLog == nil {
		return
	}
	d.registry.Each(func(_ registry.Key, src *ntpsource.Source) bool {
		est, _ := src.Stats.EstimatedOffset()
		rec := persist.StatsRecord{
			Time:         now,
			Address:      src.Addr.String(),
			StdDev:       src.Stats.DelayStdDev().Seconds(),
			EstOffsetSec: est.Seconds(),
			OffsetSDSec:  src.Stats.OffsetStdDev().Seconds(),
			FrequencyPPM: src.Stats.EstimatedFrequency() * 1e6,
			SkewPPM:      src.Stats.Skew() * 1e6,
			Stress:       src.Stats.Stress(),
			NSamples:     src.Stats.NSamples(),
			BestStart:    src.Stats.BestStart(),
			NRuns:        src.Stats.NRuns(),
		}
		if err := d.statsLog.Log(rec); err != nil {
			log.WithError(err).Warn("daemon: failed to write statistics log record")
		}
		return true
	})
}

func (d *Daemon) trackingReply() control.TrackingReply {
	var reply control.TrackingReply
	if !d.lastSynced {
		return reply
	}
	reply.Stratum = d.lastRef.Stratum
	reply.Synchronised = 1
	reply.CorrectionNs = d.lastRef.CorrectionOffset.Nanoseconds()
	reply.FrequencyPPM = d.clock.CurrentFrequency() * 1e6
	reply.LastUpdateSec = time.Now().Unix()
	return reply
}

func (d *Daemon) activityReply() control.ActivityReply {
	var reply control.ActivityReply
	d.registry.Each(func(_ registry.Key, src *ntpsource.Source) bool {
		switch src.State() {
		case ntpsource.Offline:
			reply.Offline++
		case ntpsource.BurstGood:
			reply.BurstOnline++
		case ntpsource.BurstOffline:
			reply.BurstOffline++
		default:
			reply.Online++
		}
		return true
	})
	return reply
}
