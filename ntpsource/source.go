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

// Package ntpsource implements the per-source NTP state machine (§4.D):
// poll cadence, transmit/receive handling, sample hand-off to the
// statistics engine, and the online/offline/burst lifecycle.
package ntpsource

import (
	"fmt"
	"math/rand"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netsyncd/ntpd/protocol/ntp"
	"github.com/netsyncd/ntpd/scheduler"
	"github.com/netsyncd/ntpd/stats"
)

// State is one of the five states a source cycles through.
type State int

const (
	Offline State = iota
	OnlineIdle
	Transmitted
	BurstGood
	BurstOffline
)

func (s State) String() string {
	switch s {
	case Offline:
		return "Offline"
	case OnlineIdle:
		return "OnlineIdle"
	case Transmitted:
		return "Transmitted"
	case BurstGood:
		return "BurstGood"
	case BurstOffline:
		return "BurstOffline"
	default:
		return "Unknown"
	}
}

// Selection is the per-source selection option.
type Selection int

const (
	SelectionNormal Selection = iota
	SelectionPrefer
	SelectionNoselect
)

// ReplySeparation is the class separation poll timers use to smear
// outgoing traffic, per §4.D.
const ReplySeparation = 200 * time.Millisecond

// BurstPollInterval is the fixed spacing between accelerated burst
// polls, replacing the normal 2^poll backoff while a burst is active.
const BurstPollInterval = 2 * time.Second

// IBurstGoodSamples and IBurstMaxSamples are the targets TakeOnline
// uses when Config.IBurst requests an accelerated first sample.
const (
	IBurstGoodSamples = 1
	IBurstMaxSamples  = 4
)

// Config holds the per-source tunables enumerated in §4.D, all
// adjustable at runtime via the exposed Set* operations.
type Config struct {
	MinPoll          int8
	MaxPoll          int8
	PresendMinPoll   int8
	AuthKey          *uint32
	MaxDelay         time.Duration
	MaxDelayRatio    float64
	MaxDelayDevRatio float64
	MinStratum       uint8
	PollTarget       int
	Online           bool
	AutoOffline      bool
	IBurst           bool
	Selection        Selection
}

// DefaultConfig returns the conventional NTP client defaults.
func DefaultConfig() Config {
	return Config{
		MinPoll:          6,  // 64s
		MaxPoll:          10, // 1024s
		PresendMinPoll:   7,
		MaxDelay:         3 * time.Second,
		MaxDelayRatio:    0,
		MaxDelayDevRatio: 0,
		MinStratum:       0,
		PollTarget:       8,
		Online:           true,
		Selection:        SelectionNormal,
	}
}

// Transport sends a built packet to the source's address. Implemented
// by packetio in production, faked in tests.
type Transport interface {
	Send(pkt *ntp.Packet, addr netip.AddrPort) error
}

// TimerScheduler is the subset of scheduler.Scheduler a source needs.
type TimerScheduler interface {
	ScheduleInClass(minDelay, separation, jitter time.Duration, class scheduler.Class, handler scheduler.Handler) scheduler.TimerID
	ScheduleAfter(delay time.Duration, handler scheduler.Handler) scheduler.TimerID
	CancelTimeout(id scheduler.TimerID) error
}

// Source is one remote NTP source's state machine plus its statistics
// engine.
type Source struct {
	Addr   netip.AddrPort
	Config Config
	Stats  *stats.Engine

	state        State
	poll         int8 // current dynamic poll exponent, moves toward MaxPoll
	misses       int
	sched        TimerScheduler
	transport    Transport
	pollTimerID  scheduler.TimerID
	replyTimerID scheduler.TimerID
	havePoll     bool
	haveReply    bool

	lastTxTime   time.Time
	lastOrigSec  uint32
	lastOrigFrac uint32

	burstActive        bool
	burstReturnOffline bool
	burstGoodTarget    int
	burstMaxSamples    int
	burstGoodCount     int
	burstSentCount     int

	rng *rand.Rand
}

// New creates a source bound to addr, with its own statistics instance.
func New(addr netip.AddrPort, cfg Config, sched TimerScheduler, transport Transport) *Source {
	s := &Source{
		Addr:      addr,
		Config:    cfg,
		Stats:     stats.NewEngine(addr.String()),
		sched:     sched,
		transport: transport,
		poll:      cfg.MinPoll,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.state = Offline
	if cfg.Online {
		s.TakeOnline()
	}
	return s
}

// State returns the current lifecycle state.
func (s *Source) State() State { return s.state }

// TakeOnline transitions Offline -> OnlineIdle and arms the first poll
// at a random delay bounded by 2^minpoll. If Config.IBurst is set, the
// first samples are instead gathered through an accelerated burst.
func (s *Source) TakeOnline() {
	if s.state != Offline {
		return
	}
	s.state = OnlineIdle
	if s.Config.IBurst {
		_ = s.Burst(IBurstGoodSamples, IBurstMaxSamples)
		return
	}
	delay := s.randomPollDelay(s.Config.MinPoll)
	s.armPoll(delay)
}

// TakeOffline cancels timers and transitions to Offline. Callers
// responsible for the sync-peer are expected to call this on it last,
// so a reference flip isn't forced needlessly (see registry/selector
// usage).
func (s *Source) TakeOffline() {
	if s.havePoll {
		_ = s.sched.CancelTimeout(s.pollTimerID)
		s.havePoll = false
	}
	if s.haveReply {
		_ = s.sched.CancelTimeout(s.replyTimerID)
		s.haveReply = false
	}
	s.state = Offline
	s.burstActive = false
}

// Burst starts an accelerated series of polls spaced BurstPollInterval
// apart, per the `burst goodN/maxN` control verb (§6): it runs until
// goodN accepted samples are collected or maxN polls have been sent,
// whichever comes first. A source that is currently Offline is brought
// online for the duration (BurstOffline) and returned to Offline when
// the burst ends; an online source keeps running afterward (BurstGood).
func (s *Source) Burst(goodTarget, maxSamples int) error {
	if s.burstActive {
		return fmt.Errorf("ntpsource: burst already in progress for %s", s.Addr)
	}
	if goodTarget <= 0 {
		goodTarget = 1
	}
	if maxSamples <= 0 {
		maxSamples = goodTarget
	}

	s.burstActive = true
	s.burstGoodTarget = goodTarget
	s.burstMaxSamples = maxSamples
	s.burstGoodCount = 0
	s.burstSentCount = 0

	if s.state == Offline {
		s.burstReturnOffline = true
		s.state = BurstOffline
		s.armPoll(s.randomPollDelay(0))
		return nil
	}

	s.burstReturnOffline = false
	if s.state == OnlineIdle {
		if s.havePoll {
			_ = s.sched.CancelTimeout(s.pollTimerID)
			s.havePoll = false
		}
		s.state = BurstGood
		s.armPoll(0)
	}
	// If currently Transmitted, the in-flight exchange completes
	// normally and handleBurstSample picks up the burst from there.
	return nil
}

// handleBurstSample records the outcome of one burst poll and either
// schedules the next accelerated poll or ends the burst.
func (s *Source) handleBurstSample(accepted bool) {
	s.burstSentCount++
	if accepted {
		s.burstGoodCount++
	}
	if s.burstGoodCount >= s.burstGoodTarget || s.burstSentCount >= s.burstMaxSamples {
		s.finishBurst()
		return
	}
	if s.burstReturnOffline {
		s.state = BurstOffline
	} else {
		s.state = BurstGood
	}
	s.armPoll(BurstPollInterval)
}

// finishBurst ends the active burst, returning the source offline if it
// was brought online just for the burst, or to normal polling otherwise.
func (s *Source) finishBurst() {
	s.burstActive = false
	if s.burstReturnOffline {
		s.TakeOffline()
		return
	}
	s.state = OnlineIdle
	s.armPoll(time.Duration(1) << uint(s.poll) * time.Second)
}

func (s *Source) randomPollDelay(pollExp int8) time.Duration {
	max := time.Duration(1) << uint(pollExp) * time.Second
	if max <= 0 {
		max = time.Second
	}
	return time.Duration(s.rng.Int63n(int64(max)))
}

func (s *Source) armPoll(delay time.Duration) {
	s.pollTimerID = s.sched.ScheduleInClass(delay, ReplySeparation, 50*time.Millisecond, scheduler.ClassNTPSampling, s.firePoll)
	s.havePoll = true
}

// firePoll builds and transmits a request, timestamps it, and arms the
// reply timeout.
func (s *Source) firePoll(now time.Time) {
	s.havePoll = false
	pkt := &ntp.Packet{Header: ntp.Header{
		Settings: ntp.Settings(ntp.LeapNoWarning, 4, ntp.ModeClient),
		Poll:     s.poll,
	}}
	sec, frac := ntp.Time(now)
	pkt.TxTimeSec, pkt.TxTimeFrac = sec, frac
	s.lastTxTime = now
	s.lastOrigSec, s.lastOrigFrac = sec, frac

	if err := s.transport.Send(pkt, s.Addr); err != nil {
		log.WithError(err).WithField("addr", s.Addr).Warn("ntpsource: send failed")
		return
	}
	s.state = Transmitted
	replyTimeout := time.Duration(1)<<uint(s.poll)*time.Second + s.jitter()
	s.replyTimerID = s.sched.ScheduleAfter(replyTimeout, s.handleTimeout)
	s.haveReply = true
}

func (s *Source) jitter() time.Duration {
	return time.Duration(s.rng.Int63n(int64(100 * time.Millisecond)))
}

// handleTimeout counts a missed reply, grows dispersion, and re-arms
// the poll from OnlineIdle.
func (s *Source) handleTimeout(now time.Time) {
	s.haveReply = false
	if s.state != Transmitted {
		return
	}
	s.misses++
	s.Stats.AddDispersion(100 * time.Millisecond)
	if s.burstActive {
		s.handleBurstSample(false)
		return
	}
	s.state = OnlineIdle
	s.armPoll(time.Duration(1) << uint(s.poll) * time.Second)
}

// ReplyMatches reports whether a received packet's origin timestamp
// echoes the last request this source sent - the anti-spoofing and
// anti-duplicate check the spec names as part of matching a reply.
func (s *Source) ReplyMatches(pkt *ntp.Packet) bool {
	return pkt.OrigTimeSec == s.lastOrigSec && pkt.OrigTimeFrac == s.lastOrigFrac
}

// HandleReply processes a matched response packet received at destTime
// (the cooked receive timestamp). It computes offset/delay/dispersion,
// applies the goodness filter, hands accepted samples to the statistics
// engine, advances poll geometrically toward MaxPoll, and re-enters
// OnlineIdle.
func (s *Source) HandleReply(pkt *ntp.Packet, destTime time.Time) error {
	if s.state != Transmitted {
		return fmt.Errorf("ntpsource: reply received while in state %s", s.state)
	}
	if s.haveReply {
		_ = s.sched.CancelTimeout(s.replyTimerID)
		s.haveReply = false
	}

	origin := ntp.Unix(pkt.OrigTimeSec, pkt.OrigTimeFrac)
	receive := ntp.Unix(pkt.RxTimeSec, pkt.RxTimeFrac)
	transmit := ntp.Unix(pkt.TxTimeSec, pkt.TxTimeFrac)

	delay := ntp.Delay(origin, receive, transmit, destTime)
	offset := ntp.Offset(origin, receive, transmit, destTime)

	if delay > s.Config.MaxDelay && s.Config.MaxDelay > 0 {
		log.WithField("addr", s.Addr).Warn("ntpsource: sample exceeds maxdelay, rejecting")
		if s.burstActive {
			s.handleBurstSample(false)
			return nil
		}
		s.state = OnlineIdle
		s.armPoll(time.Duration(1) << uint(s.poll) * time.Second)
		return nil
	}

	rootDelay := time.Duration(pkt.RootDelay) * time.Second / 65536
	rootDispersion := time.Duration(pkt.RootDispersion) * time.Second / 65536

	accepted := s.Stats.IsGoodSample(offset, delay, 1.0, 0, destTime)
	if accepted {
		s.Stats.Accumulate(stats.Sample{
			Time:           destTime,
			Offset:         offset,
			PeerDelay:      delay,
			PeerDispersion: 0,
			RootDelay:      rootDelay,
			RootDispersion: rootDispersion,
			Stratum:        pkt.Stratum,
		})
	} else {
		log.WithField("addr", s.Addr).Debug("ntpsource: sample rejected by goodness filter")
	}

	if s.burstActive {
		s.handleBurstSample(accepted)
		return nil
	}

	s.advancePoll()
	s.state = OnlineIdle
	s.armPoll(time.Duration(1) << uint(s.poll) * time.Second)
	return nil
}

// advancePoll moves the dynamic poll exponent geometrically toward
// MaxPoll, one step per accepted sample. PollTarget is not consulted
// here: the interval grows after every accepted sample until MaxPoll.
func (s *Source) advancePoll() {
	if s.poll < s.Config.MaxPoll {
		s.poll++
	}
}

// SetOption applies a runtime tuning change to one of the enumerated
// per-source keywords; unrecognised names are rejected.
func (s *Source) SetOption(name string, value any) error {
	switch name {
	case "minpoll":
		s.Config.MinPoll = value.(int8)
	case "maxpoll":
		s.Config.MaxPoll = value.(int8)
	case "maxdelay":
		s.Config.MaxDelay = value.(time.Duration)
	case "maxdelayratio":
		s.Config.MaxDelayRatio = value.(float64)
	case "maxdelaydevratio":
		s.Config.MaxDelayDevRatio = value.(float64)
	case "minstratum":
		s.Config.MinStratum = value.(uint8)
	case "polltarget":
		s.Config.PollTarget = value.(int)
	default:
		return fmt.Errorf("ntpsource: unknown option %q", name)
	}
	return nil
}
