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

package packetio

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsyncd/ntpd/ntpsource"
	"github.com/netsyncd/ntpd/protocol/ntp"
	"github.com/netsyncd/ntpd/registry"
	"github.com/netsyncd/ntpd/scheduler"
)

type fakeSched struct{}

func (fakeSched) ScheduleInClass(minDelay, separation, jitter time.Duration, class scheduler.Class, handler scheduler.Handler) scheduler.TimerID {
	return 0
}
func (fakeSched) ScheduleAfter(delay time.Duration, handler scheduler.Handler) scheduler.TimerID {
	return 0
}
func (fakeSched) CancelTimeout(id scheduler.TimerID) error { return nil }

type fakeReadyTime struct{ t time.Time }

func (f fakeReadyTime) LastReady() (time.Time, time.Duration) { return f.t, 0 }

func Test_NewDispatcher_BuildsOverRegistryAndSocket(t *testing.T) {
	reg := registry.New[*ntpsource.Source]()
	addr := netip.MustParseAddrPort("192.0.2.9:123")
	src := ntpsource.New(addr, ntpsource.DefaultConfig(), fakeSched{}, nopTransport{})
	require.NoError(t, reg.Add(registry.Key{IP: addr.Addr(), Port: addr.Port()}, src))

	got, ok := reg.GetByIP(addr.Addr())
	assert.True(t, ok)
	assert.Same(t, src, got)

	d := NewDispatcher(nil, reg, fakeReadyTime{t: time.Now()})
	assert.NotNil(t, d)
}

type nopTransport struct{}

func (nopTransport) Send(pkt *ntp.Packet, addr netip.AddrPort) error { return nil }
