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
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netsyncd/ntpd/ntpsource"
	"github.com/netsyncd/ntpd/registry"
)

// Dispatcher pulls datagrams off a socket and routes them to the
// matching source's state machine by remote address, completing the
// G -> E -> D data-flow edge.
type Dispatcher struct {
	socket   *Socket
	sources  *registry.Registry[*ntpsource.Source]
	scheduler ReadyTimeSource
}

// NewDispatcher builds a dispatcher over socket, routing into sources.
// scheduler supplies the descriptor-ready fallback timestamp.
func NewDispatcher(socket *Socket, sources *registry.Registry[*ntpsource.Source], scheduler ReadyTimeSource) *Dispatcher {
	return &Dispatcher{socket: socket, sources: sources, scheduler: scheduler}
}

// OnReadable is the scheduler descriptor handler registered for the
// socket's fd: drain one datagram and route it to the owning source, if
// any. Unmatched or mismatched-origin replies are logged and dropped -
// they are not errors, just stale or spoofed traffic.
func (d *Dispatcher) OnReadable(now time.Time) {
	fallback, _ := d.scheduler.LastReady()
	if fallback.IsZero() {
		fallback = now
	}

	ev, err := d.socket.Receive(fallback)
	if err != nil {
		log.WithError(err).Warn("packetio: receive failed")
		return
	}

	src, ok := d.sources.GetByIP(ev.RemoteAddr.Addr())
	if !ok {
		log.WithField("addr", ev.RemoteAddr).Debug("packetio: reply from unknown source, dropping")
		return
	}
	if !src.ReplyMatches(ev.Packet) {
		log.WithField("addr", ev.RemoteAddr).Warn("packetio: reply origin timestamp mismatch, dropping")
		return
	}
	if err := src.HandleReply(ev.Packet, ev.CookedTime); err != nil {
		log.WithError(err).WithField("addr", ev.RemoteAddr).Warn("packetio: reply handling failed")
	}
}
