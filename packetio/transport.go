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

	log "github.com/sirupsen/logrus"

	"github.com/netsyncd/ntpd/protocol/ntp"
)

// Transport adapts a Socket to ntpsource.Transport. The TX timestamp
// the socket obtains via the error-queue loopback is logged but not
// currently fed back into the exchange: the embedded origin timestamp
// is fixed at serialization time, so refining it after the fact would
// require correlating by sequence number, which NTP's plain client mode
// has no field for.
type Transport struct {
	Socket *Socket
}

// Send implements ntpsource.Transport.
func (t *Transport) Send(pkt *ntp.Packet, addr netip.AddrPort) error {
	txTime, err := t.Socket.Send(pkt, addr)
	if err != nil {
		return err
	}
	log.WithField("tx_time", txTime).Debug("packetio: sent request")
	return nil
}
