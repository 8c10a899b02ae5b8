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

// Package packetio implements datagram receive/transmit (§4.G): kernel
// timestamp extraction, DSCP marking, and handing receive events to
// the source registry.
package packetio

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/netsyncd/ntpd/dscp"
	"github.com/netsyncd/ntpd/protocol/ntp"
	"github.com/netsyncd/ntpd/timestamp"
)

// ReceiveEvent is what a received datagram becomes once timestamped,
// the §4.G contract delivered to the registry.
type ReceiveEvent struct {
	RemoteAddr  netip.AddrPort
	CookedTime  time.Time
	Packet      *ntp.Packet
	Length      int
}

// ReadyTimeSource supplies the scheduler's last descriptor-ready cooked
// time, used as the receive-timestamp fallback when the kernel cannot
// stamp a packet.
type ReadyTimeSource interface {
	LastReady() (time.Time, time.Duration)
}

// Socket is one bound UDP listener used for both NTP client requests
// and server responses.
type Socket struct {
	conn *net.UDPConn
	fd   int
}

// Listen opens and configures a UDP socket bound to addr:port. HW
// timestamping is enabled if iface is non-nil, with SW timestamping as
// the fallback when that fails; SW timestamping is enabled when iface is
// nil. dscpValue <= 0 skips DSCP marking.
func Listen(addr netip.Addr, port int, iface *net.Interface, dscpValue int) (*Socket, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr.AsSlice(), Port: port})
	if err != nil {
		return nil, fmt.Errorf("packetio: listen: %w", err)
	}
	fd, err := timestamp.ConnFd(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("packetio: connfd: %w", err)
	}

	if iface != nil {
		if err := timestamp.EnableHWTimestamps(fd, iface); err != nil {
			log.WithError(err).WithField("iface", iface.Name).Warn("packetio: hw timestamps unavailable, falling back to sw")
			if err := timestamp.EnableSWTimestamps(fd); err != nil {
				conn.Close()
				return nil, fmt.Errorf("packetio: enable sw timestamps: %w", err)
			}
		}
	} else if err := timestamp.EnableSWTimestamps(fd); err != nil {
		conn.Close()
		return nil, fmt.Errorf("packetio: enable sw timestamps: %w", err)
	}

	if dscpValue > 0 {
		if err := dscp.Enable(fd, addr.AsSlice(), dscpValue); err != nil {
			log.WithError(err).Warn("packetio: failed to set dscp")
		}
	}

	return &Socket{conn: conn, fd: fd}, nil
}

// Fd exposes the socket descriptor for scheduler registration.
func (s *Socket) Fd() int { return s.fd }

// Close releases the underlying socket.
func (s *Socket) Close() error { return s.conn.Close() }

// Receive reads one datagram, parses it as an NTP packet, and returns a
// timestamped receive event. If the kernel could not supply a
// timestamp (zero value), fallback is used instead - the scheduler's
// last descriptor-ready cooked time.
func (s *Socket) Receive(fallback time.Time) (ReceiveEvent, error) {
	raw, sa, ts, err := timestamp.ReadPacketWithRXTimestamp(s.fd)
	if err != nil {
		return ReceiveEvent{}, fmt.Errorf("packetio: receive: %w", err)
	}
	if ts.IsZero() {
		ts = fallback
	}

	pkt, err := ntp.BytesToPacket(raw)
	if err != nil {
		return ReceiveEvent{}, fmt.Errorf("packetio: parse: %w", err)
	}

	ip := timestamp.SockaddrToIP(sa)
	remotePort := timestamp.SockaddrToPort(sa)
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return ReceiveEvent{}, fmt.Errorf("packetio: unparseable remote address")
	}
	addr = addr.Unmap()

	return ReceiveEvent{
		RemoteAddr: netip.AddrPortFrom(addr, uint16(remotePort)),
		CookedTime: ts,
		Packet:     pkt,
		Length:     len(raw),
	}, nil
}

// Send transmits pkt to addr and, where available, folds in the
// kernel's TX timestamp (obtained via the socket error-queue loopback)
// as the return value - used as the precise origin timestamp for the
// exchange's later offset calculation. If no TX timestamp arrives
// within timestamp.AttemptsTXTS tries, the pre-send wall clock reading
// is returned instead.
func (s *Socket) Send(pkt *ntp.Packet, addr netip.AddrPort) (time.Time, error) {
	buf, err := pkt.Bytes()
	if err != nil {
		return time.Time{}, fmt.Errorf("packetio: serialize: %w", err)
	}
	sa := timestamp.AddrToSockaddr(addr.Addr(), int(addr.Port()))

	before := time.Now()
	if err := unix.Sendto(s.fd, buf, 0, sa); err != nil {
		return time.Time{}, fmt.Errorf("packetio: sendto: %w", err)
	}

	txts, _, err := timestamp.ReadTXtimestamp(s.fd)
	if err != nil || txts.IsZero() {
		return before, nil
	}
	return txts, nil
}
