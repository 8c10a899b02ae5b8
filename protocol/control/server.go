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

package control

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netsyncd/ntpd/ntpsource"
	"github.com/netsyncd/ntpd/registry"
)

// SourceAdder is implemented by whatever owns the registry/resolver
// chain; AddServer/AddPeer on the Handler below delegate to it since
// a freshly-added unresolved source needs DNS resolution before it can
// be registered, which is E's concern, not this package's.
type SourceAdder interface {
	AddSource(addr string, port int, peer, iburst, prefer, noselect bool, minPoll, maxPoll int8) error
	RemoveSource(addr netip.AddrPort) error
}

// Handler answers control-channel requests against the live daemon
// state: the source registry, the reference selector's last round, and
// the password gate for privileged verbs.
type Handler struct {
	Sources  *registry.Registry[*ntpsource.Source]
	Adder    SourceAdder
	Password string // empty disables the gate

	authenticated map[net.Conn]bool
	lastTracking  func() TrackingReply
	lastActivity  func() ActivityReply
}

// NewHandler builds a Handler over the live registry and adder.
func NewHandler(sources *registry.Registry[*ntpsource.Source], adder SourceAdder) *Handler {
	return &Handler{
		Sources:       sources,
		Adder:         adder,
		authenticated: make(map[net.Conn]bool),
	}
}

// SetTrackingSource installs the callback used to answer "tracking".
func (h *Handler) SetTrackingSource(fn func() TrackingReply) { h.lastTracking = fn }

// SetActivitySource installs the callback used to answer "activity".
func (h *Handler) SetActivitySource(fn func() ActivityReply) { h.lastActivity = fn }

// Serve accepts connections on a unix socket at path until the listener
// is closed, handling each synchronously (the control channel is a
// low-volume, single-client-at-a-time local interface).
func (h *Handler) Serve(path string) error {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	defer ln.Close()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		h.handleConn(conn)
	}
}

func (h *Handler) handleConn(conn net.Conn) {
	defer conn.Close()
	defer delete(h.authenticated, conn)
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if err != io.EOF {
				log.WithError(err).Debug("control: connection read failed")
			}
			return
		}
		reply := h.dispatch(conn, buf[:n])
		var out bytes.Buffer
		if err := binary.Write(&out, binary.BigEndian, reply); err != nil {
			log.WithError(err).Error("control: encode reply failed")
			return
		}
		if _, err := conn.Write(out.Bytes()); err != nil {
			log.WithError(err).Debug("control: write reply failed")
			return
		}
	}
}

func (h *Handler) dispatch(conn net.Conn, data []byte) interface{} {
	r := bytes.NewReader(data)
	var head RequestHead
	if err := binary.Read(r, binary.BigEndian, &head); err != nil {
		return ack(0, head.Command, StatusInvalid)
	}

	if requiresAuth(head.Command) && h.Password != "" && !h.authenticated[conn] {
		return ack(head.Sequence, head.Command, StatusUnauth)
	}

	switch head.Command {
	case cmdPassword:
		var body passwordBody
		_ = binary.Read(r, binary.BigEndian, &body)
		match := subtle.ConstantTimeCompare(trimZero(body.Secret[:]), []byte(h.Password)) == 1
		if !match {
			return ack(head.Sequence, head.Command, StatusUnauth)
		}
		h.authenticated[conn] = true
		return ack(head.Sequence, head.Command, StatusSuccess)

	case cmdAddServer, cmdAddPeer:
		var body addSourceBody
		_ = binary.Read(r, binary.BigEndian, &body)
		addr := body.Addr.toAddr()
		err := h.Adder.AddSource(addr.String(), int(body.Port), head.Command == cmdAddPeer,
			body.IBurst != 0, body.Prefer != 0, body.Noselect != 0, body.MinPoll, body.MaxPoll)
		return ack(head.Sequence, head.Command, statusFromErr(err))

	case cmdDelSource:
		var body delSourceBody
		_ = binary.Read(r, binary.BigEndian, &body)
		err := h.Adder.RemoveSource(netip.AddrPortFrom(body.Addr.toAddr(), body.Port))
		return ack(head.Sequence, head.Command, statusFromErr(err))

	case cmdOnline, cmdOffline:
		var body onlineBody
		_ = binary.Read(r, binary.BigEndian, &body)
		h.applyOnlineOffline(body.Addr.toAddr(), body.Mask, head.Command == cmdOnline)
		return ack(head.Sequence, head.Command, StatusSuccess)

	case cmdNSources:
		n := 0
		h.Sources.Each(func(registry.Key, *ntpsource.Source) bool { n++; return true })
		return &NSourcesReply{ReplyHead: replyHead(head.Sequence, head.Command, rpyNSources), NSources: uint32(n)}

	case cmdSourceData:
		var body sourceIndexBody
		_ = binary.Read(r, binary.BigEndian, &body)
		return h.sourceDataAt(head, body.Index)

	case cmdTracking:
		if h.lastTracking == nil {
			return ack(head.Sequence, head.Command, StatusFailed)
		}
		t := h.lastTracking()
		t.ReplyHead = replyHead(head.Sequence, head.Command, rpyTracking)
		return &t

	case cmdActivity:
		if h.lastActivity == nil {
			return ack(head.Sequence, head.Command, StatusFailed)
		}
		a := h.lastActivity()
		a.ReplyHead = replyHead(head.Sequence, head.Command, rpyActivity)
		return &a

	case cmdCycleLogs:
		// Acknowledged without further action: no log-rotation hook is
		// installed, so no log file is closed or reopened here.
		return ack(head.Sequence, head.Command, StatusSuccess)

	case cmdModifyMinpoll, cmdModifyMaxpoll, cmdModifyMaxdelay, cmdModifyMaxdelayratio,
		cmdModifyMaxdelaydevratio, cmdModifyMinstratum, cmdModifyPolltarget:
		var body tuneBody
		_ = binary.Read(r, binary.BigEndian, &body)
		return h.applyTune(head, body)

	case cmdBurst:
		var body burstBody
		_ = binary.Read(r, binary.BigEndian, &body)
		src, found := h.Sources.GetByIP(body.Addr.toAddr())
		if !found {
			return ack(head.Sequence, head.Command, StatusNoSuchSource)
		}
		err := src.Burst(int(body.GoodN), int(body.TotalM))
		return ack(head.Sequence, head.Command, statusFromErr(err))

	default:
		return ack(head.Sequence, head.Command, StatusInvalid)
	}
}

func requiresAuth(cmd CommandType) bool {
	switch cmd {
	case cmdAddServer, cmdAddPeer, cmdDelSource, cmdOnline, cmdOffline, cmdBurst,
		cmdModifyMinpoll, cmdModifyMaxpoll, cmdModifyMaxdelay, cmdModifyMaxdelayratio,
		cmdModifyMaxdelaydevratio, cmdModifyMinstratum, cmdModifyPolltarget, cmdCycleLogs:
		return true
	default:
		return false
	}
}

func (h *Handler) applyOnlineOffline(addr netip.Addr, mask uint8, online bool) {
	h.Sources.Each(func(k registry.Key, s *ntpsource.Source) bool {
		if mask != 0 && !addrInMask(k.IP, addr, mask) {
			return true
		}
		if mask == 0 && addr.IsValid() && !addr.IsUnspecified() && k.IP != addr {
			return true
		}
		if online {
			s.TakeOnline()
		} else {
			s.TakeOffline()
		}
		return true
	})
}

func addrInMask(ip, base netip.Addr, prefixBits uint8) bool {
	p, err := base.Prefix(int(prefixBits))
	if err != nil {
		return false
	}
	return p.Contains(ip)
}

func (h *Handler) applyTune(head RequestHead, req tuneBody) interface{} {
	src, found := h.Sources.GetByIP(req.Addr.toAddr())
	if !found {
		return ack(head.Sequence, head.Command, StatusNoSuchSource)
	}
	var err error
	switch head.Command {
	case cmdModifyMinpoll:
		err = src.SetOption("minpoll", int8(req.Value))
	case cmdModifyMaxpoll:
		err = src.SetOption("maxpoll", int8(req.Value))
	case cmdModifyMaxdelay:
		err = src.SetOption("maxdelay", time.Duration(req.Value)*time.Microsecond)
	case cmdModifyMaxdelayratio:
		err = src.SetOption("maxdelayratio", float64(req.Value)/1000.0)
	case cmdModifyMaxdelaydevratio:
		err = src.SetOption("maxdelaydevratio", float64(req.Value)/1000.0)
	case cmdModifyMinstratum:
		err = src.SetOption("minstratum", uint8(req.Value))
	case cmdModifyPolltarget:
		err = src.SetOption("polltarget", int(req.Value))
	}
	return ack(head.Sequence, head.Command, statusFromErr(err))
}

func (h *Handler) sourceDataAt(head RequestHead, index uint32) interface{} {
	var i uint32
	var found *ntpsource.Source
	var foundAddr netip.Addr
	h.Sources.Each(func(k registry.Key, s *ntpsource.Source) bool {
		if i == index {
			found = s
			foundAddr = k.IP
			return false
		}
		i++
		return true
	})
	if found == nil {
		return ack(head.Sequence, head.Command, StatusNoSuchSource)
	}
	offset, _ := found.Stats.EstimatedOffset()
	return &SourceDataReply{
		ReplyHead:  replyHead(head.Sequence, head.Command, rpySourceData),
		Addr:       toWireAddr(foundAddr),
		Stratum:    0,
		State:      sourceStateWire(found.State()),
		LastOffset: int64(offset),
	}
}

func statusFromErr(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	return StatusFailed
}

func ack(seq uint32, cmd CommandType, status Status) *AckReply {
	return &AckReply{ReplyHead: ReplyHead{
		Version: protoVersion, PktType: pktReply, Command: cmd, Reply: rpyAck, Status: status, Sequence: seq,
	}}
}

func replyHead(seq uint32, cmd CommandType, reply ReplyType) ReplyHead {
	return ReplyHead{Version: protoVersion, PktType: pktReply, Command: cmd, Reply: reply, Status: StatusSuccess, Sequence: seq}
}

func trimZero(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}
