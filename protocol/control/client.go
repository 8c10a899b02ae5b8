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
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/pkg/errors"
)

// DefaultSocketPath is where ntpd listens for control connections.
const DefaultSocketPath = "/var/run/ntpd/ntpd.sock"

// Client talks to a running daemon over the control channel: a sequence
// counter layered over an io.ReadWriter, carrying this project's own
// verb set.
type Client struct {
	Connection io.ReadWriter
	Sequence   uint32
}

// Dial connects to the daemon's control socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, errors.Wrap(err, "control: dial")
	}
	return &Client{Connection: conn}, nil
}

func (c *Client) communicate(req interface{ GetHead() *RequestHead }) (*ReplyHead, []byte, error) {
	c.Sequence++
	req.GetHead().Sequence = c.Sequence

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, req); err != nil {
		return nil, nil, errors.Wrap(err, "control: encode request")
	}
	if _, err := c.Connection.Write(buf.Bytes()); err != nil {
		return nil, nil, errors.Wrap(err, "control: write request")
	}

	resp := make([]byte, 1024)
	n, err := c.Connection.Read(resp)
	if err != nil {
		return nil, nil, errors.Wrap(err, "control: read reply")
	}

	r := bytes.NewReader(resp[:n])
	head := new(ReplyHead)
	if err := binary.Read(r, binary.BigEndian, head); err != nil {
		return nil, nil, errors.Wrap(err, "control: decode reply head")
	}
	rest := make([]byte, r.Len())
	_, _ = r.Read(rest)
	return head, rest, nil
}

func (r *RequestHead) GetHead() *RequestHead { return r }

// AddServer requests that addr/port be added as a client-mode source.
func (c *Client) AddServer(addr netip.AddrPort, minPoll, maxPoll int8, iburst, prefer, noselect bool) (Status, error) {
	req := &AddSourceRequest{
		RequestHead: newRequestHead(cmdAddServer),
		Addr:        toWireAddr(addr.Addr()),
		Port:        addr.Port(),
		MinPoll:     minPoll,
		MaxPoll:     maxPoll,
		IBurst:      boolToU8(iburst),
		Prefer:      boolToU8(prefer),
		Noselect:    boolToU8(noselect),
	}
	return c.simpleCommand(req)
}

// AddPeer requests that addr/port be added as a symmetric-peer source.
func (c *Client) AddPeer(addr netip.AddrPort, minPoll, maxPoll int8, iburst, prefer, noselect bool) (Status, error) {
	req := &AddSourceRequest{
		RequestHead: newRequestHead(cmdAddPeer),
		Addr:        toWireAddr(addr.Addr()),
		Port:        addr.Port(),
		MinPoll:     minPoll,
		MaxPoll:     maxPoll,
		IBurst:      boolToU8(iburst),
		Prefer:      boolToU8(prefer),
		Noselect:    boolToU8(noselect),
	}
	return c.simpleCommand(req)
}

// Delete removes a configured source.
func (c *Client) Delete(addr netip.AddrPort) (Status, error) {
	req := &DelSourceRequest{RequestHead: newRequestHead(cmdDelSource), Addr: toWireAddr(addr.Addr()), Port: addr.Port()}
	return c.simpleCommand(req)
}

// Online brings sources matching addr/mask back online; mask == 0 means
// addr alone, or every offline source when addr is unset.
func (c *Client) Online(addr netip.Addr, mask uint8) (Status, error) {
	req := &OnlineRequest{RequestHead: newRequestHead(cmdOnline), Addr: toWireAddr(addr), Mask: mask}
	return c.simpleCommand(req)
}

// Offline takes sources matching addr/mask offline.
func (c *Client) Offline(addr netip.Addr, mask uint8) (Status, error) {
	req := &OnlineRequest{RequestHead: newRequestHead(cmdOffline), Addr: toWireAddr(addr), Mask: mask}
	return c.simpleCommand(req)
}

// Burst requests goodN good measurements out of at most totalM packets
// from addr, per spec's "burst N/M".
func (c *Client) Burst(addr netip.Addr, goodN, totalM uint32) (Status, error) {
	req := &BurstRequest{RequestHead: newRequestHead(cmdBurst), Addr: toWireAddr(addr), GoodN: goodN, TotalM: totalM}
	return c.simpleCommand(req)
}

// Tune issues one of the per-source tuning verbs (minpoll, maxpoll,
// maxdelay, maxdelayratio, maxdelaydevratio, minstratum, polltarget).
func (c *Client) Tune(verb string, addr netip.Addr, value int64) (Status, error) {
	cmd, ok := tuneVerbs[verb]
	if !ok {
		return StatusInvalid, errors.Errorf("control: unknown tuning verb %q", verb)
	}
	req := &TuneRequest{RequestHead: newRequestHead(cmd), Addr: toWireAddr(addr), Value: value}
	return c.simpleCommand(req)
}

var tuneVerbs = map[string]CommandType{
	"minpoll":          cmdModifyMinpoll,
	"maxpoll":          cmdModifyMaxpoll,
	"maxdelay":         cmdModifyMaxdelay,
	"maxdelayratio":    cmdModifyMaxdelayratio,
	"maxdelaydevratio": cmdModifyMaxdelaydevratio,
	"minstratum":       cmdModifyMinstratum,
	"polltarget":       cmdModifyPolltarget,
}

// Password authenticates the connection for subsequent privileged verbs.
func (c *Client) Password(secret string) (Status, error) {
	req := &PasswordRequest{RequestHead: newRequestHead(cmdPassword)}
	copy(req.Secret[:], secret)
	return c.simpleCommand(req)
}

// CycleLogs asks the daemon to close and reopen its log files.
func (c *Client) CycleLogs() (Status, error) {
	return c.simpleCommand(&EmptyRequest{RequestHead: newRequestHead(cmdCycleLogs)})
}

// SourceIndexRequest asks for the source-data line item at Index, in the
// order the daemon's registry iterates it; EOR (end of records) is set in
// the reply's Status (StatusNoSuchSource) once Index runs past the end.
type SourceIndexRequest struct {
	RequestHead
	Index uint32
	_     [maxDataLen - 4]uint8 //nolint:unused,structcheck
}

// Sources returns one SourceDataReply per configured source, by walking
// cmdSourceData with increasing indices until the daemon reports
// StatusNoSuchSource.
func (c *Client) Sources() ([]SourceDataReply, error) {
	head, rest, err := c.communicate(&EmptyRequest{RequestHead: newRequestHead(cmdNSources)})
	if err != nil {
		return nil, err
	}
	if head.Status != StatusSuccess {
		return nil, errors.Errorf("control: sources: %s", head.Status)
	}
	var n NSourcesReply
	if err := binary.Read(bytes.NewReader(rest), binary.BigEndian, &n.NSources); err != nil {
		return nil, errors.Wrap(err, "control: decode nsources")
	}

	out := make([]SourceDataReply, 0, n.NSources)
	for i := uint32(0); i < n.NSources; i++ {
		req := &SourceIndexRequest{RequestHead: newRequestHead(cmdSourceData), Index: i}
		h, rest, err := c.communicate(req)
		if err != nil {
			return nil, err
		}
		if h.Status != StatusSuccess {
			break
		}
		var body struct {
			Addr       wireAddr
			Poll       int8
			Stratum    uint8
			State      sourceStateWire
			Reachable  uint8
			Prefer     uint8
			Noselect   uint8
			LastOffset int64
		}
		if err := binary.Read(bytes.NewReader(rest), binary.BigEndian, &body); err != nil {
			return nil, errors.Wrap(err, "control: decode source data")
		}
		out = append(out, SourceDataReply{
			ReplyHead: *h, Addr: body.Addr, Poll: body.Poll, Stratum: body.Stratum,
			State: body.State, Reachable: body.Reachable, Prefer: body.Prefer,
			Noselect: body.Noselect, LastOffset: body.LastOffset,
		})
	}
	return out, nil
}

// Tracking returns the daemon's current synchronisation state.
func (c *Client) Tracking() (*TrackingReply, error) {
	head, rest, err := c.communicate(&EmptyRequest{RequestHead: newRequestHead(cmdTracking)})
	if err != nil {
		return nil, err
	}
	if head.Status != StatusSuccess {
		return nil, errors.Errorf("control: tracking: %s", head.Status)
	}
	var body struct {
		RefAddr       wireAddr
		RefID         uint32
		Stratum       uint8
		Synchronised  uint8
		CorrectionNs  int64
		FrequencyPPM  float64
		LastUpdateSec int64
	}
	if err := binary.Read(bytes.NewReader(rest), binary.BigEndian, &body); err != nil {
		return nil, errors.Wrap(err, "control: decode tracking")
	}
	return &TrackingReply{
		ReplyHead:     *head,
		RefAddr:       body.RefAddr,
		RefID:         body.RefID,
		Stratum:       body.Stratum,
		Synchronised:  body.Synchronised,
		CorrectionNs:  body.CorrectionNs,
		FrequencyPPM:  body.FrequencyPPM,
		LastUpdateSec: body.LastUpdateSec,
	}, nil
}

// Activity returns the coarse online/offline census.
func (c *Client) Activity() (*ActivityReply, error) {
	head, rest, err := c.communicate(&EmptyRequest{RequestHead: newRequestHead(cmdActivity)})
	if err != nil {
		return nil, err
	}
	if head.Status != StatusSuccess {
		return nil, errors.Errorf("control: activity: %s", head.Status)
	}
	var body struct{ Online, Offline, BurstOnline, BurstOffline uint32 }
	if err := binary.Read(bytes.NewReader(rest), binary.BigEndian, &body); err != nil {
		return nil, errors.Wrap(err, "control: decode activity")
	}
	return &ActivityReply{ReplyHead: *head, Online: body.Online, Offline: body.Offline, BurstOnline: body.BurstOnline, BurstOffline: body.BurstOffline}, nil
}

func (c *Client) simpleCommand(req interface{ GetHead() *RequestHead }) (Status, error) {
	head, _, err := c.communicate(req)
	if err != nil {
		return StatusFailed, err
	}
	if head.Status != StatusSuccess {
		return head.Status, errors.Errorf("control: %s", head.Status)
	}
	return head.Status, nil
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
