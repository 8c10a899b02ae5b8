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

package ntp

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// HeaderSizeBytes is the fixed NTPv4 header, before any extension fields.
const HeaderSizeBytes = 48

// Leap indicator values.
const (
	LeapNoWarning    uint8 = 0
	LeapAddSecond    uint8 = 1
	LeapDelSecond    uint8 = 2
	LeapAlarm        uint8 = 3
	versionFirst           = 1
	versionLast            = 4
)

// Mode field values, RFC 5905 Figure 9.
const (
	ModeReserved         uint8 = 0
	ModeSymmetricActive  uint8 = 1
	ModeSymmetricPassive uint8 = 2
	ModeClient           uint8 = 3
	ModeServer           uint8 = 4
	ModeBroadcast        uint8 = 5
	ModeControl          uint8 = 6
	ModePrivate          uint8 = 7
)

// KissCode reference IDs a stratum-0 server may send back in place of a
// real clock source when it refuses service (RFC 5905 §7.4).
var KissCode = map[uint32]string{
	0x44454e59: "DENY",
	0x52535452: "RSTR",
	0x52415445: "RATE",
}

// Header is the fixed 48-byte NTPv4 packet header.
type Header struct {
	Settings       uint8  // leap indicator (2 bits), version (3 bits), mode (3 bits)
	Stratum        uint8
	Poll           int8 // poll interval, log2 seconds
	Precision      int8 // clock precision, log2 seconds
	RootDelay      uint32
	RootDispersion uint32
	ReferenceID    uint32
	RefTimeSec     uint32
	RefTimeFrac    uint32
	OrigTimeSec    uint32
	OrigTimeFrac   uint32
	RxTimeSec      uint32
	RxTimeFrac     uint32
	TxTimeSec      uint32
	TxTimeFrac     uint32
}

// Packet is a full NTPv4 datagram: the fixed header plus zero or more
// extension fields. Extension fields are only populated/consumed when the
// exchange is NTS-protected; plain NTP exchanges carry none.
type Packet struct {
	Header
	Extensions []Extension
}

// ExtensionFieldType enumerates the RFC 7822 / RFC 8915 field types this
// packet format understands. Authentication-and-encryption is modeled but
// the actual AEAD sealing/opening lives outside this package (NTS
// key-exchange is an external collaborator).
type ExtensionFieldType uint16

const (
	ExtUniqueIdentifier ExtensionFieldType = 0x0104
	ExtCookie           ExtensionFieldType = 0x0204
	ExtCookiePlaceholder ExtensionFieldType = 0x0304
	ExtAuthAndEEF       ExtensionFieldType = 0x0404
)

// Extension is one RFC 7822 extension field: a 16-bit type, a 16-bit
// length (of the whole field, header included, padded to a 4-byte
// boundary) and a value.
type Extension struct {
	Type  ExtensionFieldType
	Value []byte
}

func padLen(n int) int {
	if r := n % 4; r != 0 {
		return n + (4 - r)
	}
	return n
}

// NewUniqueIdentifier derives a 64-bit anti-replay unique-id extension
// field by hashing the caller-supplied seed bytes with xxhash, the way an
// NTS client tags each request so it can match the reply unambiguously
// even under retransmission.
func NewUniqueIdentifier(seed []byte) Extension {
	h := xxhash.New()
	_, _ = h.Write(seed)
	sum := h.Sum64()
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, sum)
	return Extension{Type: ExtUniqueIdentifier, Value: buf}
}

// Settings packs leap/version/mode into the header's settings byte.
func Settings(leap, version, mode uint8) uint8 {
	return leap<<6 | (version&0x7)<<3 | (mode & 0x7)
}

// Leap extracts the leap indicator from the settings byte.
func (h *Header) Leap() uint8 { return h.Settings >> 6 }

// Version extracts the version number from the settings byte.
func (h *Header) Version() uint8 { return (h.Settings >> 3) & 0x7 }

// Mode extracts the mode from the settings byte.
func (h *Header) Mode() uint8 { return h.Settings & 0x7 }

// ValidSettingsFormat checks the leap/version/mode combination is one a
// server should act on; anything else is silently discarded per RFC 5905.
func (h *Header) ValidSettingsFormat() bool {
	l := h.Leap()
	if l != LeapNoWarning && l != LeapAlarm && l != LeapAddSecond && l != LeapDelSecond {
		return false
	}
	v := h.Version()
	if v < versionFirst || v > versionLast {
		return false
	}
	m := h.Mode()
	return m == ModeClient || m == ModeSymmetricActive || m == ModeSymmetricPassive
}

// Bytes serializes the packet: fixed header, then each extension field
// padded to a 4-byte boundary.
func (p *Packet) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, &p.Header); err != nil {
		return nil, err
	}
	for _, ext := range p.Extensions {
		hdr := make([]byte, 4)
		binary.BigEndian.PutUint16(hdr[0:2], uint16(ext.Type))
		fieldLen := padLen(4 + len(ext.Value))
		binary.BigEndian.PutUint16(hdr[2:4], uint16(fieldLen))
		buf.Write(hdr)
		buf.Write(ext.Value)
		if pad := fieldLen - 4 - len(ext.Value); pad > 0 {
			buf.Write(make([]byte, pad))
		}
	}
	return buf.Bytes(), nil
}

// BytesToPacket parses a received datagram into a Packet. Extension
// fields beyond the fixed header are best-effort: a short or malformed
// trailer is reported as an error rather than silently dropped, since a
// truncated extension field on an NTS-enabled exchange must fail
// authentication rather than be ignored.
func BytesToPacket(raw []byte) (*Packet, error) {
	if len(raw) < HeaderSizeBytes {
		return nil, fmt.Errorf("ntp: packet too short: %d bytes", len(raw))
	}
	p := &Packet{}
	r := bytes.NewReader(raw[:HeaderSizeBytes])
	if err := binary.Read(r, binary.BigEndian, &p.Header); err != nil {
		return nil, err
	}
	rest := raw[HeaderSizeBytes:]
	for len(rest) > 0 {
		if len(rest) < 4 {
			return nil, fmt.Errorf("ntp: truncated extension field header")
		}
		typ := ExtensionFieldType(binary.BigEndian.Uint16(rest[0:2]))
		length := int(binary.BigEndian.Uint16(rest[2:4]))
		if length < 4 || length > len(rest) {
			return nil, fmt.Errorf("ntp: invalid extension field length %d", length)
		}
		p.Extensions = append(p.Extensions, Extension{Type: typ, Value: rest[4:length]})
		rest = rest[length:]
	}
	return p, nil
}
