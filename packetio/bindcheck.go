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
	"fmt"
	"net"
	"net/netip"

	"github.com/jsimonetti/rtnetlink/rtnl"
	"github.com/pkg/errors"
)

// VerifyBindAddress confirms addr is actually assigned to iface before
// Listen binds to it: a misconfigured bind_address/hw_ts_interface pair
// otherwise fails late and confusingly, deep inside the UDP listen call,
// once hardware timestamping is already being requested on the wrong
// link.
func VerifyBindAddress(ifaceName string, addr netip.Addr) error {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return fmt.Errorf("packetio: interface %s: %w", ifaceName, err)
	}

	conn, err := rtnl.Dial(nil)
	if err != nil {
		return errors.Wrap(err, "packetio: can't establish netlink connection")
	}
	defer conn.Close()

	family := rtnl.Inet4
	if addr.Is6() {
		family = rtnl.Inet6
	}
	addrs, err := conn.Addrs(iface, family)
	if err != nil {
		return errors.Wrap(err, "packetio: can't list interface addresses")
	}

	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ifaceAddr, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		if ifaceAddr.Unmap() == addr.Unmap() {
			return nil
		}
	}
	return fmt.Errorf("packetio: bind address %s is not assigned to interface %s", addr, ifaceName)
}
