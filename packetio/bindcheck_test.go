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

	"github.com/stretchr/testify/require"
)

func Test_VerifyBindAddress_UnknownInterface(t *testing.T) {
	err := VerifyBindAddress("ntpd-test-no-such-iface0", netip.MustParseAddr("192.0.2.1"))
	require.Error(t, err)
}
