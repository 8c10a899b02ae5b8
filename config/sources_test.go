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

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netsyncd/ntpd/ntpsource"
)

func TestParseSourcesBasicServerLine(t *testing.T) {
	in := strings.NewReader("server ntp1.example.com minpoll 6 maxpoll 10 iburst\n")
	out, err := ParseSources(in)
	require.NoError(t, err)
	require.Len(t, out, 1)

	d := out[0]
	require.Equal(t, SourceServer, d.Kind)
	require.Equal(t, "ntp1.example.com", d.Address)
	require.EqualValues(t, 6, d.Config.MinPoll)
	require.EqualValues(t, 10, d.Config.MaxPoll)
	require.True(t, d.Config.IBurst)
}

func TestParseSourcesPeerLineWithMultipleValuedOptions(t *testing.T) {
	in := strings.NewReader("peer 203.0.113.9 minpoll 4 maxdelay 0.5 key 42\n")
	out, err := ParseSources(in)
	require.NoError(t, err)
	require.Len(t, out, 1)

	d := out[0]
	require.Equal(t, SourcePeer, d.Kind)
	require.Equal(t, "203.0.113.9", d.Address)
	require.EqualValues(t, 4, d.Config.MinPoll)
	require.Equal(t, 500*time.Millisecond, d.Config.MaxDelay)
	require.NotNil(t, d.Config.AuthKey)
	require.EqualValues(t, 42, *d.Config.AuthKey)
}

func TestParseSourcesBareFlagsDoNotConsumeFollowingToken(t *testing.T) {
	// "noselect" must not swallow "minpoll" as if it were its value.
	in := strings.NewReader("server ntp2.example.com noselect minpoll 8\n")
	out, err := ParseSources(in)
	require.NoError(t, err)
	require.Len(t, out, 1)

	d := out[0]
	require.Equal(t, ntpsource.SelectionNoselect, d.Config.Selection)
	require.EqualValues(t, 8, d.Config.MinPoll)
}

func TestParseSourcesSkipsBlankAndCommentLines(t *testing.T) {
	in := strings.NewReader("\n# a comment\n! another comment\nserver ntp3.example.com\n")
	out, err := ParseSources(in)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "ntp3.example.com", out[0].Address)
}

func TestParseSourcesRejectsUnknownDirective(t *testing.T) {
	_, err := ParseSources(strings.NewReader("listen ntp1.example.com\n"))
	require.Error(t, err)
}

func TestParseSourcesRejectsMissingValue(t *testing.T) {
	_, err := ParseSources(strings.NewReader("server ntp1.example.com minpoll\n"))
	require.Error(t, err)
}

func TestParseSourcesRejectsUnrecognisedOption(t *testing.T) {
	_, err := ParseSources(strings.NewReader("server ntp1.example.com bogusflag\n"))
	require.Error(t, err)
}

func TestParseSourcesRejectsTruncatedLine(t *testing.T) {
	_, err := ParseSources(strings.NewReader("server\n"))
	require.Error(t, err)
}

func TestParseSourcesPreferAndOfflineFlags(t *testing.T) {
	out, err := ParseSources(strings.NewReader("server ntp1.example.com prefer offline\n"))
	require.NoError(t, err)
	require.Equal(t, ntpsource.SelectionPrefer, out[0].Config.Selection)
	require.False(t, out[0].Config.Online)
}
