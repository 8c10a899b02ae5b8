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
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/netsyncd/ntpd/ntpsource"
)

// SourceKind distinguishes a "server" line (client mode) from a "peer"
// line (symmetric-active mode).
type SourceKind int

const (
	SourceServer SourceKind = iota
	SourcePeer
)

// SourceDirective is one parsed "server"/"peer" line: a hostname or
// address plus the option keywords §6 names (minpoll, maxpoll, presend,
// maxdelay, maxdelayratio, maxdelaydevratio, key, offline, auto_offline,
// iburst, minstratum, polltarget, noselect, prefer).
type SourceDirective struct {
	Kind    SourceKind
	Address string
	Config  ntpsource.Config
}

// ParseSources reads a chrony-style directive file: one "server" or
// "peer" line per source, whitespace-separated hostname then option
// keywords, blank lines and '#'/'!' comments ignored.
func ParseSources(r io.Reader) ([]SourceDirective, error) {
	var out []SourceDirective
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, errors.Errorf("config: line %d: expected '<server|peer> <address> [options...]'", lineNo)
		}

		var kind SourceKind
		switch fields[0] {
		case "server":
			kind = SourceServer
		case "peer":
			kind = SourcePeer
		default:
			return nil, errors.Errorf("config: line %d: unknown directive %q", lineNo, fields[0])
		}

		cfg := ntpsource.DefaultConfig()
		if err := applyOptions(&cfg, fields[2:]); err != nil {
			return nil, errors.Wrapf(err, "config: line %d", lineNo)
		}
		out = append(out, SourceDirective{Kind: kind, Address: fields[1], Config: cfg})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// valuedOptions are the keywords chrony's directive syntax writes as
// "keyword value" (space-separated, not "keyword=value"): each consumes
// the token immediately following it.
var valuedOptions = map[string]bool{
	"minpoll": true, "maxpoll": true, "presend": true, "maxdelay": true,
	"maxdelayratio": true, "maxdelaydevratio": true, "key": true,
	"minstratum": true, "polltarget": true,
}

// applyOptions walks a directive line's option fields left to right: a
// bare flag keyword (iburst, offline, auto_offline, noselect, prefer)
// consumes one token, a valued keyword consumes two (itself plus the
// value that follows), matching real chrony directive syntax such as
// "server ntp1.example.com minpoll 6 maxpoll 10 iburst".
func applyOptions(cfg *ntpsource.Config, fields []string) error {
	for i := 0; i < len(fields); i++ {
		key := fields[i]
		if !valuedOptions[key] {
			if err := applyFlag(cfg, key); err != nil {
				return err
			}
			continue
		}
		if i+1 >= len(fields) {
			return fmt.Errorf("option %q requires a value", key)
		}
		i++
		if err := applyValue(cfg, key, fields[i]); err != nil {
			return err
		}
	}
	return nil
}

func applyFlag(cfg *ntpsource.Config, tok string) error {
	switch tok {
	case "iburst":
		cfg.IBurst = true
	case "offline":
		cfg.Online = false
	case "auto_offline":
		cfg.AutoOffline = true
	case "noselect":
		cfg.Selection = ntpsource.SelectionNoselect
	case "prefer":
		cfg.Selection = ntpsource.SelectionPrefer
	default:
		return fmt.Errorf("unrecognised option %q", tok)
	}
	return nil
}

func applyValue(cfg *ntpsource.Config, key, val string) error {
	switch key {
	case "minpoll":
		n, err := strconv.ParseInt(val, 10, 8)
		if err != nil {
			return err
		}
		cfg.MinPoll = int8(n)
	case "maxpoll":
		n, err := strconv.ParseInt(val, 10, 8)
		if err != nil {
			return err
		}
		cfg.MaxPoll = int8(n)
	case "presend":
		n, err := strconv.ParseInt(val, 10, 8)
		if err != nil {
			return err
		}
		cfg.PresendMinPoll = int8(n)
	case "maxdelay":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return err
		}
		cfg.MaxDelay = time.Duration(f * float64(time.Second))
	case "maxdelayratio":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return err
		}
		cfg.MaxDelayRatio = f
	case "maxdelaydevratio":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return err
		}
		cfg.MaxDelayDevRatio = f
	case "key":
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return err
		}
		k := uint32(n)
		cfg.AuthKey = &k
	case "minstratum":
		n, err := strconv.ParseUint(val, 10, 8)
		if err != nil {
			return err
		}
		cfg.MinStratum = uint8(n)
	case "polltarget":
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		cfg.PollTarget = n
	default:
		return fmt.Errorf("unrecognised option %q", key)
	}
	return nil
}
