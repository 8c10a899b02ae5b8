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

// Command ntpc is the control-channel client: it drives the same verb
// set the daemon's unix-socket protocol exposes (sources, tracking,
// activity, online/offline, add/delete, burst, the per-source tuning
// keywords, and password/cyclelogs).
package main

import (
	"fmt"
	"net/netip"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/netsyncd/ntpd/protocol/control"
)

var socketPath string

var rootCmd = &cobra.Command{
	Use:   "ntpc",
	Short: "control client for the clock-discipline daemon",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", control.DefaultSocketPath, "path to the daemon's control socket")
	rootCmd.AddCommand(sourcesCmd, trackingCmd, activityCmd, onlineCmd, offlineCmd,
		addServerCmd, addPeerCmd, deleteCmd, burstCmd, tuneCmd, passwordCmd, cycleLogsCmd)
}

func dial() (*control.Client, error) {
	return control.Dial(socketPath)
}

// colorEnabled reports whether stdout is a terminal; diagnostic colour
// is suppressed when ntpc's output is piped or redirected.
func colorEnabled() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "list configured sources and their current state",
	RunE: func(_ *cobra.Command, _ []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		rows, err := c.Sources()
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"address", "state", "stratum", "poll", "reachable", "prefer", "noselect", "last offset(ns)"})
		for _, r := range rows {
			table.Append([]string{
				r.Addr.String(),
				fmt.Sprintf("%d", r.State),
				fmt.Sprintf("%d", r.Stratum),
				fmt.Sprintf("%d", r.Poll),
				fmt.Sprintf("%d", r.Reachable),
				fmt.Sprintf("%d", r.Prefer),
				fmt.Sprintf("%d", r.Noselect),
				fmt.Sprintf("%d", r.LastOffset),
			})
		}
		table.Render()
		return nil
	},
}

var trackingCmd = &cobra.Command{
	Use:   "tracking",
	Short: "show the current synchronisation state",
	RunE: func(_ *cobra.Command, _ []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		t, err := c.Tracking()
		if err != nil {
			return err
		}
		syncedStr := "no"
		if t.Synchronised != 0 {
			syncedStr = "yes"
			if colorEnabled() {
				syncedStr = color.GreenString("yes")
			}
		} else if colorEnabled() {
			syncedStr = color.RedString("no")
		}
		fmt.Printf("Reference address : %s\n", t.RefAddr.String())
		fmt.Printf("Stratum           : %d\n", t.Stratum)
		fmt.Printf("Synchronised      : %s\n", syncedStr)
		fmt.Printf("Correction (ns)   : %d\n", t.CorrectionNs)
		fmt.Printf("Frequency (ppm)   : %f\n", t.FrequencyPPM)
		return nil
	},
}

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "show a coarse census of source states",
	RunE: func(_ *cobra.Command, _ []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		a, err := c.Activity()
		if err != nil {
			return err
		}
		fmt.Printf("%d sources online, %d offline, %d burst-online, %d burst-offline\n",
			a.Online, a.Offline, a.BurstOnline, a.BurstOffline)
		return nil
	},
}

func parseAddrArg(s string) (netip.Addr, error) {
	return netip.ParseAddr(s)
}

func exitWithStatus(st control.Status, err error) error {
	if err != nil {
		log.Error(err)
	}
	os.Exit(st.ExitCode())
	return nil
}

var (
	addMinPoll, addMaxPoll     int8
	addIBurst, addPrefer       bool
	addNoselect                bool
)

func registerAddFlags(cmd *cobra.Command) {
	cmd.Flags().Int8Var(&addMinPoll, "minpoll", 0, "minimum poll exponent (0 = daemon default)")
	cmd.Flags().Int8Var(&addMaxPoll, "maxpoll", 0, "maximum poll exponent (0 = daemon default)")
	cmd.Flags().BoolVar(&addIBurst, "iburst", false, "send a burst of requests on the first poll")
	cmd.Flags().BoolVar(&addPrefer, "prefer", false, "prefer this source when otherwise tied")
	cmd.Flags().BoolVar(&addNoselect, "noselect", false, "never select this source as the reference")
}

var addServerCmd = &cobra.Command{
	Use:   "add-server <address> <port>",
	Short: "add a client-mode source",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		return runAdd(args, false)
	},
}

var addPeerCmd = &cobra.Command{
	Use:   "add-peer <address> <port>",
	Short: "add a symmetric-peer source",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		return runAdd(args, true)
	},
}

func init() {
	registerAddFlags(addServerCmd)
	registerAddFlags(addPeerCmd)
}

func runAdd(args []string, peer bool) error {
	addr, err := parseAddrArg(args[0])
	if err != nil {
		return err
	}
	var port uint64
	if _, err := fmt.Sscanf(args[1], "%d", &port); err != nil {
		return err
	}
	c, err := dial()
	if err != nil {
		return err
	}
	ap := netip.AddrPortFrom(addr, uint16(port))
	var st control.Status
	if peer {
		st, err = c.AddPeer(ap, addMinPoll, addMaxPoll, addIBurst, addPrefer, addNoselect)
	} else {
		st, err = c.AddServer(ap, addMinPoll, addMaxPoll, addIBurst, addPrefer, addNoselect)
	}
	return exitWithStatus(st, err)
}

var deleteCmd = &cobra.Command{
	Use:   "delete <address> <port>",
	Short: "remove a configured source",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		addr, err := parseAddrArg(args[0])
		if err != nil {
			return err
		}
		var port uint64
		if _, err := fmt.Sscanf(args[1], "%d", &port); err != nil {
			return err
		}
		c, err := dial()
		if err != nil {
			return err
		}
		st, err := c.Delete(netip.AddrPortFrom(addr, uint16(port)))
		return exitWithStatus(st, err)
	},
}

var onlineMask uint8

func registerMaskFlag(cmd *cobra.Command) {
	cmd.Flags().Uint8Var(&onlineMask, "mask", 0, "prefix length to match several sources at once (0 = single address)")
}

var onlineCmd = &cobra.Command{
	Use:   "online [address]",
	Short: "bring a source (or all offline sources) back online",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return runOnlineOffline(args, true)
	},
}

var offlineCmd = &cobra.Command{
	Use:   "offline [address]",
	Short: "take a source (or all sources) offline",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return runOnlineOffline(args, false)
	},
}

func init() {
	registerMaskFlag(onlineCmd)
	registerMaskFlag(offlineCmd)
}

func runOnlineOffline(args []string, online bool) error {
	var addr netip.Addr
	if len(args) == 1 {
		a, err := parseAddrArg(args[0])
		if err != nil {
			return err
		}
		addr = a
	}
	c, err := dial()
	if err != nil {
		return err
	}
	var st control.Status
	if online {
		st, err = c.Online(addr, onlineMask)
	} else {
		st, err = c.Offline(addr, onlineMask)
	}
	return exitWithStatus(st, err)
}

var burstCmd = &cobra.Command{
	Use:   "burst <address> <good> <total>",
	Short: "request a burst of good measurements from a source",
	Args:  cobra.ExactArgs(3),
	RunE: func(_ *cobra.Command, args []string) error {
		addr, err := parseAddrArg(args[0])
		if err != nil {
			return err
		}
		var good, total uint64
		if _, err := fmt.Sscanf(args[1], "%d", &good); err != nil {
			return err
		}
		if _, err := fmt.Sscanf(args[2], "%d", &total); err != nil {
			return err
		}
		c, err := dial()
		if err != nil {
			return err
		}
		st, err := c.Burst(addr, uint32(good), uint32(total))
		return exitWithStatus(st, err)
	},
}

var tuneCmd = &cobra.Command{
	Use:   "tune <verb> <address> <value>",
	Short: "adjust a per-source tuning keyword (minpoll, maxpoll, maxdelay, maxdelayratio, maxdelaydevratio, minstratum, polltarget)",
	Args:  cobra.ExactArgs(3),
	RunE: func(_ *cobra.Command, args []string) error {
		addr, err := parseAddrArg(args[1])
		if err != nil {
			return err
		}
		var value int64
		if _, err := fmt.Sscanf(args[2], "%d", &value); err != nil {
			return err
		}
		c, err := dial()
		if err != nil {
			return err
		}
		st, err := c.Tune(args[0], addr, value)
		return exitWithStatus(st, err)
	},
}

var passwordCmd = &cobra.Command{
	Use:   "password <secret>",
	Short: "authenticate the session for subsequent privileged verbs",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		st, err := c.Password(args[0])
		return exitWithStatus(st, err)
	},
}

var cycleLogsCmd = &cobra.Command{
	Use:   "cyclelogs",
	Short: "ask the daemon to close and reopen its log files",
	RunE: func(_ *cobra.Command, _ []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		st, err := c.CycleLogs()
		return exitWithStatus(st, err)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
