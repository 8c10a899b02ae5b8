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

package daemon

import (
	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
)

// SdNotify tells systemd the daemon has finished its startup sequence
// and is ready to serve. A no-op, logged at Warning, when NOTIFY_SOCKET
// isn't set (i.e. the process wasn't started under systemd).
func SdNotify() error {
	supported, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	switch {
	case !supported && err != nil:
		return err
	case !supported:
		log.Warning("daemon: sd_notify not supported")
	default:
		log.Info("daemon: sent sd_notify ready event")
	}
	return nil
}

// SdNotifyStopping tells systemd the daemon is shutting down cleanly.
func SdNotifyStopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}
