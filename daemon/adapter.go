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
	"time"

	"github.com/netsyncd/ntpd/scheduler"
)

// clockSchedAdapter narrows *scheduler.Scheduler to clockdisc.TimerScheduler's
// plain-uint64 timer handle, the shape the local-clock driver package
// depends on instead of scheduler.TimerID, so clockdisc does not import
// the scheduler package.
type clockSchedAdapter struct {
	sched *scheduler.Scheduler
}

func (a clockSchedAdapter) ScheduleAfter(delay time.Duration, handler func(now time.Time)) uint64 {
	return uint64(a.sched.ScheduleAfter(delay, handler))
}

func (a clockSchedAdapter) CancelTimeout(id uint64) error {
	return a.sched.CancelTimeout(scheduler.TimerID(id))
}
