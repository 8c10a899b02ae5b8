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

package registry

import (
	"context"
	"errors"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ResolveIntervalBase is the base unit backoff is scaled against.
const ResolveIntervalBase = 7 * time.Second

// MinResolveInterval and MaxResolveInterval bound the retry interval
// index k in BackoffDelay's 7*2^min(k,9) formula.
const (
	MinResolveInterval = 2
	MaxResolveInterval = 9
)

// SourceType distinguishes how an unresolved name should ultimately be
// registered.
type SourceType int

const (
	SourceServer SourceType = iota
	SourcePeer
)

// UnresolvedSource is a queued name awaiting DNS resolution.
type UnresolvedSource struct {
	Name          string
	Port          uint16
	Type          SourceType
	Online        bool // inherited by the created instance on success, see DESIGN.md
	attempts      int
	nextRetry     time.Time
}

// Resolver drives a FIFO queue of unresolved names with a single
// in-flight lookup at a time, exactly as §4.E specifies. It is bounded
// by errgroup rather than left to spawn unbounded goroutines, so a
// config with many unresolved names can't exhaust file descriptors.
type Resolver struct {
	lookup func(ctx context.Context, name string) ([]net.IP, error)
	queue  []*UnresolvedSource
}

// NewResolver creates a Resolver using net.DefaultResolver.LookupIP for
// name resolution; tests inject a fake lookup function instead.
func NewResolver() *Resolver {
	return &Resolver{
		lookup: func(ctx context.Context, name string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", name)
		},
	}
}

// Enqueue adds a name to the unresolved queue.
func (r *Resolver) Enqueue(u *UnresolvedSource) {
	r.queue = append(r.queue, u)
}

// Pending returns the number of names still awaiting resolution.
func (r *Resolver) Pending() int { return len(r.queue) }

// BackoffDelay returns the retry delay for the k-th consecutive
// resolution failure, clamped to [MinResolveInterval, MaxResolveInterval].
func BackoffDelay(k int) time.Duration {
	if k < MinResolveInterval {
		k = MinResolveInterval
	}
	if k > MaxResolveInterval {
		k = MaxResolveInterval
	}
	shift := uint(k)
	return ResolveIntervalBase * time.Duration(uint64(1)<<shift)
}

// onResolved is invoked once per name that resolves successfully.
type onResolved func(u *UnresolvedSource, ip net.IP)

// Attempt runs one resolution pass over every name in the queue whose
// backoff has elapsed, one lookup at a time (errgroup limit of 1). NXDOMAIN-class errors drop the entry with a warning;
// anything else is treated as a transient failure and re-queued with
// backoff applied.
func (r *Resolver) Attempt(ctx context.Context, now time.Time, onOK onResolved) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(1)

	var remaining []*UnresolvedSource
	results := make(chan *UnresolvedSource, len(r.queue))

	for _, u := range r.queue {
		if now.Before(u.nextRetry) {
			remaining = append(remaining, u)
			continue
		}
		u := u
		g.Go(func() error {
			ips, err := r.lookup(gctx, u.Name)
			if err != nil {
				var dnsErr *net.DNSError
				if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
					log.WithField("name", u.Name).Warn("registry: name does not exist, dropping unresolved source")
					return nil
				}
				u.attempts++
				u.nextRetry = now.Add(BackoffDelay(u.attempts))
				results <- u
				return nil
			}
			onOK(u, ips[0])
			return nil
		})
	}
	err := g.Wait()
	close(results)
	for u := range results {
		remaining = append(remaining, u)
	}
	r.queue = remaining
	return err
}
