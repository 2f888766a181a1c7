// conflictchecker.go
package schedule

import (
	"context"
	"sync"
	"time"
)

// ConflictChecker is the background worker from spec §4.5: it wakes on
// every Mirror update (or a 100ms timeout, whichever comes first),
// diffs the participants that just changed against the mirror's
// pre-update view, and hands any newly detected collision to the
// Negotiation Manager.
type ConflictChecker struct {
	mirror    *Mirror
	db        *Database
	detect    DetectConflict
	negot     *NegotiationManager
	transport Transport

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewConflictChecker wires the components the checker polls between.
func NewConflictChecker(mirror *Mirror, db *Database, detect DetectConflict, negot *NegotiationManager, transport Transport) *ConflictChecker {
	return &ConflictChecker{
		mirror:    mirror,
		db:        db,
		detect:    detect,
		negot:     negot,
		transport: transport,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// ConflictNoticeMsg is published on negotiation/notice when a pair of
// participants is newly found to conflict.
type ConflictNoticeMsg struct {
	Conflict Conflict           `json:"conflict"`
	Version  NegotiationVersion `json:"version"`
}

// Run polls until Stop is called. Intended to run in its own goroutine,
// mirroring the teacher's ticking background-worker pattern but driven
// by a condition variable with a bounded wait instead of a plain ticker,
// so a fresh Mirror update is noticed immediately rather than after a
// full period.
func (c *ConflictChecker) Run() {
	defer close(c.doneCh)
	for {
		c.mu.Lock()
		stopped := c.stopped
		c.mu.Unlock()
		if stopped {
			return
		}
		waitOnCondWithTimeout(c.mirror.cond, 100*time.Millisecond, c.stopCh)
		c.mu.Lock()
		stopped = c.stopped
		c.mu.Unlock()
		if stopped {
			return
		}
		c.checkOnce()
	}
}

// Stop requests the poll loop exit and blocks until it has.
func (c *ConflictChecker) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	close(c.stopCh)
	<-c.doneCh
}

func (c *ConflictChecker) checkOnce() {
	// Changed participants are tested against the mirror as it was before
	// this round's patch, not against the updated mirror.
	before := c.mirror.Snapshot()
	changed := c.mirror.UpdateMirrors()
	if len(changed) == 0 {
		return
	}

	touched := make(map[ParticipantId]struct{})
	for _, rc := range changed {
		touched[rc.Participant] = struct{}{}
	}

	for p := range touched {
		itinerary, err := c.db.Itinerary(p)
		if err != nil {
			continue // unregistered since the change was recorded
		}
		profileP, err := c.db.Description(p)
		if err != nil {
			continue
		}
		trajP := mergeTrajectory(itinerary)

		for q, qRoutes := range before {
			if q == p {
				continue
			}
			profileQ, err := c.db.Description(q)
			if err != nil {
				continue
			}
			trajQ := mergeTrajectory(qRoutes)
			conflict, err := c.detect.Between(profileP.Profile, trajP, profileQ.Profile, trajQ)
			if err != nil {
				Logger().Warn("conflict_check_failed", "a", p, "b", q, "err", err)
				RecordAudit(context.Background(), AuditLevelWarn, "conflict_checker", "check_failed",
					(&CollisionCheckError{A: p, B: q, Err: err}).Error(), map[string]any{"a": p, "b": q})
				continue
			}
			if !conflict {
				continue
			}
			pair := Conflict{P: p, Q: q}.Normalize()
			version, opened := c.negot.Insert(pair)
			if opened {
				c.transport.Publish(TopicNegotiationNotice, ConflictNoticeMsg{Conflict: pair, Version: version})
				RecordAudit(context.Background(), AuditLevelInfo, "conflict_checker", "conflict_detected", "", map[string]any{
					"p": pair.P, "q": pair.Q, "negotiation": version,
				})
			}
		}
	}
}

func mergeTrajectory(routes map[RouteId]Route) Trajectory {
	var out Trajectory
	for _, r := range routes {
		out.Waypoints = append(out.Waypoints, r.Trajectory.Waypoints...)
	}
	return out
}

// waitOnCondWithTimeout blocks on cond.Wait but returns after timeout or
// when stopCh closes, whichever comes first; cond has no native timeout
// support so a helper goroutine bridges it to a channel.
func waitOnCondWithTimeout(cond *sync.Cond, timeout time.Duration, stopCh <-chan struct{}) {
	woke := make(chan struct{})
	go func() {
		cond.L.Lock()
		cond.Wait()
		cond.L.Unlock()
		close(woke)
	}()

	select {
	case <-woke:
	case <-time.After(timeout):
		cond.Broadcast() // release the helper goroutine above
	case <-stopCh:
		cond.Broadcast()
	}
}
