/*
DESCRIPTION
  state.go provides the booth stage and session types and the guarded state
  container through which every stage transition is made.

AUTHORS
  The Australian Ocean Laboratory (AusOcean)

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package booth

import (
	"fmt"
	"sync"
	"time"

	"github.com/ausocean/booth/metrics"
)

// Stage is a stage of the booth interaction.
type Stage int

// Booth stages in the order they are normally visited.
const (
	StageInit Stage = iota
	StageStartup
	StageAwaitingIdentity
	StageAwaitingConfirmation
	StageRecording
	StageProcessing
)

var stageNames = [...]string{
	StageInit:                 "init",
	StageStartup:              "startup",
	StageAwaitingIdentity:     "awaiting-identity",
	StageAwaitingConfirmation: "awaiting-confirmation",
	StageRecording:            "recording",
	StageProcessing:           "processing",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// holdsSession reports whether a session may exist in stage s.
func holdsSession(s Stage) bool {
	return s == StageAwaitingConfirmation || s == StageRecording || s == StageProcessing
}

// Identity is the record read from an identity tag.
type Identity struct {
	ID          string
	Name        string
	Role        string
	Affiliation string
	Faction     string
}

// Session is the interaction following a successful identity scan.
type Session struct {
	Identity  Identity
	CreatedAt time.Time
	Deadline  time.Time // Deadline is when confirmation is no longer accepted.
}

// snapshot is a consistent copy of the state.
type snapshot struct {
	stage     Stage
	session   *Session
	enteredAt time.Time
	epoch     uint64 // epoch increments on every transition.
}

// state holds the stage and session shared by the poll loop and the button
// interrupt. All reads and writes go through its methods.
type state struct {
	mu        sync.Mutex
	stage     Stage
	session   *Session
	enteredAt time.Time
	epoch     uint64
}

func (s *state) get() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := snapshot{stage: s.stage, enteredAt: s.enteredAt, epoch: s.epoch}
	if s.session != nil {
		sess := *s.session
		snap.session = &sess
	}
	return snap
}

// set moves to stage to. The session is dropped unless to may hold one.
func (s *state) set(to Stage, now time.Time) Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.stage
	s.transition(to, now)
	return from
}

// begin starts a session for id, moving from AwaitingIdentity to
// AwaitingConfirmation. It returns false if the stage was not
// AwaitingIdentity.
func (s *state) begin(id Identity, now time.Time, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage != StageAwaitingIdentity {
		return false
	}
	s.session = &Session{Identity: id, CreatedAt: now, Deadline: now.Add(window)}
	s.transition(StageAwaitingConfirmation, now)
	return true
}

// confirm moves from AwaitingConfirmation to Recording if the deadline has not
// passed. It returns false, changing nothing, otherwise.
func (s *state) confirm(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage != StageAwaitingConfirmation || s.session == nil || !now.Before(s.session.Deadline) {
		return false
	}
	s.transition(StageRecording, now)
	return true
}

// expire discards the session and returns to AwaitingIdentity if the stage is
// AwaitingConfirmation and the deadline has passed.
func (s *state) expire(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage != StageAwaitingConfirmation || (s.session != nil && now.Before(s.session.Deadline)) {
		return false
	}
	s.transition(StageAwaitingIdentity, now)
	return true
}

// transition must be called with mu held.
func (s *state) transition(to Stage, now time.Time) {
	s.stage = to
	s.enteredAt = now
	s.epoch++
	if !holdsSession(to) {
		s.session = nil
	}
	metrics.StageTransitionsTotal.WithLabelValues(to.String()).Inc()
}
