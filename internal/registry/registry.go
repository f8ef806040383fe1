// SPDX-FileCopyrightText: (c) 2017 Yawning Angel
// SPDX-License-Identifier: AGPL-3.0-only

// Package registry implements the Session Registry: the endpoint's
// in-memory index of who currently has an active exit session, which
// service-node sessions are open, and which path currently carries each
// client's traffic. Structurally it is the same "several maps guarded by
// one mutex, kept mutually consistent by construction" shape as the
// teacher's server/internal/provider user/spool bookkeeping, generalized
// to track sessions instead of mail.
package registry

import (
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/exitnode/internal/glue"
	"github.com/katzenpost/exitnode/internal/metrics"
	"github.com/katzenpost/exitnode/internal/session"
)

// Registry is the Session Registry component.
type Registry struct {
	mu      sync.Mutex
	log     *logging.Logger
	metrics *metrics.Metrics

	// activeExits indexes every live ExitSession by the path it is bound
	// to. A client may hold more than one concurrently (e.g. across a
	// path rebuild), so each pubkey maps to a set of paths.
	activeExits map[glue.PubKey]map[glue.PathID]*session.ExitSession

	// pathToKey lets a newly-arrived packet on a path resolve the owning
	// identity without scanning activeExits.
	pathToKey map[glue.PathID]glue.PubKey

	// chosenExits records which of a client's (possibly several)
	// concurrent paths is currently preferred for Internet-bound
	// traffic. It stores a PathID rather than a *session.ExitSession so
	// that a path rebuild or eviction never leaves a dangling pointer
	// here; the session itself is always re-fetched from activeExits.
	chosenExits map[glue.PubKey]glue.PathID

	// snodeSessions holds the one outbound session this endpoint keeps
	// open to each service-node peer.
	snodeSessions map[glue.PubKey]*session.SNodeSession
}

// New constructs an empty Registry.
func New(m *metrics.Metrics, log *logging.Logger) *Registry {
	return &Registry{
		log:           log,
		metrics:       m,
		activeExits:   make(map[glue.PubKey]map[glue.PathID]*session.ExitSession),
		pathToKey:     make(map[glue.PathID]glue.PubKey),
		chosenExits:   make(map[glue.PubKey]glue.PathID),
		snodeSessions: make(map[glue.PubKey]*session.SNodeSession),
	}
}

// InsertExit registers a new ExitSession, making it the chosen exit for
// its owning identity. ActiveExitSessions is incremented only when the
// (pubkey, path) pair is genuinely new, so re-registering the same path
// does not inflate the gauge.
func (r *Registry) InsertExit(s *session.ExitSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pk := s.Pubkey()
	pathID := s.PathID()

	byPath, ok := r.activeExits[pk]
	if !ok {
		byPath = make(map[glue.PathID]*session.ExitSession)
		r.activeExits[pk] = byPath
	}
	if _, exists := byPath[pathID]; !exists {
		r.metrics.ActiveExitSessions.Inc()
	}
	byPath[pathID] = s
	r.pathToKey[pathID] = pk
	r.chosenExits[pk] = pathID
}

// InsertSNodeSession registers s as the outbound session for its peer,
// replacing and stopping any prior session for the same peer.
// SNodeSessions is incremented only when the peer had no prior session.
func (r *Registry) InsertSNodeSession(s *session.SNodeSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pk := s.Pubkey()
	if old, ok := r.snodeSessions[pk]; ok {
		if old != s {
			old.Stop()
		}
	} else {
		r.metrics.SNodeSessions.Inc()
	}
	r.snodeSessions[pk] = s
}

// FindEndpointByPath resolves a path to its ExitSession, if one is still
// registered for it.
func (r *Registry) FindEndpointByPath(pathID glue.PathID) (*session.ExitSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pk, ok := r.pathToKey[pathID]
	if !ok {
		return nil, false
	}
	s, ok := r.activeExits[pk][pathID]
	return s, ok
}

// UpdateEndpointPath records that newPath now also carries pk's traffic,
// for use when a path is rebuilt under a session that survives the
// rebuild. It inserts (newPath, pk) only if newPath is not already
// known; it never overwrites an existing entry, and the caller is
// responsible for removing the old path id first. It does not by
// itself move the session between activeExits buckets or affect
// chosenExits, which is rebuilt wholesale on the next Tick.
func (r *Registry) UpdateEndpointPath(pk glue.PubKey, newPath glue.PathID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pathToKey[newPath]; ok {
		return false
	}
	r.pathToKey[newPath] = pk
	return true
}

// SNodeSession returns the outbound session for a service-node peer, if
// one is open.
func (r *Registry) SNodeSession(pk glue.PubKey) (*session.SNodeSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.snodeSessions[pk]
	return s, ok
}

// ChosenExit returns the session currently preferred for pk's
// Internet-bound traffic.
func (r *Registry) ChosenExit(pk glue.PubKey) (*session.ExitSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pathID, ok := r.chosenExits[pk]
	if !ok {
		return nil, false
	}
	s, ok := r.activeExits[pk][pathID]
	return s, ok
}

// RemoveExitsFor tears down and removes every ExitSession belonging to
// pk. It is wired as the Identity Map's KickHook, so it must not call
// back into the identity map.
func (r *Registry) RemoveExitsFor(pk glue.PubKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byPath, ok := r.activeExits[pk]
	if !ok {
		return
	}
	for pathID, s := range byPath {
		s.Stop()
		delete(r.pathToKey, pathID)
		r.metrics.ActiveExitSessions.Dec()
	}
	delete(r.activeExits, pk)
	delete(r.chosenExits, pk)
}

// removeExitLocked removes a single session without touching its
// siblings, used when a session expires individually rather than being
// kicked as part of its owner's full teardown.
func (r *Registry) removeExitLocked(pk glue.PubKey, pathID glue.PathID) {
	if byPath, ok := r.activeExits[pk]; ok {
		if _, existed := byPath[pathID]; existed {
			delete(byPath, pathID)
			r.metrics.ActiveExitSessions.Dec()
		}
		if len(byPath) == 0 {
			delete(r.activeExits, pk)
		}
	}
	delete(r.pathToKey, pathID)
	if r.chosenExits[pk] == pathID {
		delete(r.chosenExits, pk)
	}
}

// Flush drains every registered session's outbound queue, logging but
// not acting on per-session flush failures; a session that cannot flush
// will surface as dead on the next Tick.
func (r *Registry) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for pk, byPath := range r.activeExits {
		for _, s := range byPath {
			if !s.Flush() {
				r.log.Debugf("Flush failed for exit session %x", pk)
			}
		}
	}
	for pk, s := range r.snodeSessions {
		if !s.Flush() {
			r.log.Debugf("Flush failed for service-node session %x", pk)
		}
	}
}

// Tick runs after Flush. In order, it: removes expired snode sessions;
// removes expired active-exit sessions; rebuilds chosenExits from
// scratch, picking, for each key, the most-recently-created active exit
// that is not currently looksDead; then calls Tick on every session that
// remains, so per-tick counters are reset.
func (r *Registry) Tick(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for pk, s := range r.snodeSessions {
		if s.IsExpired(now) {
			s.Stop()
			delete(r.snodeSessions, pk)
			r.metrics.SNodeSessions.Dec()
		}
	}

	for pk, byPath := range r.activeExits {
		for pathID, s := range byPath {
			if s.IsExpired(now) {
				s.Stop()
				r.removeExitLocked(pk, pathID)
			}
		}
	}

	r.chosenExits = make(map[glue.PubKey]glue.PathID)
	for pk, byPath := range r.activeExits {
		var best *session.ExitSession
		var bestPath glue.PathID
		for pathID, s := range byPath {
			if s.LooksDead(now) {
				continue
			}
			if best == nil || s.CreatedAt().After(best.CreatedAt()) {
				best = s
				bestPath = pathID
			}
		}
		if best != nil {
			r.chosenExits[pk] = bestPath
		}
	}

	for _, byPath := range r.activeExits {
		for _, s := range byPath {
			s.Tick(now)
		}
	}
	for _, s := range r.snodeSessions {
		s.Tick(now)
	}
}
