package engine

import (
	"github.com/stevenmcginty/tillsync/internal/remote"
	"github.com/stevenmcginty/tillsync/internal/wire"
)

// Status is the connection state presented to the UI.
type Status int

const (
	// StatusOffline means the device-level network-down signal is
	// active.
	StatusOffline Status = iota
	// StatusConnecting means the device is network-up but the live
	// subscription has not yet confirmed a live server response since
	// the last disconnect.
	StatusConnecting
	// StatusOnline means at least one live (non-cached) subscription
	// response has been confirmed. Queued writes are only attempted
	// once this state has been reached.
	StatusOnline
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusConnecting:
		return "connecting"
	case StatusOnline:
		return "online"
	default:
		return "unknown"
	}
}

// Status returns the current connection status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// SetDeviceOnline feeds the device-level network signal into the state
// machine.
//
// Going offline clears the remote-ready flag: even an instant reconnect
// must re-confirm a live response before queued writes are attempted,
// because writing while only probably connected risks silent queuing
// failures. Coming back online requests a sync attempt.
func (e *Engine) SetDeviceOnline(online bool) {
	e.mu.Lock()
	if e.deviceOnline == online {
		e.mu.Unlock()
		return
	}
	e.deviceOnline = online

	var next Status
	if !online {
		e.remoteReady = false
		next = StatusOffline
	} else if e.remoteReady {
		next = StatusOnline
	} else {
		next = StatusConnecting
	}
	changed := next != e.status
	e.status = next
	e.mu.Unlock()

	if changed {
		e.logger.Printf("Connection status: %s", next)
		e.notifyStatus(next)
	}
	if online {
		e.scheduleSync()
	}
}

// handleSnapshot processes one live subscription delivery: it refreshes
// the remote cache (or arbitrates the settings document), then advances
// the connection state machine on the delivery's cache-vs-live flag.
func (e *Engine) handleSnapshot(snap remote.Snapshot) {
	docs := make([]remote.Document, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		normalized, _ := wire.NormalizeDates(doc).(remote.Document)
		if normalized == nil {
			continue
		}
		docs = append(docs, normalized)
	}

	e.mu.Lock()
	changed := false
	if snap.Collection == e.cfg.SettingsCollection {
		changed = e.mergeSettingsLocked(docs)
	} else {
		e.cache[snap.Collection] = docs
		changed = true
	}

	statusChanged := false
	syncNow := false
	if !snap.FromCache {
		if !e.remoteReady {
			e.remoteReady = true
			// A confirmed live response is the trigger that unblocks
			// queued writes after a cold start or reconnect.
			syncNow = true
		}
		if e.deviceOnline && e.status != StatusOnline {
			e.status = StatusOnline
			statusChanged = true
		}
	} else if e.deviceOnline && e.status != StatusConnecting {
		e.status = StatusConnecting
		statusChanged = true
	}
	status := e.status
	e.mu.Unlock()

	if changed {
		e.notify()
	}
	if statusChanged {
		e.logger.Printf("Connection status: %s", status)
		e.notifyStatus(status)
	}
	if syncNow {
		e.requestSync()
	}
}

// mergeSettingsLocked applies the remote settings document if and only
// if its lastUpdated stamp is strictly newer than what we hold. An echo
// of our own write carries the same stamp and is therefore ignored, and
// a stale remote value can never clobber a newer local change.
func (e *Engine) mergeSettingsLocked(docs []remote.Document) bool {
	var incoming remote.Document
	for _, doc := range docs {
		if remote.DocID(doc) == "settings" {
			incoming = doc
			break
		}
	}
	if incoming == nil && len(docs) > 0 {
		incoming = docs[0]
	}
	if incoming == nil {
		return false
	}

	stamp := stampOf(incoming)
	if stamp <= e.settingsStamp {
		return false
	}

	e.settings = incoming
	e.settingsStamp = stamp
	e.persistLocked(keySettings, e.settings)
	return true
}
