package login

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ScanState tracks a QR login session from render to resolution.
type ScanState string

const (
	ScanWaiting   ScanState = "waiting"
	ScanScanned   ScanState = "scanned"
	ScanConfirmed ScanState = "confirmed"
	ScanExpired   ScanState = "expired"
)

// QRSession is the externally visible state of one in-flight QR login.
// The PNG stays available to pollers until the session resolves.
type QRSession struct {
	ID        string    `json:"session_id"`
	UserID    uint      `json:"user_id"`
	Platform  string    `json:"platform"`
	State     ScanState `json:"state"`
	QRBase64  string    `json:"qr_base64,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s ScanState) Resolved() bool {
	return s == ScanConfirmed || s == ScanExpired
}

type sessionEntry struct {
	session QRSession
	done    chan struct{}
}

// Registry holds in-flight QR login sessions with explicit lifecycle:
// created when a QR is rendered, resolved on confirm or expiry, and
// evicted shortly after resolution so pollers can still read the final
// state once.
type Registry struct {
	mutex   sync.RWMutex
	entries map[string]*sessionEntry
	linger  time.Duration
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*sessionEntry),
		linger:  time.Minute,
	}
}

// Create registers a new session and returns its opaque ID.
func (r *Registry) Create(userID uint, platform, qrBase64 string, ttl time.Duration) *QRSession {
	now := time.Now()
	session := QRSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Platform:  platform,
		State:     ScanWaiting,
		QRBase64:  qrBase64,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	r.mutex.Lock()
	r.entries[session.ID] = &sessionEntry{session: session, done: make(chan struct{})}
	r.mutex.Unlock()
	return &session
}

// Get returns a snapshot of the session, expiring it lazily when its
// deadline has passed without resolution.
func (r *Registry) Get(id string) (QRSession, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return QRSession{}, false
	}
	r.expireLocked(entry)
	return entry.session, true
}

// Update moves a session through the scan states. Resolved sessions are
// frozen; late updates from a slow poller are dropped.
func (r *Registry) Update(id string, state ScanState, detail string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	entry, ok := r.entries[id]
	if !ok || entry.session.State.Resolved() {
		return
	}
	entry.session.State = state
	entry.session.Detail = detail
	if state.Resolved() {
		entry.session.QRBase64 = ""
		close(entry.done)
		r.scheduleEvict(id)
	}
}

// Wait blocks until the session resolves or the timeout elapses, and
// returns the state either way. A timeout is an answer, not an error.
func (r *Registry) Wait(id string, timeout time.Duration) (QRSession, bool) {
	r.mutex.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mutex.Unlock()
		return QRSession{}, false
	}
	r.expireLocked(entry)
	if entry.session.State.Resolved() {
		session := entry.session
		r.mutex.Unlock()
		return session, true
	}
	done := entry.done
	deadline := entry.session.ExpiresAt
	r.mutex.Unlock()

	// Never wait past the session's own expiry
	if remaining := time.Until(deadline); remaining < timeout {
		timeout = remaining
	}
	if timeout > 0 {
		select {
		case <-done:
		case <-time.After(timeout):
		}
	}
	return r.Get(id)
}

func (r *Registry) expireLocked(entry *sessionEntry) {
	if !entry.session.State.Resolved() && time.Now().After(entry.session.ExpiresAt) {
		entry.session.State = ScanExpired
		entry.session.Detail = "QR code expired, please retry"
		entry.session.QRBase64 = ""
		close(entry.done)
		r.scheduleEvict(entry.session.ID)
	}
}

func (r *Registry) scheduleEvict(id string) {
	time.AfterFunc(r.linger, func() {
		r.mutex.Lock()
		delete(r.entries, id)
		r.mutex.Unlock()
	})
}
