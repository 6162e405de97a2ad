package history

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/agentbridge/core/internal/buffer"
)

// Provenance records which source produced the currently displayed
// transcript.
type Provenance string

const (
	ProvenanceNone   Provenance = "none"
	ProvenanceLocal  Provenance = "local"
	ProvenanceServer Provenance = "server"
)

// DefaultGraceWindow is how long the reconciler waits for server history
// before painting the local cache speculatively.
const DefaultGraceWindow = 200 * time.Millisecond

// ApplyFunc receives a transcript to paint along with its provenance.
type ApplyFunc func(data string, prov Provenance)

// Reconciler merges server-replayed history with the locally persisted
// cache exactly once per connection. The local cache is applied only when
// no server history arrives within the grace window, and server history
// always wins: once applied, local-sourced writes are rejected for the
// life of the connection.
type Reconciler struct {
	store     *Store
	sessionID string
	apply     ApplyFunc
	grace     time.Duration

	mu         sync.Mutex
	provenance Provenance
	tail       *buffer.TailBuffer
	timer      *time.Timer
	stopped    bool
}

// NewReconciler creates a Reconciler for one connection of a session.
func NewReconciler(store *Store, sessionID string, grace time.Duration, apply ApplyFunc) *Reconciler {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Reconciler{
		store:      store,
		sessionID:  sessionID,
		apply:      apply,
		grace:      grace,
		provenance: ProvenanceNone,
		tail:       buffer.NewTailBuffer(store.Cap()),
	}
}

// Start arms the grace window. If server history has not arrived when it
// fires, any cached transcript is painted speculatively with local
// provenance.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.timer != nil {
		return
	}
	r.timer = time.AfterFunc(r.grace, r.applyLocal)
}

// applyLocal paints the cached transcript if the connection is still waiting
// for history.
func (r *Reconciler) applyLocal() {
	data, err := r.store.Load(context.Background(), r.sessionID)
	if err != nil {
		return
	}

	r.mu.Lock()
	if r.stopped || r.provenance != ProvenanceNone {
		r.mu.Unlock()
		return
	}
	r.provenance = ProvenanceLocal
	r.tail.Replace([]byte(data))
	apply := r.apply
	r.mu.Unlock()

	if apply != nil {
		apply(data, ProvenanceLocal)
	}
}

// ApplyServer installs authoritative server history, replacing any
// speculative local transcript and locking out local-sourced writes for
// this connection.
func (r *Reconciler) ApplyServer(data string) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.provenance = ProvenanceServer
	r.tail.Replace([]byte(data))
	apply := r.apply
	r.mu.Unlock()

	r.persist()
	if apply != nil {
		apply(data, ProvenanceServer)
	}
}

// ApplyLocal requests a local-cache paint. It is rejected once server
// history has been applied for this connection.
func (r *Reconciler) ApplyLocal(data string) bool {
	r.mu.Lock()
	if r.stopped || r.provenance == ProvenanceServer {
		r.mu.Unlock()
		return false
	}
	r.provenance = ProvenanceLocal
	r.tail.Replace([]byte(data))
	apply := r.apply
	r.mu.Unlock()

	if apply != nil {
		apply(data, ProvenanceLocal)
	}
	return true
}

// AppendOutput records an accepted output chunk, regardless of source, and
// persists the trimmed cache best-effort.
func (r *Reconciler) AppendOutput(chunk string) {
	if chunk == "" {
		return
	}
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.tail.AppendString(chunk)
	r.mu.Unlock()

	r.persist()
}

// SessionNotFound discards assumed continuity: the cached entry for this
// session no longer corresponds to anything the server knows about.
func (r *Reconciler) SessionNotFound() {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.tail.Reset()
	r.mu.Unlock()

	if err := r.store.Delete(context.Background(), r.sessionID); err != nil {
		log.Printf("history: failed to drop stale cache for %s: %v", r.sessionID, err)
	}
}

// Provenance reports which source produced the current transcript.
func (r *Reconciler) Provenance() Provenance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.provenance
}

// Transcript returns the current reconciled transcript.
func (r *Reconciler) Transcript() string {
	return r.tail.String()
}

// Stop cancels the grace timer and detaches the reconciler from its
// connection. The persisted cache survives for the next connection.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
}

// persist writes the current tail to the store. Failures are swallowed:
// cache persistence is best-effort and only degrades replay after a
// reconnect.
func (r *Reconciler) persist() {
	if err := r.store.Save(context.Background(), r.sessionID, r.tail.String()); err != nil {
		log.Printf("history: cache write failed for %s: %v", r.sessionID, err)
	}
}
