package app

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xvoice/xvoice/internal/format"
)

// SessionInfo is the /status snapshot of a dictation session.
type SessionInfo struct {
	ID        string      `json:"id"`
	Mode      format.Mode `json:"mode"`
	StartedAt time.Time   `json:"started_at"`

	// Threshold is the silence threshold in effect when the last utterance
	// was captured, including false-trigger escalation.
	Threshold float64 `json:"threshold"`

	// Worker is the persistent worker state, empty when persistent mode is
	// off.
	Worker string `json:"worker,omitempty"`

	Utterances  int `json:"utterances"`
	Transcribed int `json:"transcribed"`
	Empty       int `json:"empty"`
	Failed      int `json:"failed"`

	LastBackend string    `json:"last_backend,omitempty"`
	LastAt      time.Time `json:"last_at,omitzero"`
}

// session accumulates per-utterance outcomes. The capture loop writes it and
// the status server reads it, so all access goes through mu.
type session struct {
	mu   sync.Mutex
	info SessionInfo
}

func newSession(mode format.Mode, now time.Time) *session {
	return &session{info: SessionInfo{ID: uuid.NewString(), Mode: mode, StartedAt: now}}
}

func (s *session) captured(threshold float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.Utterances++
	s.info.Threshold = threshold
}

func (s *session) transcribed(backend string, empty bool, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if empty {
		s.info.Empty++
	} else {
		s.info.Transcribed++
	}
	s.info.LastBackend = backend
	s.info.LastAt = at
}

func (s *session) failed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.Failed++
}

func (s *session) snapshot() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}
