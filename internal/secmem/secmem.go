// Package secmem keeps marker sink credentials out of logs and wipes them
// once a client has been authorized.
package secmem

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/provision/internal/logging"
)

var log = logging.L("secmem")

const redacted = "[REDACTED]"

// Secret holds a credential with best-effort memory zeroing. Go's GC may
// copy the backing array, so Zero only shortens the window the plaintext
// lives in.
//
// Every formatting and serialization path prints [REDACTED]; Reveal is the
// only way to read the value.
type Secret struct {
	mu         sync.Mutex
	data       []byte
	zeroed     atomic.Bool
	warnedOnce atomic.Bool
}

// New copies s into a Secret. An empty s yields a Secret that reports Empty.
func New(s string) *Secret {
	b := make([]byte, len(s))
	copy(b, s)
	return &Secret{data: b}
}

// Reveal returns the plaintext. It returns "" for a nil or wiped Secret and
// logs once when called after Zero.
func (s *Secret) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	val := string(s.data)
	wiped := s.data == nil && s.zeroed.Load()
	s.mu.Unlock()

	if wiped && s.warnedOnce.CompareAndSwap(false, true) {
		log.Warn("credential read after it was wiped")
	}
	return val
}

// Empty reports whether no credential was configured.
func (s *Secret) Empty() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data) == 0 && !s.zeroed.Load()
}

// IsZeroed reports whether Zero has been called.
func (s *Secret) IsZeroed() bool {
	if s == nil {
		return false
	}
	return s.zeroed.Load()
}

// Zero overwrites the credential in place and drops it.
func (s *Secret) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
	s.zeroed.Store(true)
}

func (s *Secret) String() string { return redacted }

func (s *Secret) GoString() string { return redacted }

// Format makes every fmt verb print [REDACTED], including %v inside structs.
func (s *Secret) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, redacted)
}

func (s *Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}

// MarshalText also covers yaml.v3 and slog's text handler.
func (s *Secret) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// LogValue keeps the credential out of structured log attributes.
func (s *Secret) LogValue() slog.Value {
	return slog.StringValue(redacted)
}
