package session

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/Xiaohua-Shen/ttyd/internal/config"
)

// Registry is the process-wide set of live sessions. All mutation
// happens under one mutex; admission is consulted before the HTTP
// upgrade is accepted.
type Registry struct {
	policy *config.Config

	mu       sync.Mutex
	sessions map[string]*Session

	// onEmpty runs after the last removal when the once policy is
	// set, to initiate process shutdown.
	onEmpty func()
}

// NewRegistry creates an empty registry for the given policy. onEmpty
// may be nil.
func NewRegistry(policy *config.Config, onEmpty func()) *Registry {
	return &Registry{
		policy:   policy,
		sessions: make(map[string]*Session),
		onEmpty:  onEmpty,
	}
}

// Authorize applies the admission policy to an upgrade request.
// A non-nil error is the refusal reason; the caller refuses the
// upgrade with it.
func (r *Registry) Authorize(req *http.Request) error {
	if req.URL.Path != r.policy.Path {
		return fmt.Errorf("illegal ws path: %s", req.URL.Path)
	}

	r.mu.Lock()
	count := len(r.sessions)
	r.mu.Unlock()

	if r.policy.Once && count > 0 {
		return fmt.Errorf("refusing client due to the once option")
	}
	if r.policy.MaxClients > 0 && count == r.policy.MaxClients {
		return fmt.Errorf("refusing client due to the max-clients option")
	}

	if r.policy.CheckOrigin && !originMatchesHost(req.Header.Get("Origin"), req.Host) {
		return fmt.Errorf("refusing client from different origin: %s", req.Header.Get("Origin"))
	}

	return nil
}

// Add inserts an admitted session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
}

// Remove drops a session. The last removal under the once policy
// triggers the shutdown hook.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	if _, ok := r.sessions[s.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.id)
	empty := len(r.sessions) == 0
	r.mu.Unlock()

	if empty && r.policy.Once && r.onEmpty != nil {
		r.onEmpty()
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Each calls fn for every live session.
func (r *Registry) Each(fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		fn(s)
	}
}

// originMatchesHost compares the Origin header's host:port to the
// Host header, case-insensitively, eliding the port when it is 80 or
// 443. The scheme is deliberately ignored.
func originMatchesHost(origin, host string) bool {
	if origin == "" || host == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return false
	}

	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https", "wss":
			port = "443"
		default:
			port = "80"
		}
	}

	expected := u.Hostname()
	if port != "80" && port != "443" {
		expected = expected + ":" + port
	}

	return strings.EqualFold(expected, host)
}
