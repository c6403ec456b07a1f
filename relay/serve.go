package relay

import (
	"net/http"
	"net/url"
	"path"

	"github.com/google/uuid"

	"github.com/puyokura/cmpprelay/auth"
	"github.com/puyokura/cmpprelay/presence"
)

// ServeHTTP upgrades the request to a websocket connection and attaches it
// to the hub. Credentials are checked before the upgrade.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var subject string
	if h.opts.Verifier != nil {
		sub, err := h.opts.Verifier.Verify(auth.TokenFromRequest(r))
		if err != nil {
			h.log.Warn("rejected connection", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		subject = sub
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &Conn{
		hub:     h,
		handle:  presence.Handle(uuid.NewString()),
		ws:      ws,
		send:    make(chan []byte, h.opts.SendBuffer),
		subject: subject,
	}
	if !h.attach(c) {
		ws.Close()
		return
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go c.writePump()
	go c.readPump()
}

func originChecker(patterns []string) func(*http.Request) bool {
	if len(patterns) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, p := range patterns {
			if ok, _ := path.Match(p, u.Host); ok {
				return true
			}
		}
		return false
	}
}
