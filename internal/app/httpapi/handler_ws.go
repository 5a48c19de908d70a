package httpapi

import "net/http"

// serveWS hands the upgrade off to the realtime hub, which authenticates
// the connection from its own token query parameter and multiplexes
// subscribe/unsubscribe messages over the single socket.
func (h *handler) serveWS(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeWS(w, r)
}
