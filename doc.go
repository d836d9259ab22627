// Package tunneld exposes the Go APIs behind a small HTTP message broker that
// connects producers and consumers through named tunnels. Each tunnel is a
// FIFO queue with optional pending delivery, explicit acknowledgement and a
// one-shot reply mailbox per message, so a tunnel doubles as a request/reply
// channel between processes that can only make outbound HTTP calls.
//
// # Running a server
//
//	cfg := tunneld.Config{
//	    Listen:    ":8080",
//	    AuthToken: os.Getenv("TUNNEL_ACCESS_TOKEN"),
//	}
//	srv, err := tunneld.NewServer(cfg, tunneld.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("tunneld: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// StartServer does the same in one call and returns once the listener is bound.
// Setting ListenProto to "unix" serves on a unix domain socket instead.
//
// # HTTP surface
//
// All tunnel operations live under /t/{tunnel}:
//
//	POST   /t/{tunnel}?limit=N              produce (201, X-Message-Id, X-Queue-Size; 507 when full)
//	GET    /t/{tunnel}?pending              consume (200 or 204)
//	GET    /t/{tunnel}/poll?timeout=S       long-poll consume
//	GET    /t/{tunnel}/len                  queue length in X-Queue-Size
//	DELETE /t/{tunnel}/all                  clear
//	GET    /t/{tunnel}/{msg}                status (201 unseen, 202 pending, 204 unknown)
//	DELETE /t/{tunnel}/{msg}                acknowledge
//	POST   /t/{tunnel}/{msg}/reply          answer a pending message
//	GET    /t/{tunnel}/{msg}/reply[/poll]   read or wait for the reply
//
// Tunnel ids are 1-1024 characters of [A-Za-z0-9_-] and are case sensitive.
// When a token or signature secret is configured every request needs either
// "Authorization: Bearer <token>" or an X-Hub-Signature-256 header carrying the
// HMAC-SHA256 of the body; reads on the public tunnel are exempt.
//
// # Go client
//
// Package client wraps every operation; see its documentation. Tests can use
// StartTestServer to get a live server and a connected client in one call.
package tunneld
