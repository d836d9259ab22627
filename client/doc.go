// Package client is the Go SDK for a tunneld server.
//
// Construct a client with New and call the method matching each HTTP
// operation:
//
//	cli, err := client.New("http://127.0.0.1:8080", client.WithToken(token))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
//
//	res, err := cli.Produce(ctx, "jobs", []byte(`{"n":1}`), client.WithContentType("application/json"))
//	msg, err := cli.Poll(ctx, "jobs", 30*time.Second, client.WithPending())
//	if msg != nil {
//	    _, err = cli.SendReply(ctx, "jobs", msg.MessageID, []byte("done"), "text/plain")
//	}
//	reply, err := cli.PollReply(ctx, "jobs", res.MessageID, 30*time.Second)
//
// Empty results (204 on the wire) come back as nil values with a nil error.
// Other non-success responses are returned as *APIError; a produce rejected
// by its limit matches ErrCapacityExceeded with errors.Is.
package client
