// Package client is the Go SDK for Braided registry servers.
//
// A Client implements ledger.Registry over the registry's HTTP API, so the
// scheduler, the consistency checker and the provisioning tool can work with
// a remote registry exactly as with an embedded one.
//
// # Reading
//
// Reads need no credentials:
//
//	c, err := client.New("http://registry.example.com:8080/api/v1")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	highest, err := c.HighestBlockNumber(ctx, 1)
//
// # Writing
//
// Writes are signed with a secp256k1 key. Each request carries a short-lived
// ES256K-R bearer token addressed to the registry's location:
//
//	key, _ := identity.LoadKeyFile("agent.key")
//	c, err := client.New(base, client.WithSigner(identity.NewSigner(key, time.Minute)))
//	next, _ := c.NextSequence(ctx, key.Address())
//	_, err = c.AppendCheckpoint(ctx, ledger.Caller{Identity: key.Address(), Sequence: next},
//	    1, 1_000_000, blockHash)
//
// Failed writes return *ledger.Error values with the same Kind the server
// produced, so ledger.IsKind works across the wire.
//
// # Notifications
//
// SubscribeCheckpoints attaches to the server-sent event stream at /events
// and returns once the server confirmed the subscription.
package client
