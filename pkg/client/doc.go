// Package client provides the Go SDK for a ledgerd server.
//
// A Client can append documents, capture verification bundles and ask the
// server to verify them:
//
//	c := client.MustNew("http://localhost:8080")
//	rev, _ := c.Append(ctx, "vehicles", "VehicleRegistration", "", doc)
//	md, _ := c.Capture(ctx, "vehicles", rev.DocumentID)
//	res, _ := c.Verify(ctx, *md)
//
// Because Client implements verifier.LedgerSource, bundles can also be
// verified locally, trusting the server only for ledger state:
//
//	v := verifier.New(c, logger)
//	ok, err := v.Verify(ctx, *md)
package client
