// Package client is a Go SDK for the cdrd Query API.
//
// # Usage
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	rep, err := c.Verify(ctx, 5)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !rep.Verified() {
//	    log.Printf("record 5: %s (%s)", rep.Status, rep.Reason)
//	}
//
// Billing refuses records that do not verify:
//
//	bill, err := c.Bill(ctx, 5)
//	var apiErr *client.APIError
//	if errors.As(err, &apiErr) && errors.Is(err, client.ErrDenied) {
//	    log.Printf("denied: %s", apiErr.Status)
//	}
//
// Restoring from the daemon's backup needs an operator token issued by
// "cdrctl token":
//
//	c, _ := client.New(api, client.WithBearerToken(token))
//	summary, err := c.Restore(ctx)
package client
