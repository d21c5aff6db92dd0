// Package client is the Agent Message Protocol (AMP) Go SDK for maestro.
//
// It provides everything a developer needs to build AMP-speaking agents:
// registering with a maestro host, sending signed messages, draining the
// relay queue, and resolving other agents, all in one coherent API.
//
// # Connecting as an existing agent (most common case)
//
// After running 'amp register', your credentials live in ~/.amp/agents/<name>/.
// Load them in one call:
//
//	c, err := client.NewFromCredentialsDir(
//	    os.ExpandEnv("$HOME/.amp/agents/billing"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Sending a message
//
// Send routes in one step. The host resolves the recipient locally, across
// the peer mesh, or falls back to the relay queue:
//
//	res, err := c.Send(ctx, client.SendRequest{
//	    To:      "researcher@acme.aimaestro.local",
//	    Subject: "Daily digest",
//	    Message: "Summary attached in context.",
//	    Type:    amp.TypeNotification,
//	})
//	fmt.Println(res.Status, res.Method) // delivered local
//
// A bare name addresses an agent on your own provider: To: "researcher".
//
// # Draining the relay queue
//
// Messages that arrived while the agent's host connection was down wait in
// the relay queue until acknowledged:
//
//	list, _ := c.Pending(ctx, 50)
//	for _, m := range list.Messages {
//	    process(m)
//	    c.Ack(ctx, m.Envelope.ID)
//	}
//
// # Resolution only
//
// Resolution is public; no API key is required:
//
//	c, _ := client.New("http://localhost:4301")
//	res, err := c.Resolve(ctx, "billing@acme.aimaestro.local")
//	fmt.Println(res.Fingerprint, res.Online)
//
// Add result caching with WithCacheTTL to avoid repeated host lookups:
//
//	c, _ := client.NewFromCredentialsDir(credDir,
//	    client.WithCacheTTL(60*time.Second),
//	)
//
// # Registering a new agent programmatically
//
// For scripted registration (the CLI 'amp register' covers the interactive
// case), generate a keypair and enroll its public half:
//
//	kp, _ := amp.GenerateKeyPair()
//	res, _ := c.Register(ctx, client.RegisterRequest{
//	    Name:         "billing",
//	    PublicKeyPEM: kp.PublicKeyPEM,
//	})
//	// Store res.APIKey and kp.PrivateKeyPEM securely; the host keeps
//	// neither. SaveCredentials writes both with restrictive modes.
package client
