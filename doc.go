// Package livefeed is the client side of the rockwatch real-time delivery
// layer.
//
// A Manager keeps one logical push connection to a feed alive. It dials the
// persistent WebSocket endpoint, retries with exponential backoff, and once
// the persistent transport has used up its attempts falls back to the
// Server-Sent Events endpoint of the same feed. Status transitions, received
// envelopes and diagnostics are exposed as channels any number of observers
// can read:
//
//	policy := livefeed.MustReconnectPolicy(livefeed.DefaultPolicyParams())
//	m, err := livefeed.Connect(ctx, "ws://localhost:8000/feeds/alerts/ws", policy)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Disconnect()
//
//	go func() {
//	    for st := range m.Statuses(ctx) {
//	        log.Printf("%s via %s", st.State, st.Transport)
//	    }
//	}()
//
//	d := livefeed.NewDispatcher(livefeed.LogDiagnostics(slog.Default()))
//	d.Handle(livefeed.KindAlert, func(ctx context.Context, env livefeed.Envelope) error {
//	    var a struct{ Level string }
//	    return env.UnmarshalPayload(&a)
//	})
//	d.Run(ctx, m.Messages(ctx))
//
// Send only works while connected over the persistent transport; on the
// push-only transport it returns ErrSendUnavailable and nothing is queued.
package livefeed
