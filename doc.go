// Package waweb implements the client side of a web messaging session: a
// browser-style client that links to a phone, keeps an encrypted connection
// to the service and turns server pushes into typed events.
//
// A Client pairs by showing a scannable code on first use and restores with
// the stored identity afterwards:
//
//	client, err := waweb.New(waweb.NewOptions())
//	if err != nil {
//		log.Fatal(err)
//	}
//	client.OnEvent(func(ev event.Event) {
//		switch ev := ev.(type) {
//		case event.PairingCode:
//			fmt.Println("scan:", ev.Code)
//		case event.LoggedIn:
//			if ev.Identity != nil {
//				data, _ := ev.Identity.MarshalBinary()
//				_ = os.WriteFile("identity.bin", data, 0o600)
//			}
//		case event.MessageReceived:
//			fmt.Println(ev.Chat, len(ev.Payload))
//		}
//	})
//	if err := client.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	<-client.Done()
//
// # Lifecycle
//
// The connection lifecycle is the pure state machine in package session.
// One supervisor goroutine per client feeds it transport, handshake and
// server events and executes the effects it returns. Lost connections are
// retried with exponential backoff; logout, removal by the phone, a
// replaced session, a rejected identity and any frame that fails
// authentication end the client for good. Err reports the cause.
//
// # Requests
//
// SendAndWait tags a node, writes it and waits for the reply carrying the
// same tag. Replies that match no request are classified as pushes. The
// builders in package query produce the request nodes the service
// understands.
package waweb
