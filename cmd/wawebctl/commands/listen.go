package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/opd-ai/waweb/event"
	"github.com/spf13/cobra"
)

func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Restore the stored session and print events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			id, err := loadIdentity()
			if err != nil {
				return err
			}
			client, err := newClient(id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			client.OnEvent(func(ev event.Event) { printEvent(out, ev) })
			if err := client.Start(ctx); err != nil {
				return err
			}
			<-client.Done()
			if err := client.Err(); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

func printEvent(w io.Writer, ev event.Event) {
	switch ev := ev.(type) {
	case event.StateChanged:
		if ev.Reason != nil {
			fmt.Fprintf(w, "state %s -> %s (%v)\n", ev.From, ev.To, ev.Reason)
			return
		}
		fmt.Fprintf(w, "state %s -> %s\n", ev.From, ev.To)
	case event.PairingCode:
		fmt.Fprintf(w, "pairing code %s\n", ev.Code)
	case event.LoggedIn:
		fmt.Fprintf(w, "logged in as %s (restored=%t)\n", ev.JID, ev.Restored)
	case event.MessageReceived:
		from := ev.Chat.String()
		if !ev.Participant.IsZero() {
			from += "/" + ev.Participant.String()
		}
		fmt.Fprintf(w, "%s message %s from %s live=%t %d bytes\n",
			ev.Timestamp.Format(time.RFC3339), ev.ID, from, ev.Live, len(ev.Payload))
	case event.PresenceUpdate:
		fmt.Fprintf(w, "presence %s %s\n", ev.JID, ev.Status)
	case event.Acknowledgment:
		fmt.Fprintf(w, "ack %s %s\n", ev.ID, ev.Level)
	case event.BatteryLevel:
		fmt.Fprintf(w, "battery %d%% charging=%t\n", ev.Percent, ev.Charging)
	case event.ChatChanged:
		fmt.Fprintf(w, "chat %s %s\n", ev.JID, ev.Action)
	case event.ContactsSnapshot:
		fmt.Fprintf(w, "contacts: %d\n", len(ev.Contacts))
	case event.ChatsSnapshot:
		fmt.Fprintf(w, "chats: %d\n", len(ev.Chats))
	case event.IdentityDiscarded:
		fmt.Fprintf(w, "identity discarded: %v\n", ev.Reason)
	case event.SecurityViolation:
		fmt.Fprintf(w, "security violation: %v\n", ev.Err)
	case event.Unrecognized:
		fmt.Fprintf(w, "unrecognized %s\n", ev.Node)
	}
}
