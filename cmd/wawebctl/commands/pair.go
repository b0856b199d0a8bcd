package commands

import (
	"errors"
	"fmt"

	"github.com/opd-ai/waweb/event"
	"github.com/spf13/cobra"
)

func pairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair",
		Short: "Link a new session: print the pairing code and store the identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.IdentityFile == "" {
				return errors.New("pair needs an identity file to write")
			}
			ctx, stop := signalContext()
			defer stop()

			client, err := newClient(nil)
			if err != nil {
				return err
			}
			client.OnEvent(func(ev event.Event) {
				if pc, ok := ev.(event.PairingCode); ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Scan with your phone:")
					fmt.Fprintln(cmd.OutOrStdout(), pc.Code)
				}
			})
			loggedIn := notifyLogin(client)
			if err := client.Start(ctx); err != nil {
				return err
			}
			defer client.Close()

			li, err := waitLogin(ctx, client, loggedIn)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Linked as %s, identity written to %s\n", li.JID, cfg.IdentityFile)
			return nil
		},
	}
}
