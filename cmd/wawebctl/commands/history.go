package commands

import (
	"fmt"

	"github.com/opd-ai/waweb/query"
	"github.com/opd-ai/waweb/types"
	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	var (
		count  int
		before string
		fromMe bool
	)
	cmd := &cobra.Command{
		Use:   "history [jid]",
		Short: "Fetch the messages of a chat older than a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, err := types.ParseJID(args[0])
			if err != nil {
				return err
			}
			id, err := loadIdentity()
			if err != nil {
				return err
			}
			if id == nil {
				return fmt.Errorf("no identity in %q, run pair first", cfg.IdentityFile)
			}

			ctx, stop := signalContext()
			defer stop()
			client, err := newClient(id)
			if err != nil {
				return err
			}
			loggedIn := notifyLogin(client)
			if err := client.Start(ctx); err != nil {
				return err
			}
			defer client.Close()
			if _, err := waitLogin(ctx, client, loggedIn); err != nil {
				return err
			}

			msgs, err := client.History(ctx, chat, types.MessageID(before), fromMe, count)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printEvent(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 50, fmt.Sprintf("messages to fetch (1..%d)", query.MaxHistoryCount))
	cmd.Flags().StringVar(&before, "before", "", "fetch messages older than this message id")
	cmd.Flags().BoolVar(&fromMe, "from-me", false, "the --before message was sent by this account")
	return cmd
}
