package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <path>",
	Short: "Subscribe to a resource's events, issue one load_if_needed, and print events until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		res, err := svc.Resource(args[0])
		if err != nil {
			return err
		}

		changes, unsubscribe := res.Changes()
		defer unsubscribe()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		res.LoadIfNeeded()
		for {
			select {
			case ev := <-changes:
				printEvent(res, ev)
			case <-sigCh:
				return nil
			}
		}
	},
}
