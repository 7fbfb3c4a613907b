package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/rescache"
)

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Load a resource and print its entity once the request completes",
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

		done := make(chan struct{})
		req := res.Load()
		req.OnSuccess(func(e *rescache.Entity) {
			n := len(fmt.Sprint(e.Content))
			if b, ok := e.Content.([]byte); ok {
				n = len(b)
			}
			fmt.Printf("%d bytes, content-type=%s\n", n, e.ContentType)
		})
		req.OnFailure(func(e *rescache.Error) {
			fmt.Printf("error: %s (cause=%s, status=%d)\n", e.UserMessage, e.Cause, e.HTTPStatus)
		})
		req.OnCompletion(func(*rescache.RequestResult) { close(done) })
		<-done
		return nil
	},
}
