// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/absmach/fluxnats/client"
	"github.com/spf13/cobra"
)

func pubCmd(root *rootOptions) *cobra.Command {
	var (
		count   int
		reply   string
		headers []string
	)

	cmd := &cobra.Command{
		Use:   "pub <subject> <message>",
		Short: "Publishes a message to a given subject",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hdr, err := parseHeaders(headers)
			if err != nil {
				return err
			}

			c, err := root.connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			subject, data := args[0], []byte(args[1])
			for range count {
				msg := &client.Msg{Subject: subject, Reply: reply, Header: hdr, Data: data}
				if err := c.PublishMsg(msg); err != nil {
					return err
				}
			}
			if err := c.Flush(cmd.Context()); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Published %d message(s) to '%s': '%s'\n", count, subject, args[1])
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of messages to publish")
	cmd.Flags().StringVar(&reply, "reply", "", "Reply subject")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Header in key:value form, repeatable")

	return cmd
}

func subCmd(root *rootOptions) *cobra.Command {
	var (
		queue string
		count int
	)

	cmd := &cobra.Command{
		Use:   "sub <subject>",
		Short: "Subscribes to a given subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.connect(cmd)
			if err != nil {
				return err
			}

			var sub *client.Subscription
			if queue != "" {
				sub, err = c.QueueSubscribeSync(args[0], queue)
			} else {
				sub, err = c.SubscribeSync(args[0])
			}
			if err != nil {
				_ = c.Close()
				return err
			}

			if err := c.Flush(cmd.Context()); err != nil {
				_ = c.Close()
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Listening on '%s'\n", args[0])

			for received := 0; count <= 0 || received < count; received++ {
				msg, err := sub.NextMsg(cmd.Context())
				if err != nil {
					if cmd.Context().Err() != nil {
						break
					}
					_ = c.Close()
					return err
				}
				printMsg(out, "Received", msg)
			}

			return drain(c)
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Queue group")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many messages, 0 for unlimited")

	return cmd
}

func requestCmd(root *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "request <subject> <message>",
		Short: "Sends a request and waits on reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Waiting on response for '%s'\n", args[0])

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			resp, err := c.Request(ctx, args[0], []byte(args[1]))
			if err != nil {
				return err
			}
			printMsg(out, "Response", resp)
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Request timeout, defaults to the configured request timeout")

	return cmd
}

func replyCmd(root *rootOptions) *cobra.Command {
	var (
		queue string
		echo  bool
	)

	cmd := &cobra.Command{
		Use:   "reply <subject> [response]",
		Short: "Listens for requests and sends the reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 && !echo {
				return fmt.Errorf("a response is required unless --echo is set")
			}

			c, err := root.connect(cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			sub, err := c.QueueSubscribe(args[0], queue, func(msg *client.Msg) {
				printMsg(out, "Received a request", msg)
				resp := msg.Data
				if !echo {
					resp = []byte(args[1])
				}
				if err := msg.Respond(resp); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Failed to respond: %s\n", err)
				}
			})
			if err != nil {
				_ = c.Close()
				return err
			}
			if err := c.Flush(cmd.Context()); err != nil {
				_ = c.Close()
				return err
			}
			fmt.Fprintf(out, "Listening for requests on '%s'\n", sub.Subject)

			<-cmd.Context().Done()
			return drain(c)
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", replyQueue, "Queue group")
	cmd.Flags().BoolVar(&echo, "echo", false, "Respond with the request payload")

	return cmd
}

func parseHeaders(values []string) (client.Header, error) {
	if len(values) == 0 {
		return nil, nil
	}
	hdr := client.Header{}
	for _, v := range values {
		key, val, ok := strings.Cut(v, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q, expected key:value", v)
		}
		hdr.Add(key, strings.TrimSpace(val))
	}
	return hdr, nil
}

func printMsg(w io.Writer, prefix string, msg *client.Msg) {
	fmt.Fprintf(w, "%s on '%s'", prefix, msg.Subject)
	if msg.Reply != "" {
		fmt.Fprintf(w, " (reply '%s')", msg.Reply)
	}
	fmt.Fprintf(w, ": '%s'\n", msg.Data)
	for k, vs := range msg.Header {
		for _, v := range vs {
			fmt.Fprintf(w, "  %s: %s\n", k, v)
		}
	}
}
