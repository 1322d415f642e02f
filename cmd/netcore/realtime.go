package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/opsdesk/netcore"
	"github.com/spf13/cobra"
)

func init() {
	invokeCmd.Flags().Bool("queue-first", false, "invoke before connecting so the call is queued and replayed on connect")
	invokeCmd.Flags().Duration("timeout", 10*time.Second, "time to wait for the hub's result")
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(invokeCmd)
}

// startRealtime initializes the realtime service and prints state changes.
func startRealtime(ctx context.Context, s *stack) error {
	s.manager.OnStateChange(func(from, to netcore.RealtimeState) {
		fmt.Printf("[state] %s -> %s\n", from, to)
	})
	return s.realtime.Initialize(ctx, s.cfg.RealtimeConfig())
}

var listenCmd = &cobra.Command{
	Use:   "listen [event...]",
	Short: "Connect to the realtime hub and print incoming events",
	Long:  "Connect to the realtime hub and print events until interrupted.\nWithout arguments, ReceiveMessage and ReceiveBroadcast are printed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newStack()
		if err != nil {
			return err
		}
		defer s.close()
		stopMetrics := s.serveMetrics()
		defer stopMetrics()

		ctx, cancel := signalContext()
		defer cancel()

		if err := startRealtime(ctx, s); err != nil {
			return err
		}
		events := args
		if len(events) == 0 {
			events = []string{netcore.EventReceiveMessage, netcore.EventReceiveBroadcast}
		}
		for _, name := range events {
			name := name
			s.realtime.On(name, func(args []json.RawMessage) {
				fmt.Printf("[%s] %s\n", name, joinRaw(args))
			})
		}

		if err := s.realtime.Connect(ctx); err != nil {
			return err
		}
		fmt.Printf("Connected (connection id %s). Press Ctrl+C to stop.\n", valueOrDefault(s.realtime.ConnectionID(), "n/a"))

		<-ctx.Done()
		return s.realtime.Disconnect()
	},
}

var invokeCmd = &cobra.Command{
	Use:   "invoke <method> [json-arg...]",
	Short: "Invoke a hub method",
	Long:  "Invoke a hub method with JSON arguments and print its result.\nExample: netcore invoke SendBroadcast '{\"msg\":\"hi\"}'",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newStack()
		if err != nil {
			return err
		}
		defer s.close()

		queueFirst, _ := cmd.Flags().GetBool("queue-first")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		method := args[0]
		var params []any
		for _, a := range args[1:] {
			if !json.Valid([]byte(a)) {
				return fmt.Errorf("argument %q is not valid JSON", a)
			}
			params = append(params, json.RawMessage(a))
		}

		ctx, cancel := signalContext()
		defer cancel()
		if err := startRealtime(ctx, s); err != nil {
			return err
		}

		if queueFirst {
			if _, err := s.realtime.Invoke(ctx, method, params...); err != nil {
				return err
			}
			fmt.Printf("Queued %s (pending: %d)\n", method, s.realtime.PendingMessagesCount())
			if err := s.realtime.Connect(ctx); err != nil {
				return err
			}
			fmt.Printf("Connected, pending after replay: %d\n", s.realtime.PendingMessagesCount())
			return s.realtime.Disconnect()
		}

		if err := s.realtime.Connect(ctx); err != nil {
			return err
		}
		defer s.realtime.Disconnect()

		callCtx, callCancel := context.WithTimeout(ctx, timeout)
		defer callCancel()
		res, err := s.realtime.Invoke(callCtx, method, params...)
		if err != nil {
			return err
		}
		if len(res) == 0 {
			fmt.Println("ok")
			return nil
		}
		fmt.Println(string(res))
		return nil
	},
}

func joinRaw(args []json.RawMessage) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = string(a)
	}
	return strings.Join(parts, " ")
}
