package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	connector "github.com/glimte/amqp-connector-go"
	"github.com/glimte/amqp-connector-go/health"
	"github.com/glimte/amqp-connector-go/messaging"
	"github.com/glimte/amqp-connector-go/schema"
)

// interruptible cancels ctx on SIGINT or SIGTERM
func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func headerTable(headers map[string]string) amqp.Table {
	table := amqp.Table{}
	for k, v := range headers {
		table[k] = v
	}
	return table
}

func newPublishCommand(a *app) *cobra.Command {
	var (
		headers    map[string]string
		priority   uint8
		expiration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "publish <qualifier> [payload]",
		Short: "Publish one message",
		Long: `Publish one message to kind/exchange/routing-key or q/queue.
The payload is sent as JSON when it parses as JSON, as a string otherwise.`,
		Example: `  amqpc publish topic/orders/order.created '{"id":"o-1"}'
  amqpc publish q/jobs run --header x-source=cli`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			ch, err := a.open(cmd.Context())
			if err != nil {
				return err
			}

			arg := ""
			if len(args) == 2 {
				arg = args[1]
			}
			opts := []messaging.PublishOption{messaging.WithHeaders(headerTable(headers))}
			if priority > 0 {
				opts = append(opts, messaging.WithPriority(priority))
			}
			if expiration > 0 {
				opts = append(opts, messaging.WithExpiration(expiration))
			}
			if err := ch.PublishMessage(cmd.Context(), args[0], a.payload(arg), opts...); err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published to %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringToStringVarP(&headers, "header", "H", nil, "message header key=value, repeatable")
	cmd.Flags().Uint8Var(&priority, "priority", 0, "message priority")
	cmd.Flags().DurationVar(&expiration, "expiration", 0, "per-message TTL")
	return cmd
}

func newSubscribeCommand(a *app) *cobra.Command {
	var (
		count      int
		retry      time.Duration
		maxTries   int
		dump       string
		schemaPath string
	)
	cmd := &cobra.Command{
		Use:   "subscribe <qualifier>",
		Short: "Print the messages delivered to a subscription",
		Long: `Subscribe to kind/exchange/routing-key/queue, or kind/exchange/queue for
fanout and headers exchanges, and print each message content as one line.`,
		Example: `  amqpc subscribe topic/orders/order.*/order-printer --count 10`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			ctx, cancel := interruptible(cmd.Context())
			defer cancel()

			ch, err := a.open(ctx)
			if err != nil {
				return err
			}

			opts := []messaging.SubscribeOption{messaging.WithRetry(retry), messaging.WithMaxTries(maxTries)}
			if dump != "" {
				opts = append(opts, messaging.WithDumpQueue(dump))
			}
			if schemaPath != "" {
				document, err := os.ReadFile(schemaPath)
				if err != nil {
					return err
				}
				validator, err := schema.Compile(string(document))
				if err != nil {
					return fmt.Errorf("invalid schema %s: %w", schemaPath, err)
				}
				opts = append(opts, messaging.WithValidator(validator))
			}

			var received atomic.Int64
			out := cmd.OutOrStdout()
			_, err = ch.SubscribeToMessages(ctx, args[0], func(_ context.Context, d *connector.Delivery) error {
				if err := printContent(out, d.Message.Content); err != nil {
					return err
				}
				if n := received.Add(1); count > 0 && n >= int64(count) {
					cancel()
				}
				return nil
			}, opts...)
			if err != nil {
				return fmt.Errorf("failed to subscribe: %w", err)
			}

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after n messages, 0 runs until interrupted")
	cmd.Flags().DurationVar(&retry, "retry", 10*time.Second, "delay before a failed message is redelivered")
	cmd.Flags().IntVar(&maxTries, "max-tries", 1, "deliveries before a failed message is dumped")
	cmd.Flags().StringVar(&dump, "dump", "", "queue receiving messages that exhausted their tries")
	cmd.Flags().StringVar(&schemaPath, "schema", "", "JSON schema file validating every message")
	return cmd
}

func newInvokeCommand(a *app) *cobra.Command {
	var (
		timeout time.Duration
		headers map[string]string
	)
	cmd := &cobra.Command{
		Use:   "invoke <function> [payload]",
		Short: "Call an RPC function and print its reply",
		Long: `Call fn, or stream/fn to copy a streamed reply to stdout. Remote errors
are printed with their stack and make the command fail.`,
		Example: `  amqpc invoke multiply 45
  amqpc invoke stream/export '{"table":"orders"}' > orders.csv`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			ctx, cancel := interruptible(cmd.Context())
			defer cancel()

			ch, err := a.open(ctx)
			if err != nil {
				return err
			}

			arg := ""
			if len(args) == 2 {
				arg = args[1]
			}
			opts := []messaging.InvokeOption{messaging.WithHeaders(headerTable(headers))}
			if cmd.Flags().Changed("timeout") {
				opts = append(opts, messaging.WithTimeout(timeout))
			}

			if strings.HasPrefix(args[0], "stream/") {
				stream, err := ch.InvokeStream(ctx, args[0], a.payload(arg), opts...)
				if err != nil {
					return err
				}
				defer stream.Close()
				_, err = io.Copy(cmd.OutOrStdout(), stream)
				return remoteFailure(err)
			}

			reply, err := ch.Invoke(ctx, args[0], a.payload(arg), opts...)
			if err != nil {
				return remoteFailure(err)
			}
			return printContent(cmd.OutOrStdout(), reply.Content)
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", messaging.DefaultInvokeTimeout, "call timeout, 0 waits forever")
	cmd.Flags().StringToStringVarP(&headers, "header", "H", nil, "request header key=value, repeatable")
	return cmd
}

// remoteFailure formats the error reply of a responder
func remoteFailure(err error) error {
	var remote *connector.RemoteError
	if errors.As(err, &remote) {
		return fmt.Errorf("remote error: %s", remote.Stack())
	}
	return err
}

func newListenEchoCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "listen-echo <function>",
		Short: "Answer RPC calls to a function with their own payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			ctx, cancel := interruptible(cmd.Context())
			defer cancel()

			ch, err := a.open(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			tag, err := ch.Listen(ctx, args[0], func(_ context.Context, d *connector.Delivery) (interface{}, error) {
				return d.Message.Content, printContent(out, d.Message.Content)
			})
			if err != nil {
				return fmt.Errorf("failed to listen: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "listening on %s (%s)\n", ch.Realm()+args[0], tag)

			<-ctx.Done()
			return nil
		},
	}
}

func newHealthCommand(a *app) *cobra.Command {
	var (
		listen  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the broker connection",
		Long:  "Print a health report and fail when unhealthy, or serve it over HTTP with --listen.",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			ctx, cancel := interruptible(cmd.Context())
			defer cancel()

			ch, err := a.open(ctx)
			if err != nil {
				return err
			}
			registry := health.NewRegistry(
				health.NewConnectionChecker(a.conn, a.logger),
				health.NewChannelChecker(ch, timeout, false, a.logger),
			)

			if listen != "" {
				return serveHealth(ctx, listen, health.Handler(registry, timeout))
			}

			checkCtx, cancelCheck := context.WithTimeout(ctx, timeout)
			defer cancelCheck()
			report := registry.Check(checkCtx)
			if err := printContent(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Status == health.StatusUnhealthy {
				return errors.New("broker connection unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "serve the report on this address, e.g. :8080")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "health check timeout")
	return cmd
}

func serveHealth(ctx context.Context, addr string, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/health", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
