package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"muxrpc/client"
	"muxrpc/codec"
	"muxrpc/message"
	"muxrpc/middleware"
)

type callOptions struct {
	network string
	address string
	codec   string
	timeout time.Duration
	retries int
	verbose bool
	meta    map[string]string
}

func newCallCmd() *cobra.Command {
	o := &callOptions{}
	c := &cobra.Command{
		Use:   "call SERVICE METHOD [PAYLOAD]",
		Short: "make one call and print the response payload",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			if len(args) == 3 {
				payload = []byte(args[2])
			}
			resp, err := o.call(cmd.Context(), &message.Request{Service: args[0], Method: args[1], Payload: payload})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(resp.Payload))
			return nil
		},
	}
	c.Flags().StringVar(&o.network, "network", "unix", "network: unix, tcp or vsock")
	c.Flags().StringVar(&o.address, "address", "/run/muxrpc/muxrpc.sock", "server address")
	c.Flags().StringVar(&o.codec, "codec", "binary", "envelope codec: binary or json")
	c.Flags().DurationVar(&o.timeout, "timeout", 5*time.Second, "call deadline")
	c.Flags().IntVar(&o.retries, "retries", 0, "retries on Unavailable or ResourceExhausted")
	c.Flags().BoolVarP(&o.verbose, "verbose", "v", false, "log to stderr")
	c.Flags().StringToStringVarP(&o.meta, "metadata", "m", nil, "request metadata as key=value")
	return c
}

func (o *callOptions) call(ctx context.Context, req *message.Request) (*message.Response, error) {
	codecType, err := codec.ParseCodecType(o.codec)
	if err != nil {
		return nil, err
	}
	logger := zap.NewNop()
	if o.verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return nil, err
		}
	}

	opts := []client.Option{
		client.WithCodec(codecType),
		client.WithLogger(logger),
		client.WithDefaultTimeout(o.timeout),
		client.WithInterceptor(middleware.LoggingMiddleware(logger)),
	}
	if o.retries > 0 {
		opts = append(opts, client.WithInterceptor(middleware.RetryMiddleware(o.retries, 50*time.Millisecond, logger)))
	}
	cli, err := client.Dial(o.network, o.address, opts...)
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	if len(o.meta) > 0 {
		md := message.Metadata{}
		for k, v := range o.meta {
			md.Append(k, v)
		}
		ctx = message.WithMetadata(ctx, md)
	}
	return cli.Call(ctx, req)
}
