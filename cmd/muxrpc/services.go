package main

import (
	"context"
	"sync/atomic"

	"muxrpc/message"
	"muxrpc/server"
)

// Echo answers Say with the request payload.
type Echo struct{}

func (Echo) Handle(ctx context.Context, req *message.Request) ([]byte, error) {
	return req.Payload, nil
}

type HealthArgs struct{}

type HealthReply struct {
	Status string `json:"status"`
}

// Health reports SERVING until the server starts shutting down.
type Health struct {
	draining atomic.Bool
}

func (h *Health) Check(args *HealthArgs, reply *HealthReply) error {
	if h.draining.Load() {
		reply.Status = "NOT_SERVING"
	} else {
		reply.Status = "SERVING"
	}
	return nil
}

func registerServices(s *server.Server, health *Health) error {
	if err := s.RegisterHandler("Echo", "Say", Echo{}); err != nil {
		return err
	}
	return s.Register(health)
}
