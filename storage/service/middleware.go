package service

import (
	"context"
	"time"

	"google.golang.org/grpc"
)

// LogUnary logs the method, duration and error of every unary call.
func LogUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	logger.Infof("method: %s, duration: %s, error: %v", info.FullMethod, time.Since(start), err)
	return resp, err
}

// LogStream logs when a stream opens and how long it lived.
func LogStream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	logger.Debugf("stream opened: %s", info.FullMethod)
	err := handler(srv, ss)
	logger.Infof("stream: %s, duration: %s, error: %v", info.FullMethod, time.Since(start), err)
	return err
}

// ServerOptions returns the interceptors the feed server runs with.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.UnaryInterceptor(LogUnary),
		grpc.StreamInterceptor(LogStream),
	}
}
