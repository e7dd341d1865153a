package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
)

const serviceName = "ledgerproof.Ledger"

// healthService owns the gRPC health server and keeps its status in step
// with a backend probe.
type healthService struct {
	srv    *health.Server
	probe  func(context.Context) error
	logger *zap.Logger
}

func newHealthService(probe func(context.Context) error, logger *zap.Logger) *healthService {
	h := &healthService{srv: health.NewServer(), probe: probe, logger: logger}
	h.srv.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_SERVING)
	return h
}

// watch re-probes the backend every interval until ctx is done.
func (h *healthService) watch(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		h.check(ctx)
	}
}

// check probes the backend once and publishes the result.
func (h *healthService) check(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := h.probe(pctx)
	cancel()

	st := grpc_health_v1.HealthCheckResponse_SERVING
	if err != nil {
		st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		h.logger.Warn("health probe failed", zap.Error(err))
	}
	h.srv.SetServingStatus(serviceName, st)
	h.srv.SetServingStatus("", st)
}

// grpcServer builds the gRPC server exposing health and reflection.
func (h *healthService) grpcServer(logger *zap.Logger) *grpc.Server {
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	grpc_health_v1.RegisterHealthServer(s, h.srv)
	reflection.Register(s)
	return s
}

// gateway returns an HTTP/JSON view of the health service.
func (h *healthService) gateway() (http.Handler, error) {
	marshaler := &runtime.JSONPb{
		MarshalOptions: protojson.MarshalOptions{
			UseProtoNames:   true,
			EmitUnpopulated: true,
		},
	}
	mux := runtime.NewServeMux(runtime.WithMarshalerOption(runtime.MIMEWildcard, marshaler))

	err := mux.HandlePath(http.MethodGet, "/v1/health", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		resp, err := h.srv.Check(r.Context(), &grpc_health_v1.HealthCheckRequest{Service: r.URL.Query().Get("service")})
		w.Header().Set("Content-Type", marshaler.ContentType(resp))
		if err != nil {
			w.WriteHeader(runtime.HTTPStatusFromCode(status.Code(err)))
			fmt.Fprintf(w, `{"error":%q}`, status.Convert(err).Message())
			return
		}
		body, err := marshaler.Marshal(resp)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		w.Write(body) //nolint:errcheck
	})
	if err != nil {
		return nil, fmt.Errorf("register health gateway: %w", err)
	}
	return mux, nil
}

// serveGRPC listens on port and serves s until it is stopped.
func serveGRPC(s *grpc.Server, port int, logger *zap.Logger) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", port, err)
	}
	go func() {
		logger.Info("ledgerd gRPC listening", zap.Int("port", port))
		if err := s.Serve(lis); err != nil {
			logger.Error("gRPC serve error", zap.Error(err))
		}
	}()
	return nil
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
