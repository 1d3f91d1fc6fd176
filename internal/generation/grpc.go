package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// GenerateMethod is the unary RPC served by remote generation engines.
// Requests and responses are google.protobuf.Struct messages.
const GenerateMethod = "/devteam.generation.v1.GenerationService/Generate"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCConfig holds configuration for the gRPC engine.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	DialOptions      []grpc.DialOption
}

// DefaultGRPCConfig returns default configuration for addr.
func DefaultGRPCConfig(addr string) GRPCConfig {
	return GRPCConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCEngine calls a remote generation service.
type GRPCEngine struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewGRPCEngine connects to a generation service and waits until it is ready.
func NewGRPCEngine(cfg GRPCConfig, logger *slog.Logger) (*GRPCEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, errors.New("generation service address is required")
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to generation service at %s: %w", cfg.Address, err)
	}

	// Fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("generation service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to generation service", "address", cfg.Address)
	return &GRPCEngine{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (e *GRPCEngine) Close() {
	if e.conn != nil {
		if err := e.conn.Close(); err != nil {
			e.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Generate implements Engine.
func (e *GRPCEngine) Generate(ctx context.Context, req Request) (string, error) {
	in, err := encodeRequest(req)
	if err != nil {
		return "", Errorf(KindRejected, "encode request: %w", err)
	}

	out := &structpb.Struct{}
	if err := e.conn.Invoke(ctx, GenerateMethod, in, out); err != nil {
		e.logger.Debug("Generate RPC failed", "template", req.TemplateID.String(), "address", e.addr, "error", err)
		return "", classifyStatus(err)
	}

	text, ok := out.GetFields()["text"]
	if !ok {
		return "", Errorf(KindTransport, "generation service response has no text field")
	}
	return text.GetStringValue(), nil
}

func encodeRequest(req Request) (*structpb.Struct, error) {
	prompt, err := Render(req)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]any, len(req.Variables))
	for k, v := range req.Variables {
		vars[k] = v
	}
	return structpb.NewStruct(map[string]any{
		"skill":     req.TemplateID.Skill,
		"function":  req.TemplateID.Function,
		"template":  req.Template,
		"prompt":    prompt,
		"variables": vars,
		"settings": map[string]any{
			"maxOutputTokens": req.Settings.MaxOutputTokens,
			"temperature":     req.Settings.Temperature,
			"topP":            req.Settings.TopP,
		},
	})
}

func classifyStatus(err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return Errorf(KindTemplateNotFound, "generation service: %w", err)
	case codes.DeadlineExceeded:
		return Errorf(KindTimeout, "generation service: %w", err)
	case codes.InvalidArgument, codes.PermissionDenied, codes.FailedPrecondition:
		return Errorf(KindRejected, "generation service: %w", err)
	default:
		return Errorf(KindTransport, "generation service: %w", err)
	}
}
