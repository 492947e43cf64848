package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	pipelineerrors "github.com/ghlake/ghlake/internal/errors"
	"github.com/ghlake/ghlake/internal/ledger"
	"github.com/ghlake/ghlake/internal/pipeline"
	"github.com/ghlake/ghlake/pkg/types"
)

// DayRunner runs one day synchronously.
type DayRunner interface {
	RunDay(ctx context.Context, day types.Day) (*pipeline.DayReport, error)
}

// RunReader looks up recorded runs.
type RunReader interface {
	LatestRun(ctx context.Context, day types.Day) (*ledger.Run, error)
}

// Server implements PipelineServer.
type Server struct {
	runner DayRunner
	runs   RunReader
	logger *zap.Logger
}

var _ PipelineServer = (*Server)(nil)

// NewServer creates a PipelineService implementation.
func NewServer(runner DayRunner, runs RunReader, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{runner: runner, runs: runs, logger: logger.Named("grpc")}
}

// RunDay processes a day and returns its report. A stage failure is not a
// transport error: the report comes back with state "failed" and the error.
func (s *Server) RunDay(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	day, err := dayField(req)
	if err != nil {
		return nil, err
	}

	report, err := s.runner.RunDay(ctx, day)
	if report == nil {
		return nil, toStatus(err)
	}
	if err != nil {
		s.logger.Warn("run failed", zap.String("day", day.String()),
			zap.String("request_id", extractRequestID(ctx)), zap.Error(err))
	}
	return toStruct(report)
}

// GetDay returns the latest ledger run for a day.
func (s *Server) GetDay(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	day, err := dayField(req)
	if err != nil {
		return nil, err
	}

	run, err := s.runs.LatestRun(ctx, day)
	if errors.Is(err, ledger.ErrRunNotFound) {
		return nil, status.Errorf(codes.NotFound, "no runs for %s", day)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "ledger: %v", err)
	}

	out := map[string]interface{}{
		"run_id":             run.RunID,
		"day":                run.Day.String(),
		"state":              run.State,
		"partially_failed":   run.Partial,
		"error":              run.Error,
		"silver_fingerprint": run.SilverFingerprint,
		"gold_fingerprint":   run.GoldFingerprint,
		"hour_success_ratio": run.HourSuccessRatio,
		"started_at":         run.StartedAt.Format(time.RFC3339Nano),
		"updated_at":         run.UpdatedAt.Format(time.RFC3339Nano),
	}
	if len(run.Report) > 0 {
		var report map[string]interface{}
		if err := json.Unmarshal(run.Report, &report); err == nil {
			out["report"] = report
		}
	}
	st, err := structpb.NewStruct(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode run: %v", err)
	}
	return st, nil
}

// LoggingInterceptor logs every unary call with its request ID.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("rpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", extractRequestID(ctx)))
		return resp, err
	}
}

func dayField(req *structpb.Struct) (types.Day, error) {
	v, ok := req.GetFields()["day"]
	if !ok {
		return types.Day{}, status.Error(codes.InvalidArgument, "day is required")
	}
	day, err := types.ParseDay(v.GetStringValue())
	if err != nil {
		return types.Day{}, status.Errorf(codes.InvalidArgument, "invalid day: %v", err)
	}
	return day, nil
}

// toStruct converts a report through its JSON form.
func toStruct(report *pipeline.DayReport) (*structpb.Struct, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode report: %v", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, status.Errorf(codes.Internal, "encode report: %v", err)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode report: %v", err)
	}
	return st, nil
}

func toStatus(err error) error {
	switch {
	case err == nil:
		return status.Error(codes.Internal, "run produced no report")
	case pipelineerrors.GetCode(err) == pipelineerrors.CodeLeaseHeld:
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// extractRequestID returns the caller's x-request-id, or a fresh one.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}
