package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/approvalgate/internal/model"
)

// The service carries EvaluateRequest/EvaluateResponse as
// google.protobuf.Struct so no generated stubs are needed.
const (
	serviceName    = "approvalgate.v1.DecisionService"
	evaluateMethod = "/" + serviceName + "/Evaluate"
)

type decisionServer interface {
	Evaluate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*decisionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: evaluateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "approvalgate/v1/decision.proto",
}

func evaluateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(decisionServer).Evaluate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: evaluateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(decisionServer).Evaluate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type grpcServer struct {
	ev Evaluator
}

func (s *grpcServer) Evaluate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req EvaluateRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if err := req.Call.Validate(); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid call: %v", err)
	}
	var (
		v   model.Verdict
		err error
	)
	if req.DryRun {
		v, err = Preview(ctx, s.ev, req.Call, req.Risk)
	} else {
		v, err = s.ev.Evaluate(ctx, req.Call, req.Risk)
	}
	if errors.Is(err, ErrNoDryRun) {
		return nil, status.Error(codes.Unimplemented, err.Error())
	}
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "evaluation failed: %v", err)
	}
	return toStruct(ResponseFromVerdict(v))
}

// RegisterGRPC serves ev on srv.
func RegisterGRPC(srv *grpc.Server, ev Evaluator) {
	srv.RegisterService(&serviceDesc, &grpcServer{ev: ev})
}

// GRPCClient calls a remote decision engine over gRPC.
type GRPCClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	retry   RetryPolicy
}

// NewGRPCClient connects to addr. Extra dial options are appended after
// insecure transport credentials.
func NewGRPCClient(addr string, opts ...grpc.DialOption) (*GRPCClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to decision engine: %w", err)
	}
	return &GRPCClient{conn: conn, timeout: 5 * time.Second, retry: DefaultRetry}, nil
}

// WithRetry replaces the retry policy for Evaluate.
func (c *GRPCClient) WithRetry(p RetryPolicy) *GRPCClient {
	c.retry = p
	return c
}

// Evaluate invokes the remote engine. Unavailable and DeadlineExceeded
// are retried under the client's RetryPolicy; other RPC failures are
// returned at once. Wrap with FailClosed.
func (c *GRPCClient) Evaluate(ctx context.Context, d model.CallDescriptor, tag model.RiskTag) (model.Verdict, error) {
	return c.call(ctx, EvaluateRequest{Call: d, Risk: tag})
}

// Match asks the remote engine for a dry-run verdict.
func (c *GRPCClient) Match(ctx context.Context, d model.CallDescriptor, tag model.RiskTag) (model.Verdict, error) {
	return c.call(ctx, EvaluateRequest{Call: d, Risk: tag, DryRun: true})
}

func (c *GRPCClient) call(ctx context.Context, req EvaluateRequest) (model.Verdict, error) {
	in, err := toStruct(req)
	if err != nil {
		return model.Verdict{}, err
	}
	return retry(ctx, c.retry, func() (model.Verdict, error) {
		return c.invoke(ctx, in)
	})
}

func (c *GRPCClient) invoke(ctx context.Context, in *structpb.Struct) (model.Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, evaluateMethod, in, out); err != nil {
		err = fmt.Errorf("decision engine rpc failed: %w", err)
		switch status.Code(err) {
		case codes.Unavailable, codes.DeadlineExceeded:
			return model.Verdict{}, err
		}
		return model.Verdict{}, backoff.Permanent(err)
	}
	var resp EvaluateResponse
	if err := fromStruct(out, &resp); err != nil {
		return model.Verdict{}, backoff.Permanent(fmt.Errorf("malformed decision engine response: %w", err))
	}
	return resp.Verdict(), nil
}

// Close closes the connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
