package server

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ajaxzhan/sandboxpool/internal/service"
	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "sandboxpool.v1.SandboxPool"

// SandboxPoolServer is the server API of the SandboxPool service. Requests
// and responses are JSON-shaped structpb.Struct messages.
type SandboxPoolServer interface {
	Connect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Release(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListUnits(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CallTool(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(SandboxPoolServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SandboxPoolServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(SandboxPoolServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// SandboxPoolServiceDesc describes the SandboxPool service to grpc.
var SandboxPoolServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SandboxPoolServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Connect", SandboxPoolServer.Connect),
		unaryHandler("Release", SandboxPoolServer.Release),
		unaryHandler("ListUnits", SandboxPoolServer.ListUnits),
		unaryHandler("CallTool", SandboxPoolServer.CallTool),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sandboxpool/v1/sandboxpool.proto",
}

// RegisterSandboxPoolServer registers srv on s.
func RegisterSandboxPoolServer(s grpc.ServiceRegistrar, srv SandboxPoolServer) {
	s.RegisterService(&SandboxPoolServiceDesc, srv)
}

// SandboxPoolClient calls the SandboxPool service.
type SandboxPoolClient struct {
	cc grpc.ClientConnInterface
}

// NewSandboxPoolClient creates a client on cc.
func NewSandboxPoolClient(cc grpc.ClientConnInterface) *SandboxPoolClient {
	return &SandboxPoolClient{cc: cc}
}

func (c *SandboxPoolClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SandboxPoolClient) Connect(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Connect", in, opts...)
}

func (c *SandboxPoolClient) Release(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Release", in, opts...)
}

func (c *SandboxPoolClient) ListUnits(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListUnits", in, opts...)
}

func (c *SandboxPoolClient) CallTool(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "CallTool", in, opts...)
}

// ============================================
// PoolServer Implementation
// ============================================

// PoolServer implements SandboxPoolServer on top of the sandbox service.
type PoolServer struct {
	svc SandboxService
}

var _ SandboxPoolServer = (*PoolServer)(nil)

// NewPoolServer creates a new PoolServer.
func NewPoolServer(svc SandboxService) *PoolServer {
	return &PoolServer{svc: svc}
}

type tenantRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

func (r *tenantRequest) validate() error {
	if r.SessionID == "" || r.UserID == "" {
		return status.Error(codes.InvalidArgument, "session_id and user_id are required")
	}
	return nil
}

type connectRequest struct {
	tenantRequest
	SandboxTypes []string        `json:"sandbox_types"`
	Tools        []types.ToolRef `json:"tools"`
}

type unitMessage struct {
	UnitID   string            `json:"unit_id"`
	TypeName string            `json:"type_name"`
	Backend  types.BackendKind `json:"backend"`
	Endpoint string            `json:"endpoint"`
	URL      string            `json:"url"`
	State    types.UnitState   `json:"state,omitempty"`
}

func unitToMessage(u *types.Unit) unitMessage {
	return unitMessage{
		UnitID:   u.ID,
		TypeName: u.TypeName,
		Backend:  u.Backend,
		Endpoint: u.Endpoint.Address(),
		URL:      u.Endpoint.URL(),
		State:    u.State,
	}
}

// Connect binds sandboxes to a tenant.
func (s *PoolServer) Connect(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req connectRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	handles, err := s.svc.Connect(ctx, service.ConnectRequest{
		SessionID:    req.SessionID,
		UserID:       req.UserID,
		SandboxTypes: req.SandboxTypes,
		Tools:        req.Tools,
	})
	if err != nil {
		return nil, toStatus(err)
	}

	units := make([]unitMessage, 0, len(handles))
	for _, h := range handles {
		u := h.Unit()
		units = append(units, unitToMessage(&u))
	}
	return toStruct(map[string]any{"units": units})
}

// Release returns a tenant's sandboxes.
func (s *PoolServer) Release(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req tenantRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"released": s.svc.Release(ctx, req.SessionID, req.UserID)})
}

// ListUnits lists every recorded unit, optionally of one type.
func (s *PoolServer) ListUnits(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		TypeName string `json:"type_name"`
	}
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}

	units, err := s.svc.Units(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	out := make([]unitMessage, 0, len(units))
	for _, u := range units {
		if req.TypeName != "" && u.TypeName != req.TypeName {
			continue
		}
		out = append(out, unitToMessage(u))
	}
	return toStruct(map[string]any{"units": out})
}

// CallTool calls a tool on one of a tenant's sandboxes.
func (s *PoolServer) CallTool(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		tenantRequest
		Tool      string         `json:"tool"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Tool == "" {
		return nil, status.Error(codes.InvalidArgument, "tool is required")
	}

	res, err := s.svc.CallTool(ctx, req.SessionID, req.UserID, req.Tool, req.Arguments)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(res)
}

func fromStruct(in *structpb.Struct, v any) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// toStatus maps service errors to gRPC status codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	var perr *types.ProvisionError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, types.ErrStartupTimeout), errors.Is(err, types.ErrToolTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, types.ErrConfig), errors.Is(err, types.ErrAmbiguousToolSource):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, types.ErrTypeNotFound), errors.Is(err, types.ErrBindingNotFound),
		errors.Is(err, types.ErrUnitNotFound), errors.Is(err, types.ErrToolNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, types.ErrPortExhausted):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.As(err, &perr) && perr.Reason == types.ReasonQuota:
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, types.ErrProvision), errors.Is(err, types.ErrConnection), errors.Is(err, types.ErrServiceStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, types.ErrToolExecution):
		return status.Error(codes.Aborted, err.Error())
	default:
		return status.Errorf(codes.Internal, "%v", err)
	}
}
