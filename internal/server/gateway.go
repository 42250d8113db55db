package server

import (
	"context"
	"io"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const maxBodyBytes = 1 << 20

type route struct {
	method, path string
	handler      runtime.HandlerFunc
}

// newGateway routes the REST API to api in-process.
func newGateway(api *PoolServer, svc SandboxService, metricsHandler http.Handler) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	marshaler := &runtime.JSONPb{}

	unary := func(call func(context.Context, *structpb.Struct) (*structpb.Struct, error)) runtime.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			ctx := r.Context()
			in := new(structpb.Struct)
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err == nil && len(body) > 0 {
				err = protojson.Unmarshal(body, in)
			}
			if err == nil && len(body) == 0 {
				in.Fields = make(map[string]*structpb.Value)
				for k, v := range r.URL.Query() {
					in.Fields[k] = structpb.NewStringValue(v[0])
				}
			}
			if err != nil {
				runtime.HTTPError(ctx, mux, marshaler, w, r, status.Errorf(codes.InvalidArgument, "invalid body: %v", err))
				return
			}
			out, err := call(ctx, in)
			if err != nil {
				runtime.HTTPError(ctx, mux, marshaler, w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, out)
		}
	}

	routes := []route{
		{http.MethodPost, "/v1/connect", unary(api.Connect)},
		{http.MethodPost, "/v1/release", unary(api.Release)},
		{http.MethodPost, "/v1/call_tool", unary(api.CallTool)},
		{http.MethodGet, "/v1/units", unary(api.ListUnits)},
		{http.MethodGet, "/v1/health", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			healthy := svc.Health(r.Context())
			code := http.StatusOK
			if !healthy {
				code = http.StatusServiceUnavailable
			}
			out, _ := structpb.NewStruct(map[string]any{"healthy": healthy})
			writeJSON(w, code, out)
		}},
	}
	if metricsHandler != nil {
		routes = append(routes, route{http.MethodGet, "/metrics", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			metricsHandler.ServeHTTP(w, r)
		}})
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, rt.handler); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func writeJSON(w http.ResponseWriter, code int, msg *structpb.Struct) {
	data, err := protojson.Marshal(msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}
