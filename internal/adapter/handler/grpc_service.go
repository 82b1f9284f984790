package handler

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/rl1809/lot-ledger/internal/core/domain"
	"github.com/rl1809/lot-ledger/internal/core/service"
)

// JSONCodecName is the content subtype clients select with
// grpc.CallContentSubtype to talk to StockService.
const JSONCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return JSONCodecName }

type InboundRequest struct {
	RequestId      string `json:"requestId"`
	ProductId      int64  `json:"productId"`
	Quantity       int32  `json:"quantity"`
	ExpirationDate string `json:"expirationDate,omitempty"`
}

type InboundResponse struct {
	Lot domain.Lot `json:"lot"`
}

type OutboundRequest struct {
	RequestId string `json:"requestId"`
	ProductId int64  `json:"productId"`
	Quantity  int32  `json:"quantity"`
}

type OutboundResponse struct {
	Success     bool                 `json:"success"`
	Allocations []service.Allocation `json:"allocations"`
}

type HistoryRequest struct {
	ProductId int64 `json:"productId"`
}

type HistoryResponse struct {
	Movements []domain.MovementView `json:"movements"`
}

type StockServiceServer interface {
	Inbound(context.Context, *InboundRequest) (*InboundResponse, error)
	Outbound(context.Context, *OutboundRequest) (*OutboundResponse, error)
	History(context.Context, *HistoryRequest) (*HistoryResponse, error)
}

func RegisterStockServiceServer(s grpc.ServiceRegistrar, srv StockServiceServer) {
	s.RegisterService(&StockService_ServiceDesc, srv)
}

var StockService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "lotledger.StockService",
	HandlerType: (*StockServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Inbound", Handler: unaryHandler("Inbound", StockServiceServer.Inbound)},
		{MethodName: "Outbound", Handler: unaryHandler("Outbound", StockServiceServer.Outbound)},
		{MethodName: "History", Handler: unaryHandler("History", StockServiceServer.History)},
	},
	Streams: []grpc.StreamDesc{},
}

func unaryHandler[Req, Resp any](method string, call func(StockServiceServer, context.Context, *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/lotledger.StockService/" + method

	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(StockServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(StockServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// StockServiceClient calls StockService over a client connection using the JSON codec.
type StockServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewStockServiceClient(cc grpc.ClientConnInterface) *StockServiceClient {
	return &StockServiceClient{cc: cc}
}

func (c *StockServiceClient) Inbound(ctx context.Context, in *InboundRequest, opts ...grpc.CallOption) (*InboundResponse, error) {
	out := new(InboundResponse)
	if err := c.invoke(ctx, "Inbound", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StockServiceClient) Outbound(ctx context.Context, in *OutboundRequest, opts ...grpc.CallOption) (*OutboundResponse, error) {
	out := new(OutboundResponse)
	if err := c.invoke(ctx, "Outbound", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StockServiceClient) History(ctx context.Context, in *HistoryRequest, opts ...grpc.CallOption) (*HistoryResponse, error) {
	out := new(HistoryResponse)
	if err := c.invoke(ctx, "History", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StockServiceClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	return c.cc.Invoke(ctx, "/lotledger.StockService/"+method, in, out, opts...)
}

func (x *InboundRequest) GetRequestId() string {
	if x != nil {
		return x.RequestId
	}
	return ""
}

func (x *InboundRequest) GetProductId() int64 {
	if x != nil {
		return x.ProductId
	}
	return 0
}

func (x *InboundRequest) GetQuantity() int32 {
	if x != nil {
		return x.Quantity
	}
	return 0
}

func (x *InboundRequest) GetExpirationDate() string {
	if x != nil {
		return x.ExpirationDate
	}
	return ""
}

func (x *OutboundRequest) GetRequestId() string {
	if x != nil {
		return x.RequestId
	}
	return ""
}

func (x *OutboundRequest) GetProductId() int64 {
	if x != nil {
		return x.ProductId
	}
	return 0
}

func (x *OutboundRequest) GetQuantity() int32 {
	if x != nil {
		return x.Quantity
	}
	return 0
}

func (x *HistoryRequest) GetProductId() int64 {
	if x != nil {
		return x.ProductId
	}
	return 0
}
