package strategy

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"strategy-engine/internal/market"
)

const (
	workerService            = "signals.v1.SignalWorker"
	methodComputeIndicators  = "/" + workerService + "/ComputeIndicators"
	methodSignal             = "/" + workerService + "/Signal"
	defaultRemoteCallTimeout = 5 * time.Second
)

// Remote is a Source evaluated by an out-of-process worker over gRPC.
// Messages are google.protobuf.Struct documents:
//
//	ComputeIndicators {source, parameters, bars:[{time, open, high, low, close, volume}]} -> {rows:[{values}]}
//	Signal            {source, parameters, bar, values} -> {signal}
type Remote struct {
	conn    *grpc.ClientConn
	name    string
	params  map[string]any
	timeout time.Duration
}

// DialRemote creates a client for the named source on the worker at addr.
func DialRemote(addr, name string, params map[string]any, opts ...grpc.DialOption) (*Remote, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial signal worker %s: %w", addr, err)
	}
	return &Remote{conn: conn, name: name, params: params, timeout: defaultRemoteCallTimeout}, nil
}

func (r *Remote) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func (r *Remote) ComputeIndicators(ctx context.Context, bars []market.Bar) ([]Row, error) {
	if len(bars) == 0 {
		return nil, nil
	}
	list := make([]any, 0, len(bars))
	for _, b := range bars {
		list = append(list, barFields(b))
	}
	req, err := structpb.NewStruct(map[string]any{
		"source":     r.name,
		"parameters": r.parameters(),
		"bars":       list,
	})
	if err != nil {
		return nil, fmt.Errorf("encode bars: %w", err)
	}

	resp := &structpb.Struct{}
	if err := r.invoke(ctx, methodComputeIndicators, req, resp); err != nil {
		return nil, err
	}

	remoteRows := resp.GetFields()["rows"].GetListValue().GetValues()
	if len(remoteRows) != len(bars) {
		return nil, fmt.Errorf("signal worker returned %d rows for %d bars", len(remoteRows), len(bars))
	}
	rows := make([]Row, len(bars))
	for i, v := range remoteRows {
		rows[i] = Row{Bar: bars[i], Values: numberMap(v.GetStructValue().GetFields()["values"].GetStructValue())}
	}
	return rows, nil
}

func (r *Remote) Signal(ctx context.Context, row Row) (Action, error) {
	values := make(map[string]any, len(row.Values))
	for k, v := range row.Values {
		values[k] = v
	}
	req, err := structpb.NewStruct(map[string]any{
		"source":     r.name,
		"parameters": r.parameters(),
		"bar":        barFields(row.Bar),
		"values":     values,
	})
	if err != nil {
		return ActionNone, fmt.Errorf("encode row: %w", err)
	}
	resp := &structpb.Struct{}
	if err := r.invoke(ctx, methodSignal, req, resp); err != nil {
		return ActionNone, err
	}
	return ParseAction(resp.GetFields()["signal"].GetStringValue()), nil
}

func (r *Remote) invoke(ctx context.Context, method string, req, resp *structpb.Struct) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.conn.Invoke(ctx, method, req, resp); err != nil {
		return fmt.Errorf("signal worker %s: %w", method, err)
	}
	return nil
}

func (r *Remote) parameters() map[string]any {
	if r.params == nil {
		return map[string]any{}
	}
	return r.params
}

func barFields(b market.Bar) map[string]any {
	return map[string]any{
		"time":   float64(b.Time.UnixMilli()),
		"open":   b.Open,
		"high":   b.High,
		"low":    b.Low,
		"close":  b.Close,
		"volume": b.Volume,
	}
}

func barFromFields(s *structpb.Struct) market.Bar {
	f := s.GetFields()
	return market.Bar{
		Time:   time.UnixMilli(int64(f["time"].GetNumberValue())).UTC(),
		Open:   f["open"].GetNumberValue(),
		High:   f["high"].GetNumberValue(),
		Low:    f["low"].GetNumberValue(),
		Close:  f["close"].GetNumberValue(),
		Volume: f["volume"].GetNumberValue(),
	}
}

func numberMap(s *structpb.Struct) map[string]float64 {
	out := make(map[string]float64, len(s.GetFields()))
	for k, v := range s.GetFields() {
		if _, ok := v.GetKind().(*structpb.Value_NumberValue); ok {
			out[k] = v.GetNumberValue()
		}
	}
	return out
}
