package grpcclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/snapclassify/internal/classifier"
	"github.com/example/snapclassify/internal/logging"
)

// ClassifyMethod is the full gRPC method name served by the remote model runtime.
// Requests and responses are BytesValue messages holding little-endian float32 arrays.
const ClassifyMethod = "/snapclassify.v1.ModelRuntime/Classify"

// DialModelRuntime returns a classifier backed by a remote model runtime.
func DialModelRuntime(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (classifier.Classifier, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_model_runtime", "", err)
		logger.Error("failed to dial model runtime", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewClassifier(conn, logger), conn, nil
}

// NewClassifier wraps an established connection.
func NewClassifier(conn grpc.ClientConnInterface, logger *zap.Logger) classifier.Classifier {
	return &grpcClassifier{conn: conn, logger: logger}
}

type grpcClassifier struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcClassifier) Classify(ctx context.Context, tensor []float32) ([]float32, error) {
	req := wrapperspb.Bytes(EncodeFloats(tensor))
	resp := new(wrapperspb.BytesValue)
	if err := g.conn.Invoke(ctx, ClassifyMethod, req, resp); err != nil {
		g.logger.Error("model runtime call failed", zap.Error(err), zap.Int("tensor_len", len(tensor)))
		return nil, &classifier.Error{Backend: "grpc", Err: err}
	}

	confidences, err := DecodeFloats(resp.GetValue())
	if err != nil {
		return nil, &classifier.Error{Backend: "grpc", Err: err}
	}
	return confidences, nil
}

// EncodeFloats packs values as little-endian IEEE 754 float32.
func EncodeFloats(values []float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// DecodeFloats reverses EncodeFloats.
func DecodeFloats(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("grpcclient: payload length %d is not a multiple of 4", len(buf))
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return out, nil
}
