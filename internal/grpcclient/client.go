package grpcclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"time"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/kunleshipo/face-recognition-liveness/internal/facetools"
	"github.com/kunleshipo/face-recognition-liveness/internal/logging"
)

// ServiceName is the gRPC service exposed by the model server.
const ServiceName = "facetools.v1.FaceTools"

const (
	detectFacesMethod   = "/" + ServiceName + "/DetectFaces"
	scoreIdentityMethod = "/" + ServiceName + "/ScoreIdentity"
	scoreLivenessMethod = "/" + ServiceName + "/ScoreLiveness"
)

// Client talks to the FaceTools model server. It implements facetools.Detector,
// facetools.IdentityScorer and facetools.LivenessScorer and is safe for concurrent use.
type Client struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	timeout time.Duration
	logger  *zap.Logger
}

// DialFaceTools connects to the model server and blocks until the connection is up.
func DialFaceTools(ctx context.Context, addr string, callTimeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_facetools", "", err)
		logger.Error("failed to dial facetools", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return &Client{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		timeout: callTimeout,
		logger:  logger.Named("facetools_client"),
	}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Models exposes the client as the process-wide collaborator bundle.
func (c *Client) Models() facetools.Models {
	return facetools.Models{Detector: c, Identity: c, Liveness: c}
}

// Ready succeeds once the model server reports its models and facebank as loaded.
func (c *Client) Ready(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return logging.NewOperationError("grpcclient.health_check", "", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return logging.NewOperationError("grpcclient.health_check", "", fmt.Errorf("facetools status %s", resp.GetStatus()))
	}
	return nil
}

// DetectFaces returns faces in detector order. Crops are cut locally from img.
func (c *Client) DetectFaces(ctx context.Context, img image.Image) ([]facetools.Face, error) {
	var reply structpb.Struct
	if err := c.call(ctx, "grpcclient.detect_faces", detectFacesMethod, img, &reply); err != nil {
		return nil, err
	}

	entries := reply.GetFields()["faces"].GetListValue().GetValues()
	faces := make([]facetools.Face, 0, len(entries))
	bounds := img.Bounds()
	for i, entry := range entries {
		box, err := parseBox(entry.GetStructValue())
		if err != nil {
			return nil, c.fail(ctx, "grpcclient.detect_faces", fmt.Errorf("face %d: %w", i, err))
		}
		box = box.Add(bounds.Min).Intersect(bounds)
		if box.Empty() {
			return nil, c.fail(ctx, "grpcclient.detect_faces", fmt.Errorf("face %d: box outside image", i))
		}
		faces = append(faces, facetools.Face{Crop: crop(img, box), Box: box})
	}
	return faces, nil
}

// ScoreIdentity compares a face crop against the server's facebank.
func (c *Client) ScoreIdentity(ctx context.Context, face image.Image) (facetools.IdentityScore, error) {
	var reply structpb.Struct
	if err := c.call(ctx, "grpcclient.score_identity", scoreIdentityMethod, face, &reply); err != nil {
		return facetools.IdentityScore{}, err
	}

	fields := reply.GetFields()
	minScore, okMin := number(fields, "min_score")
	meanScore, okMean := number(fields, "mean_score")
	if !okMin || !okMean {
		return facetools.IdentityScore{}, c.fail(ctx, "grpcclient.score_identity", errors.New("reply is missing min_score or mean_score"))
	}

	score := facetools.IdentityScore{Min: minScore, Mean: meanScore}
	if name := fields["match_filename"].GetStringValue(); name != "" {
		matchScore, _ := number(fields, "match_score")
		score.Match = &facetools.GalleryMatch{Filename: name, Score: matchScore}
	}
	return score, nil
}

// ScoreLiveness returns the raw liveness confidence for a face crop.
func (c *Client) ScoreLiveness(ctx context.Context, face image.Image) (float64, error) {
	var reply wrapperspb.DoubleValue
	if err := c.call(ctx, "grpcclient.score_liveness", scoreLivenessMethod, face, &reply); err != nil {
		return 0, err
	}
	return reply.GetValue(), nil
}

func (c *Client) call(ctx context.Context, operation, method string, img image.Image, reply any) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return c.fail(ctx, operation, fmt.Errorf("encode image: %w", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if requestID := logging.RequestIDFromContext(ctx); requestID != "" {
		callCtx = metadata.AppendToOutgoingContext(callCtx, "x-request-id", requestID)
	}

	if err := c.conn.Invoke(callCtx, method, wrapperspb.Bytes(buf.Bytes()), reply); err != nil {
		return c.fail(ctx, operation, err)
	}
	return nil
}

func (c *Client) fail(ctx context.Context, operation string, err error) error {
	requestID := logging.RequestIDFromContext(ctx)
	wrapped := logging.NewOperationError(operation, requestID, err)
	logging.WithOperation(c.logger, operation, requestID).Error("facetools call failed",
		zap.Error(wrapped), zap.String("grpc_code", status.Code(err).String()))
	return wrapped
}

func parseBox(s *structpb.Struct) (image.Rectangle, error) {
	fields := s.GetFields()
	x, okX := number(fields, "x")
	y, okY := number(fields, "y")
	w, okW := number(fields, "width")
	h, okH := number(fields, "height")
	if !okX || !okY || !okW || !okH {
		return image.Rectangle{}, errors.New("bounding box requires x, y, width and height")
	}
	return image.Rect(int(x), int(y), int(x+w), int(y+h)), nil
}

func number(fields map[string]*structpb.Value, key string) (float64, bool) {
	v, ok := fields[key]
	if !ok {
		return 0, false
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return n.NumberValue, true
}

func crop(img image.Image, box image.Rectangle) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, box.Dx(), box.Dy()))
	draw.Draw(dst, dst.Bounds(), img, box.Min, draw.Src)
	return dst
}
