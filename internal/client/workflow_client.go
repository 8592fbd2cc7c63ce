package client

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const workflowService = "/bookkeeping.v1.WorkflowService/"

// WorkflowClient calls a running server's WorkflowService. Requests and
// responses are plain Go values converted through JSON.
type WorkflowClient struct {
	conn *grpc.ClientConn
}

// DialWorkflowService connects to addr without transport security.
func DialWorkflowService(addr string, opts ...grpc.DialOption) (*WorkflowClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(ForwardMetadata),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &WorkflowClient{conn: conn}, nil
}

// NewWorkflowClient wraps an existing connection.
func NewWorkflowClient(conn *grpc.ClientConn) *WorkflowClient {
	return &WorkflowClient{conn: conn}
}

// Close closes the connection.
func (c *WorkflowClient) Close() error {
	return c.conn.Close()
}

// WithIdentity attaches caller identity to outgoing calls. token, when set,
// is sent as a bearer token; tenant and user are sent as plain metadata.
func WithIdentity(ctx context.Context, token, tenantID, userID string) context.Context {
	pairs := []string{}
	if token != "" {
		pairs = append(pairs, "authorization", "Bearer "+token)
	}
	if tenantID != "" {
		pairs = append(pairs, "x-tenant-id", tenantID)
	}
	if userID != "" {
		pairs = append(pairs, "x-user-id", userID)
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// Call invokes method with in and decodes the response into out. A nil in
// sends an empty message; a nil out discards the response.
func (c *WorkflowClient) Call(ctx context.Context, method string, in, out any) error {
	req := new(structpb.Struct)
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", method, err)
		}
		if err := protojson.Unmarshal(data, req); err != nil {
			return fmt.Errorf("encode %s request: %w", method, err)
		}
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, workflowService+method, req, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}

	data, err := protojson.Marshal(resp)
	if err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return json.Unmarshal(data, out)
}

// RunGeneration triggers a generation run for the caller's tenant.
func (c *WorkflowClient) RunGeneration(ctx context.Context, triggeredBy string, out any) error {
	return c.Call(ctx, "RunGeneration", map[string]string{"triggered_by": triggeredBy}, out)
}

// CreateWorkflow creates one workflow definition.
func (c *WorkflowClient) CreateWorkflow(ctx context.Context, in, out any) error {
	return c.Call(ctx, "CreateWorkflow", in, out)
}
