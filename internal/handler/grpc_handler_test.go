package handler

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/client"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/metrics"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/middleware"
)

type grpcEnv struct {
	client  *client.WorkflowClient
	conn    *grpc.ClientConn
	metrics *metrics.Metrics
}

func newGRPCEnv(t *testing.T, auth *middleware.Authenticator) *grpcEnv {
	t.Helper()
	log := zerolog.Nop()
	m := metrics.New("test")

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RecoveryInterceptor(log),
		LoggingInterceptor(log, m),
		AuthInterceptor(auth),
	))
	NewGRPCHandler(newServices(t), log).Register(srv)
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(client.ForwardMetadata),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &grpcEnv{client: client.NewWorkflowClient(conn), conn: conn, metrics: m}
}

func as(tenant, user string) context.Context {
	return client.WithIdentity(context.Background(), "", tenant, user)
}

func TestGRPC_Health(t *testing.T) {
	env := newGRPCEnv(t, middleware.NewAuthenticator(""))
	resp, err := healthpb.NewHealthClient(env.conn).Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestGRPC_Unauthenticated(t *testing.T) {
	env := newGRPCEnv(t, middleware.NewAuthenticator(""))
	err := env.client.Call(context.Background(), "ListWorkflows", nil, nil)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestGRPC_UnknownMethod(t *testing.T) {
	env := newGRPCEnv(t, middleware.NewAuthenticator(""))
	err := env.client.Call(as("tenant-a", "alice"), "Teleport", nil, nil)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestGRPC_ApprovalFlow(t *testing.T) {
	env := newGRPCEnv(t, middleware.NewAuthenticator(""))
	ctx := as("tenant-a", "admin")

	var wf struct {
		ID string `json:"id"`
	}
	require.NoError(t, env.client.CreateWorkflow(ctx, twoStepWorkflow, &wf))
	require.NotEmpty(t, wf.ID)

	var detail detailBody
	require.NoError(t, env.client.Call(as("tenant-a", "alice"), "CreateRequest", map[string]any{
		"request_type": "expense",
		"request_data": map[string]any{"amount": 250},
		"priority":     "high",
	}, &detail))
	require.Len(t, detail.Steps, 1)

	err := env.client.Call(as("tenant-a", "mallory"), "ApproveStep", map[string]any{"step_id": detail.Steps[0].ID}, nil)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	assert.Equal(t, errors.ErrCodeForbidden, DomainCode(err))

	require.NoError(t, env.client.Call(as("tenant-a", "manager"), "ApproveStep",
		map[string]any{"step_id": detail.Steps[0].ID}, nil))

	err = env.client.Call(as("tenant-a", "manager"), "ApproveStep", map[string]any{"step_id": detail.Steps[0].ID}, nil)
	assert.Equal(t, codes.Aborted, status.Code(err))
	assert.Equal(t, errors.ErrCodeConflict, DomainCode(err))

	var pending struct {
		Steps []struct {
			ID       string `json:"id"`
			Approver string `json:"approver"`
		} `json:"steps"`
	}
	require.NoError(t, env.client.Call(ctx, "ListPendingApprovals", map[string]any{"approver": "*"}, &pending))
	require.Len(t, pending.Steps, 1)
	assert.Equal(t, "finance", pending.Steps[0].Approver)

	require.NoError(t, env.client.Call(as("tenant-a", "bob"), "RejectStep",
		map[string]any{"step_id": pending.Steps[0].ID, "reason": "over budget"}, nil))

	var got detailBody
	require.NoError(t, env.client.Call(ctx, "GetRequest", map[string]any{"id": detail.Request.ID}, &got))
	assert.Equal(t, "rejected", got.Request.Status)

	err = env.client.Call(as("tenant-b", "eve"), "GetRequest", map[string]any{"id": detail.Request.ID}, nil)
	assert.Equal(t, codes.NotFound, status.Code(err))

	n, err := testutil.GatherAndCount(env.metrics.Registry(), "test_grpc_requests_total")
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestGRPC_ErrorDetails(t *testing.T) {
	env := newGRPCEnv(t, middleware.NewAuthenticator(""))
	ctx := as("tenant-a", "alice")

	err := env.client.Call(ctx, "CreateRequest", map[string]any{
		"request_type": "expense",
		"request_data": map[string]any{"amount": 10},
	}, nil)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	assert.Equal(t, errors.ErrCodeNoApplicableWorkflow, DomainCode(err))

	err = env.client.Call(ctx, "CreateWorkflow", map[string]any{"name": "wf"}, nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, errors.ErrCodeInvalidInput, DomainCode(err))
}

func TestGRPC_RecurringAndForwardedMetadata(t *testing.T) {
	env := newGRPCEnv(t, middleware.NewAuthenticator(""))

	// Identity arrives as incoming metadata, as it would inside another
	// handler, and is forwarded by the client interceptor.
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(
		MetadataTenant, "tenant-a",
		MetadataUser, "scheduler",
	))

	var tpl struct {
		ID string `json:"id"`
	}
	require.NoError(t, env.client.Call(ctx, "CreateTemplate", map[string]any{
		"name":               "Payroll",
		"template_type":      "payment",
		"template_data":      map[string]any{"payee_id": "p-1", "amount": 5000, "currency": "USD", "method": "ach"},
		"recurrence_pattern": "weekly",
		"start_date":         baseTime.AddDate(0, 0, -14).Format(time.RFC3339),
	}, &tpl))

	var run struct {
		Generated   int    `json:"generated"`
		TriggeredBy string `json:"triggered_by"`
	}
	require.NoError(t, env.client.RunGeneration(ctx, "cron", &run))
	assert.Equal(t, 1, run.Generated)
	assert.Equal(t, "cron", run.TriggeredBy)

	var logs struct {
		Logs []map[string]any `json:"logs"`
	}
	require.NoError(t, env.client.Call(ctx, "ListGenerationLogs", map[string]any{"limit": 10}, &logs))
	assert.Len(t, logs.Logs, 1)

	var dash map[string]any
	require.NoError(t, env.client.Call(ctx, "RecurringDashboard", nil, &dash))
	assert.Contains(t, dash, "template_stats")

	require.NoError(t, env.client.Call(ctx, "DeleteTemplate", map[string]any{"id": tpl.ID}, nil))
}

func TestGRPC_BearerToken(t *testing.T) {
	auth := middleware.NewAuthenticator("grpc-secret")
	env := newGRPCEnv(t, auth)

	token, err := auth.Sign(middleware.Identity{TenantID: "tenant-a", UserID: "alice"}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)

	var list struct {
		Workflows []any `json:"workflows"`
	}
	require.NoError(t, env.client.Call(client.WithIdentity(context.Background(), token, "", ""), "ListWorkflows", nil, &list))
	assert.Empty(t, list.Workflows)

	err = env.client.Call(as("tenant-a", "alice"), "ListWorkflows", nil, nil)
	assert.Equal(t, codes.Unauthenticated, status.Code(err), "headers alone are not enough once a key is set")
}
