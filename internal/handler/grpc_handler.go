package handler

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-bookkeeping-workflows/internal/repository"
	"github.com/pesio-ai/be-bookkeeping-workflows/internal/service"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/middleware"
)

// ServiceName is the fully qualified gRPC service name. Every method takes
// and returns a google.protobuf.Struct carrying the same JSON documents as
// the REST API.
const ServiceName = "bookkeeping.v1.WorkflowService"

// WorkflowServiceServer is the server side of ServiceName.
type WorkflowServiceServer interface {
	Invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error)
}

type grpcMethod func(ctx context.Context, id middleware.Identity, body []byte) (any, error)

// GRPCHandler implements the WorkflowService gRPC interface
type GRPCHandler struct {
	svc     *service.Services
	methods map[string]grpcMethod
	logger  zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(svc *service.Services, logger zerolog.Logger) *GRPCHandler {
	h := &GRPCHandler{
		svc:    svc,
		logger: logger.With().Str("handler", "grpc").Logger(),
	}
	h.methods = map[string]grpcMethod{
		"CreateWorkflow":       h.createWorkflow,
		"GetWorkflow":          h.getWorkflow,
		"ListWorkflows":        h.listWorkflows,
		"UpdateWorkflow":       h.updateWorkflow,
		"DeleteWorkflow":       h.deleteWorkflow,
		"CreateRequest":        h.createRequest,
		"GetRequest":           h.getRequest,
		"ListRequests":         h.listRequests,
		"ApproveStep":          h.approveStep,
		"RejectStep":           h.rejectStep,
		"CancelRequest":        h.cancelRequest,
		"ListPendingApprovals": h.listPendingApprovals,
		"GetApprovalHistory":   h.getApprovalHistory,
		"CreateTemplate":       h.createTemplate,
		"GetTemplate":          h.getTemplate,
		"ListTemplates":        h.listTemplates,
		"UpdateTemplate":       h.updateTemplate,
		"DeleteTemplate":       h.deleteTemplate,
		"RunGeneration":        h.runGeneration,
		"PreviewGeneration":    h.previewGeneration,
		"ListGenerationLogs":   h.listGenerationLogs,
		"ApprovalDashboard":    h.approvalDashboard,
		"RecurringDashboard":   h.recurringDashboard,
	}
	return h
}

// Register adds the service to s.
func (h *GRPCHandler) Register(s *grpc.Server) {
	s.RegisterService(h.ServiceDesc(), h)
}

// ServiceDesc describes every method of the service.
func (h *GRPCHandler) ServiceDesc() *grpc.ServiceDesc {
	names := make([]string, 0, len(h.methods))
	for name := range h.methods {
		names = append(names, name)
	}
	sort.Strings(names)

	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*WorkflowServiceServer)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "bookkeeping/v1/workflow_service.proto",
	}
	for _, name := range names {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    unaryHandler(name),
		})
	}
	return desc
}

func unaryHandler(method string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		server := srv.(WorkflowServiceServer)
		if interceptor == nil {
			return server.Invoke(ctx, method, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return server.Invoke(ctx, method, req.(*structpb.Struct))
		})
	}
}

// Invoke dispatches one call by method name.
func (h *GRPCHandler) Invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	fn, ok := h.methods[method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", method)
	}
	id, ok := middleware.IdentityFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing identity")
	}

	body, err := protojson.Marshal(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request message")
	}

	result, err := fn(ctx, id, body)
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeInternal {
			h.logger.Error().Err(err).Str("method", method).Msg("gRPC call failed")
		}
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(result)
}

// ── Workflows ─────────────────────────────────────────────────────────────────

type idMessage struct {
	ID string `json:"id"`
}

type listMessage struct {
	ActiveOnly bool `json:"active_only"`
	Limit      int  `json:"limit"`
}

func (h *GRPCHandler) createWorkflow(ctx context.Context, id middleware.Identity, body []byte) (any, error) {
	var in service.CreateWorkflowInput
	if err := unmarshal(body, &in); err != nil {
		return nil, err
	}
	in.TenantID = id.TenantID
	in.CreatedBy = &id.UserID
	return h.svc.Workflows.CreateWorkflow(ctx, in)
}

func (h *GRPCHandler) getWorkflow(ctx context.Context, id middleware.Identity, body []byte) (any, error) {
	var msg idMessage
	if err := unmarshal(body, &msg); err != nil {
		return nil, err
	}
	return h.svc.Workflows.GetWorkflow(ctx, msg.ID, id.TenantID)
}

func (h *GRPCHandler) listWorkflows(ctx context.Context, id middleware.Identity, body []byte) (any, error) {
	var msg listMessage
	if err := unmarshal(body, &msg); err != nil {
		return nil, err
	}
	list, err := h.svc.Workflows.ListWorkflows(ctx, id.TenantID, msg.ActiveOnly)
	if err != nil {
		return nil, err
	}
	return map[string]any{"workflows": list}, nil
}

func (h *GRPCHandler) updateWorkflow(ctx context.Context, id middleware.Identity, body []byte) (any, error) {
	var msg struct {
		ID    string                   `json:"id"`
		Patch repository.WorkflowPatch `json:"patch"`
	}
	if err := unmarshal(body, &msg); err != nil {
		return nil, err
	}
	return h.svc.Workflows.UpdateWorkflow(ctx, msg.ID, id.TenantID, msg.Patch)
}

func (h *GRPCHandler) deleteWorkflow(ctx context.Context, id middleware.Identity, body []byte) (any, error) {
	var msg idMessage
	if err := unmarshal(body, &msg); err != nil {
		return nil, err
	}
	if err := h.svc.Workflows.DeleteWorkflow(ctx, msg.ID, id.TenantID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true}, nil
}

// ── Approval requests ─────────────────────────────────────────────────────────

type decisionMessage struct {
	StepID    string  `json:"step_id"`
	RequestID string  `json:"request_id"`
	Notes     *string `json:"notes,omitempty"`
	Reason    string  `json:"reason"`
}

func (h *GRPCHandler) createRequest(ctx context.Context, id middleware.Identity, body []byte) (any, error) {
	var msg createRequestBody
	if err := unmarshal(body, &msg); err != nil {
		return nil, err
	}
	return h.svc.Approvals.CreateRequest(ctx, service.CreateRequestInput{
		TenantID:    id.TenantID,
		RequestType: msg.RequestType,
		RequestData: msg.RequestData,
		RequestorID: id.UserID,
		Priority:    msg.Priority,
		DueDate:     msg.DueDate,
	})
}

func (h *GRPCHandler) getRequest(ctx context.Context, id middleware.Identity, body []byte) (any, error) {
	var msg idMessage
	if err := unmarshal(body, &msg); err != nil {
		return nil, err
	}
	return h.svc.Approvals.GetRequest(ctx, msg.ID, id.TenantID)
}

func (h *GRPCHandler) listRequests(ctx context.Context, id middleware.Identity, body []byte) (any, error) {
	var msg struct {
		Status      string `json:"status"`
		RequestType string `json:"request_type"`
		RequestorID string `json:"requestor_id"`
		Limit       int    `json:"limit"`
	}
	if err := unmarshal(body, &msg); err != nil {
		return nil, err
	}

	filter := repository.RequestFilter{Limit: msg.Limit}
	if msg.Status != "" {
		s := repository.RequestStatus(msg.Status)
		filter.Status = &s
	}
	if msg.RequestType != "" {
		filter.RequestType = &msg.RequestType
	}
	if msg.RequestorID != "" {
		filter.RequestorID = &msg.RequestorID
	}

	list, err := h.svc.Approvals.ListRequests(ctx, id.TenantID, filter)
	if err != nil {
		return nil, err
	}
	return map[string]any{"requests": list}, nil
}

func (h *GRPCHandler) approveStep(ctx context.Context, id middleware.Identity, body []byte) (any, error) {
	var msg decisionMessage
	if err := unmarshal(body, &msg); err != nil {
		return nil, err
	}
	return h.svc.Approvals.ApproveStep(ctx, msg.StepID, id.TenantID, id.UserID, msg.Notes)
}

func (h *GRPCHandler) rejectStep(ctx context.Context, id middleware.Identity, body []byte) (any, error) {
	var msg decisionMessage
	if err := unmarshal(body, &msg); err != nil {
		return nil, err
	}
	return h.svc.Approvals.RejectStep(ctx, msg.StepID, id.TenantID, id.UserID, msg.Reason)
}

func (h *GRPCHandler) cancelRequest(ctx context.Context, id middleware.Identity, body []byte) (any, error) {
	var msg decisionMessage
	if err := unmarshal(body, &msg); err != nil {
		return nil, err
	}
	return h.svc.Approvals.CancelRequest(ctx, msg.RequestID, id.TenantID, id.UserID, msg.Reason)
}

func (h *GRPCHandler) listPendingApprovals(ctx context.Context, id middleware.Identity, body []byte) (any, error) {
	var msg struct {
		Approver string `json:"approver"`
	}
	if err := unmarshal(body, &msg); err != nil {
		return nil, err
	}
	switch msg.Approver {
	case "":
		msg.Approver = id.UserID
	case "*":
		msg.Approver = ""
	}
	steps, err := h.svc.Approvals.ListPendingApprovals(ctx, id.TenantID, msg.Approver)
	if err != nil {
		return nil, err
	}
	return map[string]any{"steps": steps}, nil
}

func (h *GRPCHandler) getApprovalHistory(ctx context.Context, id middleware.Identity, body []byte) (any, error) {
	var msg idMessage
	if err := unmarshal(body, &msg); err != nil {
		return nil, err
	}
	entries, err := h.svc.Approvals.GetApprovalHistory(ctx, msg.ID, id.TenantID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"history": entries}, nil
}

// ── Recurring ─────────────────────────────────────────────────────────────────

func (h *GRPCHandler) createTemplate(ctx context.Context, id middleware.Identity, body []byte) (any, error) {
	var in service.CreateTemplateInput
	if err := unmarshal(body, &in); err != nil {
		return nil, err
	}
	in.TenantID = id.TenantID
	return h.svc.Recurring.CreateTemplate(ctx, in)
}

func (h *GRPCHandler) getTemplate(ctx context.Context, id middleware.Identity, body []byte) (any, error) {
	var msg idMessage
	if err := unmarshal(body, &msg); err != nil {
		return nil, err
	}
	return h.svc.Recurring.GetTemplate(ctx, msg.ID, id.TenantID)
}

func (h *GRPCHandler) listTemplates(ctx context.Context, id middleware.Identity, body []byte) (any, error) {
	var msg listMessage
	if err := unmarshal(body, &msg); err != nil {
		return nil, err
	}
	list, err := h.svc.Recurring.ListTemplates(ctx, id.TenantID, msg.ActiveOnly)
	if err != nil {
		return nil, err
	}
	return map[string]any{"templates": list}, nil
}

func (h *GRPCHandler) updateTemplate(ctx context.Context, id middleware.Identity, body []byte) (any, error) {
	var msg struct {
		ID    string                   `json:"id"`
		Patch repository.TemplatePatch `json:"patch"`
	}
	if err := unmarshal(body, &msg); err != nil {
		return nil, err
	}
	return h.svc.Recurring.UpdateTemplate(ctx, msg.ID, id.TenantID, msg.Patch)
}

func (h *GRPCHandler) deleteTemplate(ctx context.Context, id middleware.Identity, body []byte) (any, error) {
	var msg idMessage
	if err := unmarshal(body, &msg); err != nil {
		return nil, err
	}
	if err := h.svc.Recurring.DeleteTemplate(ctx, msg.ID, id.TenantID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true}, nil
}

func (h *GRPCHandler) runGeneration(ctx context.Context, id middleware.Identity, body []byte) (any, error) {
	var msg struct {
		TriggeredBy string `json:"triggered_by"`
	}
	if err := unmarshal(body, &msg); err != nil {
		return nil, err
	}
	if msg.TriggeredBy == "" {
		msg.TriggeredBy = "user:" + id.UserID
	}
	return h.svc.Generation.Run(ctx, id.TenantID, msg.TriggeredBy)
}

func (h *GRPCHandler) previewGeneration(ctx context.Context, id middleware.Identity, body []byte) (any, error) {
	var msg struct {
		At *time.Time `json:"at,omitempty"`
	}
	if err := unmarshal(body, &msg); err != nil {
		return nil, err
	}
	var at time.Time
	if msg.At != nil {
		at = *msg.At
	}
	items, err := h.svc.Generation.Preview(ctx, id.TenantID, at)
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": items}, nil
}

func (h *GRPCHandler) listGenerationLogs(ctx context.Context, id middleware.Identity, body []byte) (any, error) {
	var msg listMessage
	if err := unmarshal(body, &msg); err != nil {
		return nil, err
	}
	if msg.Limit < 0 {
		return nil, errors.InvalidInput("limit", "must be a non-negative integer")
	}
	logs, err := h.svc.Generation.ListLogs(ctx, id.TenantID, msg.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"logs": logs}, nil
}

// ── Dashboards ────────────────────────────────────────────────────────────────

func (h *GRPCHandler) approvalDashboard(ctx context.Context, id middleware.Identity, _ []byte) (any, error) {
	return h.svc.Dashboards.ApprovalDashboard(ctx, id.TenantID)
}

func (h *GRPCHandler) recurringDashboard(ctx context.Context, id middleware.Identity, _ []byte) (any, error) {
	return h.svc.Dashboards.RecurringDashboard(ctx, id.TenantID)
}

// ── Conversion ────────────────────────────────────────────────────────────────

func unmarshal(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return errors.InvalidInput("body", "invalid request message")
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

// FromStruct decodes a response message into v.
func FromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// grpcCodes maps domain error codes to gRPC status codes.
var grpcCodes = map[errors.Code]codes.Code{
	errors.ErrCodeInvalidInput:         codes.InvalidArgument,
	errors.ErrCodeNotFound:             codes.NotFound,
	errors.ErrCodeConflict:             codes.Aborted,
	errors.ErrCodeUnauthorized:         codes.Unauthenticated,
	errors.ErrCodeForbidden:            codes.PermissionDenied,
	errors.ErrCodeNoApplicableWorkflow: codes.FailedPrecondition,
	errors.ErrCodeInternal:             codes.Internal,
}

// mapErrorToGRPC converts a domain error into a status carrying the domain
// code as ErrorInfo.Reason and the offending field, if any.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	code := errors.CodeOf(err)
	grpcCode, ok := grpcCodes[code]
	if !ok {
		grpcCode = codes.Internal
	}

	st := status.New(grpcCode, errors.PublicMessage(err))
	info := &errdetails.ErrorInfo{Reason: string(code), Domain: ServiceName}
	if field := errors.FieldOf(err); field != "" {
		info.Metadata = map[string]string{"field": field}
	}
	if withDetails, derr := st.WithDetails(info); derr == nil {
		st = withDetails
	}
	return st.Err()
}

// DomainCode recovers the domain error code from a status error produced by
// the service.
func DomainCode(err error) errors.Code {
	st, ok := status.FromError(err)
	if !ok {
		return errors.ErrCodeInternal
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			return errors.Code(info.Reason)
		}
	}
	return errors.ErrCodeInternal
}
