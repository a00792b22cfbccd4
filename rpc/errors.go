package rpc

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"goa.design/cascade"
)

// wireError is the JSON document carried in the gRPC status message so the
// client can rebuild the taxonomy error, including its stable type.
type wireError struct {
	Code    string `json:"code"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

var codeNames = map[cascade.Code]string{
	cascade.CodeClient:         "Client",
	cascade.CodeNotFound:       "NotFound",
	cascade.CodePrecondition:   "Precondition",
	cascade.CodeTransient:      "Transient",
	cascade.CodeWorkflowFailed: "WorkflowFailed",
}

var codesByName = map[string]cascade.Code{
	"Client":         cascade.CodeClient,
	"NotFound":       cascade.CodeNotFound,
	"Precondition":   cascade.CodePrecondition,
	"Transient":      cascade.CodeTransient,
	"WorkflowFailed": cascade.CodeWorkflowFailed,
}

func grpcCode(c cascade.Code) codes.Code {
	switch c {
	case cascade.CodeClient:
		return codes.InvalidArgument
	case cascade.CodeNotFound:
		return codes.NotFound
	case cascade.CodePrecondition:
		return codes.FailedPrecondition
	case cascade.CodeWorkflowFailed:
		return codes.Aborted
	default:
		return codes.Unavailable
	}
}

// toStatus converts an engine error into a gRPC status whose message is a
// wireError document.
func toStatus(err error) *status.Status {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.New(codes.DeadlineExceeded, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return status.New(codes.Canceled, err.Error())
	}
	code := cascade.CodeOf(err)
	we := wireError{Code: codeNames[code], Type: cascade.TypeOf(err), Message: err.Error()}
	if we.Type != "" {
		var e *cascade.Error
		if errors.As(err, &e) {
			we.Message = e.Message
		}
	}
	doc, merr := json.Marshal(we)
	if merr != nil {
		return status.New(grpcCode(code), err.Error())
	}
	return status.New(grpcCode(code), string(doc))
}

// fromStatus rebuilds the taxonomy error from a gRPC call error. Statuses
// whose message is not a wireError document map by gRPC code alone.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return cascade.WrapError(cascade.CodeTransient, err, "%s", err.Error())
	}
	switch st.Code() {
	case codes.OK:
		return nil
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.Canceled:
		return context.Canceled
	}
	var we wireError
	if jerr := json.Unmarshal([]byte(st.Message()), &we); jerr == nil && we.Code != "" {
		if code, ok := codesByName[we.Code]; ok {
			if we.Type != "" {
				return cascade.NewTypedError(code, we.Type, "%s", we.Message)
			}
			return cascade.NewError(code, "%s", we.Message)
		}
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return cascade.NewError(cascade.CodeClient, "%s", st.Message())
	case codes.NotFound:
		return cascade.NewError(cascade.CodeNotFound, "%s", st.Message())
	case codes.FailedPrecondition:
		return cascade.NewError(cascade.CodePrecondition, "%s", st.Message())
	case codes.Aborted:
		return cascade.NewError(cascade.CodeWorkflowFailed, "%s", st.Message())
	default:
		return cascade.NewError(cascade.CodeTransient, "%s", st.Message())
	}
}
