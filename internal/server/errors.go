package server

import (
	"errors"
	"net/http"

	"PerpBook/internal/errs"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorMapping struct {
	target error
	code   codes.Code
	http   int
}

// The gateway's default table maps FailedPrecondition to 400; rejected
// trading preconditions are reported as 409 instead.
var errorMappings = []errorMapping{
	{errs.ErrInvalidInput, codes.InvalidArgument, http.StatusBadRequest},
	{errs.ErrInsufficientCollateral, codes.FailedPrecondition, http.StatusConflict},
	{errs.ErrNoLiquidity, codes.FailedPrecondition, http.StatusConflict},
	{errs.ErrPositionNotLiquidatable, codes.FailedPrecondition, http.StatusConflict},
	{errs.ErrOrderNotFound, codes.NotFound, http.StatusNotFound},
	{errs.ErrPositionNotFound, codes.NotFound, http.StatusNotFound},
	{errs.ErrNotOwner, codes.PermissionDenied, http.StatusForbidden},
	{errs.ErrReentrantLiquidation, codes.Aborted, http.StatusConflict},
	{errs.ErrPriceUnavailable, codes.Unavailable, http.StatusServiceUnavailable},
}

// Code returns the gRPC code for an engine error.
func Code(err error) codes.Code {
	if m, ok := lookup(err); ok {
		return m.code
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	return codes.Internal
}

// ToStatus converts an engine error into a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && !isSentinel(err) {
		return err
	}
	return status.Error(Code(err), err.Error())
}

// httpError wraps err so the gateway error handler writes the right HTTP
// status with a google.rpc.Status body.
func httpError(err error) error {
	st := ToStatus(err)
	if m, ok := lookup(err); ok {
		return &runtime.HTTPStatusError{HTTPStatus: m.http, Err: st}
	}
	return st
}

func lookup(err error) (errorMapping, bool) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m, true
		}
	}
	return errorMapping{}, false
}

func isSentinel(err error) bool {
	_, ok := lookup(err)
	return ok
}
