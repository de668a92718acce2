// Copyright (C) 2016--2020 Lightbits Labs Ltd.
// SPDX-License-Identifier: Apache-2.0

package grpcutil

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CodeToLogrusLevel picks the severity used to log the outcome of a remote
// API call. expected "negative" outcomes (e.g. NotFound while waiting for a
// resource to go away, PermissionDenied in RBAC checks) stay at info level.
func CodeToLogrusLevel(code codes.Code) logrus.Level {
	switch code {
	case codes.OK,
		codes.Canceled,
		codes.NotFound,
		codes.PermissionDenied:
		return logrus.InfoLevel
	case codes.Aborted,
		codes.AlreadyExists,
		codes.DeadlineExceeded,
		codes.FailedPrecondition,
		codes.InvalidArgument,
		codes.OutOfRange,
		codes.ResourceExhausted,
		codes.Unauthenticated,
		codes.Unavailable,
		codes.Unimplemented:
		return logrus.WarnLevel
	case codes.DataLoss,
		codes.Internal,
		codes.Unknown:
		return logrus.ErrorLevel
	default:
		return logrus.ErrorLevel
	}
}

// CodeFromHTTPStatus maps the HTTP status of a failed REST call onto the
// gRPC code space used throughout the suite for error classification.
func CodeFromHTTPStatus(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		return codes.OK
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.Aborted
	case http.StatusRequestEntityTooLarge,
		http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusNotImplemented:
		return codes.Unimplemented
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	case http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	}
	if httpStatus >= 500 && httpStatus < 600 {
		return codes.Internal
	}
	return codes.Unknown
}

// Code returns the gRPC code carried by `err`: OK for nil, Unknown for
// errors that are not status based.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	return codes.Unknown
}

func IsNotFound(err error) bool {
	return err != nil && Code(err) == codes.NotFound
}

func ErrFromCtxErr(err error) error {
	switch err {
	case context.Canceled:
		return status.Error(codes.Canceled, "context canceled")
	case context.DeadlineExceeded:
		return status.Error(codes.DeadlineExceeded, "context deadline exceeded")
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}
