package rpc

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/robustmq/robustmq/pkg/errs"
)

// redirectPrefix marks the tail of a Consensus status message carrying a
// forward-to address, parsed back out by pkg/client's leader retry.
const redirectPrefix = "redirect="

func kindToCode(k errs.Kind) codes.Code {
	switch k {
	case errs.NotFound:
		return codes.NotFound
	case errs.Conflict:
		return codes.AlreadyExists
	case errs.Auth:
		return codes.PermissionDenied
	case errs.Consensus:
		return codes.FailedPrecondition
	case errs.Capacity:
		return codes.ResourceExhausted
	case errs.Protocol:
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// toStatusError converts a handler error into a grpc status error so the
// client sees a real code instead of codes.Unknown, and so a Consensus
// error's RedirectAddr survives the wire (plain errs.Error.Error() drops
// it, since that string is meant for local logs, not RPC transport).
func toStatusError(err error) error {
	if err == nil {
		return nil
	}
	var e *errs.Error
	if !errors.As(err, &e) {
		return status.Error(codes.Internal, err.Error())
	}
	msg := e.Message
	if e.Kind == errs.Consensus && e.RedirectAddr != "" {
		msg = fmt.Sprintf("%s; %s%s", msg, redirectPrefix, e.RedirectAddr)
	}
	return status.Error(kindToCode(e.Kind), msg)
}

// RedirectFromStatus extracts a forward-to address from a status error
// produced by toStatusError, if one is present. Used by pkg/client to
// retry a write against the current leader without the caller having to
// know about errs.Error internals.
func RedirectFromStatus(err error) (string, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return "", false
	}
	idx := strings.LastIndex(st.Message(), redirectPrefix)
	if idx < 0 {
		return "", false
	}
	return st.Message()[idx+len(redirectPrefix):], true
}
