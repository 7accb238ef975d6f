package lndrpc

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrUnimplemented marks a node that does not serve the requested gRPC
// service. It is the only connect failure that means "try the other
// interface": a locked node answers Unimplemented on the Lightning service
// while its WalletUnlocker is up.
var ErrUnimplemented = errors.New("lndrpc: service not implemented on node")

// FailureKind is the coarse classification of a connect failure. The
// presentation boundary shows these as distinct error screens; finer
// distinctions are deliberately not surfaced.
type FailureKind string

const (
	FailureHostUnreachable FailureKind = "host-unreachable"
	FailureCertificate     FailureKind = "certificate"
	FailureMacaroon        FailureKind = "macaroon"
	FailureUnimplemented   FailureKind = "unimplemented"
	FailureUnavailable     FailureKind = "unavailable"
)

// ConnectError reports a failed session establishment against a node
// endpoint, classified into a FailureKind.
type ConnectError struct {
	Host string
	Kind FailureKind
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("lndrpc: connect %s: %s: %v", e.Host, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrUnimplemented) match a classified error.
func (e *ConnectError) Is(target error) bool {
	return target == ErrUnimplemented && e.Kind == FailureUnimplemented
}

// classifyConnectError maps a probe failure to a ConnectError. gRPC folds
// TLS and dial failures into codes.Unavailable, so the transport detail in
// the status message decides between host and certificate failures.
func classifyConnectError(host string, err error) *ConnectError {
	kind := FailureUnavailable

	switch status.Code(err) {
	case codes.Unimplemented:
		kind = FailureUnimplemented
	case codes.Unavailable, codes.DeadlineExceeded:
		kind = FailureHostUnreachable
		if isCertificateFailure(err) {
			kind = FailureCertificate
		}
	case codes.Unauthenticated, codes.PermissionDenied:
		kind = FailureMacaroon
	default:
		if isMacaroonFailure(err) {
			kind = FailureMacaroon
		}
	}

	return &ConnectError{Host: host, Kind: kind, Err: err}
}

func isCertificateFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "certificate") ||
		strings.Contains(msg, "x509") ||
		strings.Contains(msg, "tls")
}

func isMacaroonFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "macaroon")
}
