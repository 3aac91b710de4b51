package httpc

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownScheme    = errors.New("httpc: unknown scheme")
	ErrPoolSaturated    = errors.New("httpc: connection pool saturated")
	ErrPoolShutdown     = errors.New("httpc: connection pool shut down")
	ErrCancelled        = errors.New("httpc: exchange cancelled")
	ErrConnectionClosed = errors.New("httpc: connection closed before response completed")
	ErrSocketTimeout    = errors.New("httpc: socket timeout")
	ErrExchangeTimeout  = errors.New("httpc: exchange timeout")
	ErrClientClosed     = errors.New("httpc: client closed")
	ErrResponseTooLarge = errors.New("httpc: response body too large")
	ErrNoAddress        = errors.New("httpc: no address for host")
)

type FailureKind int

const (
	KindConnect FailureKind = iota + 1
	KindIO
	KindProtocol
	KindProducer
	KindConsumer
	KindSaturation
	KindTimeout
	KindShutdown
)

func (k FailureKind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindIO:
		return "io"
	case KindProtocol:
		return "protocol"
	case KindProducer:
		return "producer"
	case KindConsumer:
		return "consumer"
	case KindSaturation:
		return "saturation"
	case KindTimeout:
		return "timeout"
	case KindShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ExecutionError 是Future.Get返回的失败，Cause保留原始错误
type ExecutionError struct {
	Kind  FailureKind
	Route Route
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("httpc: %s failure on %s: %v", e.Kind, e.Route, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

type UnknownSchemeError struct {
	Scheme string
}

func (e *UnknownSchemeError) Error() string {
	return fmt.Sprintf("httpc: unknown scheme %q", e.Scheme)
}

func (e *UnknownSchemeError) Is(target error) bool {
	return target == ErrUnknownScheme
}

// ConnectError 连接建立阶段的失败，包括dns，tcp和tls握手
type ConnectError struct {
	Route Route
	Op    string
	Err   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("httpc: %s %s: %v", e.Op, e.Route.Address(), e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// 用来区分decoder回调里面consumer返回的错误
type consumerFailure struct {
	err error
}

func (e *consumerFailure) Error() string {
	return e.err.Error()
}

func (e *consumerFailure) Unwrap() error {
	return e.err
}

func classify(err error) (FailureKind, error) {
	var cf *consumerFailure
	if errors.As(err, &cf) {
		return KindConsumer, cf.err
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return KindProtocol, err
	}
	return KindIO, err
}
