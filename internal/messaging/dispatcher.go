package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"dpsim-api/internal/domain"
)

// Dispatcher delivers work orders to the compute backend. Dispatch returns
// only after the broker has accepted (or refused) the message.
type Dispatcher interface {
	Dispatch(ctx context.Context, order domain.WorkOrder) error
	HealthCheck(ctx context.Context) error
	Close() error
}

type DispatchErrorKind int

const (
	KindConnection DispatchErrorKind = iota
	KindDeclare
	KindPublish
	KindUnexpectedConfirmation
)

func (k DispatchErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindDeclare:
		return "declare"
	case KindPublish:
		return "publish"
	default:
		return "unexpected_confirmation"
	}
}

type DispatchError struct {
	Backend string
	Target  string
	Kind    DispatchErrorKind
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s dispatch to %s failed (%s): %v", e.Backend, e.Target, e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

func encodeWorkOrder(order domain.WorkOrder) ([]byte, error) {
	data, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal work order: %w", err)
	}
	return data, nil
}
