// Package provider defines the uniform boundary to external generation
// services. Adapters are stateless per call and safe for concurrent use.
package provider

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/duaia/backend/internal/models"
)

// ErrUnsupportedOperation is returned by an adapter asked to submit a kind it does not serve.
var ErrUnsupportedOperation = errors.New("provider: unsupported operation")

// Status is the normalized state of an external task. Exactly one of
// Processing, Succeeded or Failed.
type Status interface {
	isStatus()
}

// Processing means the provider is still working.
type Processing struct {
	Progress string
}

// Succeeded carries the provider's result payload.
type Succeeded struct {
	Result json.RawMessage
}

// Failed carries the provider's failure reason.
type Failed struct {
	Reason string
}

func (Processing) isStatus() {}
func (Succeeded) isStatus()  {}
func (Failed) isStatus()     {}

// Terminal reports whether s ends the task.
func Terminal(s Status) bool {
	switch s.(type) {
	case Succeeded, Failed:
		return true
	}
	return false
}

// Adapter submits work to one provider and reports its status. Poll receives
// the kind the task was submitted as, since some providers keep a separate
// status endpoint per operation family.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, kind models.OperationKind, input json.RawMessage) (string, error)
	Poll(ctx context.Context, kind models.OperationKind, externalID string) (Status, error)
}

// CallbackParser is implemented by adapters whose provider pushes status
// updates. It turns a verified callback body into the task id and status.
type CallbackParser interface {
	ParseCallback(body []byte) (string, Status, error)
}
