// filename: internal/automation/executor/nats_backend.go
package executor

import (
	"context"
	"encoding/json"

	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/common/nats"
)

// Requester запрос-ответ поверх шины сообщений
type Requester interface {
	Request(ctx context.Context, subject string, payload interface{}) ([]byte, error)
}

// NATSBackend отправляет операции агентам серверов по субъекту ops.<type> // v1.0
type NATSBackend struct {
	requester Requester
	prefix    string
}

// NewNATSBackend создает бэкенд поверх NATS запрос-ответ // v1.0
func NewNATSBackend(requester Requester) *NATSBackend {
	return &NATSBackend{
		requester: requester,
		prefix:    nats.SubjectOpsPrefix,
	}
}

// Subject возвращает субъект для типа действия // v1.0
func (b *NATSBackend) Subject(req OperationRequest) string {
	return b.prefix + string(req.Type)
}

// Execute выполняет запрос и разбирает ответ агента // v1.0
func (b *NATSBackend) Execute(ctx context.Context, req OperationRequest) (OperationResult, error) {
	data, err := b.requester.Request(ctx, b.Subject(req), req)
	if err != nil {
		if ctx.Err() != nil {
			return OperationResult{}, errors.Wrap(err, errors.ErrorCodeActionTimeout, "operation request timed out")
		}
		return OperationResult{}, errors.Wrap(err, errors.ErrorCodeBackendUnavailable, "operation backend unavailable")
	}

	var result OperationResult
	if err := json.Unmarshal(data, &result); err != nil {
		return OperationResult{}, errors.Wrap(err, errors.ErrorCodeNATSRequest, "invalid operation reply")
	}
	return result, nil
}
