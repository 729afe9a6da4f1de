package kafka

import (
	"errors"
	"fmt"
)

var (
	ErrReaderClosed = errors.New("partition reader closed")
	ErrNoGroup      = errors.New("no group configured for acknowledgments")
)

// BrokerError is returned when the broker rejects or fails an operation on a partition
type BrokerError struct {
	Op        string
	Partition TopicPartition
	Cause     error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Partition, e.Cause)
}

func (e *BrokerError) Unwrap() error {
	return e.Cause
}

func NewBrokerError(op string, tp TopicPartition, cause error) error {
	return &BrokerError{
		Op:        op,
		Partition: tp,
		Cause:     cause,
	}
}

func AsBrokerError(err error) (*BrokerError, bool) {
	var be *BrokerError
	if errors.As(err, &be) {
		return be, true
	}

	return nil, false
}
