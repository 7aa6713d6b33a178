package empi

import (
	"fmt"
	"strings"
)

// OperationType is the REST operation that produced the target.
type OperationType string

const (
	OperationCreate OperationType = "CREATE"
	OperationUpdate OperationType = "UPDATE"
)

// ParseOperationType accepts CREATE or UPDATE in any case.
func ParseOperationType(s string) (OperationType, error) {
	switch op := OperationType(strings.ToUpper(strings.TrimSpace(s))); op {
	case OperationCreate, OperationUpdate:
		return op, nil
	}
	return "", fmt.Errorf("%w: operation must be CREATE or UPDATE, got %q", ErrConfiguration, s)
}

// TransactionContext carries one decision cycle's operation type, the
// candidates it considered and its ordered trace of decisions. It belongs to
// a single caller and is not safe for concurrent use.
type TransactionContext struct {
	Operation   OperationType
	logMessages []string
	candidates  []MatchedPersonCandidate
}

func NewTransactionContext(op OperationType) *TransactionContext {
	return &TransactionContext{Operation: op}
}

// AddLogMessage appends one trace entry.
func (tc *TransactionContext) AddLogMessage(msg string) {
	tc.logMessages = append(tc.logMessages, msg)
}

// LogMessages returns a copy of the trace in insertion order.
func (tc *TransactionContext) LogMessages() []string {
	out := make([]string, len(tc.logMessages))
	copy(out, tc.logMessages)
	return out
}

// Candidates returns the candidates the cycle decided over.
func (tc *TransactionContext) Candidates() []MatchedPersonCandidate {
	out := make([]MatchedPersonCandidate, len(tc.candidates))
	copy(out, tc.candidates)
	return out
}

func (tc *TransactionContext) validate() error {
	if tc == nil {
		return fmt.Errorf("%w: transaction context is required", ErrConfiguration)
	}
	if tc.Operation != OperationCreate && tc.Operation != OperationUpdate {
		return fmt.Errorf("%w: operation type not set on transaction context", ErrConfiguration)
	}
	return nil
}
