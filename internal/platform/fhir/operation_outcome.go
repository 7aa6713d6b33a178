package fhir

// OperationOutcome severity levels per FHIR R4.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes per FHIR R4.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeStructure    = "structure"
	IssueTypeRequired     = "required"
	IssueTypeValue        = "value"
	IssueTypeNotFound     = "not-found"
	IssueTypeConflict     = "conflict"
	IssueTypeProcessing   = "processing"
	IssueTypeSecurity     = "security"
	IssueTypeForbidden    = "forbidden"
	IssueTypeTooCostly    = "too-costly"
	IssueTypeBusinessRule = "business-rule"
	IssueTypeException    = "exception"
	IssueTypeTimeout      = "timeout"
	IssueTypeTransient    = "transient"
	IssueTypeDuplicate    = "duplicate"
)

var validIssueTypes = map[string]bool{
	IssueTypeInvalid:      true,
	IssueTypeStructure:    true,
	IssueTypeRequired:     true,
	IssueTypeValue:        true,
	IssueTypeNotFound:     true,
	IssueTypeConflict:     true,
	IssueTypeProcessing:   true,
	IssueTypeSecurity:     true,
	IssueTypeForbidden:    true,
	IssueTypeTooCostly:    true,
	IssueTypeBusinessRule: true,
	IssueTypeException:    true,
	IssueTypeTimeout:      true,
	IssueTypeTransient:    true,
	IssueTypeDuplicate:    true,
}

func IsValidIssueType(code string) bool {
	return validIssueTypes[code]
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, FormatReference(resourceType, id)+" not found")
}

func ConflictOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeConflict, diagnostics)
}

func InternalErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityFatal, IssueTypeException, diagnostics)
}

// RequiredFieldOutcome reports a missing required element at expression.
func RequiredFieldOutcome(expression string) *OperationOutcome {
	oo := NewOperationOutcome(IssueSeverityError, IssueTypeRequired, expression+" is required")
	oo.Issue[0].Expression = []string{expression}
	return oo
}
