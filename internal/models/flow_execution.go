package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ExecutionStatus is the lifecycle state of a flow execution
type ExecutionStatus string

const (
	ExecutionProcessing ExecutionStatus = "PROCESSING"
	ExecutionWaiting    ExecutionStatus = "WAITING"
	ExecutionCompleted  ExecutionStatus = "COMPLETED"
	ExecutionAbandoned  ExecutionStatus = "ABANDONED"
)

// IsLive reports whether the status counts against the one-live-execution
// invariant for a (contact, flow) pair
func (s ExecutionStatus) IsLive() bool {
	return s == ExecutionProcessing || s == ExecutionWaiting
}

// UserResponse is one captured ACTION-node reply
type UserResponse struct {
	NodeID    string    `json:"nodeId"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionError is one recovered node failure logged into the context
type ExecutionError struct {
	NodeID    string    `json:"nodeId"`
	NodeType  string    `json:"nodeType"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionMetadata holds the error log and AI classification results
type ExecutionMetadata struct {
	Errors            []ExecutionError  `json:"errors,omitempty"`
	AIClassifications map[string]string `json:"aiClassifications,omitempty"`
}

// ExecutionContext is the per-execution scratch space. CampaignID is written
// once at creation and never changes afterwards; it is the only signal used
// to re-derive campaign ownership later.
type ExecutionContext struct {
	Variables     map[string]interface{} `json:"variables"`
	UserResponses []UserResponse         `json:"userResponses,omitempty"`
	ExecutedNodes []string               `json:"executedNodes,omitempty"`
	Metadata      ExecutionMetadata      `json:"metadata"`
	CampaignID    string                 `json:"campaignId,omitempty"`
}

// NewExecutionContext returns an empty context, optionally owned by a campaign
func NewExecutionContext(campaignID string) ExecutionContext {
	return ExecutionContext{
		Variables:  make(map[string]interface{}),
		CampaignID: campaignID,
	}
}

// SetVariable stores a context variable, allocating the map if needed
func (c *ExecutionContext) SetVariable(name string, value interface{}) {
	if c.Variables == nil {
		c.Variables = make(map[string]interface{})
	}
	c.Variables[name] = value
}

// RecordNode appends a node id to the audit trail
func (c *ExecutionContext) RecordNode(nodeID string) {
	c.ExecutedNodes = append(c.ExecutedNodes, nodeID)
}

// RecordError appends a recovered node failure to the metadata error log
func (c *ExecutionContext) RecordError(nodeID string, nodeType NodeType, err error) {
	c.Metadata.Errors = append(c.Metadata.Errors, ExecutionError{
		NodeID:    nodeID,
		NodeType:  string(nodeType),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

// RecordClassification stores an AI node's branch classification
func (c *ExecutionContext) RecordClassification(nodeID, label string) {
	if c.Metadata.AIClassifications == nil {
		c.Metadata.AIClassifications = make(map[string]string)
	}
	c.Metadata.AIClassifications[nodeID] = label
}

// Value implements driver.Valuer so the context persists as jsonb
func (c ExecutionContext) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan implements sql.Scanner
func (c *ExecutionContext) Scan(value interface{}) error {
	if value == nil {
		*c = ExecutionContext{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for ExecutionContext scan: %T", value)
	}
	return json.Unmarshal(data, c)
}

// FlowExecution represents one running or finished instance of a flow for one
// contact. At most one execution per (contact, flow) may be PROCESSING or
// WAITING at any time; a partial unique index enforces this alongside the
// transactional find-or-create.
type FlowExecution struct {
	ID            string           `json:"id" gorm:"primaryKey;type:uuid"`
	ContactID     string           `json:"contact_id" gorm:"type:uuid;not null;index"`
	FlowID        string           `json:"flow_id" gorm:"type:uuid;not null;index"`
	CurrentNodeID string           `json:"current_node_id" gorm:"type:varchar(255)"`
	Status        ExecutionStatus  `json:"status" gorm:"type:varchar(20);not null;index"`
	Context       ExecutionContext `json:"context" gorm:"type:jsonb"`
	StartedAt     time.Time        `json:"started_at"`
	CompletedAt   *time.Time       `json:"completed_at"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`

	Contact Contact `json:"-" gorm:"foreignKey:ContactID;references:ID;constraint:OnDelete:CASCADE"`
	Flow    Flow    `json:"-" gorm:"foreignKey:FlowID;references:ID;constraint:OnDelete:CASCADE"`
}

// BeforeCreate is a GORM hook that runs before creating a new record
func (e *FlowExecution) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for the FlowExecution model
func (FlowExecution) TableName() string {
	return "flow_executions"
}

// ExecutionSnapshot is the observability view of an execution
type ExecutionSnapshot struct {
	ID            string           `json:"id"`
	ContactID     string           `json:"contact_id"`
	FlowID        string           `json:"flow_id"`
	CurrentNodeID string           `json:"current_node_id"`
	Status        ExecutionStatus  `json:"status"`
	Context       ExecutionContext `json:"context"`
	StartedAt     time.Time        `json:"started_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}
