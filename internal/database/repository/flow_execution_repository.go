package repository

import (
	"errors"
	"strings"
	"time"

	"github.com/flowzap/flowzap-backend/internal/models"

	"gorm.io/gorm"
)

// ErrCampaignFlowCompleted is returned by FindOrCreate when a COMPLETED
// execution already exists for the pair and completion blocks re-triggering
var ErrCampaignFlowCompleted = errors.New("flow already completed for this contact")

type FlowExecutionRepository struct {
	db *gorm.DB
}

func NewFlowExecutionRepository(db *gorm.DB) *FlowExecutionRepository {
	return &FlowExecutionRepository{db: db}
}

// GetByID retrieves an execution by ID
func (r *FlowExecutionRepository) GetByID(id string) (*models.FlowExecution, error) {
	var execution models.FlowExecution
	err := r.db.First(&execution, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &execution, nil
}

// GetLiveByContact retrieves the contact's executions in PROCESSING or
// WAITING, oldest first
func (r *FlowExecutionRepository) GetLiveByContact(contactID string) ([]*models.FlowExecution, error) {
	var executions []*models.FlowExecution
	err := r.db.Where("contact_id = ? AND status IN ?",
		contactID, []models.ExecutionStatus{models.ExecutionProcessing, models.ExecutionWaiting}).
		Order("started_at ASC").
		Find(&executions).Error
	return executions, err
}

// GetLiveByContactAndFlow retrieves the live execution for a (contact, flow)
// pair, if any
func (r *FlowExecutionRepository) GetLiveByContactAndFlow(contactID, flowID string) (*models.FlowExecution, error) {
	var execution models.FlowExecution
	err := r.db.Where("contact_id = ? AND flow_id = ? AND status IN ?",
		contactID, flowID, []models.ExecutionStatus{models.ExecutionProcessing, models.ExecutionWaiting}).
		First(&execution).Error
	if err != nil {
		return nil, err
	}
	return &execution, nil
}

// GetLatestCompleted retrieves the most recent COMPLETED execution for a
// (contact, flow) pair, used by the cooldown gate
func (r *FlowExecutionRepository) GetLatestCompleted(contactID, flowID string) (*models.FlowExecution, error) {
	var execution models.FlowExecution
	err := r.db.Where("contact_id = ? AND flow_id = ? AND status = ?",
		contactID, flowID, models.ExecutionCompleted).
		Order("completed_at DESC").
		First(&execution).Error
	if err != nil {
		return nil, err
	}
	return &execution, nil
}

// Update persists the execution's current node, status and context
// unconditionally. Only the explicit reset path may use it; interpreter
// writes go through UpdateLive so they cannot resurrect a terminal row.
func (r *FlowExecutionRepository) Update(execution *models.FlowExecution) error {
	return r.db.Save(execution).Error
}

// UpdateLive persists the execution only while the stored row is still
// PROCESSING or WAITING. An abandon or reset landing while a node was in
// flight wins the race: the write matches zero rows and ok is false, telling
// the interpreter to stop without touching the row.
func (r *FlowExecutionRepository) UpdateLive(execution *models.FlowExecution) (bool, error) {
	result := r.db.Model(&models.FlowExecution{}).
		Where("id = ? AND status IN ?", execution.ID,
			[]models.ExecutionStatus{models.ExecutionProcessing, models.ExecutionWaiting}).
		Updates(map[string]interface{}{
			"current_node_id": execution.CurrentNodeID,
			"status":          execution.Status,
			"context":         execution.Context,
			"completed_at":    execution.CompletedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// FindOrCreate atomically returns the live execution for (contact, flow) or
// creates a new one. The transaction re-checks for a live row and, when
// blockIfCompleted is set (campaign flows), for a COMPLETED row before
// inserting, closing the race between check and create. Two concurrent
// webhook deliveries therefore end up sharing one row: the loser of the
// insert race observes the winner's execution. Returns created=false when an
// existing execution was returned.
func (r *FlowExecutionRepository) FindOrCreate(contactID, flowID, startNodeID, campaignID string, blockIfCompleted bool) (*models.FlowExecution, bool, error) {
	var result *models.FlowExecution
	created := false

	err := r.db.Transaction(func(tx *gorm.DB) error {
		var existing models.FlowExecution
		err := tx.Where("contact_id = ? AND flow_id = ? AND status IN ?",
			contactID, flowID, []models.ExecutionStatus{models.ExecutionProcessing, models.ExecutionWaiting}).
			First(&existing).Error
		if err == nil {
			result = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if blockIfCompleted {
			var count int64
			err = tx.Model(&models.FlowExecution{}).
				Where("contact_id = ? AND flow_id = ? AND status = ?",
					contactID, flowID, models.ExecutionCompleted).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				return ErrCampaignFlowCompleted
			}
		}

		execution := &models.FlowExecution{
			ContactID:     contactID,
			FlowID:        flowID,
			CurrentNodeID: startNodeID,
			Status:        models.ExecutionProcessing,
			Context:       models.NewExecutionContext(campaignID),
			StartedAt:     time.Now().UTC(),
		}
		if err := tx.Create(execution).Error; err != nil {
			return err
		}
		result = execution
		created = true
		return nil
	})

	if err != nil {
		if isUniqueViolation(err) {
			// Lost the insert race against a concurrent delivery; the
			// winner's live row is now readable.
			existing, readErr := r.GetLiveByContactAndFlow(contactID, flowID)
			if readErr != nil {
				return nil, false, readErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	return result, created, nil
}

// Abandon marks an execution ABANDONED with a completion timestamp
func (r *FlowExecutionRepository) Abandon(id string) error {
	now := time.Now().UTC()
	return r.db.Model(&models.FlowExecution{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       models.ExecutionAbandoned,
			"completed_at": &now,
		}).Error
}

// Complete marks an execution COMPLETED with a completion timestamp
func (r *FlowExecutionRepository) Complete(id string) error {
	now := time.Now().UTC()
	return r.db.Model(&models.FlowExecution{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       models.ExecutionCompleted,
			"completed_at": &now,
		}).Error
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "duplicate key")
}
