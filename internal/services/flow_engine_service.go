package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/flowzap/flowzap-backend/internal/database/repository"
	"github.com/flowzap/flowzap-backend/internal/gateway"
	"github.com/flowzap/flowzap-backend/internal/models"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ExecutionStore is the engine's durable record of state-machine instances
type ExecutionStore interface {
	GetByID(id string) (*models.FlowExecution, error)
	GetLiveByContact(contactID string) ([]*models.FlowExecution, error)
	GetLiveByContactAndFlow(contactID, flowID string) (*models.FlowExecution, error)
	GetLatestCompleted(contactID, flowID string) (*models.FlowExecution, error)
	FindOrCreate(contactID, flowID, startNodeID, campaignID string, blockIfCompleted bool) (*models.FlowExecution, bool, error)
	Update(execution *models.FlowExecution) error
	UpdateLive(execution *models.FlowExecution) (bool, error)
	Abandon(id string) error
}

// FlowStore provides flow definitions
type FlowStore interface {
	GetByID(id string) (*models.Flow, error)
	GetActiveByOrganization(organizationID string) ([]*models.Flow, error)
}

// CampaignResolver answers which campaigns own a contact
type CampaignResolver interface {
	GetActiveCampaignsForContact(contactID, organizationID string) ([]*models.Campaign, error)
	GetRunningFlowIDs(organizationID string) ([]string, error)
	MarkLeadReplied(campaignID, contactID string) error
}

// ContactStore provides contacts
type ContactStore interface {
	GetByID(id string) (*models.Contact, error)
}

// OrganizationStore provides organizations and their credentials
type OrganizationStore interface {
	GetByID(id string) (*models.Organization, error)
}

// TimerStore persists durable TIMER continuations
type TimerStore interface {
	Create(job *models.ScheduledJob) error
	CancelByExecution(executionID string) error
}

// maxExecutionSteps bounds one interpreter run. A flow that loops past this
// many transitions in a single run is abandoned instead of spinning.
const maxExecutionSteps = 50

// FlowEngineService orchestrates flow executions: it receives normalized
// inbound events, arbitrates between campaign and generic flows, and drives
// the node interpreter.
type FlowEngineService struct {
	executions    ExecutionStore
	flows         FlowStore
	campaigns     CampaignResolver
	contacts      ContactStore
	organizations OrganizationStore
	timers        TimerStore
	dispatcher    Dispatcher
	llm           gateway.LLMProvider
	triggers      *TriggerService
	guard         *executionGuard
	graphs        *flowCache
	httpClient    *http.Client
}

func NewFlowEngineService(
	executions ExecutionStore,
	flows FlowStore,
	campaigns CampaignResolver,
	contacts ContactStore,
	organizations OrganizationStore,
	timers TimerStore,
	dispatcher Dispatcher,
	llm gateway.LLMProvider,
) *FlowEngineService {
	return &FlowEngineService{
		executions:    executions,
		flows:         flows,
		campaigns:     campaigns,
		contacts:      contacts,
		organizations: organizations,
		timers:        timers,
		dispatcher:    dispatcher,
		llm:           llm,
		triggers:      NewTriggerService(),
		guard:         newExecutionGuard(),
		graphs:        newFlowCache(),
		httpClient:    &http.Client{Timeout: 30 * time.Second},
	}
}

// HandleInboundMessage is the engine's entry point for a received message.
// Campaign flows take absolute priority over generic ones: while a campaign
// owns the contact no generic flow may start or continue.
func (s *FlowEngineService) HandleInboundMessage(ctx context.Context, contactID, text, organizationID string) error {
	campaigns, err := s.campaigns.GetActiveCampaignsForContact(contactID, organizationID)
	if err != nil {
		return fmt.Errorf("failed to resolve active campaigns: %w", err)
	}

	campaignFlows := make(map[string]*models.Campaign, len(campaigns))
	for _, campaign := range campaigns {
		campaignFlows[campaign.FlowID] = campaign
	}

	live, err := s.executions.GetLiveByContact(contactID)
	if err != nil {
		return fmt.Errorf("failed to load live executions: %w", err)
	}

	var survivor *models.FlowExecution
	for _, execution := range live {
		if len(campaigns) > 0 {
			if _, owned := campaignFlows[execution.FlowID]; !owned {
				// A campaign flow always pre-empts a generic one
				logrus.Infof("Abandoning execution %s: contact %s is owned by an active campaign", execution.ID, contactID)
				s.abandonExecution(execution.ID)
				continue
			}
		}
		if survivor == nil {
			survivor = execution
		}
	}

	for _, campaign := range campaigns {
		if err := s.campaigns.MarkLeadReplied(campaign.ID, contactID); err != nil {
			logrus.Warnf("Failed to mark lead replied for campaign %s: %v", campaign.ID, err)
		}
	}

	if survivor != nil {
		return s.continueExecution(ctx, survivor, text)
	}

	if len(campaigns) > 0 {
		// Only the owning campaigns' flows are eligible; first trigger match
		// wins and there is no fallback to generic flows.
		for _, campaign := range campaigns {
			flow, err := s.flows.GetByID(campaign.FlowID)
			if err != nil {
				logrus.Warnf("Campaign %s references missing flow %s: %v", campaign.ID, campaign.FlowID, err)
				continue
			}
			if !flow.IsActive {
				continue
			}
			graph, err := s.graphs.GraphFor(flow)
			if err != nil {
				logrus.Warnf("Campaign %s has invalid flow definition: %v", campaign.ID, err)
				continue
			}
			if !s.triggers.Matches(graph.StartNode.Start, text) {
				continue
			}
			return s.StartFlowFromCampaign(ctx, campaign, flow, contactID, text)
		}
		return nil
	}

	return s.startGenericFlow(ctx, contactID, organizationID, text)
}

// startGenericFlow scans active non-campaign flows in a stable order and
// starts the first whose trigger matches, subject to the cooldown gate
func (s *FlowEngineService) startGenericFlow(ctx context.Context, contactID, organizationID, text string) error {
	campaignFlowIDs, err := s.campaigns.GetRunningFlowIDs(organizationID)
	if err != nil {
		return fmt.Errorf("failed to load campaign flow ids: %w", err)
	}
	excluded := make(map[string]struct{}, len(campaignFlowIDs))
	for _, id := range campaignFlowIDs {
		excluded[id] = struct{}{}
	}

	flows, err := s.flows.GetActiveByOrganization(organizationID)
	if err != nil {
		return fmt.Errorf("failed to load flows: %w", err)
	}

	for _, flow := range flows {
		if _, isCampaignFlow := excluded[flow.ID]; isCampaignFlow {
			continue
		}
		graph, err := s.graphs.GraphFor(flow)
		if err != nil {
			logrus.Warnf("Skipping flow %s with invalid definition: %v", flow.ID, err)
			continue
		}
		if !s.triggers.Matches(graph.StartNode.Start, text) {
			continue
		}
		if s.inCooldown(contactID, flow) {
			logrus.Debugf("Flow %s in cooldown for contact %s", flow.ID, contactID)
			continue
		}

		execution, created, err := s.executions.FindOrCreate(contactID, flow.ID, graph.StartNode.ID, "", false)
		if err != nil {
			return err
		}
		if !created {
			// A concurrent delivery created it first; continue that one
			return s.continueExecution(ctx, execution, text)
		}
		return s.runExecution(ctx, execution, flow, graph, text)
	}

	return nil
}

// StartFlowFromCampaign starts the owning campaign's flow for a contact. The
// COMPLETED-block check happens inside the store transaction together with
// the find-or-create, and the campaign id is written into the context at
// creation and never changes afterwards.
func (s *FlowEngineService) StartFlowFromCampaign(ctx context.Context, campaign *models.Campaign, flow *models.Flow, contactID, text string) error {
	graph, err := s.graphs.GraphFor(flow)
	if err != nil {
		return fmt.Errorf("invalid flow definition: %w", err)
	}

	// Campaign wins: any live execution of a different flow is cancelled
	live, err := s.executions.GetLiveByContact(contactID)
	if err != nil {
		return err
	}
	for _, execution := range live {
		if execution.FlowID != flow.ID {
			logrus.Infof("Abandoning execution %s: superseded by campaign %s", execution.ID, campaign.ID)
			s.abandonExecution(execution.ID)
		}
	}

	execution, created, err := s.executions.FindOrCreate(contactID, flow.ID, graph.StartNode.ID, campaign.ID, true)
	if err != nil {
		if errors.Is(err, repository.ErrCampaignFlowCompleted) {
			logrus.Debugf("Campaign %s flow already completed for contact %s, not restarting", campaign.ID, contactID)
			return nil
		}
		return err
	}
	if !created {
		return s.continueExecution(ctx, execution, text)
	}
	return s.runExecution(ctx, execution, flow, graph, text)
}

// continueExecution feeds an inbound message into a live execution
func (s *FlowEngineService) continueExecution(ctx context.Context, execution *models.FlowExecution, text string) error {
	flow, err := s.flows.GetByID(execution.FlowID)
	if err != nil {
		return fmt.Errorf("execution %s references missing flow: %w", execution.ID, err)
	}
	graph, err := s.graphs.GraphFor(flow)
	if err != nil {
		return s.abandonWithError(execution, fmt.Errorf("invalid flow definition: %w", err))
	}

	node, ok := graph.Nodes[execution.CurrentNodeID]
	if !ok {
		return s.abandonWithError(execution, fmt.Errorf("current node %q no longer exists", execution.CurrentNodeID))
	}

	execution.Context.SetVariable("lastMessage", text)

	switch {
	case node.Type == models.NodeTypeAction && execution.Status == models.ExecutionWaiting:
		// The reply the ACTION node was waiting for
		if node.Action.SaveResponseAs != "" {
			execution.Context.SetVariable(node.Action.SaveResponseAs, text)
		}
		execution.Context.UserResponses = append(execution.Context.UserResponses, models.UserResponse{
			NodeID:    node.ID,
			Response:  text,
			Timestamp: time.Now().UTC(),
		})

		edge := graph.FirstEdge(node.ID)
		if edge == nil {
			return s.completeExecution(execution)
		}
		execution.CurrentNodeID = edge.Target
		execution.Status = models.ExecutionProcessing
		ok, err := s.persistLive(execution)
		if err != nil || !ok {
			return err
		}
		return s.runExecution(ctx, execution, flow, graph, "")

	case node.Type == models.NodeTypeTimer && execution.Status == models.ExecutionWaiting:
		// Timer has not elapsed; keep the message in context but stay parked
		_, err := s.persistLive(execution)
		return err

	default:
		return s.runExecution(ctx, execution, flow, graph, text)
	}
}

// ResumeTimer continues an execution whose TIMER delay elapsed. Called by the
// scheduler with the durable job's node id; stale jobs are ignored.
func (s *FlowEngineService) ResumeTimer(ctx context.Context, executionID, nodeID string) error {
	execution, err := s.executions.GetByID(executionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if !execution.Status.IsLive() || execution.CurrentNodeID != nodeID {
		return nil
	}

	flow, err := s.flows.GetByID(execution.FlowID)
	if err != nil {
		return s.abandonWithError(execution, fmt.Errorf("flow missing on timer resume: %w", err))
	}
	graph, err := s.graphs.GraphFor(flow)
	if err != nil {
		return s.abandonWithError(execution, err)
	}

	edge := graph.FirstEdge(nodeID)
	if edge == nil {
		return s.completeExecution(execution)
	}
	execution.CurrentNodeID = edge.Target
	execution.Status = models.ExecutionProcessing
	ok, err := s.persistLive(execution)
	if err != nil || !ok {
		return err
	}
	return s.runExecution(ctx, execution, flow, graph, "")
}

// ResetExecution returns an execution to the START node in WAITING status
// without executing any node. This is the only way a completed campaign flow
// becomes eligible again.
func (s *FlowEngineService) ResetExecution(executionID string) error {
	execution, err := s.executions.GetByID(executionID)
	if err != nil {
		return err
	}
	flow, err := s.flows.GetByID(execution.FlowID)
	if err != nil {
		return err
	}
	graph, err := s.graphs.GraphFor(flow)
	if err != nil {
		return err
	}

	if err := s.timers.CancelByExecution(executionID); err != nil {
		logrus.Warnf("Failed to cancel scheduled jobs for execution %s: %v", executionID, err)
	}

	execution.CurrentNodeID = graph.StartNode.ID
	execution.Status = models.ExecutionWaiting
	execution.CompletedAt = nil
	return s.executions.Update(execution)
}

// StartFlowForTest starts an isolated execution of a flow, bypassing campaign
// arbitration, completion blocks and cooldowns. Any live execution of the
// pair is abandoned first so the test run is always fresh.
func (s *FlowEngineService) StartFlowForTest(ctx context.Context, flowID, contactID string) (*models.FlowExecution, error) {
	flow, err := s.flows.GetByID(flowID)
	if err != nil {
		return nil, err
	}
	graph, err := s.graphs.GraphFor(flow)
	if err != nil {
		return nil, err
	}

	if existing, err := s.executions.GetLiveByContactAndFlow(contactID, flowID); err == nil {
		s.abandonExecution(existing.ID)
	}

	execution, _, err := s.executions.FindOrCreate(contactID, flowID, graph.StartNode.ID, "", false)
	if err != nil {
		return nil, err
	}
	if err := s.runExecution(ctx, execution, flow, graph, ""); err != nil {
		return nil, err
	}
	return execution, nil
}

// GetExecutionSnapshot returns the observability view of an execution
func (s *FlowEngineService) GetExecutionSnapshot(executionID string) (*models.ExecutionSnapshot, error) {
	execution, err := s.executions.GetByID(executionID)
	if err != nil {
		return nil, err
	}
	return &models.ExecutionSnapshot{
		ID:            execution.ID,
		ContactID:     execution.ContactID,
		FlowID:        execution.FlowID,
		CurrentNodeID: execution.CurrentNodeID,
		Status:        execution.Status,
		Context:       execution.Context,
		StartedAt:     execution.StartedAt,
		CompletedAt:   execution.CompletedAt,
	}, nil
}

// inCooldown reports whether the flow's cooldown window since the contact's
// last completion has not yet elapsed
func (s *FlowEngineService) inCooldown(contactID string, flow *models.Flow) bool {
	if flow.CooldownHours <= 0 {
		return false
	}
	latest, err := s.executions.GetLatestCompleted(contactID, flow.ID)
	if err != nil {
		return false
	}
	if latest.CompletedAt == nil {
		return false
	}
	gate := latest.CompletedAt.Add(time.Duration(flow.CooldownHours) * time.Hour)
	return time.Now().Before(gate)
}

func (s *FlowEngineService) abandonExecution(executionID string) {
	if err := s.executions.Abandon(executionID); err != nil {
		logrus.Errorf("Failed to abandon execution %s: %v", executionID, err)
	}
	if err := s.timers.CancelByExecution(executionID); err != nil {
		logrus.Warnf("Failed to cancel scheduled jobs for execution %s: %v", executionID, err)
	}
}

func (s *FlowEngineService) abandonWithError(execution *models.FlowExecution, cause error) error {
	logrus.Errorf("Abandoning execution %s: %v", execution.ID, cause)
	sentry.CaptureException(cause)
	execution.Context.RecordError(execution.CurrentNodeID, "", cause)
	now := time.Now().UTC()
	execution.Status = models.ExecutionAbandoned
	execution.CompletedAt = &now
	if _, err := s.executions.UpdateLive(execution); err != nil {
		logrus.Errorf("Failed to persist abandoned execution %s: %v", execution.ID, err)
	}
	if err := s.timers.CancelByExecution(execution.ID); err != nil {
		logrus.Warnf("Failed to cancel scheduled jobs for execution %s: %v", execution.ID, err)
	}
	return cause
}

func (s *FlowEngineService) completeExecution(execution *models.FlowExecution) error {
	now := time.Now().UTC()
	execution.Status = models.ExecutionCompleted
	execution.CompletedAt = &now
	_, err := s.persistLive(execution)
	return err
}

// persistLive writes the execution through the status-guarded update. ok is
// false when the stored row went terminal while a node was in flight; the
// caller must stop instead of resurrecting it.
func (s *FlowEngineService) persistLive(execution *models.FlowExecution) (bool, error) {
	ok, err := s.executions.UpdateLive(execution)
	if err != nil {
		return false, err
	}
	if !ok {
		logrus.Debugf("Execution %s terminated concurrently, dropping in-flight write", execution.ID)
	}
	return ok, nil
}
