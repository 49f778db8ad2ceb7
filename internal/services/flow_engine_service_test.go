package services

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/flowzap/flowzap-backend/internal/database/repository"
	"github.com/flowzap/flowzap-backend/internal/gateway"
	"github.com/flowzap/flowzap-backend/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// --- in-memory fakes -------------------------------------------------------

type fakeExecutionStore struct {
	mu         sync.Mutex
	executions map[string]*models.FlowExecution
	order      []string
}

func newFakeExecutionStore() *fakeExecutionStore {
	return &fakeExecutionStore{executions: make(map[string]*models.FlowExecution)}
}

func (f *fakeExecutionStore) save(e *models.FlowExecution) {
	clone := *e
	if _, exists := f.executions[e.ID]; !exists {
		f.order = append(f.order, e.ID)
	}
	f.executions[e.ID] = &clone
}

func (f *fakeExecutionStore) GetByID(id string) (*models.FlowExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *e
	return &clone, nil
}

func (f *fakeExecutionStore) GetLiveByContact(contactID string) ([]*models.FlowExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var live []*models.FlowExecution
	for _, id := range f.order {
		e := f.executions[id]
		if e.ContactID == contactID && e.Status.IsLive() {
			clone := *e
			live = append(live, &clone)
		}
	}
	return live, nil
}

func (f *fakeExecutionStore) GetLiveByContactAndFlow(contactID, flowID string) (*models.FlowExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.order {
		e := f.executions[id]
		if e.ContactID == contactID && e.FlowID == flowID && e.Status.IsLive() {
			clone := *e
			return &clone, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeExecutionStore) GetLatestCompleted(contactID, flowID string) (*models.FlowExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.FlowExecution
	for _, id := range f.order {
		e := f.executions[id]
		if e.ContactID != contactID || e.FlowID != flowID || e.Status != models.ExecutionCompleted {
			continue
		}
		if latest == nil || (e.CompletedAt != nil && latest.CompletedAt != nil && e.CompletedAt.After(*latest.CompletedAt)) {
			latest = e
		}
	}
	if latest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *latest
	return &clone, nil
}

func (f *fakeExecutionStore) FindOrCreate(contactID, flowID, startNodeID, campaignID string, blockIfCompleted bool) (*models.FlowExecution, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.order {
		e := f.executions[id]
		if e.ContactID == contactID && e.FlowID == flowID && e.Status.IsLive() {
			clone := *e
			return &clone, false, nil
		}
	}
	if blockIfCompleted {
		for _, id := range f.order {
			e := f.executions[id]
			if e.ContactID == contactID && e.FlowID == flowID && e.Status == models.ExecutionCompleted {
				return nil, false, repository.ErrCampaignFlowCompleted
			}
		}
	}
	execution := &models.FlowExecution{
		ID:            uuid.New().String(),
		ContactID:     contactID,
		FlowID:        flowID,
		CurrentNodeID: startNodeID,
		Status:        models.ExecutionProcessing,
		Context:       models.NewExecutionContext(campaignID),
		StartedAt:     time.Now().UTC(),
	}
	f.save(execution)
	return execution, true, nil
}

func (f *fakeExecutionStore) Update(execution *models.FlowExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.save(execution)
	return nil
}

func (f *fakeExecutionStore) UpdateLive(execution *models.FlowExecution) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.executions[execution.ID]
	if !ok || !current.Status.IsLive() {
		return false, nil
	}
	f.save(execution)
	return true, nil
}

func (f *fakeExecutionStore) Abandon(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	now := time.Now().UTC()
	e.Status = models.ExecutionAbandoned
	e.CompletedAt = &now
	return nil
}

// all returns every stored execution in creation order
func (f *fakeExecutionStore) all() []*models.FlowExecution {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.FlowExecution
	for _, id := range f.order {
		clone := *f.executions[id]
		out = append(out, &clone)
	}
	return out
}

type fakeFlowStore struct {
	flows []*models.Flow
}

func (f *fakeFlowStore) GetByID(id string) (*models.Flow, error) {
	for _, flow := range f.flows {
		if flow.ID == id {
			return flow, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeFlowStore) GetActiveByOrganization(organizationID string) ([]*models.Flow, error) {
	var active []*models.Flow
	for _, flow := range f.flows {
		if flow.OrganizationID == organizationID && flow.IsActive {
			active = append(active, flow)
		}
	}
	return active, nil
}

type fakeCampaignResolver struct {
	campaigns      []*models.Campaign
	runningFlowIDs []string
	replied        []string
}

func (f *fakeCampaignResolver) GetActiveCampaignsForContact(contactID, organizationID string) ([]*models.Campaign, error) {
	return f.campaigns, nil
}

func (f *fakeCampaignResolver) GetRunningFlowIDs(organizationID string) ([]string, error) {
	return f.runningFlowIDs, nil
}

func (f *fakeCampaignResolver) MarkLeadReplied(campaignID, contactID string) error {
	f.replied = append(f.replied, campaignID)
	return nil
}

type fakeContactStore struct {
	contacts map[string]*models.Contact
}

func (f *fakeContactStore) GetByID(id string) (*models.Contact, error) {
	contact, ok := f.contacts[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return contact, nil
}

type fakeOrganizationStore struct {
	organizations map[string]*models.Organization
}

func (f *fakeOrganizationStore) GetByID(id string) (*models.Organization, error) {
	organization, ok := f.organizations[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return organization, nil
}

type fakeTimerStore struct {
	mu        sync.Mutex
	jobs      []*models.ScheduledJob
	cancelled []string
	createErr error
	onCreate  func(*models.ScheduledJob)
}

func (f *fakeTimerStore) Create(job *models.ScheduledJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onCreate != nil {
		f.onCreate(job)
	}
	if f.createErr != nil {
		return f.createErr
	}
	clone := *job
	f.jobs = append(f.jobs, &clone)
	return nil
}

func (f *fakeTimerStore) CancelByExecution(executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, executionID)
	return nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	texts    []TextDispatchJob
	medias   []MediaDispatchJob
	textErr  error
	mediaErr error
	onText   func(TextDispatchJob)
}

func (f *fakeDispatcher) EnqueueText(job TextDispatchJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onText != nil {
		f.onText(job)
	}
	if f.textErr != nil {
		return f.textErr
	}
	f.texts = append(f.texts, job)
	return nil
}

func (f *fakeDispatcher) EnqueueMedia(job MediaDispatchJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mediaErr != nil {
		return f.mediaErr
	}
	f.medias = append(f.medias, job)
	return nil
}

type stubLLM struct {
	response string
	err      error
	calls    int
	prompts  []string
}

func (s *stubLLM) Generate(ctx context.Context, req gateway.GenerateRequest) (string, error) {
	s.calls++
	s.prompts = append(s.prompts, req.Prompt)
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

// --- test environment ------------------------------------------------------

const (
	testContactID = "11111111-1111-1111-1111-111111111111"
	testOrgID     = "22222222-2222-2222-2222-222222222222"
)

type engineEnv struct {
	engine     *FlowEngineService
	executions *fakeExecutionStore
	flowStore  *fakeFlowStore
	campaigns  *fakeCampaignResolver
	timers     *fakeTimerStore
	dispatcher *fakeDispatcher
	llm        *stubLLM
}

func newEngineEnv(flows ...*models.Flow) *engineEnv {
	env := &engineEnv{
		executions: newFakeExecutionStore(),
		flowStore:  &fakeFlowStore{flows: flows},
		campaigns:  &fakeCampaignResolver{},
		timers:     &fakeTimerStore{},
		dispatcher: &fakeDispatcher{},
		llm:        &stubLLM{},
	}
	contacts := &fakeContactStore{contacts: map[string]*models.Contact{
		testContactID: {ID: testContactID, Phone: "5511999999999", Name: "Maria", OrganizationID: testOrgID},
	}}
	organizations := &fakeOrganizationStore{organizations: map[string]*models.Organization{
		testOrgID: {ID: testOrgID, Name: "Acme", GatewayInstanceID: "inst-1", GatewayAPIKey: "key-1", LLMAPIKey: "llm-1"},
	}}
	env.engine = NewFlowEngineService(
		env.executions,
		env.flowStore,
		env.campaigns,
		contacts,
		organizations,
		env.timers,
		env.dispatcher,
		env.llm,
	)
	return env
}

func makeFlow(id, definition string) *models.Flow {
	return &models.Flow{
		ID:             id,
		OrganizationID: testOrgID,
		Name:           id,
		IsActive:       true,
		Definition:     models.RawJSON(definition),
		UpdatedAt:      time.Now(),
	}
}

const greetingFlow = `{
	"nodes": [
		{"id": "start", "type": "START", "config": {"triggerType": "KEYWORD_EXACT", "keyword": "oi"}},
		{"id": "hello", "type": "MESSAGE", "config": {"text": "Olá! Como posso ajudar?"}},
		{"id": "end", "type": "END", "config": {}}
	],
	"edges": [
		{"id": "e1", "source": "start", "target": "hello"},
		{"id": "e2", "source": "hello", "target": "end"}
	]
}`

// --- tests -----------------------------------------------------------------

func TestInboundStartsMatchingFlow(t *testing.T) {
	env := newEngineEnv(makeFlow("flow-1", greetingFlow))

	err := env.engine.HandleInboundMessage(context.Background(), testContactID, "oi", testOrgID)
	require.NoError(t, err)

	require.Len(t, env.dispatcher.texts, 1)
	assert.Equal(t, "Olá! Como posso ajudar?", env.dispatcher.texts[0].Message)
	assert.Equal(t, "5511999999999", env.dispatcher.texts[0].Phone)
	assert.Equal(t, "inst-1", env.dispatcher.texts[0].Credentials.InstanceID)

	all := env.executions.all()
	require.Len(t, all, 1)
	assert.Equal(t, models.ExecutionCompleted, all[0].Status)
	assert.NotNil(t, all[0].CompletedAt)
	assert.Equal(t, []string{"start", "hello", "end"}, all[0].Context.ExecutedNodes)
	assert.Equal(t, "oi", all[0].Context.Variables["lastMessage"])
}

func TestInboundWithoutTriggerStartsNothing(t *testing.T) {
	env := newEngineEnv(makeFlow("flow-1", greetingFlow))

	err := env.engine.HandleInboundMessage(context.Background(), testContactID, "bom dia", testOrgID)
	require.NoError(t, err)

	assert.Empty(t, env.dispatcher.texts)
	assert.Empty(t, env.executions.all())
}

const surveyFlow = `{
	"nodes": [
		{"id": "start", "type": "START", "config": {"triggerType": "KEYWORD_EXACT", "keyword": "pesquisa"}},
		{"id": "ask", "type": "MESSAGE", "config": {"text": "Qual o seu nome?"}},
		{"id": "capture", "type": "ACTION", "config": {"saveResponseAs": "name"}},
		{"id": "thanks", "type": "MESSAGE", "config": {"text": "Obrigado, {{name}}!"}},
		{"id": "end", "type": "END", "config": {}}
	],
	"edges": [
		{"id": "e1", "source": "start", "target": "ask"},
		{"id": "e2", "source": "ask", "target": "capture"},
		{"id": "e3", "source": "capture", "target": "thanks"},
		{"id": "e4", "source": "thanks", "target": "end"}
	]
}`

func TestActionNodeWaitsAndConsumesReply(t *testing.T) {
	env := newEngineEnv(makeFlow("flow-1", surveyFlow))
	ctx := context.Background()

	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "pesquisa", testOrgID))

	all := env.executions.all()
	require.Len(t, all, 1)
	assert.Equal(t, models.ExecutionWaiting, all[0].Status)
	assert.Equal(t, "capture", all[0].CurrentNodeID)
	require.Len(t, env.dispatcher.texts, 1)

	// The reply resumes the parked execution and lands in the variable
	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "Maria", testOrgID))

	all = env.executions.all()
	require.Len(t, all, 1)
	assert.Equal(t, models.ExecutionCompleted, all[0].Status)
	assert.Equal(t, "Maria", all[0].Context.Variables["name"])
	require.Len(t, all[0].Context.UserResponses, 1)
	assert.Equal(t, "capture", all[0].Context.UserResponses[0].NodeID)
	assert.Equal(t, "Maria", all[0].Context.UserResponses[0].Response)

	require.Len(t, env.dispatcher.texts, 2)
	assert.Equal(t, "Obrigado, Maria!", env.dispatcher.texts[1].Message)
}

const timerFlow = `{
	"nodes": [
		{"id": "start", "type": "START", "config": {"triggerType": "KEYWORD_EXACT", "keyword": "lembrete"}},
		{"id": "wait", "type": "TIMER", "config": {"minutes": 5}},
		{"id": "ping", "type": "MESSAGE", "config": {"text": "Passando para lembrar!"}},
		{"id": "end", "type": "END", "config": {}}
	],
	"edges": [
		{"id": "e1", "source": "start", "target": "wait"},
		{"id": "e2", "source": "wait", "target": "ping"},
		{"id": "e3", "source": "ping", "target": "end"}
	]
}`

func TestTimerNodeParksWithDurableJob(t *testing.T) {
	env := newEngineEnv(makeFlow("flow-1", timerFlow))
	ctx := context.Background()

	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "lembrete", testOrgID))

	all := env.executions.all()
	require.Len(t, all, 1)
	execution := all[0]
	assert.Equal(t, models.ExecutionWaiting, execution.Status)
	assert.Equal(t, "wait", execution.CurrentNodeID)

	require.Len(t, env.timers.jobs, 1)
	job := env.timers.jobs[0]
	assert.Equal(t, execution.ID, job.ExecutionID)
	assert.Equal(t, "wait", job.NodeID)
	assert.WithinDuration(t, time.Now().UTC().Add(5*time.Minute), job.ResumeAt, 5*time.Second)
	assert.Empty(t, env.dispatcher.texts)

	// Resume fires the message after the delay
	require.NoError(t, env.engine.ResumeTimer(ctx, execution.ID, "wait"))

	all = env.executions.all()
	assert.Equal(t, models.ExecutionCompleted, all[0].Status)
	require.Len(t, env.dispatcher.texts, 1)
	assert.Equal(t, "Passando para lembrar!", env.dispatcher.texts[0].Message)
}

func TestInboundDuringTimerStaysParked(t *testing.T) {
	env := newEngineEnv(makeFlow("flow-1", timerFlow))
	ctx := context.Background()

	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "lembrete", testOrgID))
	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "ainda aí?", testOrgID))

	all := env.executions.all()
	require.Len(t, all, 1)
	assert.Equal(t, models.ExecutionWaiting, all[0].Status)
	assert.Equal(t, "wait", all[0].CurrentNodeID)
	// The message is retained in context but does not advance the timer
	assert.Equal(t, "ainda aí?", all[0].Context.Variables["lastMessage"])
	assert.Empty(t, env.dispatcher.texts)
}

func TestStaleTimerJobIgnored(t *testing.T) {
	env := newEngineEnv(makeFlow("flow-1", timerFlow))
	ctx := context.Background()

	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "lembrete", testOrgID))
	execution := env.executions.all()[0]

	// Job references a node the execution is no longer parked on
	require.NoError(t, env.engine.ResumeTimer(ctx, execution.ID, "ping"))
	assert.Equal(t, models.ExecutionWaiting, env.executions.all()[0].Status)

	// Job references an execution that no longer exists
	require.NoError(t, env.engine.ResumeTimer(ctx, uuid.New().String(), "wait"))
}

func TestTimerParkPersistsBeforeJobCreation(t *testing.T) {
	env := newEngineEnv(makeFlow("flow-1", timerFlow))
	ctx := context.Background()

	// A scheduler tick firing the instant the job lands must already see the
	// execution parked, or the resume gets rewound by the park write
	env.timers.onCreate = func(job *models.ScheduledJob) {
		execution, err := env.executions.GetByID(job.ExecutionID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionWaiting, execution.Status)
		assert.Equal(t, job.NodeID, execution.CurrentNodeID)
	}

	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "lembrete", testOrgID))
	require.Len(t, env.timers.jobs, 1)
}

func TestTimerScheduleFailureAbandons(t *testing.T) {
	env := newEngineEnv(makeFlow("flow-1", timerFlow))
	env.timers.createErr = fmt.Errorf("database unavailable")

	err := env.engine.HandleInboundMessage(context.Background(), testContactID, "lembrete", testOrgID)
	require.Error(t, err)

	all := env.executions.all()
	require.Len(t, all, 1)
	assert.Equal(t, models.ExecutionAbandoned, all[0].Status)
	assert.NotEmpty(t, all[0].Context.Metadata.Errors)
}

const campaignFlow = `{
	"nodes": [
		{"id": "start", "type": "START", "config": {"triggerType": "ANY_RESPONSE"}},
		{"id": "pitch", "type": "MESSAGE", "config": {"text": "Oferta exclusiva para você!"}},
		{"id": "end", "type": "END", "config": {}}
	],
	"edges": [
		{"id": "e1", "source": "start", "target": "pitch"},
		{"id": "e2", "source": "pitch", "target": "end"}
	]
}`

func TestCampaignPreemptsGenericExecution(t *testing.T) {
	generic := makeFlow("flow-generic", surveyFlow)
	promo := makeFlow("flow-promo", campaignFlow)
	env := newEngineEnv(generic, promo)
	ctx := context.Background()

	// Contact is mid-way through a generic flow
	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "pesquisa", testOrgID))
	genericExec := env.executions.all()[0]
	assert.Equal(t, models.ExecutionWaiting, genericExec.Status)

	// A campaign takes ownership of the contact
	env.campaigns.campaigns = []*models.Campaign{{ID: "camp-1", FlowID: promo.ID, Status: models.CampaignRunning}}

	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "qualquer resposta", testOrgID))

	all := env.executions.all()
	require.Len(t, all, 2)
	assert.Equal(t, models.ExecutionAbandoned, all[0].Status)
	assert.Contains(t, env.timers.cancelled, genericExec.ID)

	campaignExec := all[1]
	assert.Equal(t, promo.ID, campaignExec.FlowID)
	assert.Equal(t, models.ExecutionCompleted, campaignExec.Status)
	assert.Equal(t, "camp-1", campaignExec.Context.CampaignID)
	assert.Contains(t, env.campaigns.replied, "camp-1")

	// Last send is the campaign pitch, not the survey
	require.NotEmpty(t, env.dispatcher.texts)
	assert.Equal(t, "Oferta exclusiva para você!", env.dispatcher.texts[len(env.dispatcher.texts)-1].Message)
}

func TestCompletedCampaignFlowDoesNotRestart(t *testing.T) {
	promo := makeFlow("flow-promo", campaignFlow)
	env := newEngineEnv(promo)
	ctx := context.Background()
	env.campaigns.campaigns = []*models.Campaign{{ID: "camp-1", FlowID: promo.ID, Status: models.CampaignRunning}}

	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "oi", testOrgID))
	require.Len(t, env.executions.all(), 1)
	assert.Equal(t, models.ExecutionCompleted, env.executions.all()[0].Status)
	sends := len(env.dispatcher.texts)

	// Replying again must not re-run the campaign flow
	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "oi de novo", testOrgID))
	assert.Len(t, env.executions.all(), 1)
	assert.Len(t, env.dispatcher.texts, sends)
}

func TestResetMakesCompletedCampaignEligibleAgain(t *testing.T) {
	promo := makeFlow("flow-promo", campaignFlow)
	env := newEngineEnv(promo)
	ctx := context.Background()
	env.campaigns.campaigns = []*models.Campaign{{ID: "camp-1", FlowID: promo.ID, Status: models.CampaignRunning}}

	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "oi", testOrgID))
	execution := env.executions.all()[0]
	require.Equal(t, models.ExecutionCompleted, execution.Status)
	sends := len(env.dispatcher.texts)

	require.NoError(t, env.engine.ResetExecution(execution.ID))

	reset := env.executions.all()[0]
	assert.Equal(t, models.ExecutionWaiting, reset.Status)
	assert.Equal(t, "start", reset.CurrentNodeID)
	assert.Nil(t, reset.CompletedAt)
	assert.Contains(t, env.timers.cancelled, execution.ID)
	// Reset rewinds without executing anything
	assert.Len(t, env.dispatcher.texts, sends)

	// The next reply continues the reset execution through the flow again
	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "oi", testOrgID))
	assert.Equal(t, models.ExecutionCompleted, env.executions.all()[0].Status)
	assert.Len(t, env.dispatcher.texts, sends+1)
}

func TestGenericFlowSkipsCampaignBoundFlows(t *testing.T) {
	promo := makeFlow("flow-promo", greetingFlow)
	env := newEngineEnv(promo)
	env.campaigns.runningFlowIDs = []string{promo.ID}

	require.NoError(t, env.engine.HandleInboundMessage(context.Background(), testContactID, "oi", testOrgID))

	// The flow matches but is reserved for its campaign's leads
	assert.Empty(t, env.executions.all())
	assert.Empty(t, env.dispatcher.texts)
}

func TestCooldownBlocksRestart(t *testing.T) {
	flow := makeFlow("flow-1", greetingFlow)
	flow.CooldownHours = 24
	env := newEngineEnv(flow)
	ctx := context.Background()

	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "oi", testOrgID))
	require.Len(t, env.executions.all(), 1)

	// Within the cooldown window nothing starts
	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "oi", testOrgID))
	assert.Len(t, env.executions.all(), 1)
	assert.Len(t, env.dispatcher.texts, 1)

	// Push the completion outside the window and the flow starts again
	stale := env.executions.all()[0]
	past := time.Now().Add(-25 * time.Hour)
	stale.CompletedAt = &past
	require.NoError(t, env.executions.Update(stale))

	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "oi", testOrgID))
	assert.Len(t, env.executions.all(), 2)
}

const mediaFlow = `{
	"nodes": [
		{"id": "start", "type": "START", "config": {"triggerType": "KEYWORD_EXACT", "keyword": "foto"}},
		{"id": "pic", "type": "MEDIA", "config": {"url": "not-a-url", "mediaType": "image"}},
		{"id": "bye", "type": "MESSAGE", "config": {"text": "Era isso!"}},
		{"id": "end", "type": "END", "config": {}}
	],
	"edges": [
		{"id": "e1", "source": "start", "target": "pic"},
		{"id": "e2", "source": "pic", "target": "bye"},
		{"id": "e3", "source": "bye", "target": "end"}
	]
}`

func TestMediaFailureLogsAndAdvances(t *testing.T) {
	env := newEngineEnv(makeFlow("flow-1", mediaFlow))

	require.NoError(t, env.engine.HandleInboundMessage(context.Background(), testContactID, "foto", testOrgID))

	all := env.executions.all()
	require.Len(t, all, 1)
	assert.Equal(t, models.ExecutionCompleted, all[0].Status)

	require.Len(t, all[0].Context.Metadata.Errors, 1)
	assert.Equal(t, "pic", all[0].Context.Metadata.Errors[0].NodeID)
	assert.Equal(t, string(models.NodeTypeMedia), all[0].Context.Metadata.Errors[0].NodeType)

	// The flow still reached its closing message
	assert.Empty(t, env.dispatcher.medias)
	require.Len(t, env.dispatcher.texts, 1)
	assert.Equal(t, "Era isso!", env.dispatcher.texts[0].Message)
}

const conditionFlow = `{
	"nodes": [
		{"id": "start", "type": "START", "config": {"triggerType": "ANY_RESPONSE"}},
		{"id": "check", "type": "CONDITION", "config": {"variable": "lastMessage", "operator": "CONTAINS", "value": "promo"}},
		{"id": "yes", "type": "MESSAGE", "config": {"text": "Temos uma promo ativa!"}},
		{"id": "no", "type": "MESSAGE", "config": {"text": "Sem promo no momento."}},
		{"id": "end", "type": "END", "config": {}}
	],
	"edges": [
		{"id": "e1", "source": "start", "target": "check"},
		{"id": "e2", "source": "check", "target": "yes", "sourceHandle": "true"},
		{"id": "e3", "source": "check", "target": "no", "sourceHandle": "false"},
		{"id": "e4", "source": "yes", "target": "end"},
		{"id": "e5", "source": "no", "target": "end"}
	]
}`

func TestConditionBranching(t *testing.T) {
	env := newEngineEnv(makeFlow("flow-1", conditionFlow))
	ctx := context.Background()

	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "tem PROMO hoje?", testOrgID))
	require.Len(t, env.dispatcher.texts, 1)
	assert.Equal(t, "Temos uma promo ativa!", env.dispatcher.texts[0].Message)

	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "bom dia", testOrgID))
	require.Len(t, env.dispatcher.texts, 2)
	assert.Equal(t, "Sem promo no momento.", env.dispatcher.texts[1].Message)
}

const aiFlow = `{
	"nodes": [
		{"id": "start", "type": "START", "config": {"triggerType": "ANY_RESPONSE"}},
		{"id": "judge", "type": "AI", "config": {
			"prompt": "O cliente disse: {{lastMessage}}. Responda com empatia.",
			"saveResponseAs": "aiReply",
			"classification": {"type": "sentiment"}
		}},
		{"id": "happy", "type": "MESSAGE", "config": {"text": "Que bom!"}},
		{"id": "sad", "type": "MESSAGE", "config": {"text": "Sentimos muito."}},
		{"id": "end", "type": "END", "config": {}}
	],
	"edges": [
		{"id": "e1", "source": "start", "target": "judge"},
		{"id": "e2", "source": "judge", "target": "happy", "sourceHandle": "positive"},
		{"id": "e3", "source": "judge", "target": "sad", "sourceHandle": "negative"},
		{"id": "e4", "source": "happy", "target": "end"},
		{"id": "e5", "source": "sad", "target": "end"}
	]
}`

func TestAINodeClassifiesIntoBranch(t *testing.T) {
	env := newEngineEnv(makeFlow("flow-1", aiFlow))
	env.llm.response = "Sim, ótimo saber disso!"

	require.NoError(t, env.engine.HandleInboundMessage(context.Background(), testContactID, "adorei o produto", testOrgID))

	assert.Equal(t, 1, env.llm.calls)
	assert.Contains(t, env.llm.prompts[0], "adorei o produto")

	all := env.executions.all()
	require.Len(t, all, 1)
	assert.Equal(t, "Sim, ótimo saber disso!", all[0].Context.Variables["aiReply"])
	assert.Equal(t, "positive", all[0].Context.Metadata.AIClassifications["judge"])

	require.Len(t, env.dispatcher.texts, 1)
	assert.Equal(t, "Que bom!", env.dispatcher.texts[0].Message)
}

func TestAIFailureLogsAndAdvancesFirstEdge(t *testing.T) {
	env := newEngineEnv(makeFlow("flow-1", aiFlow))
	env.llm.err = fmt.Errorf("provider unavailable")

	require.NoError(t, env.engine.HandleInboundMessage(context.Background(), testContactID, "oi", testOrgID))

	all := env.executions.all()
	require.Len(t, all, 1)
	assert.Equal(t, models.ExecutionCompleted, all[0].Status)
	require.Len(t, all[0].Context.Metadata.Errors, 1)
	assert.Equal(t, "judge", all[0].Context.Metadata.Errors[0].NodeID)

	// Falls back to the first outgoing edge
	require.Len(t, env.dispatcher.texts, 1)
	assert.Equal(t, "Que bom!", env.dispatcher.texts[0].Message)
}

func TestHTTPNodeSavesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "42")
	}))
	defer server.Close()

	definition := fmt.Sprintf(`{
		"nodes": [
			{"id": "start", "type": "START", "config": {"triggerType": "ANY_RESPONSE"}},
			{"id": "fetch", "type": "HTTP", "config": {"url": "%s", "method": "GET", "saveResponseAs": "answer"}},
			{"id": "tell", "type": "MESSAGE", "config": {"text": "A resposta é {{answer}}"}},
			{"id": "end", "type": "END", "config": {}}
		],
		"edges": [
			{"id": "e1", "source": "start", "target": "fetch"},
			{"id": "e2", "source": "fetch", "target": "tell"},
			{"id": "e3", "source": "tell", "target": "end"}
		]
	}`, server.URL)

	env := newEngineEnv(makeFlow("flow-1", definition))

	require.NoError(t, env.engine.HandleInboundMessage(context.Background(), testContactID, "oi", testOrgID))

	all := env.executions.all()
	require.Len(t, all, 1)
	assert.Equal(t, "42", all[0].Context.Variables["answer"])
	require.Len(t, env.dispatcher.texts, 1)
	assert.Equal(t, "A resposta é 42", env.dispatcher.texts[0].Message)
}

func TestHTTPFailureLogsAndAdvances(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	definition := fmt.Sprintf(`{
		"nodes": [
			{"id": "start", "type": "START", "config": {"triggerType": "ANY_RESPONSE"}},
			{"id": "fetch", "type": "HTTP", "config": {"url": "%s", "saveResponseAs": "answer"}},
			{"id": "end", "type": "END", "config": {}}
		],
		"edges": [
			{"id": "e1", "source": "start", "target": "fetch"},
			{"id": "e2", "source": "fetch", "target": "end"}
		]
	}`, server.URL)

	env := newEngineEnv(makeFlow("flow-1", definition))

	require.NoError(t, env.engine.HandleInboundMessage(context.Background(), testContactID, "oi", testOrgID))

	all := env.executions.all()
	require.Len(t, all, 1)
	assert.Equal(t, models.ExecutionCompleted, all[0].Status)
	require.Len(t, all[0].Context.Metadata.Errors, 1)
	assert.NotContains(t, all[0].Context.Variables, "answer")
}

const loopingFlow = `{
	"nodes": [
		{"id": "start", "type": "START", "config": {"triggerType": "ANY_RESPONSE"}},
		{"id": "a", "type": "MESSAGE", "config": {"text": "ping"}},
		{"id": "b", "type": "MESSAGE", "config": {"text": "pong"}}
	],
	"edges": [
		{"id": "e1", "source": "start", "target": "a"},
		{"id": "e2", "source": "a", "target": "b"},
		{"id": "e3", "source": "b", "target": "a"}
	]
}`

func TestRunawayFlowIsAbandoned(t *testing.T) {
	env := newEngineEnv(makeFlow("flow-1", loopingFlow))

	err := env.engine.HandleInboundMessage(context.Background(), testContactID, "oi", testOrgID)
	require.Error(t, err)

	all := env.executions.all()
	require.Len(t, all, 1)
	assert.Equal(t, models.ExecutionAbandoned, all[0].Status)
	assert.NotNil(t, all[0].CompletedAt)
	assert.NotEmpty(t, all[0].Context.Metadata.Errors)
	assert.Less(t, len(env.dispatcher.texts), maxExecutionSteps+1)
}

func TestDispatchFailureDoesNotStallFlow(t *testing.T) {
	env := newEngineEnv(makeFlow("flow-1", greetingFlow))
	env.dispatcher.textErr = fmt.Errorf("broker down")

	require.NoError(t, env.engine.HandleInboundMessage(context.Background(), testContactID, "oi", testOrgID))

	all := env.executions.all()
	require.Len(t, all, 1)
	assert.Equal(t, models.ExecutionCompleted, all[0].Status)
	require.Len(t, all[0].Context.Metadata.Errors, 1)
	assert.Equal(t, "hello", all[0].Context.Metadata.Errors[0].NodeID)
}

func TestStartFlowForTestBypassesTrigger(t *testing.T) {
	flow := makeFlow("flow-1", surveyFlow)
	env := newEngineEnv(flow)
	ctx := context.Background()

	// A live execution of the pair is abandoned so the test run is fresh
	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "pesquisa", testOrgID))
	first := env.executions.all()[0]

	execution, err := env.engine.StartFlowForTest(ctx, flow.ID, testContactID)
	require.NoError(t, err)
	require.NotNil(t, execution)
	assert.NotEqual(t, first.ID, execution.ID)

	all := env.executions.all()
	require.Len(t, all, 2)
	assert.Equal(t, models.ExecutionAbandoned, all[0].Status)
	assert.Equal(t, models.ExecutionWaiting, all[1].Status)
}

func TestDuplicateDeliverySharesOneExecution(t *testing.T) {
	env := newEngineEnv(makeFlow("flow-1", surveyFlow))
	ctx := context.Background()

	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "pesquisa", testOrgID))
	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "pesquisa", testOrgID))

	// The second delivery continued the first execution instead of creating
	// a competing one; the parked ACTION node consumed it as the reply
	all := env.executions.all()
	require.Len(t, all, 1)
	assert.Equal(t, models.ExecutionCompleted, all[0].Status)
	assert.Equal(t, "pesquisa", all[0].Context.Variables["name"])
}

func TestConcurrentStartsKeepOneLiveExecution(t *testing.T) {
	env := newEngineEnv(makeFlow("flow-1", surveyFlow))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = env.engine.HandleInboundMessage(ctx, testContactID, "pesquisa", testOrgID)
		}()
	}
	wg.Wait()

	live := 0
	for _, execution := range env.executions.all() {
		if execution.Status.IsLive() {
			live++
		}
	}
	assert.LessOrEqual(t, live, 1, "more than one live execution for the same contact and flow")
}

func TestAbandonWhileNodeInFlightStaysAbandoned(t *testing.T) {
	env := newEngineEnv(makeFlow("flow-1", greetingFlow))
	ctx := context.Background()

	// A pre-emption lands while the MESSAGE node is being interpreted
	env.dispatcher.onText = func(job TextDispatchJob) {
		require.NoError(t, env.executions.Abandon(job.ExecutionID))
	}

	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "oi", testOrgID))

	all := env.executions.all()
	require.Len(t, all, 1)
	assert.Equal(t, models.ExecutionAbandoned, all[0].Status)
	assert.NotNil(t, all[0].CompletedAt)
	// The in-flight transition was dropped, not written over the abandon
	assert.Equal(t, "hello", all[0].CurrentNodeID)
	assert.Len(t, env.dispatcher.texts, 1)
}

const farewellFlow = `{
	"nodes": [
		{"id": "start", "type": "START", "config": {"triggerType": "KEYWORD_EXACT", "keyword": "tchau"}},
		{"id": "end", "type": "END", "config": {"message": "Até logo!"}}
	],
	"edges": [
		{"id": "e1", "source": "start", "target": "end"}
	]
}`

func TestAbandonDuringFinalNodeIsNotCompleted(t *testing.T) {
	env := newEngineEnv(makeFlow("flow-1", farewellFlow))
	ctx := context.Background()

	env.dispatcher.onText = func(job TextDispatchJob) {
		require.NoError(t, env.executions.Abandon(job.ExecutionID))
	}

	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "tchau", testOrgID))

	all := env.executions.all()
	require.Len(t, all, 1)
	assert.Equal(t, models.ExecutionAbandoned, all[0].Status)
}

func TestExecutionGuard(t *testing.T) {
	guard := newExecutionGuard()

	assert.True(t, guard.TryAcquire("exec-1", "node-1"))
	assert.False(t, guard.TryAcquire("exec-1", "node-1"))
	assert.True(t, guard.TryAcquire("exec-1", "node-2"))
	assert.True(t, guard.TryAcquire("exec-2", "node-1"))

	guard.Release("exec-1", "node-1")
	assert.True(t, guard.TryAcquire("exec-1", "node-1"))
}

func TestGetExecutionSnapshot(t *testing.T) {
	env := newEngineEnv(makeFlow("flow-1", surveyFlow))
	ctx := context.Background()

	require.NoError(t, env.engine.HandleInboundMessage(ctx, testContactID, "pesquisa", testOrgID))
	execution := env.executions.all()[0]

	snapshot, err := env.engine.GetExecutionSnapshot(execution.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.ID, snapshot.ID)
	assert.Equal(t, testContactID, snapshot.ContactID)
	assert.Equal(t, "capture", snapshot.CurrentNodeID)
	assert.Equal(t, models.ExecutionWaiting, snapshot.Status)
	assert.Equal(t, []string{"start", "ask", "capture"}, snapshot.Context.ExecutedNodes)

	_, err = env.engine.GetExecutionSnapshot(uuid.New().String())
	assert.Error(t, err)
}
