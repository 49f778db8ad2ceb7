package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/flowzap/flowzap-backend/internal/gateway"
	"github.com/flowzap/flowzap-backend/internal/models"
	"github.com/flowzap/flowzap-backend/internal/utils"

	"github.com/sirupsen/logrus"
)

// nodeResult is the outcome of interpreting one node. A TIMER node hands its
// durable continuation back in timer so the loop can persist the WAITING
// status first; writing the job before the park would let an overlapping
// scheduler tick resume the execution and then be rewound by the park write.
type nodeResult struct {
	nextNodeID string
	wait       bool
	complete   bool
	timer      *models.ScheduledJob
}

// runExecution drives the interpreter loop from the execution's current node.
// The loop is iterative with a bounded step count, and every transition
// persists current node and context before the next node runs so external
// observers see live progress.
func (s *FlowEngineService) runExecution(ctx context.Context, execution *models.FlowExecution, flow *models.Flow, graph *models.FlowGraph, text string) error {
	contact, err := s.contacts.GetByID(execution.ContactID)
	if err != nil {
		return s.abandonWithError(execution, fmt.Errorf("contact missing: %w", err))
	}
	organization, err := s.organizations.GetByID(flow.OrganizationID)
	if err != nil {
		return s.abandonWithError(execution, fmt.Errorf("organization missing: %w", err))
	}

	if text != "" {
		execution.Context.SetVariable("lastMessage", text)
	}

	for steps := 0; ; steps++ {
		if steps >= maxExecutionSteps {
			return s.abandonWithError(execution, fmt.Errorf("flow exceeded %d steps in one run", maxExecutionSteps))
		}

		// Abandonment elsewhere (campaign pre-emption, reset) is a status
		// write; check it before interpreting the next node
		fresh, err := s.executions.GetByID(execution.ID)
		if err != nil {
			return err
		}
		if !fresh.Status.IsLive() {
			logrus.Debugf("Execution %s no longer live, stopping interpreter", execution.ID)
			return nil
		}

		node, ok := graph.Nodes[execution.CurrentNodeID]
		if !ok {
			return s.abandonWithError(execution, fmt.Errorf("node %q not found in flow", execution.CurrentNodeID))
		}

		acquired := s.guard.TryAcquire(execution.ID, node.ID)
		if !acquired && node.Type != models.NodeTypeStart {
			// Duplicate delivery already interpreting this node
			logrus.Debugf("Node %s of execution %s already in flight, skipping duplicate", node.ID, execution.ID)
			return nil
		}
		// Intentional re-entry of START (after reset) proceeds even when the
		// guard is held

		result, err := s.executeNode(ctx, execution, graph, node, contact, organization)
		if acquired {
			s.guard.Release(execution.ID, node.ID)
		}
		if err != nil {
			return s.abandonWithError(execution, err)
		}

		execution.Context.RecordNode(node.ID)

		switch {
		case result.complete:
			return s.completeExecution(execution)
		case result.wait:
			execution.Status = models.ExecutionWaiting
			ok, err := s.persistLive(execution)
			if err != nil || !ok {
				return err
			}
			if result.timer != nil {
				if err := s.timers.Create(result.timer); err != nil {
					// Without a durable continuation the execution would wait
					// forever
					return s.abandonWithError(execution, fmt.Errorf("failed to schedule timer continuation: %w", err))
				}
			}
			return nil
		case result.nextNodeID == "":
			// Exhausted edges
			return s.completeExecution(execution)
		default:
			execution.CurrentNodeID = result.nextNodeID
			execution.Status = models.ExecutionProcessing
			ok, err := s.persistLive(execution)
			if err != nil {
				return err
			}
			if !ok {
				// Terminated while the node ran; the terminal status stands
				return nil
			}
		}
	}
}

// executeNode interprets one node. MEDIA, HTTP and AI failures are recovered
// locally: the error is logged into context metadata and the flow advances,
// so one bad integration never wedges a conversation. There is deliberately
// no error edge; the failure policy is always log-and-advance.
func (s *FlowEngineService) executeNode(ctx context.Context, execution *models.FlowExecution, graph *models.FlowGraph, node *models.FlowNode, contact *models.Contact, organization *models.Organization) (*nodeResult, error) {
	variables := execution.Context.Variables

	switch node.Type {
	case models.NodeTypeStart:
		return s.advance(graph, node), nil

	case models.NodeTypeMessage:
		message := utils.SubstituteVariables(node.Message.Text, variables)
		err := s.dispatcher.EnqueueText(TextDispatchJob{
			Phone:       contact.Phone,
			Message:     message,
			Credentials: organization.Credentials(),
			ExecutionID: execution.ID,
		})
		if err != nil {
			// Missing credentials or a broken broker should not stall the
			// conversation; record and keep going
			logrus.Warnf("Failed to enqueue text for execution %s: %v", execution.ID, err)
			execution.Context.RecordError(node.ID, node.Type, err)
		}
		return s.advance(graph, node), nil

	case models.NodeTypeMedia:
		if err := s.sendMedia(execution, node, contact, organization); err != nil {
			logrus.Warnf("MEDIA node %s failed for execution %s: %v", node.ID, execution.ID, err)
			execution.Context.RecordError(node.ID, node.Type, err)
		}
		return s.advance(graph, node), nil

	case models.NodeTypeAction:
		// Park and wait for the contact's next reply
		return &nodeResult{wait: true}, nil

	case models.NodeTypeTimer:
		// The loop persists WAITING before it writes the job
		return &nodeResult{wait: true, timer: &models.ScheduledJob{
			ExecutionID: execution.ID,
			NodeID:      node.ID,
			ResumeAt:    time.Now().UTC().Add(node.Timer.TotalDelay()),
		}}, nil

	case models.NodeTypeHTTP:
		if err := s.callHTTP(ctx, execution, node); err != nil {
			logrus.Warnf("HTTP node %s failed for execution %s: %v", node.ID, execution.ID, err)
			execution.Context.RecordError(node.ID, node.Type, err)
		}
		return s.advance(graph, node), nil

	case models.NodeTypeAI:
		return s.runAINode(ctx, execution, graph, node, organization), nil

	case models.NodeTypeCondition:
		outcome := EvaluateCondition(node.Condition, variables)
		edge := graph.EdgeByHandle(node.ID, strconv.FormatBool(outcome))
		if edge == nil {
			// No branch for this outcome; the execution completes
			return &nodeResult{complete: true}, nil
		}
		return &nodeResult{nextNodeID: edge.Target}, nil

	case models.NodeTypeEnd:
		if node.End.Message != "" {
			message := utils.SubstituteVariables(node.End.Message, variables)
			err := s.dispatcher.EnqueueText(TextDispatchJob{
				Phone:       contact.Phone,
				Message:     message,
				Credentials: organization.Credentials(),
				ExecutionID: execution.ID,
			})
			if err != nil {
				logrus.Warnf("Failed to enqueue closing message for execution %s: %v", execution.ID, err)
				execution.Context.RecordError(node.ID, node.Type, err)
			}
		}
		return &nodeResult{complete: true}, nil

	default:
		return nil, fmt.Errorf("unhandled node type %q", node.Type)
	}
}

// advance selects the single outgoing edge of a linear node
func (s *FlowEngineService) advance(graph *models.FlowGraph, node *models.FlowNode) *nodeResult {
	edge := graph.FirstEdge(node.ID)
	if edge == nil {
		return &nodeResult{}
	}
	return &nodeResult{nextNodeID: edge.Target}
}

var allowedMediaTypes = map[string]bool{
	"image":    true,
	"video":    true,
	"audio":    true,
	"document": true,
}

func (s *FlowEngineService) sendMedia(execution *models.FlowExecution, node *models.FlowNode, contact *models.Contact, organization *models.Organization) error {
	config := node.Media
	parsed, err := url.ParseRequestURI(config.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("invalid media url %q", config.URL)
	}

	mediaType := strings.ToLower(config.MediaType)
	if !allowedMediaTypes[mediaType] {
		return fmt.Errorf("unsupported media type %q", config.MediaType)
	}

	caption := utils.SubstituteVariables(config.Caption, execution.Context.Variables)
	return s.dispatcher.EnqueueMedia(MediaDispatchJob{
		Phone:       contact.Phone,
		MediaType:   mediaType,
		URL:         config.URL,
		Caption:     caption,
		Credentials: organization.Credentials(),
		ExecutionID: execution.ID,
	})
}

func (s *FlowEngineService) callHTTP(ctx context.Context, execution *models.FlowExecution, node *models.FlowNode) error {
	config := node.HTTP
	variables := execution.Context.Variables

	endpoint := utils.SubstituteVariables(config.URL, variables)
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return fmt.Errorf("invalid url %q: %w", endpoint, err)
	}

	var body io.Reader
	if config.Body != "" {
		body = strings.NewReader(utils.SubstituteVariables(config.Body, variables))
	}

	req, err := http.NewRequestWithContext(ctx, config.Method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if config.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range config.Headers {
		req.Header.Set(key, utils.SubstituteVariables(value, variables))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}

	if config.SaveResponseAs != "" {
		execution.Context.SetVariable(config.SaveResponseAs, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// runAINode calls the LLM and optionally classifies the response into a
// branch label. Any failure falls back to the first outgoing edge.
func (s *FlowEngineService) runAINode(ctx context.Context, execution *models.FlowExecution, graph *models.FlowGraph, node *models.FlowNode, organization *models.Organization) *nodeResult {
	config := node.AI
	prompt := utils.SubstituteVariables(config.Prompt, execution.Context.Variables)

	response, err := s.llm.Generate(ctx, gateway.GenerateRequest{
		Prompt: prompt,
		Model:  config.Model,
		APIKey: organization.LLMAPIKey,
	})
	if err != nil {
		logrus.Warnf("AI node %s failed for execution %s: %v", node.ID, execution.ID, err)
		execution.Context.RecordError(node.ID, node.Type, err)
		return s.advance(graph, node)
	}

	if config.SaveResponseAs != "" {
		execution.Context.SetVariable(config.SaveResponseAs, response)
	}

	if config.Classification == nil {
		return s.advance(graph, node)
	}

	label := s.classify(ctx, config.Classification, response, organization)
	if label == "" {
		return s.advance(graph, node)
	}
	execution.Context.RecordClassification(node.ID, label)

	if edge := graph.EdgeByHandle(node.ID, label); edge != nil {
		return &nodeResult{nextNodeID: edge.Target}
	}
	return s.advance(graph, node)
}

var positiveWords = []string{"sim", "yes", "ok", "claro", "quero", "pode", "legal", "otimo", "ótimo", "bom", "obrigado", "thanks", "great", "good"}
var negativeWords = []string{"não", "nao", "no", "nunca", "pare", "stop", "ruim", "péssimo", "pessimo", "cancelar", "bad", "never"}

func (s *FlowEngineService) classify(ctx context.Context, config *models.AIClassification, response string, organization *models.Organization) string {
	text := strings.ToLower(response)

	switch config.Type {
	case "sentiment":
		for _, word := range negativeWords {
			if strings.Contains(text, word) {
				return "negative"
			}
		}
		for _, word := range positiveWords {
			if strings.Contains(text, word) {
				return "positive"
			}
		}
		return "neutral"

	case "keywords":
		// Deterministic label order: configured labels first, then sorted
		labels := config.Labels
		if len(labels) == 0 {
			for label := range config.Keywords {
				labels = append(labels, label)
			}
			sort.Strings(labels)
		}
		for _, label := range labels {
			for _, keyword := range config.Keywords[label] {
				if strings.Contains(text, strings.ToLower(keyword)) {
					return label
				}
			}
		}
		return ""

	case "llm":
		if len(config.Labels) == 0 {
			return ""
		}
		prompt := config.Prompt
		if prompt == "" {
			prompt = "Classify the following message into exactly one of these categories: %s. Reply with only the category name.\n\nMessage: %s"
		}
		classification, err := s.llm.Generate(ctx, gateway.GenerateRequest{
			Prompt: fmt.Sprintf(prompt, strings.Join(config.Labels, ", "), response),
			APIKey: organization.LLMAPIKey,
		})
		if err != nil {
			logrus.Warnf("LLM classification failed: %v", err)
			return ""
		}
		classification = strings.ToLower(strings.TrimSpace(classification))
		for _, label := range config.Labels {
			if strings.Contains(classification, strings.ToLower(label)) {
				return label
			}
		}
		return ""

	default:
		return ""
	}
}

var numberPattern = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// EvaluateCondition applies a CONDITION node's predicate to the context
// variables
func EvaluateCondition(config *models.ConditionConfig, variables map[string]interface{}) bool {
	actual, exists := variables[config.Variable]

	switch config.Operator {
	case models.OperatorExists:
		if !exists || actual == nil {
			return false
		}
		if str, isString := actual.(string); isString {
			return strings.TrimSpace(str) != ""
		}
		return true

	case models.OperatorEquals:
		if !exists {
			return false
		}
		if a, aok := toFloat(actual); aok {
			if b, bok := toFloat(config.Value); bok {
				return a == b
			}
		}
		return strings.EqualFold(utils.Stringify(actual), utils.Stringify(config.Value))

	case models.OperatorContains:
		if !exists {
			return false
		}
		return strings.Contains(
			strings.ToLower(utils.Stringify(actual)),
			strings.ToLower(utils.Stringify(config.Value)),
		)

	case models.OperatorGreaterThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(config.Value)
		return aok && bok && a > b

	case models.OperatorLessThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(config.Value)
		return aok && bok && a < b

	case models.OperatorRegex:
		if !exists {
			return false
		}
		pattern, err := regexp.Compile(utils.Stringify(config.Value))
		if err != nil {
			logrus.Warnf("Invalid condition regex %q: %v", config.Value, err)
			return false
		}
		return pattern.MatchString(utils.Stringify(actual))

	default:
		return false
	}
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		trimmed := strings.TrimSpace(v)
		if !numberPattern.MatchString(trimmed) {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}
