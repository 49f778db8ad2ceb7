package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// NodeType identifies the behavior of a flow node
type NodeType string

const (
	NodeTypeStart     NodeType = "START"
	NodeTypeMessage   NodeType = "MESSAGE"
	NodeTypeMedia     NodeType = "MEDIA"
	NodeTypeAction    NodeType = "ACTION"
	NodeTypeTimer     NodeType = "TIMER"
	NodeTypeHTTP      NodeType = "HTTP"
	NodeTypeAI        NodeType = "AI"
	NodeTypeCondition NodeType = "CONDITION"
	NodeTypeEnd       NodeType = "END"
)

// TriggerType identifies how a START node matches inbound messages
type TriggerType string

const (
	TriggerKeywordExact      TriggerType = "KEYWORD_EXACT"
	TriggerKeywordContains   TriggerType = "KEYWORD_CONTAINS"
	TriggerKeywordStartsWith TriggerType = "KEYWORD_STARTS_WITH"
	TriggerAnyResponse       TriggerType = "ANY_RESPONSE"
	TriggerTimer             TriggerType = "TIMER"
	TriggerWebhook           TriggerType = "WEBHOOK"
	TriggerManual            TriggerType = "MANUAL"
)

// ConditionOperator identifies the predicate of a CONDITION node
type ConditionOperator string

const (
	OperatorEquals      ConditionOperator = "EQUALS"
	OperatorContains    ConditionOperator = "CONTAINS"
	OperatorGreaterThan ConditionOperator = "GREATER_THAN"
	OperatorLessThan    ConditionOperator = "LESS_THAN"
	OperatorExists      ConditionOperator = "EXISTS"
	OperatorRegex       ConditionOperator = "REGEX"
)

// StartConfig is the trigger configuration of a START node
type StartConfig struct {
	TriggerType TriggerType `json:"triggerType"`
	Keyword     string      `json:"keyword"`
}

// MessageConfig is the configuration of a MESSAGE node
type MessageConfig struct {
	Text string `json:"text"`
}

// MediaConfig is the configuration of a MEDIA node
type MediaConfig struct {
	URL       string `json:"url"`
	MediaType string `json:"mediaType"` // image, video, audio, document
	Caption   string `json:"caption"`
}

// ActionConfig is the configuration of an ACTION node (pause and capture reply)
type ActionConfig struct {
	SaveResponseAs string `json:"saveResponseAs"`
}

// TimerConfig is the configuration of a TIMER node
type TimerConfig struct {
	Seconds int `json:"seconds"`
	Minutes int `json:"minutes"`
	Hours   int `json:"hours"`
}

// TotalDelay returns the combined delay of the timer
func (c TimerConfig) TotalDelay() time.Duration {
	total := c.Seconds + c.Minutes*60 + c.Hours*3600
	return time.Duration(total) * time.Second
}

// HTTPConfig is the configuration of an HTTP node
type HTTPConfig struct {
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers"`
	Body           string            `json:"body"`
	SaveResponseAs string            `json:"saveResponseAs"`
}

// AIClassification configures how an AI node routes its response to a branch
type AIClassification struct {
	Type     string              `json:"type"` // sentiment, keywords, llm
	Keywords map[string][]string `json:"keywords"`
	Labels   []string            `json:"labels"`
	Prompt   string              `json:"prompt"`
}

// AIConfig is the configuration of an AI node
type AIConfig struct {
	Prompt         string            `json:"prompt"`
	Model          string            `json:"model"`
	SaveResponseAs string            `json:"saveResponseAs"`
	Classification *AIClassification `json:"classification"`
}

// ConditionConfig is the configuration of a CONDITION node
type ConditionConfig struct {
	Variable string            `json:"variable"`
	Operator ConditionOperator `json:"operator"`
	Value    interface{}       `json:"value"`
}

// EndConfig is the configuration of an END node
type EndConfig struct {
	Message string `json:"message"`
}

// FlowNode is one node of a flow graph with its type-specific config parsed
// into exactly one of the typed config fields
type FlowNode struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`

	Start     *StartConfig     `json:"-"`
	Message   *MessageConfig   `json:"-"`
	Media     *MediaConfig     `json:"-"`
	Action    *ActionConfig    `json:"-"`
	Timer     *TimerConfig     `json:"-"`
	HTTP      *HTTPConfig      `json:"-"`
	AI        *AIConfig        `json:"-"`
	Condition *ConditionConfig `json:"-"`
	End       *EndConfig       `json:"-"`
}

// FlowEdge is one directed edge of a flow graph
type FlowEdge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Label        string `json:"label,omitempty"`
}

// FlowGraph is a parsed, validated flow definition ready for execution
type FlowGraph struct {
	Nodes     map[string]*FlowNode
	NodeOrder []string
	Edges     []FlowEdge
	StartNode *FlowNode
}

type rawNode struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Config json.RawMessage `json:"config"`
}

type rawDefinition struct {
	Nodes []rawNode  `json:"nodes"`
	Edges []FlowEdge `json:"edges"`
}

// ParseFlowDefinition parses a jsonb flow definition into a validated graph.
// Validation happens here, at load time, so node execution never sees an
// untyped or malformed config.
func ParseFlowDefinition(definition []byte) (*FlowGraph, error) {
	if len(definition) == 0 {
		return nil, fmt.Errorf("flow definition is empty")
	}

	var raw rawDefinition
	if err := json.Unmarshal(definition, &raw); err != nil {
		return nil, fmt.Errorf("invalid flow definition: %w", err)
	}
	if len(raw.Nodes) == 0 {
		return nil, fmt.Errorf("flow definition has no nodes")
	}

	graph := &FlowGraph{
		Nodes:     make(map[string]*FlowNode, len(raw.Nodes)),
		NodeOrder: make([]string, 0, len(raw.Nodes)),
		Edges:     raw.Edges,
	}

	for _, rn := range raw.Nodes {
		if rn.ID == "" {
			return nil, fmt.Errorf("flow definition contains a node without id")
		}
		if _, exists := graph.Nodes[rn.ID]; exists {
			return nil, fmt.Errorf("duplicate node id %q", rn.ID)
		}

		node, err := parseNode(rn)
		if err != nil {
			return nil, err
		}

		graph.Nodes[rn.ID] = node
		graph.NodeOrder = append(graph.NodeOrder, rn.ID)

		if node.Type == NodeTypeStart {
			if graph.StartNode != nil {
				return nil, fmt.Errorf("flow has more than one START node")
			}
			graph.StartNode = node
		}
	}

	if graph.StartNode == nil {
		return nil, fmt.Errorf("flow has no START node")
	}

	for _, edge := range graph.Edges {
		if _, ok := graph.Nodes[edge.Source]; !ok {
			return nil, fmt.Errorf("edge %q references unknown source node %q", edge.ID, edge.Source)
		}
		if _, ok := graph.Nodes[edge.Target]; !ok {
			return nil, fmt.Errorf("edge %q references unknown target node %q", edge.ID, edge.Target)
		}
	}

	return graph, nil
}

func parseNode(rn rawNode) (*FlowNode, error) {
	node := &FlowNode{ID: rn.ID, Type: rn.Type}
	config := rn.Config
	if len(config) == 0 {
		config = []byte("{}")
	}

	unmarshal := func(target interface{}) error {
		if err := json.Unmarshal(config, target); err != nil {
			return fmt.Errorf("node %q has invalid %s config: %w", rn.ID, rn.Type, err)
		}
		return nil
	}

	switch rn.Type {
	case NodeTypeStart:
		node.Start = &StartConfig{}
		if err := unmarshal(node.Start); err != nil {
			return nil, err
		}
	case NodeTypeMessage:
		node.Message = &MessageConfig{}
		if err := unmarshal(node.Message); err != nil {
			return nil, err
		}
		if node.Message.Text == "" {
			return nil, fmt.Errorf("MESSAGE node %q has no text", rn.ID)
		}
	case NodeTypeMedia:
		node.Media = &MediaConfig{}
		if err := unmarshal(node.Media); err != nil {
			return nil, err
		}
	case NodeTypeAction:
		node.Action = &ActionConfig{}
		if err := unmarshal(node.Action); err != nil {
			return nil, err
		}
	case NodeTypeTimer:
		node.Timer = &TimerConfig{}
		if err := unmarshal(node.Timer); err != nil {
			return nil, err
		}
		if node.Timer.TotalDelay() <= 0 {
			return nil, fmt.Errorf("TIMER node %q has no delay", rn.ID)
		}
	case NodeTypeHTTP:
		node.HTTP = &HTTPConfig{}
		if err := unmarshal(node.HTTP); err != nil {
			return nil, err
		}
		if node.HTTP.URL == "" {
			return nil, fmt.Errorf("HTTP node %q has no url", rn.ID)
		}
		if node.HTTP.Method == "" {
			node.HTTP.Method = "GET"
		}
		node.HTTP.Method = strings.ToUpper(node.HTTP.Method)
	case NodeTypeAI:
		node.AI = &AIConfig{}
		if err := unmarshal(node.AI); err != nil {
			return nil, err
		}
		if node.AI.Prompt == "" {
			return nil, fmt.Errorf("AI node %q has no prompt", rn.ID)
		}
	case NodeTypeCondition:
		node.Condition = &ConditionConfig{}
		if err := unmarshal(node.Condition); err != nil {
			return nil, err
		}
		if node.Condition.Variable == "" {
			return nil, fmt.Errorf("CONDITION node %q has no variable", rn.ID)
		}
		if node.Condition.Operator == "" {
			return nil, fmt.Errorf("CONDITION node %q has no operator", rn.ID)
		}
	case NodeTypeEnd:
		node.End = &EndConfig{}
		if err := unmarshal(node.End); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("node %q has unknown type %q", rn.ID, rn.Type)
	}

	return node, nil
}

// OutgoingEdges returns the edges leaving a node in definition order
func (g *FlowGraph) OutgoingEdges(nodeID string) []FlowEdge {
	var edges []FlowEdge
	for _, edge := range g.Edges {
		if edge.Source == nodeID {
			edges = append(edges, edge)
		}
	}
	return edges
}

// FirstEdge returns the first edge leaving a node, or nil
func (g *FlowGraph) FirstEdge(nodeID string) *FlowEdge {
	for i := range g.Edges {
		if g.Edges[i].Source == nodeID {
			return &g.Edges[i]
		}
	}
	return nil
}

// EdgeByHandle returns the edge leaving a node whose sourceHandle or label
// matches the given handle (case-insensitive), or nil
func (g *FlowGraph) EdgeByHandle(nodeID, handle string) *FlowEdge {
	for i := range g.Edges {
		edge := &g.Edges[i]
		if edge.Source != nodeID {
			continue
		}
		if strings.EqualFold(edge.SourceHandle, handle) || strings.EqualFold(edge.Label, handle) {
			return edge
		}
	}
	return nil
}
