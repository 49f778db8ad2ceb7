package services

import (
	"fmt"
	"time"

	"github.com/flowzap/flowzap-backend/internal/models"

	gocache "github.com/patrickmn/go-cache"
)

// flowCache keeps parsed flow graphs in memory so the engine does not
// re-parse the jsonb definition on every inbound message. Keys include the
// flow's update timestamp, so editing a flow invalidates naturally.
type flowCache struct {
	cache *gocache.Cache
}

func newFlowCache() *flowCache {
	return &flowCache{
		cache: gocache.New(10*time.Minute, 30*time.Minute),
	}
}

// GraphFor returns the parsed graph for a flow, parsing and caching on miss
func (c *flowCache) GraphFor(flow *models.Flow) (*models.FlowGraph, error) {
	key := fmt.Sprintf("%s:%d", flow.ID, flow.UpdatedAt.UnixNano())
	if cached, found := c.cache.Get(key); found {
		return cached.(*models.FlowGraph), nil
	}

	graph, err := models.ParseFlowDefinition([]byte(flow.Definition))
	if err != nil {
		return nil, err
	}

	c.cache.Set(key, graph, gocache.DefaultExpiration)
	return graph, nil
}
