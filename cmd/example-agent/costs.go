package main

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/vinayprograms/taskdispatch/tasks"
)

// Task types served by the cost agent.
const (
	TaskAnalyzeCost  = "analyze_cost"
	TaskForecastCost = "forecast_cost"
)

// costAnalyzer answers cost questions from the line items in a task's
// parameters:
//
//	{"account": "acme", "items": [{"service": "compute", "monthly": 1200}, ...]}
type costAnalyzer struct {
	// savingsRate is the share of the largest line item assumed
	// recoverable.
	savingsRate float64

	// failFirst makes the first N attempts of every task fail.
	failFirst int

	mu       sync.Mutex
	attempts map[string]int
}

func newCostAnalyzer(failFirst int) *costAnalyzer {
	return &costAnalyzer{
		savingsRate: 0.2,
		failFirst:   failFirst,
		attempts:    make(map[string]int),
	}
}

type lineItem struct {
	Service string
	Monthly float64
}

// injectFailure reports whether this attempt of taskID should fail.
func (c *costAnalyzer) injectFailure(taskID string) bool {
	if c.failFirst <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts[taskID]++
	if c.attempts[taskID] <= c.failFirst {
		return true
	}
	delete(c.attempts, taskID)
	return false
}

func (c *costAnalyzer) Analyze(ctx context.Context, req *tasks.Request) (map[string]any, error) {
	if c.injectFailure(req.TaskID) {
		return nil, fmt.Errorf("simulated failure")
	}
	items, err := parseItems(req.Parameters)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var total float64
	for _, it := range items {
		total += it.Monthly
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Monthly > items[j].Monthly })

	breakdown := make([]map[string]any, 0, len(items))
	for _, it := range items {
		share := 0.0
		if total > 0 {
			share = round2(it.Monthly / total * 100)
		}
		breakdown = append(breakdown, map[string]any{
			"service": it.Service,
			"monthly": it.Monthly,
			"share":   share,
		})
	}

	result := map[string]any{
		"account":       req.Parameters["account"],
		"monthly_total": round2(total),
		"breakdown":     breakdown,
		"savings":       0.0,
	}
	if len(items) > 0 {
		result["top_service"] = items[0].Service
		result["savings"] = round2(items[0].Monthly * c.savingsRate)
	}
	return result, nil
}

// Forecast projects the monthly total over "months" (default 12) with a
// flat "growth" rate per month.
func (c *costAnalyzer) Forecast(ctx context.Context, req *tasks.Request) (map[string]any, error) {
	if c.injectFailure(req.TaskID) {
		return nil, fmt.Errorf("simulated failure")
	}
	items, err := parseItems(req.Parameters)
	if err != nil {
		return nil, err
	}
	months := 12
	if v, ok := req.Parameters["months"].(float64); ok {
		months = int(v)
	}
	if months <= 0 || months > 120 {
		return nil, fmt.Errorf("months must be in 1..120")
	}
	growth, _ := req.Parameters["growth"].(float64)

	var monthly float64
	for _, it := range items {
		monthly += it.Monthly
	}
	projection := make([]float64, months)
	var total float64
	for i := range projection {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		monthly *= 1 + growth
		projection[i] = round2(monthly)
		total += monthly
	}
	return map[string]any{
		"account":    req.Parameters["account"],
		"months":     months,
		"projection": projection,
		"total":      round2(total),
	}, nil
}

func parseItems(params map[string]any) ([]lineItem, error) {
	raw, ok := params["items"]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("items must be a list")
	}
	items := make([]lineItem, 0, len(list))
	for i, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("items[%d] must be an object", i)
		}
		svc, _ := m["service"].(string)
		monthly, ok := m["monthly"].(float64)
		if svc == "" || !ok || monthly < 0 {
			return nil, fmt.Errorf("items[%d] needs a service and a non-negative monthly cost", i)
		}
		items = append(items, lineItem{Service: svc, Monthly: monthly})
	}
	return items, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
