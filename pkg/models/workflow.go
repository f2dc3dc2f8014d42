package models

import (
	"fmt"
	"strings"
)

// WorkflowType is the closed set of automation categories the engine can
// delegate to the external runner.
type WorkflowType string

const (
	WorkflowTypeIngestion           WorkflowType = "ingestion"
	WorkflowTypeContentGeneration   WorkflowType = "content-generation"
	WorkflowTypeSocialCampaign      WorkflowType = "social-campaign"
	WorkflowTypeEmailAutomation     WorkflowType = "email-automation"
	WorkflowTypeBrandProcessing     WorkflowType = "brand-processing"
	WorkflowTypeDataEnrichment      WorkflowType = "data-enrichment"
	WorkflowTypeLeadProcessing      WorkflowType = "lead-processing"
	WorkflowTypeAnalyticsCollection WorkflowType = "analytics-collection"
)

// AllWorkflowTypes lists every supported workflow type in a stable order.
var AllWorkflowTypes = []WorkflowType{
	WorkflowTypeIngestion,
	WorkflowTypeContentGeneration,
	WorkflowTypeSocialCampaign,
	WorkflowTypeEmailAutomation,
	WorkflowTypeBrandProcessing,
	WorkflowTypeDataEnrichment,
	WorkflowTypeLeadProcessing,
	WorkflowTypeAnalyticsCollection,
}

// Steps returns the ordered step names the runner executes for the type.
// The second return value is false for values outside the closed set.
func (t WorkflowType) Steps() ([]string, bool) {
	switch t {
	case WorkflowTypeIngestion:
		return []string{"validate-listing", "normalize-fields", "geocode-address", "persist-listing"}, true
	case WorkflowTypeContentGeneration:
		return []string{"fetch-subject", "generate-description", "generate-images", "store-content"}, true
	case WorkflowTypeSocialCampaign:
		return []string{"generate-posts", "schedule-posts", "publish-posts"}, true
	case WorkflowTypeEmailAutomation:
		return []string{"build-audience", "render-template", "send-emails", "track-engagement"}, true
	case WorkflowTypeBrandProcessing:
		return []string{"extract-brand-assets", "generate-style-guide", "store-brand-profile"}, true
	case WorkflowTypeDataEnrichment:
		return []string{"fetch-market-data", "fetch-neighborhood-data", "merge-enrichment"}, true
	case WorkflowTypeLeadProcessing:
		return []string{"score-lead", "assign-agent", "send-followup"}, true
	case WorkflowTypeAnalyticsCollection:
		return []string{"collect-metrics", "aggregate-metrics", "store-report"}, true
	default:
		return nil, false
	}
}

// Valid reports whether t belongs to the closed set.
func (t WorkflowType) Valid() bool {
	_, ok := t.Steps()
	return ok
}

// ParseWorkflowType normalizes s and validates it against the closed set.
func ParseWorkflowType(s string) (WorkflowType, error) {
	t := WorkflowType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown workflow type %q", s)
	}
	return t, nil
}
