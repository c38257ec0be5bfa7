package server

import "time"

type Principal struct {
	Subject  string `json:"subject"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// ScanRequest describes one scan: the raw endpoint template plus dataset
// selection and tuning knobs.
type ScanRequest struct {
	SpecText      string   `json:"spec"`
	Datasets      []string `json:"datasets,omitempty"`
	ManifestPath  string   `json:"manifest_path,omitempty"`
	MaxBudget     int      `json:"max_budget,omitempty"`
	Optimize      bool     `json:"optimize,omitempty"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
	RequestRate   float64  `json:"request_rate,omitempty"`
	EnableJudge   bool     `json:"enable_judge,omitempty"`
}

type VerifyRequest struct {
	SpecText string `json:"spec"`
}

type ScanMeta struct {
	ScanID        string      `json:"scan_id"`
	Status        string      `json:"status"`
	CreatorType   string      `json:"creator_type"`
	CreatorSub    string      `json:"creator_sub,omitempty"`
	Source        string      `json:"source"`
	Request       ScanRequest `json:"request"`
	StartedAt     string      `json:"started_at,omitempty"`
	FinishedAt    string      `json:"finished_at,omitempty"`
	CreatedAt     string      `json:"created_at"`
	Error         string      `json:"error,omitempty"`
	Report        *ScanReport `json:"report,omitempty"`
	EstimatedCost float64     `json:"estimated_cost_usd"`
}

// ScanReport is the persisted outcome of a finished scan.
type ScanReport struct {
	GeneratedAt   string          `json:"generated_at"`
	TotalPrompts  int             `json:"total_prompts"`
	TotalTokens   int             `json:"total_tokens"`
	EstimatedCost float64         `json:"estimated_cost_usd"`
	Refusals      int             `json:"refusals"`
	Errors        int             `json:"errors"`
	Modules       []ModuleSummary `json:"modules"`
	Records       []ResultRecord  `json:"records,omitempty"`
}

type ModuleSummary struct {
	Name        string  `json:"name"`
	Prompts     int     `json:"prompts"`
	Failures    int     `json:"failures"`
	FailureRate float64 `json:"failure_rate"`
}

// ResultRecord is one probe row of the result log, the unit of CSV export.
type ResultRecord struct {
	Module     string `json:"module"`
	Prompt     string `json:"prompt"`
	StatusCode int    `json:"status_code"`
	Content    string `json:"content,omitempty"`
	Refused    bool   `json:"refused"`
	Error      string `json:"error,omitempty"`
}

type AuditEvent struct {
	Timestamp string `json:"timestamp"`
	ScanID    string `json:"scan_id,omitempty"`
	ActorType string `json:"actor_type"`
	ActorSub  string `json:"actor_sub,omitempty"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	IPHash    string `json:"ip_hash,omitempty"`
	UAHash    string `json:"ua_hash,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// ScanEvent is one row of a scan's event stream: a progress record or a
// status message, plus lifecycle markers.
type ScanEvent struct {
	Seq       int64          `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type MetricsOverview struct {
	GeneratedAt      string  `json:"generated_at"`
	TotalScans       int     `json:"total_scans"`
	RunningScans     int     `json:"running_scans"`
	CompletedScans   int     `json:"completed_scans"`
	StoppedScans     int     `json:"stopped_scans"`
	FailedScans      int     `json:"failed_scans"`
	TotalPrompts     int     `json:"total_prompts"`
	TotalTokens      int     `json:"total_tokens"`
	TotalRefusals    int     `json:"total_refusals"`
	AverageFailRate  float64 `json:"average_failure_rate"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
