package fuzzer

import "math"

// ScanResult is one record of the scan's output stream. Progress records
// carry the numeric fields; control records carry a message in Module and
// set Status. Consumers distinguish the two by the Status flag.
type ScanResult struct {
	Module      string  `json:"module"`
	Tokens      float64 `json:"tokens"`
	Cost        float64 `json:"cost"`
	Progress    float64 `json:"progress"`
	FailureRate float64 `json:"failureRate"`
	Status      bool    `json:"status,omitempty"`
}

// Emitter receives scan records as they are produced. Calls are serialized
// by the scan; an emitter must not block for long.
type Emitter func(ScanResult)

// progressRecord reports tokens in thousands. Percent fields arrive already
// scaled to [0, 100].
func progressRecord(module string, tokens int, cost, progressPct, failureRatePct float64) ScanResult {
	return ScanResult{
		Module:      module,
		Tokens:      round2(float64(tokens) / 1000),
		Cost:        math.Round(cost*10000) / 10000,
		Progress:    round2(progressPct),
		FailureRate: round2(failureRatePct),
	}
}

func statusRecord(message string) ScanResult {
	return ScanResult{Module: message, Status: true}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
