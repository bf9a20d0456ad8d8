//go:build tinygo || wasm

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/PDHeisenberg/spark-voice/tools/examples/internal/host"
)

type timerRequest struct {
	DurationMS int    `json:"duration_ms"`
	Label      string `json:"label"`
}

type timerResult struct {
	Label   string `json:"label"`
	State   string `json:"state"`
	EndsAt  string `json:"ends_at,omitempty"`
	Seconds int    `json:"seconds,omitempty"`
	Error   string `json:"error,omitempty"`
}

//export run
func run() {
	host.Log("timer tool invocation")

	payload := os.Getenv("SPARK_TOOL_ARGS")
	if payload == "" {
		report(timerResult{Error: "missing timer arguments"})
		return
	}
	var req timerRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		report(timerResult{Error: "failed to decode timer request: " + err.Error()})
		return
	}
	if req.DurationMS <= 0 {
		report(timerResult{Error: "timer duration must be positive"})
		return
	}
	label := req.Label
	if label == "" {
		label = "timer"
	}

	delay := time.Duration(req.DurationMS) * time.Millisecond
	endsAt := time.Now().Add(delay)
	host.Log(fmt.Sprintf("scheduling %s for %s", label, delay))
	report(timerResult{
		Label:   label,
		State:   "scheduled",
		EndsAt:  endsAt.Format(time.RFC3339),
		Seconds: req.DurationMS / 1000,
	})
}

func report(res timerResult) {
	if data, err := json.Marshal(res); err == nil {
		host.Result(data)
	}
}

func main() {}
