//go:build tinygo || wasm

package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/PDHeisenberg/spark-voice/tools/examples/internal/host"
)

type clockRequest struct {
	Timezone string `json:"timezone"`
}

type clockResult struct {
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
	Error    string `json:"error,omitempty"`
}

//export run
func run() {
	host.Log("clock tool invocation")

	var req clockRequest
	if payload := os.Getenv("SPARK_TOOL_ARGS"); payload != "" {
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			host.Log("failed to decode clock request: " + err.Error())
		}
	}

	loc := time.Local
	zone := "local"
	if req.Timezone != "" {
		parsed, err := time.LoadLocation(req.Timezone)
		if err != nil {
			report(clockResult{Error: "unknown timezone: " + req.Timezone})
			return
		}
		loc = parsed
		zone = req.Timezone
	}

	now := time.Now().In(loc)
	report(clockResult{Time: now.Format(time.RFC3339), Timezone: zone})
}

func report(res clockResult) {
	if data, err := json.Marshal(res); err == nil {
		host.Result(data)
	}
}

func main() {}
