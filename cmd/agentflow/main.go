// Command agentflow manages and runs multi-agent workflows.
//
//	agentflow validate outfit.yaml
//	agentflow run outfit.yaml --input "rainy commute"
//	agentflow workflow create --code OUTFIT_RECOMMEND --name Outfits --file outfit.yaml
//	agentflow serve
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
