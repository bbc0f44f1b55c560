package main

import (
	"fmt"
	"log"

	"github.com/agentmeter/agentmeter/internal/auth"
)

// genkey prints a fresh ingest API key ready to paste into the
// auth.api_keys section of meter.yaml.
func main() {
	prefix, _, token, err := auth.GenerateAPIKey()
	if err != nil {
		log.Fatalf("generate key: %v", err)
	}
	fmt.Printf("api key: %s\n", token)
	fmt.Printf("prefix:  %s\n", prefix)
}
