package main

import (
	"encoding/json"
	"log"
	"os"

	"github.com/agentmeter/agentmeter/internal/config"
)

// dumpconfig prints the effective configuration after defaults, file, and
// environment merging, with credentials redacted.
func main() {
	cfg, err := config.Load(config.Options{})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	cfg.Admin.JWTSecret = redact(cfg.Admin.JWTSecret)
	for i := range cfg.Auth.APIKeys {
		cfg.Auth.APIKeys[i].Key = redact(cfg.Auth.APIKeys[i].Key)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		log.Fatalf("encode config: %v", err)
	}
}

func redact(value string) string {
	if value == "" {
		return ""
	}
	return "[redacted]"
}
