// Command devtoken mints an access token signed with the configured secret, for local testing
// against the API without the hosted auth provider.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"

	"github.com/arklim/auditmarket-core/internal/infra/config"
	"github.com/arklim/auditmarket-core/internal/infra/security"
)

func main() {
	subject := flag.String("sub", "", "principal id placed in the sub claim")
	email := flag.String("email", "", "optional email claim")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	token, err := security.IssueToken(cfg.Auth, security.IssueOptions{
		Subject: *subject,
		Email:   *email,
		TTL:     *ttl,
	})
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Println(token)
}
