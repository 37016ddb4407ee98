// Command gen-token mints HS256 bearer tokens for the API's local auth mode.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

type tokenSpec struct {
	secret   []byte
	audience string
	ttl      time.Duration
	now      func() time.Time
}

func main() {
	var (
		count    = pflag.Int("count", 1, "number of tokens to generate")
		prefix   = pflag.String("prefix", "dev-user", "prefix for generated user IDs when count > 1")
		start    = pflag.Int("start", 1, "starting index for generated user IDs when count > 1")
		output   = pflag.String("output", "", "file to write generated tokens as a JSON array")
		secret   = pflag.String("secret", os.Getenv("LOCAL_AUTH_SHARED_SECRET"), "HS256 shared secret")
		audience = pflag.String("audience", "", "aud claim, if the API checks one")
		ttl      = pflag.Duration("ttl", time.Hour, "token lifetime")
	)
	pflag.Parse()

	if *count < 1 {
		log.Fatal("count must be at least 1")
	}
	if *start < 1 {
		log.Fatal("start index must be at least 1")
	}
	args := pflag.Args()
	if len(args) > 0 && *count > 1 {
		log.Fatal("explicit user ID cannot be provided when generating multiple tokens")
	}

	spec := tokenSpec{secret: []byte(*secret), audience: *audience, ttl: *ttl, now: time.Now}
	tokens, err := spec.generate(userIDs(*count, *prefix, *start, args))
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}
	if *output != "" {
		if err := writeTokens(*output, tokens); err != nil {
			log.Fatalf("write tokens: %v", err)
		}
	}
	fmt.Print(tokens[0])
}

func userIDs(count int, prefix string, start int, args []string) []string {
	if len(args) > 0 {
		return []string{args[0]}
	}
	if count == 1 {
		return []string{prefix}
	}
	ids := make([]string, count)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", prefix, start+i)
	}
	return ids
}

func (s tokenSpec) generate(ids []string) ([]string, error) {
	if len(s.secret) == 0 {
		return nil, errors.New("a secret is required (--secret or LOCAL_AUTH_SHARED_SECRET)")
	}
	now := s.now()
	tokens := make([]string, len(ids))
	for i, id := range ids {
		claims := jwt.MapClaims{
			"sub": id,
			"iat": now.Unix(),
			"exp": now.Add(s.ttl).Unix(),
		}
		if s.audience != "" {
			claims["aud"] = s.audience
		}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}
	return tokens, nil
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
