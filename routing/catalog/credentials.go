// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"axonflow/modelrouter/shared/logger"
)

// CredentialSpec says where a provider's credential lives.
type CredentialSpec struct {
	// Env names an environment variable that must be non-empty.
	Env string `yaml:"env,omitempty"`

	// SecretARN names an AWS Secrets Manager secret that must exist.
	SecretARN string `yaml:"secret_arn,omitempty"`

	// None marks providers that need no credential (self-hosted models).
	None bool `yaml:"none,omitempty"`
}

// ProviderCredentials checks each provider against its CredentialSpec. A
// provider is credentialed when any configured source has the credential.
// Providers without an entry have no credential.
type ProviderCredentials struct {
	Specs   map[string]CredentialSpec
	Secrets *SecretsManagerCredentials

	lookupEnv func(string) (string, bool)
}

// HasCredential implements CredentialChecker.
func (p *ProviderCredentials) HasCredential(ctx context.Context, provider string) bool {
	spec, ok := p.Specs[provider]
	if !ok {
		return false
	}
	if spec.None {
		return true
	}

	lookup := p.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if spec.Env != "" {
		if v, ok := lookup(spec.Env); ok && v != "" {
			return true
		}
	}

	if spec.SecretARN != "" && p.Secrets != nil {
		return p.Secrets.HasSecret(ctx, spec.SecretARN)
	}
	return false
}

// SecretsAPI is the subset of the Secrets Manager client used here.
type SecretsAPI interface {
	DescribeSecret(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
}

type secretState struct {
	present   bool
	expiresAt time.Time
}

// DefaultSecretLookupTimeout bounds one DescribeSecret call.
const DefaultSecretLookupTimeout = 5 * time.Second

// SecretsManagerCredentials reports whether secrets exist without reading
// their values. Results are cached; negative results for a shorter time.
// Only a missing or deleted secret is cached as absent. Lookup errors keep
// the last known answer, or report the secret present when there is none.
type SecretsManagerCredentials struct {
	client        SecretsAPI
	ttl           time.Duration
	negativeTTL   time.Duration
	lookupTimeout time.Duration
	log           *logger.Logger
	now           func() time.Time

	mu       sync.RWMutex
	cache    map[string]secretState
	inflight map[string]chan struct{}
}

// NewSecretsManagerCredentials loads the default AWS configuration.
func NewSecretsManagerCredentials(ctx context.Context, region string, log *logger.Logger) (*SecretsManagerCredentials, error) {
	var cfgOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewSecretsManagerCredentialsWithClient(secretsmanager.NewFromConfig(cfg), 5*time.Minute, log), nil
}

// NewSecretsManagerCredentialsWithClient uses client directly.
func NewSecretsManagerCredentialsWithClient(client SecretsAPI, ttl time.Duration, log *logger.Logger) *SecretsManagerCredentials {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = logger.New("catalog")
	}
	return &SecretsManagerCredentials{
		client:        client,
		ttl:           ttl,
		negativeTTL:   ttl / 10,
		lookupTimeout: DefaultSecretLookupTimeout,
		log:           log,
		now:           time.Now,
		cache:         make(map[string]secretState),
		inflight:      make(map[string]chan struct{}),
	}
}

// HasSecret reports whether arn exists and is not scheduled for deletion.
//
// The lookup runs detached from ctx so a short caller deadline never turns
// into a cached miss. When ctx ends first the last known answer is used
// and the lookup completes in the background.
func (s *SecretsManagerCredentials) HasSecret(ctx context.Context, arn string) bool {
	now := s.now()

	s.mu.Lock()
	state, known := s.cache[arn]
	if known && now.Before(state.expiresAt) {
		s.mu.Unlock()
		return state.present
	}
	done, running := s.inflight[arn]
	if !running {
		done = make(chan struct{})
		s.inflight[arn] = done
		go s.lookup(arn, done)
	}
	s.mu.Unlock()

	select {
	case <-done:
		s.mu.RLock()
		state, known = s.cache[arn]
		s.mu.RUnlock()
	case <-ctx.Done():
	}

	if known {
		return state.present
	}
	return true
}

func (s *SecretsManagerCredentials) lookup(arn string, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		delete(s.inflight, arn)
		s.mu.Unlock()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.lookupTimeout)
	defer cancel()

	out, err := s.client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: aws.String(arn),
	})

	var present bool
	var notFound *types.ResourceNotFoundException
	switch {
	case err == nil:
		present = out != nil && out.DeletedDate == nil
	case errors.As(err, &notFound):
		present = false
	default:
		s.log.WarnErr("", "", "secret lookup failed, keeping last known state", err, map[string]interface{}{
			"secret": maskARN(arn),
		})
		return
	}

	ttl := s.ttl
	if !present {
		ttl = s.negativeTTL
	}
	s.mu.Lock()
	s.cache[arn] = secretState{present: present, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
}

// Invalidate drops the cached state for arn.
func (s *SecretsManagerCredentials) Invalidate(arn string) {
	s.mu.Lock()
	delete(s.cache, arn)
	s.mu.Unlock()
}

// maskARN keeps the last 8 characters of an ARN for logging.
func maskARN(arn string) string {
	if len(arn) <= 12 {
		return "***"
	}
	return "..." + arn[len(arn)-8:]
}
