// Package secrets resolves the password references found in connection
// configuration.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/INLOpen/nexussync/core"
)

// Reference prefixes.
const (
	PrefixEnv     = "env:"
	PrefixFile    = "file:"
	PrefixAWSSM   = "aws-sm:"
	PrefixLiteral = "literal:"
)

// ErrSecretNotFound is returned when a reference points at nothing.
var ErrSecretNotFound = errors.New("secret not found")

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Options configures a Resolver.
type Options struct {
	// AWSRegion is used when the Secrets Manager client is built lazily.
	AWSRegion string
	// Client overrides the Secrets Manager client.
	Client SecretsManagerAPI
	// Getenv and ReadFile default to the os package.
	Getenv   func(string) string
	ReadFile func(string) ([]byte, error)
	Logger   *slog.Logger
}

// Resolver turns "env:", "file:" and "aws-sm:" references into secrets.
// Anything else is returned verbatim.
type Resolver struct {
	region   string
	getenv   func(string) string
	readFile func(string) ([]byte, error)
	logger   *slog.Logger

	mu     sync.Mutex
	client SecretsManagerAPI
	cache  map[string]string
}

func NewResolver(opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Resolver{
		region:   opts.AWSRegion,
		getenv:   opts.Getenv,
		readFile: opts.ReadFile,
		client:   opts.Client,
		cache:    make(map[string]string),
		logger:   logger.With("component", "SecretResolver"),
	}
	if r.getenv == nil {
		r.getenv = os.Getenv
	}
	if r.readFile == nil {
		r.readFile = os.ReadFile
	}
	return r
}

// Resolve returns the secret named by ref.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, PrefixEnv):
		name := strings.TrimPrefix(ref, PrefixEnv)
		v := r.getenv(name)
		if v == "" {
			return "", fmt.Errorf("environment variable %q: %w", name, ErrSecretNotFound)
		}
		return v, nil
	case strings.HasPrefix(ref, PrefixFile):
		path := strings.TrimPrefix(ref, PrefixFile)
		data, err := r.readFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("secret file %q: %w", path, ErrSecretNotFound)
			}
			return "", fmt.Errorf("failed to read secret file %q: %w", path, err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	case strings.HasPrefix(ref, PrefixAWSSM):
		return r.resolveAWS(ctx, strings.TrimPrefix(ref, PrefixAWSSM))
	case strings.HasPrefix(ref, PrefixLiteral):
		return strings.TrimPrefix(ref, PrefixLiteral), nil
	default:
		return ref, nil
	}
}

func (r *Resolver) resolveAWS(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.cache[id]; ok {
		return v, nil
	}
	if r.client == nil {
		client, err := r.newClient(ctx)
		if err != nil {
			return "", err
		}
		r.client = client
	}

	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		var rnf *types.ResourceNotFoundException
		if errors.As(err, &rnf) {
			return "", fmt.Errorf("secret %q: %w", id, ErrSecretNotFound)
		}
		return "", &core.BackendUnavailableError{Endpoint: "secretsmanager", Op: "GetSecretValue", Err: err}
	}

	var value string
	switch {
	case out.SecretString != nil:
		value = *out.SecretString
	case out.SecretBinary != nil:
		value = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("secret %q has no value: %w", id, ErrSecretNotFound)
	}
	r.cache[id] = value
	r.logger.Debug("Resolved secret from AWS Secrets Manager", "secret_id", id)
	return value, nil
}

func (r *Resolver) newClient(ctx context.Context) (SecretsManagerAPI, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if r.region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(r.region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, core.NewConfigurationError("secrets", "failed to load AWS config: %v", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}
