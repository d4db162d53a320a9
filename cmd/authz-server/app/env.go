package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/joho/godotenv"
)

// Environment variables controlling the AWS Secrets Manager import
const (
	envSecretID        = "AUTHZ_AWS_SECRET_ID"
	envSecretRegion    = "AUTHZ_AWS_SECRET_REGION"
	envSecretStage     = "AUTHZ_AWS_SECRET_VERSION_STAGE"
	envSecretOverwrite = "AUTHZ_AWS_SECRET_OVERWRITE"

	defaultVersionStage = "AWSCURRENT"
)

// secretGetter is the part of the Secrets Manager client we use
type secretGetter interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// loadEnv loads envFile into the environment, then imports the JSON
// secret named by AUTHZ_AWS_SECRET_ID when set. Variables already present
// in the environment win unless AUTHZ_AWS_SECRET_OVERWRITE is true.
func loadEnv(ctx context.Context, envFile string, logger *slog.Logger) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	secretID := os.Getenv(envSecretID)
	if secretID == "" {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region := os.Getenv(envSecretRegion); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	applied, err := importSecret(ctx, secretsmanager.NewFromConfig(cfg), secretID,
		os.Getenv(envSecretStage),
		strings.EqualFold(os.Getenv(envSecretOverwrite), "true"))
	if err != nil {
		return err
	}

	logger.Info("Loaded environment from AWS Secrets Manager",
		"secret_id", secretID,
		"applied", applied)
	return nil
}

// importSecret sets every key of a JSON object secret as an environment
// variable and returns how many were applied.
func importSecret(ctx context.Context, client secretGetter, secretID, versionStage string, overwrite bool) (int, error) {
	if versionStage == "" {
		versionStage = defaultVersionStage
	}

	output, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(secretID),
		VersionStage: aws.String(versionStage),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch secret %s: %w", secretID, err)
	}

	var payload []byte
	switch {
	case output.SecretString != nil:
		payload = []byte(*output.SecretString)
	case len(output.SecretBinary) > 0:
		payload = output.SecretBinary
	default:
		return 0, fmt.Errorf("secret %s has no payload", secretID)
	}

	var values map[string]any
	if err := json.Unmarshal(payload, &values); err != nil {
		return 0, fmt.Errorf("secret %s is not a JSON object: %w", secretID, err)
	}

	applied := 0
	for key, value := range values {
		if _, exists := os.LookupEnv(key); exists && !overwrite {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(value)); err != nil {
			return applied, fmt.Errorf("failed to set %s from secret: %w", key, err)
		}
		applied++
	}
	return applied, nil
}
