package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecretGetter struct {
	output *secretsmanager.GetSecretValueOutput
	err    error
	input  *secretsmanager.GetSecretValueInput
}

func (f *fakeSecretGetter) GetSecretValue(_ context.Context, params *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.input = params
	return f.output, f.err
}

// unsetEnv clears key for the test and restores it afterwards
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestImportSecret(t *testing.T) {
	unsetEnv(t, "AUTHZ_TEST_SIGNING")
	unsetEnv(t, "AUTHZ_TEST_RATE")
	t.Setenv("AUTHZ_TEST_ISSUER", "https://from-env.example.com")

	getter := &fakeSecretGetter{
		output: &secretsmanager.GetSecretValueOutput{
			SecretString: aws.String(`{
				"AUTHZ_TEST_SIGNING": "c2VjcmV0",
				"AUTHZ_TEST_RATE": 25,
				"AUTHZ_TEST_ISSUER": "https://from-secret.example.com"
			}`),
		},
	}

	applied, err := importSecret(context.Background(), getter, "authz/prod", "", false)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	assert.Equal(t, "authz/prod", aws.ToString(getter.input.SecretId))
	assert.Equal(t, defaultVersionStage, aws.ToString(getter.input.VersionStage))

	assert.Equal(t, "c2VjcmV0", os.Getenv("AUTHZ_TEST_SIGNING"))
	assert.Equal(t, "25", os.Getenv("AUTHZ_TEST_RATE"))
	assert.Equal(t, "https://from-env.example.com", os.Getenv("AUTHZ_TEST_ISSUER"), "existing variables win")
}

func TestImportSecret_Overwrite(t *testing.T) {
	t.Setenv("AUTHZ_TEST_ISSUER", "https://from-env.example.com")

	getter := &fakeSecretGetter{
		output: &secretsmanager.GetSecretValueOutput{
			SecretBinary: []byte(`{"AUTHZ_TEST_ISSUER": "https://from-secret.example.com"}`),
		},
	}

	applied, err := importSecret(context.Background(), getter, "authz/prod", "AWSPREVIOUS", true)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, "AWSPREVIOUS", aws.ToString(getter.input.VersionStage))
	assert.Equal(t, "https://from-secret.example.com", os.Getenv("AUTHZ_TEST_ISSUER"))
}

func TestImportSecret_Errors(t *testing.T) {
	tests := []struct {
		name   string
		getter *fakeSecretGetter
	}{
		{
			name:   "fetch fails",
			getter: &fakeSecretGetter{err: errors.New("access denied")},
		},
		{
			name:   "empty payload",
			getter: &fakeSecretGetter{output: &secretsmanager.GetSecretValueOutput{}},
		},
		{
			name: "not an object",
			getter: &fakeSecretGetter{output: &secretsmanager.GetSecretValueOutput{
				SecretString: aws.String(`["a", "b"]`),
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applied, err := importSecret(context.Background(), tt.getter, "authz/prod", "", false)
			assert.Error(t, err)
			assert.Zero(t, applied)
		})
	}
}

func TestLoadEnv_DotEnv(t *testing.T) {
	t.Setenv(envSecretID, "")
	unsetEnv(t, "AUTHZ_TEST_FROM_DOTENV")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("AUTHZ_TEST_FROM_DOTENV=yes\n"), 0o600))

	require.NoError(t, loadEnv(context.Background(), path, slog.Default()))
	assert.Equal(t, "yes", os.Getenv("AUTHZ_TEST_FROM_DOTENV"))
}

func TestLoadEnv_MissingFileIgnored(t *testing.T) {
	t.Setenv(envSecretID, "")

	err := loadEnv(context.Background(), filepath.Join(t.TempDir(), "missing.env"), slog.Default())
	assert.NoError(t, err)
}
