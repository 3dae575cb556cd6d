// Package secrets resolves a secret-reference URI to its literal value at
// startup, so config files can name where a credential lives instead of
// carrying it in plaintext. Three schemes are supported:
//
//	vault://<mount>/<path>#<field>   HashiCorp Vault KV v2
//	gcpsm://<project>/<secret>[/<version>]  GCP Secret Manager
//	awssm://<secret-id>              AWS Secrets Manager (plain string secret)
//
// Any value that doesn't match one of these schemes is returned unchanged,
// so plain literals in a config file need no special casing at call sites.
package secrets

import (
	"context"
	"fmt"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vaultapi "github.com/hashicorp/vault/api"
)

const resolveTimeout = 10 * time.Second

// Resolve returns the literal secret value ref names, or ref itself
// unchanged if it isn't a recognized scheme.
func Resolve(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "vault://"):
		return resolveVault(strings.TrimPrefix(ref, "vault://"))
	case strings.HasPrefix(ref, "gcpsm://"):
		return resolveGCPSM(strings.TrimPrefix(ref, "gcpsm://"))
	case strings.HasPrefix(ref, "awssm://"):
		return resolveAWSSM(strings.TrimPrefix(ref, "awssm://"))
	default:
		return ref, nil
	}
}

// resolveVault reads rest as "<mount>/<path>#<field>" and fetches that
// field from a Vault KV v2 secret, using the ambient VAULT_ADDR/VAULT_TOKEN
// environment the hashicorp/vault/api default config already honors.
func resolveVault(rest string) (string, error) {
	pathPart, field, ok := strings.Cut(rest, "#")
	if !ok || field == "" {
		return "", fmt.Errorf("secrets: vault ref %q missing #field", rest)
	}
	mount, secretPath, ok := strings.Cut(pathPart, "/")
	if !ok {
		return "", fmt.Errorf("secrets: vault ref %q missing mount/path", rest)
	}

	client, err := vaultapi.NewClient(vaultapi.DefaultConfig())
	if err != nil {
		return "", fmt.Errorf("secrets: vault client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	secret, err := client.KVv2(mount).Get(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("secrets: vault read %s/%s: %w", mount, secretPath, err)
	}

	raw, ok := secret.Data[field]
	if !ok {
		return "", fmt.Errorf("secrets: vault secret %s/%s has no field %q", mount, secretPath, field)
	}
	val, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("secrets: vault field %q is not a string", field)
	}
	return val, nil
}

// resolveGCPSM reads rest as "<project>/<secret>" or "<project>/<secret>/<version>"
// (version defaults to "latest") and fetches the payload from GCP Secret Manager.
func resolveGCPSM(rest string) (string, error) {
	parts := strings.Split(rest, "/")
	if len(parts) < 2 {
		return "", fmt.Errorf("secrets: gcpsm ref %q missing project/secret", rest)
	}
	project, secretName := parts[0], parts[1]
	version := "latest"
	if len(parts) >= 3 && parts[2] != "" {
		version = parts[2]
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("secrets: gcpsm client: %w", err)
	}
	defer client.Close()

	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, secretName, version)
	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("secrets: gcpsm access %s: %w", name, err)
	}
	return string(resp.Payload.Data), nil
}

// resolveAWSSM reads rest as a secret id/ARN and fetches its plain string
// value from AWS Secrets Manager using the default credential chain.
func resolveAWSSM(secretID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("secrets: aws config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return "", fmt.Errorf("secrets: awssm get %s: %w", secretID, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secrets: awssm secret %s has no string value", secretID)
	}
	return *out.SecretString, nil
}
