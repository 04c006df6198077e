// Copyright 2025 Sentinel
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package keystore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// secretDocument is the JSON layout of the master-key secret:
//
//	{
//	  "active": "v2",
//	  "versions": {
//	    "v1": "<base64 32-byte key>",
//	    "v2": "<base64 32-byte key>"
//	  }
//	}
type secretDocument struct {
	Active   string            `json:"active"`
	Versions map[string]string `json:"versions"`
}

// secretsAPI is the slice of the Secrets Manager client the keystore uses.
// Tests substitute a fake.
type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// LoadAWSConfig builds an aws.Config for the keystore. When accessKey is
// empty the default credential chain applies (instance profile, env).
// Static credentials are for local development against localstack-style
// endpoints.
func LoadAWSConfig(ctx context.Context, region, accessKey, secretKey string) (aws.Config, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if accessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

// NewFromSecretsManager loads the versioned master keys from the named
// secret and builds a Store.
func NewFromSecretsManager(ctx context.Context, cfg aws.Config, secretID string, opts ...Option) (*Store, error) {
	client := secretsmanager.NewFromConfig(cfg)
	return newFromSecretsAPI(ctx, client, secretID, opts...)
}

func newFromSecretsAPI(ctx context.Context, client secretsAPI, secretID string, opts ...Option) (*Store, error) {
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: secrets manager: %v", ErrKeyUnavailable, err)
	}

	var raw []byte
	switch {
	case out.SecretString != nil:
		raw = []byte(*out.SecretString)
	case out.SecretBinary != nil:
		raw = out.SecretBinary
	default:
		return nil, fmt.Errorf("%w: secret %q is empty", ErrKeyUnavailable, secretID)
	}

	var doc secretDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse secret %q: %w", secretID, err)
	}
	if len(doc.Versions) == 0 {
		return nil, fmt.Errorf("%w: secret %q holds no key versions", ErrKeyUnavailable, secretID)
	}

	storeOpts := make([]Option, 0, len(doc.Versions)+1+len(opts))
	for version, encoded := range doc.Versions {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode key version %q: %w", version, err)
		}
		storeOpts = append(storeOpts, WithMasterKey(version, key))
	}
	if doc.Active != "" {
		storeOpts = append(storeOpts, WithActiveVersion(doc.Active))
	}
	storeOpts = append(storeOpts, opts...)

	return New(storeOpts...)
}
