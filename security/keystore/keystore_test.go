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
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := GenerateMasterKey()
	require.NoError(t, err)
	return key
}

func TestNew_RequiresActiveKey(t *testing.T) {
	_, err := New()
	require.ErrorIs(t, err, ErrNoActiveKey)
}

func TestNew_RejectsShortKey(t *testing.T) {
	_, err := New(WithMasterKey("v1", []byte("short")))
	require.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestDeriveKey_Deterministic(t *testing.T) {
	store, err := New(WithMasterKey("v1", testKey(t)))
	require.NoError(t, err)

	k1, err := store.DeriveKey("v1", "otp_secret")
	require.NoError(t, err)
	require.Len(t, k1, DerivedKeySize)

	k2, err := store.DeriveKey("v1", "otp_secret")
	require.NoError(t, err)
	require.True(t, Equal(k1, k2), "same context must derive the same key")
}

func TestDeriveKey_ContextSeparation(t *testing.T) {
	store, err := New(WithMasterKey("v1", testKey(t)))
	require.NoError(t, err)

	k1, err := store.DeriveKey("v1", "otp_secret")
	require.NoError(t, err)

	k2, err := store.DeriveKey("v1", "user:42")
	require.NoError(t, err)

	require.False(t, bytes.Equal(k1, k2), "different contexts must derive different keys")
}

func TestDeriveKey_UnknownVersion(t *testing.T) {
	store, err := New(WithMasterKey("v1", testKey(t)))
	require.NoError(t, err)

	_, err = store.DeriveKey("v9", "otp_secret")
	require.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestDeriveKey_ConcurrentFirstDerivation(t *testing.T) {
	store, err := New(WithMasterKey("v1", testKey(t)))
	require.NoError(t, err)

	const workers = 32
	keys := make([][]byte, workers)
	var wg sync.WaitGroup
	wg.Add(workers)

	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			k, derr := store.DeriveKey("v1", "session_data")
			require.NoError(t, derr)
			keys[i] = k
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		require.True(t, bytes.Equal(keys[0], keys[i]), "concurrent derivations must converge")
	}
}

func TestRotate(t *testing.T) {
	oldKey := testKey(t)
	store, err := New(WithMasterKey("v1", oldKey))
	require.NoError(t, err)
	require.Equal(t, "v1", store.ActiveVersion())

	oldDerived, err := store.DeriveKey("v1", "ctx")
	require.NoError(t, err)

	require.NoError(t, store.Rotate("v2", testKey(t)))
	require.Equal(t, "v2", store.ActiveVersion())

	// Old version still resolvable for historical ciphertexts
	stillOld, err := store.DeriveKey("v1", "ctx")
	require.NoError(t, err)
	require.True(t, bytes.Equal(oldDerived, stillOld))

	newDerived, err := store.DeriveKey("v2", "ctx")
	require.NoError(t, err)
	require.False(t, bytes.Equal(oldDerived, newDerived))
}

func TestActiveSigningKey(t *testing.T) {
	store, err := New(WithMasterKey("v1", testKey(t)))
	require.NoError(t, err)

	kid, key, err := store.ActiveSigningKey()
	require.NoError(t, err)
	require.Equal(t, "v1", kid)
	require.Len(t, key, DerivedKeySize)

	// Signing key is separated from data keys under the same version
	dataKey, err := store.DeriveKey("v1", "otp_secret")
	require.NoError(t, err)
	require.False(t, bytes.Equal(key, dataKey))
}

func TestFromEnv(t *testing.T) {
	key := testKey(t)
	t.Setenv("SENTINEL_MASTER_KEY", base64.StdEncoding.EncodeToString(key))

	store, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "v1", store.ActiveVersion())
}

func TestFromEnv_Missing(t *testing.T) {
	t.Setenv("SENTINEL_MASTER_KEY", "")

	_, err := FromEnv()
	require.ErrorIs(t, err, ErrNoActiveKey)
}

// fakeSecretsClient implements secretsAPI for tests.
type fakeSecretsClient struct {
	output *secretsmanager.GetSecretValueOutput
	err    error
}

func (f *fakeSecretsClient) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	return f.output, f.err
}

func TestNewFromSecretsAPI(t *testing.T) {
	k1 := base64.StdEncoding.EncodeToString(testKey(t))
	k2 := base64.StdEncoding.EncodeToString(testKey(t))
	doc := `{"active":"v2","versions":{"v1":"` + k1 + `","v2":"` + k2 + `"}}`

	client := &fakeSecretsClient{
		output: &secretsmanager.GetSecretValueOutput{
			SecretString: aws.String(doc),
		},
	}

	store, err := newFromSecretsAPI(context.Background(), client, "sentinel/master-keys")
	require.NoError(t, err)
	require.Equal(t, "v2", store.ActiveVersion())
	require.Len(t, store.Versions(), 2)
}

func TestNewFromSecretsAPI_Errors(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeSecretsClient
	}{
		{
			name:   "api error",
			client: &fakeSecretsClient{err: errors.New("access denied")},
		},
		{
			name: "empty secret",
			client: &fakeSecretsClient{
				output: &secretsmanager.GetSecretValueOutput{},
			},
		},
		{
			name: "no versions",
			client: &fakeSecretsClient{
				output: &secretsmanager.GetSecretValueOutput{
					SecretString: aws.String(`{"active":"v1","versions":{}}`),
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newFromSecretsAPI(context.Background(), tt.client, "sentinel/master-keys")
			require.Error(t, err)
		})
	}
}
