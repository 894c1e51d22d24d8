package config

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvOverrides(t *testing.T) {
	t.Run("SOLANA_NETWORK sets default network", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("SOLANA_NETWORK", "testnet")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "testnet", cfg.Network)
	})

	t.Run("SOLANA_KEYPAIR_PATH sets keypair", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("SOLANA_KEYPAIR_PATH", "/keys/id.json")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/keys/id.json", cfg.KeypairPath)
	})

	t.Run("SOLDEPLOY_DB sets history path", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("SOLDEPLOY_DB", "/tmp/h.db")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/tmp/h.db", cfg.HistoryPath)
	})

	t.Run("per-cluster RPC override", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("SOLDEPLOY_RPC_MAINNET_BETA", "https://rpc.example.com")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "https://rpc.example.com", cfg.Networks["mainnet-beta"].URL)
		assert.Equal(t, "Mainnet Beta", cfg.Networks["mainnet-beta"].Label)
		assert.Equal(t, "https://api.devnet.solana.com", cfg.Networks["devnet"].URL)
	})

	t.Run("empty values leave defaults", func(t *testing.T) {
		clearEnv(t)

		cfg := DefaultConfig()
		want := cfg.KeypairPath
		cfg.applyEnvOverrides()

		assert.Equal(t, "devnet", cfg.Network)
		assert.Equal(t, want, cfg.KeypairPath)
	})
}

func TestSDKError(t *testing.T) {
	t.Run("canonical message with subject", func(t *testing.T) {
		err := NewError(ErrInvalidKeypair, "/nope.json")
		assert.Equal(t, "Invalid keypair file.: /nope.json", err.Message)
		assert.Equal(t, "Invalid keypair file.: /nope.json (E106)", err.Error())
	})

	t.Run("code survives wrapping", func(t *testing.T) {
		inner := Errorf(ErrBuildFailed, "Build failed with code %d", 101).WithDetails("error[E0425]")
		wrapped := fmt.Errorf("build step: %w", inner)

		assert.Equal(t, ErrBuildFailed, CodeOf(wrapped))
		assert.Equal(t, "error[E0425]", DetailsOf(wrapped))
		assert.Equal(t, "Build failed with code 101", MessageOf(wrapped))
	})

	t.Run("unwrap exposes cause", func(t *testing.T) {
		cause := errors.New("exit status 1")
		err := NewError(ErrDeployFailed, "").Wrap(cause)

		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "Deployment failed. (E104): exit status 1", err.Error())
	})

	t.Run("plain errors have no code", func(t *testing.T) {
		err := errors.New("boom")
		assert.Equal(t, ErrorCode(""), CodeOf(err))
		assert.Equal(t, "boom", MessageOf(err))
		assert.Equal(t, "", MessageOf(nil))
	})

	t.Run("every code has a message", func(t *testing.T) {
		for _, code := range []ErrorCode{ErrSolanaCLIMissing, ErrRustMissing, ErrBuildFailed, ErrDeployFailed,
			ErrInvalidNetwork, ErrInvalidKeypair, ErrProgramID, ErrProgramPath} {
			assert.NotEmpty(t, code.Message(), code)
		}
	})
}
