package main

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const (
	parameterHistoryFilename = "parameter_history.json"
	nodeKeyFilename          = "node_key.pem"
	factStoreDirname         = "facts.leveldb"
)

// SaveParameterHistory writes the published parameter versions to a JSON file
func SaveParameterHistory(dataDir string, history []ParameterSet) error {
	if len(history) == 0 {
		return nil
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	filePath := filepath.Join(dataDir, parameterHistoryFilename)

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal parameter history: %w", err)
	}

	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write parameter history file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return fmt.Errorf("failed to replace parameter history file: %w", err)
	}

	return nil
}

// LoadParameterHistory reads the persisted parameter versions. A missing file is not an error.
func LoadParameterHistory(dataDir string) ([]ParameterSet, error) {
	filePath := filepath.Join(dataDir, parameterHistoryFilename)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read parameter history file: %w", err)
	}

	var history []ParameterSet
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("failed to unmarshal parameter history: %w", err)
	}

	if logger != nil {
		logger.Info("Loaded parameter history", "versions", len(history), "file", filePath)
	}

	return history, nil
}

// LoadOrCreateNodeKey reads the node signing key, generating and saving one if absent
func LoadOrCreateNodeKey(dataDir string) (*SoftwareSigner, error) {
	filePath := filepath.Join(dataDir, nodeKeyFilename)

	data, err := os.ReadFile(filePath)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil || block.Type != "EC PRIVATE KEY" {
			return nil, fmt.Errorf("invalid node key file %s", filePath)
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse node key: %w", err)
		}
		return NewSoftwareSigner(key), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read node key file: %w", err)
	}

	signer, err := GenerateSoftwareSigner()
	if err != nil {
		return nil, err
	}
	if err := saveNodeKey(filePath, signer.PrivateKey()); err != nil {
		return nil, err
	}
	return signer, nil
}

func saveNodeKey(filePath string, key *ecdsa.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal node key: %w", err)
	}

	data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write node key file: %w", err)
	}
	return nil
}
