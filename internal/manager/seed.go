package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"convert-gateway/internal/model"
)

// SeedFile is the on-disk format for provisioning tenants out of band:
//
//	tenants:
//	  - id: acme
//	    tier: high
//	    limits:
//	      requests: 500
type SeedFile struct {
	Tenants []*model.TenantRecord `yaml:"tenants"`
}

// LoadSeedFile parses a tenant seed file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed parses seed YAML. Unknown fields are rejected.
func ParseSeed(data []byte) (*SeedFile, error) {
	var sf SeedFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to unmarshal seed file: %w", err)
	}
	for i, t := range sf.Tenants {
		if t == nil || t.ID == "" {
			return nil, fmt.Errorf("seed entry %d: tenant id is required", i)
		}
	}
	return &sf, nil
}

// SeedResult counts what Seed did.
type SeedResult struct {
	Created int
	Skipped int
}

// Seed provisions every tenant in sf. Existing tenants are skipped, so
// running the same file twice is safe.
func (tm *TenantManager) Seed(ctx context.Context, sf *SeedFile) (SeedResult, error) {
	var res SeedResult
	for _, t := range sf.Tenants {
		created, err := tm.AddTenant(ctx, t)
		if err != nil {
			return res, err
		}
		if created {
			res.Created++
		} else {
			res.Skipped++
		}
	}
	tm.logger.Info("Seed complete",
		zap.Int("created", res.Created),
		zap.Int("skipped", res.Skipped))
	return res, nil
}
