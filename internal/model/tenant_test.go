package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTenantRecordClone(t *testing.T) {
	rec := &TenantRecord{
		ID:       "t",
		Counters: map[string]int64{CategoryRequests: 2},
		Limits:   map[string]int64{CategoryRequests: 5},
	}
	cp := rec.Clone()
	cp.Counters[CategoryRequests] = 9
	cp.Limits[CategoryRequests] = 1

	assert.Equal(t, int64(2), rec.Counter(CategoryRequests))
	assert.Equal(t, int64(5), rec.Limits[CategoryRequests])
}

func TestTenantRecordHasUsage(t *testing.T) {
	rec := &TenantRecord{Counters: map[string]int64{CategoryMails: 1}}
	assert.True(t, rec.HasUsage([]string{CategoryRequests, CategoryMails}))
	assert.False(t, rec.HasUsage([]string{CategoryRequests}))
	assert.Equal(t, int64(0), rec.Counter(CategoryProfileChanges))
}
