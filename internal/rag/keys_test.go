package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFirstKey(t *testing.T) {
	assert.Equal(t, "HBASE-12345", FirstKey("Why does HBASE-12345 time out?"))
	assert.Equal(t, "SPR-456", FirstKey("see SPR-456 and SPR-789"))
	assert.Empty(t, FirstKey("no identifiers here"))
	assert.Empty(t, FirstKey("lowercase hbase-123 does not count"))
	assert.Empty(t, FirstKey("X-1 is too short a prefix"))
}

func TestExtractKeys(t *testing.T) {
	keys := ExtractKeys("HBASE-1 relates to SPR-2; HBASE-1 again, then KAFKA-33.")
	assert.Equal(t, []string{"HBASE-1", "SPR-2", "KAFKA-33"}, keys)

	assert.Nil(t, ExtractKeys("nothing to see"))
}
