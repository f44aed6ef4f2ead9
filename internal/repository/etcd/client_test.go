package etcd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockKey(t *testing.T) {
	assert.Equal(t, "/locks/maintenance/pve1", LockKey("pve1"))
	assert.NotEqual(t, LockKey("pve1"), LockKey("pve10"))
}
