// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLRUCacheEviction(t *testing.T) {
	c := NewLRUCache[string, int](2)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3) // evicts a

	_, ok := c.Get("a")
	require.False(t, ok)

	v, ok := c.Get("b")
	require.True(t, ok)
	require.Equal(t, 2, v)
	require.Equal(t, 2, c.Len())
}

func TestLRUCacheRecencyOnGet(t *testing.T) {
	c := NewLRUCache[string, int](2)

	c.Put("a", 1)
	c.Put("b", 2)
	_, _ = c.Get("a") // a becomes most recent
	c.Put("c", 3)     // evicts b

	_, ok := c.Get("b")
	require.False(t, ok)
	_, ok = c.Get("a")
	require.True(t, ok)
}

func TestLRUCacheEvictAndFlush(t *testing.T) {
	c := NewLRUCache[string, int](4)
	c.Put("a", 1)
	c.Put("b", 2)

	c.Evict("a")
	_, ok := c.Get("a")
	require.False(t, ok)
	require.Equal(t, 1, c.Len())

	c.Flush()
	require.Zero(t, c.Len())
}
