package shard

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapConcurrentIncrements(t *testing.T) {
	m := New[int](4)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%5)
			m.With(key, func(entries map[string]int) { entries[key]++ })
		}(i)
	}
	wg.Wait()

	require.Equal(t, 5, m.Len())
	m.With("k0", func(entries map[string]int) { assert.Equal(t, 10, entries["k0"]) })
}

func TestExclusiveSeesAllShards(t *testing.T) {
	m := New[string](0)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i)
		m.With(key, func(entries map[string]string) { entries[key] = "v" })
	}
	total := 0
	m.Exclusive(func(shards []map[string]string) {
		assert.Len(t, shards, DefaultCount)
		for _, s := range shards {
			total += len(s)
		}
	})
	assert.Equal(t, 100, total)
	assert.Same(t, m.For("key-7"), m.For("key-7"))
}
