package sensor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInPortConsumesOnce(t *testing.T) {
	var p InPort[int]
	assert.False(t, p.IsNew())

	p.Write(5)
	p.Write(7)
	assert.True(t, p.IsNew())
	assert.Equal(t, 7, p.Read())
	assert.False(t, p.IsNew())
	// the last value stays readable
	assert.Equal(t, 7, p.Read())
}

func TestInPortConcurrentWriters(t *testing.T) {
	var p InPort[int]
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			p.Write(v)
		}(i)
	}
	wg.Wait()
	assert.True(t, p.IsNew())
	v := p.Read()
	assert.GreaterOrEqual(t, v, 0)
	assert.Less(t, v, 8)
}
