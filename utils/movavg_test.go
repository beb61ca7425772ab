package utils_test

import (
  "testing"
  "time"

  "github.com/robertof/go-gattkit/utils"
  "github.com/stretchr/testify/assert"
)

func TestMovingAverageFillsWindow(t *testing.T) {
  avg := utils.NewMovingAverage(3)

  assert.Equal(t, 0, avg.Count())
  assert.Equal(t, time.Duration(0), avg.Average())

  avg.Add(10 * time.Millisecond)
  avg.Add(20 * time.Millisecond)

  assert.Equal(t, 2, avg.Count())
  assert.Equal(t, 15 * time.Millisecond, avg.Average())
}

func TestMovingAverageEvictsOldest(t *testing.T) {
  avg := utils.NewMovingAverage(2)

  avg.Add(10 * time.Millisecond)
  avg.Add(20 * time.Millisecond)
  avg.Add(60 * time.Millisecond) // evicts the 10ms sample

  assert.Equal(t, 2, avg.Count())
  assert.Equal(t, 40 * time.Millisecond, avg.Average())
}

func TestMovingAverageDisabled(t *testing.T) {
  avg := utils.NewMovingAverage(0)

  avg.Add(time.Second)

  assert.Equal(t, 0, avg.Count())
  assert.Equal(t, time.Duration(0), avg.Average())
}
