package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNow_ReturnsCurrentTime(t *testing.T) {
	before := time.Now()
	result := Now()
	after := time.Now()

	assert.False(t, result.Before(before))
	assert.False(t, result.After(after))
}

func TestMockClock_Now(t *testing.T) {
	mockTime := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	mock := NewMockClock(mockTime)

	assert.True(t, mock.Now().Equal(mockTime))
}

func TestMockClock_Advance(t *testing.T) {
	mockTime := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	mock := NewMockClock(mockTime)

	first := mock.Now()
	mock.Advance(time.Hour)
	second := mock.Now()

	assert.True(t, first.Equal(mockTime))
	assert.True(t, second.Equal(mockTime.Add(time.Hour)))
}

func TestMockClock_Set(t *testing.T) {
	mock := NewMockClock(time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC))

	newTime := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	mock.Set(newTime)

	assert.True(t, mock.Now().Equal(newTime))
}

func TestMockClock_Since(t *testing.T) {
	mockTime := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	mock := NewMockClock(mockTime)

	past := mockTime.Add(-time.Hour)
	assert.Equal(t, time.Hour, mock.Since(past))
}

func TestMockClock_Until(t *testing.T) {
	mockTime := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	mock := NewMockClock(mockTime)

	future := mockTime.Add(time.Hour)
	assert.Equal(t, time.Hour, mock.Until(future))
}

func TestSince(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	result := Since(past)
	assert.InDelta(t, time.Hour, result, float64(time.Second))
}

func TestUntil(t *testing.T) {
	future := time.Now().Add(time.Hour)
	result := Until(future)
	assert.InDelta(t, time.Hour, result, float64(time.Second))
}

func TestIsReasonableTime(t *testing.T) {
	tests := []struct {
		name     string
		t        time.Time
		expected bool
	}{
		{"Epoch", time.Unix(0, 0), false},
		{"Year 2000", time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), false},
		{"Year 2020", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), false},
		{"Year 2023", time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), true},
		{"Year 2025", time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC), true},
		{"Year 2099", time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, IsReasonableTime(tc.t))
		})
	}
}

func TestClockInterface(t *testing.T) {
	var _ Clock = &RealClock{}
	var _ Clock = &MockClock{}
}

func TestRealClock_Now(t *testing.T) {
	c := &RealClock{}

	before := time.Now()
	result := c.Now()
	after := time.Now()

	assert.False(t, result.Before(before))
	assert.False(t, result.After(after))
}

func TestRealClock_Since(t *testing.T) {
	c := &RealClock{}

	past := time.Now().Add(-time.Hour)
	assert.InDelta(t, time.Hour, c.Since(past), float64(time.Second))
}

func TestRealClock_Until(t *testing.T) {
	c := &RealClock{}

	future := time.Now().Add(time.Hour)
	assert.InDelta(t, time.Hour, c.Until(future), float64(time.Second))
}
