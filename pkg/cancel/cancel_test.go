package cancel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequestStopLatches(t *testing.T) {
	ResetForTesting()
	defer ResetForTesting()

	assert.False(t, Requested())

	select {
	case <-Channel():
		t.Fatal("channel closed before stop requested")
	default:
	}

	RequestStop()
	assert.True(t, Requested())

	select {
	case <-Channel():
	case <-time.After(time.Second):
		t.Fatal("channel not closed after stop requested")
	}

	// A second request must not panic (double close).
	RequestStop()
	assert.True(t, Requested())
}
