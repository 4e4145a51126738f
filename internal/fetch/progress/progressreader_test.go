package progress

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_ReportsAtInterval(t *testing.T) {
	var reports []int64

	src := strings.NewReader(strings.Repeat("x", 100))
	pr := NewReader(src, 100, 30, func(written, total int64) {
		reports = append(reports, written)
		assert.EqualValues(t, 100, total)
	})

	// Small reads accumulate toward the interval instead of reporting
	// once per Read call.
	buf := make([]byte, 10)
	read := 0

	for {
		n, err := pr.Read(buf)
		read += n

		if err == io.EOF {
			break
		}

		require.NoError(t, err)
	}

	assert.Equal(t, []int64{30, 60, 90}, reports)
	assert.Equal(t, 100, read)
}

func TestReader_PassesThroughData(t *testing.T) {
	pr := NewReader(strings.NewReader("hello"), 5, 1024, func(int64, int64) {
		t.Fatal("no report expected below the interval")
	})

	data, err := io.ReadAll(pr)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}
