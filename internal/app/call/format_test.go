package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatElapsed(t *testing.T) {
	cases := map[int]string{
		0:    "00:00",
		7:    "00:07",
		61:   "01:01",
		3599: "59:59",
		3600: "60:00",
		-3:   "00:00",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatElapsed(in), "seconds=%d", in)
	}
}
