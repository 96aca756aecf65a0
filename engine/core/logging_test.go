package core

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestLogErrorKeepsPercentInArguments(t *testing.T) {
	var out bytes.Buffer
	SetLogOutput(&out)
	t.Cleanup(func() { SetLogOutput(os.Stderr) })

	tests := []struct {
		name string
		err  error
	}{
		{"percent verb", errors.New("disk 100%d full")},
		{"bare percent", errors.New("watch limit at 100%")},
		{"escaped", errors.New("%%s in path")},
	}
	for _, tt := range tests {
		out.Reset()
		LogError("config watcher: %s", tt.err)
		if got := out.String(); !strings.Contains(got, tt.err.Error()) || strings.Contains(got, "%!") {
			t.Errorf("%s: logged %q, want the message %q verbatim", tt.name, got, tt.err.Error())
		}
	}
}
