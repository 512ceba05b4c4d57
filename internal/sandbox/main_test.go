package sandbox

import (
	"os"
	"testing"
)

// The isolated backend re-executes the test binary as its worker.
func TestMain(m *testing.M) {
	if IsWorker() {
		WorkerMain()
	}
	os.Exit(m.Run())
}
