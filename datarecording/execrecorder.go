package datarecording

import (
	"os"
	"strings"
	"time"
)

// ExecInfoTable is the table that describes the run that produced a
// recording.
const ExecInfoTable = "exec_info"

// execInfo is one property of the run.
type execInfo struct {
	Property string
	Value    string
}

// execRecorder records when and how the program ran.
type execRecorder struct {
	recorder DataRecorder
	entries  []execInfo
}

func newExecRecorder(recorder DataRecorder) *execRecorder {
	recorder.CreateTable(ExecInfoTable, execInfo{})

	return &execRecorder{recorder: recorder}
}

const timeLayout = "2006-01-02 15:04:05.000000000"

// Start collects the properties known when the program starts.
func (e *execRecorder) Start() {
	e.entries = append(e.entries,
		execInfo{"Start Time", time.Now().Format(timeLayout)},
		execInfo{"Command", strings.Join(os.Args, " ")},
	)

	if wd, err := os.Getwd(); err == nil {
		e.entries = append(e.entries, execInfo{"Working Directory", wd})
	}
}

// End writes the collected properties together with the end time.
func (e *execRecorder) End() {
	e.entries = append(e.entries,
		execInfo{"End Time", time.Now().Format(timeLayout)})

	for _, entry := range e.entries {
		e.recorder.InsertData(ExecInfoTable, entry)
	}

	e.entries = nil
}
