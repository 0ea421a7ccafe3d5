package zfcp

import "time"

// Recorder observes engine operations and delivered events. Metrics and
// the journal both implement it.
type Recorder interface {
	Operation(op string, p Path, took time.Duration, err error)
	Event(ev Event)
}

type nopRecorder struct{}

func (nopRecorder) Operation(string, Path, time.Duration, error) {}
func (nopRecorder) Event(Event)                                  {}

// Recorders fans out to several recorders, skipping nil ones.
func Recorders(rs ...Recorder) Recorder {
	var live multiRecorder
	for _, r := range rs {
		if r != nil {
			live = append(live, r)
		}
	}
	if len(live) == 0 {
		return nopRecorder{}
	}
	return live
}

type multiRecorder []Recorder

func (m multiRecorder) Operation(op string, p Path, took time.Duration, err error) {
	for _, r := range m {
		r.Operation(op, p, took, err)
	}
}

func (m multiRecorder) Event(ev Event) {
	for _, r := range m {
		r.Event(ev)
	}
}
