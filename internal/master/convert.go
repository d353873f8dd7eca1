package master

import (
	"github.com/markus-barta/edgefleet/internal/protocol"
	"github.com/markus-barta/edgefleet/internal/store"
)

// storeLogLineFromWire converts the wire payload into the row shape
// InsertLogLine expects; Seq is assigned by the store on insert.
func storeLogLineFromWire(line protocol.LogLinePayload) store.LogLine {
	return store.LogLine{
		ExecID:    line.ExecID,
		Stream:    line.Stream,
		Line:      line.Line,
		Timestamp: line.Timestamp,
	}
}
