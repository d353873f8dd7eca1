package agent

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/markus-barta/edgefleet/internal/protocol"
)

// execute runs command as a shell subprocess, streaming stdout/stderr
// line-by-line to log/<node_id> and publishing a closing cmd_done with
// the exit code (spec §4.4). Mirrors the teacher's runWithStreaming —
// pipes, a goroutine per stream, wait for both scanners before Wait —
// generalized to publish over the bus instead of a WebSocket and to
// cover the Python original's synthetic exit-code-(-1) spawn failure.
func (a *Agent) execute(ctx context.Context, execID, command string) int {
	nodeID := a.currentNodeID()
	logTopic := protocol.TopicLog(nodeID)

	cmd := exec.CommandContext(ctx, "sh", "-c", command)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.publishSpawnFailure(logTopic, execID, nodeID, err)
		return -1
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		a.publishSpawnFailure(logTopic, execID, nodeID, err)
		return -1
	}

	if err := cmd.Start(); err != nil {
		a.publishSpawnFailure(logTopic, execID, nodeID, err)
		return -1
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.streamLines(logTopic, execID, nodeID, protocol.StreamStdout, stdout)
	}()
	go func() {
		defer wg.Done()
		a.streamLines(logTopic, execID, nodeID, protocol.StreamStderr, stderr)
	}()
	wg.Wait()

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	a.publishLine(logTopic, protocol.CmdDonePayload{
		ExecID:    execID,
		NodeID:    nodeID,
		ExitCode:  exitCode,
		Timestamp: now(),
	}, protocol.KindCmdDone)

	return exitCode
}

// streamLines scans pipe for newline-delimited output and publishes
// each line as a log_line message. bufio.Scanner strips the trailing
// \n or \r\n; scanner.Text() does not itself validate or repair UTF-8,
// but any invalid byte sequences get replaced once the line is
// marshaled into the outgoing JSON payload by encoding/json, which
// escapes them to U+FFFD.
func (a *Agent) streamLines(logTopic, execID, nodeID, stream string, pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		a.publishLine(logTopic, protocol.LogLinePayload{
			ExecID:    execID,
			NodeID:    nodeID,
			Stream:    stream,
			Line:      scanner.Text(),
			Timestamp: now(),
		}, protocol.KindLogLine)
	}
}

func (a *Agent) publishSpawnFailure(logTopic, execID, nodeID string, spawnErr error) {
	a.publishLine(logTopic, protocol.LogLinePayload{
		ExecID:    execID,
		NodeID:    nodeID,
		Stream:    protocol.StreamStderr,
		Line:      "failed to start command: " + spawnErr.Error(),
		Timestamp: now(),
	}, protocol.KindLogLine)

	a.publishLine(logTopic, protocol.CmdDonePayload{
		ExecID:    execID,
		NodeID:    nodeID,
		ExitCode:  -1,
		Timestamp: now(),
	}, protocol.KindCmdDone)
}

func (a *Agent) publishLine(topic string, payload any, kind string) {
	a.bus.PublishJSON(topic, mustWrap(kind, payload), 1)
}

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
