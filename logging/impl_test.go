package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	"go.viam.com/test"
)

type jointSample struct {
	Name     string
	Position float64
	internal int
}

// assertLogMatches fuzzy matches a console log line. The timestamp and exact line number are
// ignored; level, logger name, file, message and structured fields must match.
func assertLogMatches(t *testing.T, actual *bytes.Buffer, expected string) {
	t.Helper()

	output, err := actual.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)

	actualParts := strings.Split(strings.TrimSuffix(output, "\n"), "\t")
	expectedParts := strings.Split(expected, "\t")
	test.That(t, len(actualParts), test.ShouldEqual, len(expectedParts))
	test.That(t, len(actualParts[0]), test.ShouldEqual, len(expectedParts[0]))
	test.That(t, actualParts[1], test.ShouldEqual, expectedParts[1])
	test.That(t, actualParts[2], test.ShouldEqual, expectedParts[2])

	actualFilename, actualLineNumber, found := strings.Cut(actualParts[3], ":")
	test.That(t, found, test.ShouldBeTrue)
	expectedFilename, _, _ := strings.Cut(expectedParts[3], ":")
	test.That(t, actualFilename, test.ShouldEqual, expectedFilename)
	_, err = strconv.Atoi(actualLineNumber)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, actualParts[4], test.ShouldEqual, expectedParts[4])
	if len(actualParts) == 5 {
		return
	}

	expectedMap := make(map[string]any)
	test.That(t, json.Unmarshal([]byte(expectedParts[5]), &expectedMap), test.ShouldBeNil)
	actualMap := make(map[string]any)
	test.That(t, json.Unmarshal([]byte(actualParts[5]), &actualMap), test.ShouldBeNil)
	test.That(t, actualMap, test.ShouldResemble, expectedMap)
}

func TestConsoleOutputFormat(t *testing.T) {
	notStdout := &bytes.Buffer{}
	logger := &impl{name: "omnicore", level: NewAtomicLevelAt(DEBUG), inUTC: true, appenders: []Appender{NewWriterAppender(notStdout)}}

	logger.Info("streaming session opened")
	assertLogMatches(t, notStdout,
		"2024-01-02T09:12:09.459Z\tINFO\tomnicore\tlogging/impl_test.go:58\tstreaming session opened")

	logger.Warnf("ack took %d ms", 12)
	assertLogMatches(t, notStdout,
		"2024-01-02T09:12:09.459Z\tWARN\tomnicore\tlogging/impl_test.go:62\tack took 12 ms")

	logger.Infow("joint", "joint", jointSample{"joint_1", 0.5, 3})
	assertLogMatches(t, notStdout,
		"2024-01-02T09:12:09.459Z\tINFO\tomnicore\tlogging/impl_test.go:66\tjoint\t"+
			`{"joint":{"Name":"joint_1","Position":0.5}}`)

	logger.Errorw("unpaired", "lonely")
	assertLogMatches(t, notStdout,
		"2024-01-02T09:12:09.459Z\tERROR\tomnicore\tlogging/impl_test.go:71\tunpaired\t"+
			`{"lonely":"unpaired log key"}`)
}

func TestLevelsAndSubloggers(t *testing.T) {
	notStdout := &bytes.Buffer{}
	logger := &impl{name: "omnicore", level: NewAtomicLevelAt(INFO), inUTC: true, appenders: []Appender{NewWriterAppender(notStdout)}}

	logger.Debug("hidden")
	test.That(t, notStdout.Len(), test.ShouldEqual, 0)

	logger.CDebugf(EnableDebugMode(context.Background(), ""), "visible %s", "in debug mode")
	test.That(t, notStdout.String(), test.ShouldContainSubstring, "visible in debug mode")
	notStdout.Reset()

	sub := logger.Sublogger("egm")
	sub.Info("child")
	test.That(t, notStdout.String(), test.ShouldContainSubstring, "omnicore.egm")

	sub.SetLevel(ERROR)
	notStdout.Reset()
	sub.Warn("dropped")
	test.That(t, notStdout.Len(), test.ShouldEqual, 0)
	logger.Warn("parent unaffected")
	test.That(t, notStdout.String(), test.ShouldContainSubstring, "parent unaffected")
}

func TestObservedTestLogger(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	logger.Sublogger("rws").Warnw("mastership lost", "task", "T_ROB1")
	test.That(t, logs.FilterMessage("mastership lost").Len(), test.ShouldEqual, 1)
	test.That(t, logs.All()[0].LoggerName, test.ShouldEqual, "rws")
}

func TestLevelFromString(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"", INFO},
		{"warning", WARN},
		{"Error", ERROR},
	} {
		got, err := LevelFromString(tc.in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldEqual, tc.want)
	}
	_, err := LevelFromString("verbose")
	test.That(t, err, test.ShouldNotBeNil)
}
