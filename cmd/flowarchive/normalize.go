package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
	"golang.org/x/exp/slog"

	"github.com/probe-lab/flowarchive/pkg/normalize"
	"github.com/probe-lab/flowarchive/pkg/source"
	"github.com/probe-lab/flowarchive/pkg/transform"
)

var NormalizeCommand = &cli.Command{
	Name:      "normalize",
	Usage:     "Normalize newline delimited flows and print the documents that would be archived",
	ArgsUsage: "[FILENAME]",
	Action:    Normalize,
	Flags: flags([]cli.Flag{
		&cli.BoolFlag{
			Name:        "encode-content",
			Usage:       "Keep binary bodies as base64 text instead of replacing them with a placeholder.",
			Value:       false,
			Destination: &normalizeOpts.encodeContent,
			EnvVars:     []string{envPrefix + "ENCODE_CONTENT"},
		},
		&cli.Float64Flag{
			Name:        "ws-binary-threshold",
			Usage:       "Fraction of non-printable characters above which a websocket message is treated as binary.",
			Value:       transform.DefaultBinaryThreshold,
			Destination: &normalizeOpts.binaryThreshold,
			EnvVars:     []string{envPrefix + "WS_BINARY_THRESHOLD"},
		},
	}),
}

var normalizeOpts struct {
	encodeContent   bool
	binaryThreshold float64
}

func Normalize(cc *cli.Context) error {
	setupLogging()

	var in io.Reader = os.Stdin
	if cc.NArg() > 0 && cc.Args().Get(0) != "-" {
		f, err := os.Open(cc.Args().Get(0))
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	n := normalize.New(normalize.Options{
		Registry: transform.NewRegistry(transform.Options{
			Binary: transform.PrintableDetector{Threshold: normalizeOpts.binaryThreshold},
		}),
		EncodeBinary: normalizeOpts.encodeContent,
		OnDecodeError: func(message string, encoding string, err error) {
			slog.Warn("failed to decode body, keeping it encoded", "message", message, "encoding", encoding, "error", err)
		},
	})

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	return normalizeLines(in, out, n)
}

// normalizeLines writes one normalized document per input line. Lines that
// cannot be decoded are logged and skipped.
func normalizeLines(r io.Reader, w io.Writer, n *normalize.Normalizer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256<<20)

	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		flow, err := source.DecodeFlow(data)
		if err != nil {
			slog.Warn("skipping line", "line", line, "error", err)
			continue
		}
		doc, err := n.Normalize(flow).MarshalJSON()
		if err != nil {
			return fmt.Errorf("line %d: marshal: %w", line, err)
		}
		if _, err := w.Write(append(doc, '\n')); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}
