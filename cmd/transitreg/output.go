package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// readPayloads reads each change payload document. "-" reads stdin.
func readPayloads(stdin io.Reader, paths []string) ([]json.RawMessage, error) {
	payloads := make([]json.RawMessage, 0, len(paths))
	for _, path := range paths {
		var (
			data []byte
			err  error
		)
		if path == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(path)
		}
		if err != nil {
			return nil, fmt.Errorf("read payload %s: %w", path, err)
		}
		payloads = append(payloads, json.RawMessage(data))
	}
	return payloads, nil
}
