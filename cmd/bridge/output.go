package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/nhle/incident-bridge/internal/source"
)

// Output formats accepted by --output.
const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

// envelope is the machine-readable shape of a command result.
type envelope struct {
	HumanReadable string         `json:"HumanReadable" yaml:"human_readable"`
	EntryContext  map[string]any `json:"EntryContext,omitempty" yaml:"entry_context,omitempty"`
	Contents      any            `json:"Contents,omitempty" yaml:"contents,omitempty"`
	Files         any            `json:"Files,omitempty" yaml:"files,omitempty"`
	Warnings      []string       `json:"Warnings,omitempty" yaml:"warnings,omitempty"`
}

func validateOutput(format string) error {
	switch format {
	case outputText, outputJSON, outputYAML:
		return nil
	}
	return errors.Newf("unknown output format %q, want text, json or yaml", format)
}

// writeResult renders res to w in the requested format.
func writeResult(w io.Writer, format string, res *source.Result) error {
	if format == outputText {
		text := strings.TrimRight(res.ReadableOutput, "\n")
		if _, err := fmt.Fprintln(w, text); err != nil {
			return err
		}
		for _, warning := range res.Warnings {
			if _, err := fmt.Fprintln(w, "Warning: "+warning); err != nil {
				return err
			}
		}
		return nil
	}

	env := envelope{
		HumanReadable: res.ReadableOutput,
		EntryContext:  res.Context(),
		Contents:      res.RawResponse,
		Warnings:      res.Warnings,
	}
	if len(res.Files) > 0 {
		env.Files = res.Files
	}

	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(env), "encoding json output")
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(env); err != nil {
			return errors.Wrap(err, "encoding yaml output")
		}
		return enc.Close()
	}
	return validateOutput(format)
}
